package transport

import (
	"context"
	"math/rand"
	"time"

	"google.golang.org/grpc"
)

// Dialer opens a fresh connection to the remote end.
type Dialer func(ctx context.Context) (*grpc.ClientConn, error)

// Session is invoked once per successful connection. It should block
// for as long as the connection is usable and return when it drops;
// Reconnector redials after every return (error or nil) until ctx is
// canceled.
type Session func(ctx context.Context, conn *grpc.ClientConn) error

// Reconnector drives a dial-connect-retry loop with jittered
// exponential backoff: 1s base, doubling each failed attempt, capped
// at 60s, retried forever until the context is canceled.
type Reconnector struct {
	Dial    Dialer
	Base    time.Duration
	Max     time.Duration
	OnRetry func(attempt int, delay time.Duration, err error)
}

// NewReconnector builds a Reconnector with the default 1s/60s schedule.
func NewReconnector(dial Dialer) *Reconnector {
	return &Reconnector{Dial: dial, Base: time.Second, Max: 60 * time.Second}
}

// Run blocks, redialing and running session until ctx is canceled.
func (r *Reconnector) Run(ctx context.Context, session Session) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := r.Dial(ctx)
		if err != nil {
			r.wait(ctx, attempt, err)
			attempt++
			continue
		}

		sessionErr := session(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		if sessionErr == nil {
			// Connection ran and closed cleanly (e.g. server-initiated
			// shutdown); still worth backing off instead of hot-looping.
			attempt = 0
		} else {
			r.wait(ctx, attempt, sessionErr)
			attempt++
			continue
		}
		r.wait(ctx, attempt, nil)
	}
}

func (r *Reconnector) wait(ctx context.Context, attempt int, err error) {
	delay := r.backoff(attempt)
	if r.OnRetry != nil {
		r.OnRetry(attempt, delay, err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func (r *Reconnector) backoff(attempt int) time.Duration {
	base, max := r.Base, r.Max
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 60 * time.Second
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}

	// +/-20% jitter so a fleet of nodes reconnecting at once doesn't
	// hammer the cloud in lockstep.
	jitter := 0.8 + rand.Float64()*0.4
	d = time.Duration(float64(d) * jitter)
	if d > max {
		d = max
	}
	return d
}
