package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func TestReconnectorBackoffCapsAtMax(t *testing.T) {
	r := NewReconnector(nil)
	r.Base = 1 * time.Second
	r.Max = 10 * time.Second

	d := r.backoff(10)
	require.LessOrEqual(t, d, r.Max)
	require.Greater(t, d, time.Duration(0))
}

func TestReconnectorBackoffGrows(t *testing.T) {
	r := NewReconnector(nil)
	r.Base = 1 * time.Second
	r.Max = 60 * time.Second

	// With jitter at +/-20%, attempt 3 (8s nominal) should never overlap
	// attempt 0 (1s nominal) even at the jitter extremes.
	low := r.backoff(0)
	high := r.backoff(3)
	require.Less(t, low, high)
}

func TestReconnectorRetriesOnDialFailure(t *testing.T) {
	var attempts int
	dial := func(ctx context.Context) (*grpc.ClientConn, error) {
		attempts++
		return nil, errors.New("connection refused")
	}

	r := NewReconnector(dial)
	r.Base = 1 * time.Millisecond
	r.Max = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	r.Run(ctx, func(ctx context.Context, conn *grpc.ClientConn) error { return nil })

	require.Greater(t, attempts, 1)
}

func TestReconnectorStopsOnContextCancel(t *testing.T) {
	dial := func(ctx context.Context) (*grpc.ClientConn, error) {
		return nil, errors.New("unreachable")
	}

	r := NewReconnector(dial)
	r.Base = 1 * time.Millisecond
	r.Max = 2 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, func(ctx context.Context, conn *grpc.ClientConn) error { return nil })
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
