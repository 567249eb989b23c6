package smchannel

import (
	"context"
	"sync"
	"time"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/aoscore/aos-cm/pkg/log"
	"github.com/aoscore/aos-cm/pkg/metrics"
	"github.com/aoscore/aos-cm/pkg/transport"
	"github.com/google/uuid"
)

// AsyncHandlers receives the asynchronous (non-request/response)
// traffic a Channel demultiplexes. Any handler left nil is ignored.
type AsyncHandlers struct {
	OnInstanceStatus func(smID string, p InstanceStatusPayload)
	OnMonitoring     func(smID string, p MonitoringPayload)
	OnAlert          func(smID string, p AlertPayload)
	OnLog            func(smID string, p LogPayload)
}

// Channel is one SM worker's stream.
type Channel struct {
	NodeID    string
	Runtimes  []string
	Resources []string

	stream   transport.Stream
	handlers AsyncHandlers

	mu      sync.Mutex
	pending map[string]chan *transport.Envelope
}

// newChannel wraps stream, not yet keyed by NodeID until the SM's
// first SMInfo envelope arrives.
func newChannel(stream transport.Stream, handlers AsyncHandlers) *Channel {
	return &Channel{
		stream:   stream,
		handlers: handlers,
		pending:  make(map[string]chan *transport.Envelope),
	}
}

// Serve reads from the stream until it fails or ctx is canceled,
// dispatching every envelope to either a waiting Request call or an
// async handler. It blocks; callers typically run it in a goroutine
// per accepted connection.
func (c *Channel) Serve(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		env, err := c.stream.Recv()
		if err != nil {
			c.failPending()
			return err
		}
		c.dispatch(env)
	}
}

func (c *Channel) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Channel) dispatch(env *transport.Envelope) {
	c.mu.Lock()
	if ch, ok := c.pending[env.CorrelationID]; ok {
		delete(c.pending, env.CorrelationID)
		c.mu.Unlock()
		ch <- env
		return
	}
	c.mu.Unlock()

	switch env.Kind {
	case KindSMInfo:
		var p SMInfoPayload
		if err := env.DecodePayload(&p); err == nil {
			c.NodeID = p.NodeID
			c.Runtimes = p.Runtimes
			c.Resources = p.Resources
		}
	case KindInstanceStatus:
		if c.handlers.OnInstanceStatus == nil {
			return
		}
		var p InstanceStatusPayload
		if err := env.DecodePayload(&p); err == nil {
			c.handlers.OnInstanceStatus(c.NodeID, p)
		}
	case KindMonitoring:
		if c.handlers.OnMonitoring == nil {
			return
		}
		var p MonitoringPayload
		if err := env.DecodePayload(&p); err == nil {
			c.handlers.OnMonitoring(c.NodeID, p)
		}
	case KindAlert:
		if c.handlers.OnAlert == nil {
			return
		}
		var p AlertPayload
		if err := env.DecodePayload(&p); err == nil {
			c.handlers.OnAlert(c.NodeID, p)
		}
	case KindLog:
		if c.handlers.OnLog == nil {
			return
		}
		var p LogPayload
		if err := env.DecodePayload(&p); err == nil {
			c.handlers.OnLog(c.NodeID, p)
		}
	default:
		log.Warn("smchannel: unhandled envelope kind " + env.Kind)
	}
}

// Request sends kind/payload and blocks for the matching reply up to
// deadline, failing with aoserrors.KindTimeout past that so the caller
// (typically the reconciler) is never blocked indefinitely by one slow
// or unresponsive SM.
func (c *Channel) Request(ctx context.Context, kind string, payload any, out any, deadline time.Duration) error {
	corrID := uuid.NewString()
	ch := make(chan *transport.Envelope, 1)

	c.mu.Lock()
	c.pending[corrID] = ch
	c.mu.Unlock()

	timer := metrics.NewTimer()

	if err := c.stream.Send(transport.NewEnvelope(kind, corrID, payload)); err != nil {
		c.mu.Lock()
		delete(c.pending, corrID)
		c.mu.Unlock()
		return aoserrors.Wrap(aoserrors.KindRuntime, "smchannel: send "+kind, err)
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	select {
	case env, ok := <-ch:
		timer.ObserveDurationVec(metrics.SMRequestDuration, kind)
		if !ok {
			return aoserrors.New(aoserrors.KindRuntime, "smchannel: stream closed while waiting for "+kind)
		}
		if out == nil {
			return nil
		}
		return env.DecodePayload(out)
	case <-ctx.Done():
		timer.ObserveDurationVec(metrics.SMRequestDuration, kind)
		c.mu.Lock()
		delete(c.pending, corrID)
		c.mu.Unlock()
		return aoserrors.New(aoserrors.KindTimeout, "smchannel: "+kind+" exceeded deadline")
	}
}

// Push sends a fire-and-forget envelope with no expected reply (e.g. a
// log request SMs answer as a stream of async Log messages rather than
// a single response).
func (c *Channel) Push(kind, correlationID string, payload any) error {
	if err := c.stream.Send(transport.NewEnvelope(kind, correlationID, payload)); err != nil {
		return aoserrors.Wrap(aoserrors.KindRuntime, "smchannel: push "+kind, err)
	}
	return nil
}
