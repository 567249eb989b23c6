package cloudtransport

import (
	"context"
	"sync"
	"time"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/aoscore/aos-cm/pkg/log"
	"github.com/aoscore/aos-cm/pkg/metrics"
	"github.com/aoscore/aos-cm/pkg/security"
	"github.com/aoscore/aos-cm/pkg/transport"
	"google.golang.org/grpc"
)

// defaultEnqueueTimeout bounds how long Send blocks against a full
// outbound queue before returning an error.
const defaultEnqueueTimeout = 5 * time.Second

// Handler processes one inbound envelope from the cloud (desiredStatus,
// updateState, stateAcceptance, ...).
type Handler func(env *transport.Envelope)

// HelloProvider returns the NodeInfo to send on connect and on every
// reconnect, always reflecting current state (not a value captured at
// construction time).
type HelloProvider func() HelloPayload

// Config configures a Transport.
type Config struct {
	Addr           string
	QueueSize      int
	EnqueueTimeout time.Duration
}

// Transport is the single logical stream to the cloud control plane.
type Transport struct {
	cfg     Config
	certMgr *security.NodeCertManager
	hello   HelloProvider

	mu      sync.RWMutex
	handler Handler

	outbound chan *transport.Envelope
	recon    *transport.Reconnector

	stopOnce sync.Once
	cancel   context.CancelFunc
}

// New builds a Transport. hello is called fresh on every (re)connect.
func New(cfg Config, certMgr *security.NodeCertManager, hello HelloProvider) *Transport {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}

	t := &Transport{
		cfg:      cfg,
		certMgr:  certMgr,
		hello:    hello,
		outbound: make(chan *transport.Envelope, cfg.QueueSize),
	}
	t.recon = transport.NewReconnector(t.dial)
	t.recon.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.CloudReconnectsTotal.Inc()
		if err != nil {
			log.Errorf("cloudtransport: reconnecting", err)
		}
	}
	return t
}

// SetHandler registers the callback invoked for every inbound envelope.
// Must be called before Start, or may race with an already-running
// session.
func (t *Transport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Start begins the connect/serve/reconnect loop in the background. It
// returns immediately; call Stop to cancel in-flight work and join.
func (t *Transport) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.recon.Run(ctx, t.session)
}

// Stop cancels any in-flight read/write and drains the outbound queue
// as undeliverable.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.drain()
	})
}

// Send enqueues an envelope for delivery, blocking up to
// cfg.EnqueueTimeout if the outbound queue is full.
func (t *Transport) Send(kind, correlationID string, payload any) error {
	env := transport.NewEnvelope(kind, correlationID, payload)
	timer := time.NewTimer(t.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case t.outbound <- env:
		metrics.CloudOutboundQueueDepth.Set(float64(len(t.outbound)))
		return nil
	case <-timer.C:
		return aoserrors.New(aoserrors.KindTimeout, "cloudtransport: outbound queue full")
	}
}

func (t *Transport) drain() {
	for {
		select {
		case <-t.outbound:
		default:
			metrics.CloudOutboundQueueDepth.Set(0)
			return
		}
	}
}

func (t *Transport) dial(ctx context.Context) (*grpc.ClientConn, error) {
	if _, ok := t.certMgr.Current(); !ok {
		return nil, aoserrors.New(aoserrors.KindWrongState, "cloudtransport: node is not yet provisioned with an identity certificate")
	}
	return transport.DialMTLS(ctx, t.cfg.Addr, t.certMgr)
}

func (t *Transport) session(ctx context.Context, conn *grpc.ClientConn) error {
	stream, err := transport.OpenExchange(ctx, conn)
	if err != nil {
		return err
	}

	metrics.CloudConnected.Set(1)
	defer metrics.CloudConnected.Set(0)

	if t.hello != nil {
		if err := stream.Send(transport.NewEnvelope(KindHello, "", t.hello())); err != nil {
			return err
		}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErrCh := make(chan error, 1)
	go func() {
		for {
			env, err := stream.Recv()
			if err != nil {
				readErrCh <- err
				return
			}
			t.mu.RLock()
			h := t.handler
			t.mu.RUnlock()
			if h != nil {
				h(env)
			}
		}
	}()

	for {
		select {
		case <-sessionCtx.Done():
			return sessionCtx.Err()
		case err := <-readErrCh:
			return err
		case env := <-t.outbound:
			metrics.CloudOutboundQueueDepth.Set(float64(len(t.outbound)))
			if err := stream.Send(env); err != nil {
				return err
			}
		}
	}
}
