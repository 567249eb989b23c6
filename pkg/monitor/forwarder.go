package monitor

import (
	"sync"
	"time"

	"github.com/aoscore/aos-cm/pkg/log"
	"github.com/aoscore/aos-cm/pkg/metrics"
)

// retryBackoff bounds how long the forwarder waits after a failed send
// before retrying the head of the buffer.
const retryBackoff = 2 * time.Second

// Sender is the narrow upstream dependency a Forwarder needs; it is
// satisfied directly by *cloudtransport.Transport.
type Sender interface {
	Send(kind, correlationID string, payload any) error
}

type forwardItem struct {
	kind    string
	payload any
}

// Forwarder holds a bounded FIFO of monitoring/alert payloads awaiting
// upstream delivery and drains it in the background. Unlike the cloud
// transport's own outbound queue, which blocks Send up to a timeout and
// then errors, a full Forwarder drops its oldest pending item to make
// room for the newest one: monitoring samples lose value with age, so
// retrying the newest sample is more useful than preserving the oldest.
// Nothing here is ever written to disk.
type Forwarder struct {
	upstream Sender
	capacity int

	mu  sync.Mutex
	buf []forwardItem

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewForwarder builds a Forwarder with the given buffer capacity. A
// non-positive capacity defaults to 256.
func NewForwarder(upstream Sender, capacity int) *Forwarder {
	if capacity <= 0 {
		capacity = 256
	}
	return &Forwarder{
		upstream: upstream,
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background drain loop.
func (f *Forwarder) Start() {
	go f.run()
}

// Stop signals the drain loop to exit and waits for it to do so. Any
// items still buffered are discarded.
func (f *Forwarder) Stop() {
	close(f.stopCh)
	<-f.doneCh
}

// Enqueue appends one payload for upstream delivery, dropping the oldest
// buffered item first if the buffer is already at capacity.
func (f *Forwarder) Enqueue(kind string, payload any) {
	f.mu.Lock()
	if len(f.buf) >= f.capacity {
		f.buf = f.buf[1:]
		metrics.AlertsDroppedTotal.Inc()
	}
	f.buf = append(f.buf, forwardItem{kind: kind, payload: payload})
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Depth returns the number of items currently buffered, for tests and diagnostics.
func (f *Forwarder) Depth() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

func (f *Forwarder) run() {
	defer close(f.doneCh)
	for {
		select {
		case <-f.stopCh:
			return
		case <-f.wake:
		}
		f.drain()
	}
}

func (f *Forwarder) drain() {
	for {
		f.mu.Lock()
		if len(f.buf) == 0 {
			f.mu.Unlock()
			return
		}
		item := f.buf[0]
		f.mu.Unlock()

		if err := f.upstream.Send(item.kind, "", item.payload); err != nil {
			log.Warn("monitor: forward " + item.kind + ": " + err.Error())
			select {
			case <-f.stopCh:
				return
			case <-time.After(retryBackoff):
			}
			continue
		}

		metrics.AlertsForwardedTotal.Inc()
		f.mu.Lock()
		if len(f.buf) > 0 {
			f.buf = f.buf[1:]
		}
		f.mu.Unlock()
	}
}
