package smchannel

import (
	"sync"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/aoscore/aos-cm/pkg/metrics"
)

// Registry indexes every connected SM Channel by the NodeID it
// advertised, for lookup by the reconciler.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel

	// OnRegister, if set, is called after ch is indexed, outside the
	// registry lock, so the reconciler can reissue any delta withheld
	// while the node was unreachable.
	OnRegister func(nodeID string)
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*Channel)}
}

// Register indexes ch, replacing any prior channel for the same
// NodeID (a reconnecting SM supersedes its previous connection).
func (r *Registry) Register(ch *Channel) {
	r.mu.Lock()
	r.channels[ch.NodeID] = ch
	metrics.SMChannelsConnected.Set(float64(len(r.channels)))
	r.mu.Unlock()

	if r.OnRegister != nil {
		r.OnRegister(ch.NodeID)
	}
}

// Unregister removes ch if it is still the channel on record for its
// NodeID (a superseding reconnect must not be unregistered by the old
// connection's cleanup).
func (r *Registry) Unregister(ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[ch.NodeID] == ch {
		delete(r.channels, ch.NodeID)
	}
	metrics.SMChannelsConnected.Set(float64(len(r.channels)))
}

// Get returns the channel for nodeID, if connected.
func (r *Registry) Get(nodeID string) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[nodeID]
	if !ok {
		return nil, aoserrors.New(aoserrors.KindNotFound, "smchannel: no SM connected for node "+nodeID)
	}
	return ch, nil
}

// All returns a snapshot of every connected channel.
func (r *Registry) All() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}
