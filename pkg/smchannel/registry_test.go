package smchannel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterGetUnregister(t *testing.T) {
	r := NewRegistry()
	ch := &Channel{NodeID: "node-1"}

	r.Register(ch)
	got, err := r.Get("node-1")
	require.NoError(t, err)
	require.Same(t, ch, got)

	r.Unregister(ch)
	_, err = r.Get("node-1")
	require.Error(t, err)
}

func TestRegistryReconnectSupersedesOldChannel(t *testing.T) {
	r := NewRegistry()
	old := &Channel{NodeID: "node-1"}
	fresh := &Channel{NodeID: "node-1"}

	r.Register(old)
	r.Register(fresh)

	// The stale connection's deferred cleanup must not evict the new one.
	r.Unregister(old)

	got, err := r.Get("node-1")
	require.NoError(t, err)
	require.Same(t, fresh, got)
}

func TestRegistryAll(t *testing.T) {
	r := NewRegistry()
	r.Register(&Channel{NodeID: "node-1"})
	r.Register(&Channel{NodeID: "node-2"})

	require.Len(t, r.All(), 2)
}
