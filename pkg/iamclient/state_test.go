package iamclient

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aoscore/aos-cm/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestStateMachineDefaultsUnprovisioned(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state")

	sm, err := newStateMachine(path)
	require.NoError(t, err)
	require.Equal(t, types.NodeStateUnprovisioned, sm.Current())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "unprovisioned", string(raw))
}

func TestStateMachineLoadsPersistedState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state")
	require.NoError(t, os.WriteFile(path, []byte("provisioned"), 0600))

	sm, err := newStateMachine(path)
	require.NoError(t, err)
	require.Equal(t, types.NodeStateProvisioned, sm.Current())
}

func TestStateMachineValidTransitions(t *testing.T) {
	sm, err := newStateMachine(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)

	require.NoError(t, sm.transition(types.NodeStateProvisioned))
	require.Equal(t, types.NodeStateProvisioned, sm.Current())

	require.NoError(t, sm.transition(types.NodeStatePaused))
	require.Equal(t, types.NodeStatePaused, sm.Current())

	require.NoError(t, sm.transition(types.NodeStateProvisioned))
	require.NoError(t, sm.transition(types.NodeStateUnprovisioned))
	require.Equal(t, types.NodeStateUnprovisioned, sm.Current())
}

func TestStateMachineRejectsWrongStateTransition(t *testing.T) {
	sm, err := newStateMachine(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)

	err = sm.transition(types.NodeStatePaused)
	require.Error(t, err)
	require.Equal(t, types.NodeStateUnprovisioned, sm.Current(), "rejected transition must not change state")
}

func TestStateMachineNotifiesSubscribersOnce(t *testing.T) {
	sm, err := newStateMachine(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)

	var calls []types.NodeState
	sm.Subscribe(func(s types.NodeState) { calls = append(calls, s) })

	require.NoError(t, sm.transition(types.NodeStateProvisioned))
	require.Equal(t, []types.NodeState{types.NodeStateProvisioned}, calls)

	// A rejected transition (provisioned -> provisioned is not an edge
	// in the diagram) must not notify.
	require.Error(t, sm.transition(types.NodeStateProvisioned))
	require.Len(t, calls, 1)

	require.NoError(t, sm.transition(types.NodeStatePaused))
	require.Len(t, calls, 2)
}
