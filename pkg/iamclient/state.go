package iamclient

import (
	"os"
	"strings"
	"sync"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/aoscore/aos-cm/pkg/types"
)

// stateMachine tracks this node's provisioning state, persisting every
// transition to a one-line state file before notifying
// subscribers, so no listener is ever told of a state that is not
// already on disk.
type stateMachine struct {
	mu        sync.Mutex
	filePath  string
	state     types.NodeState
	listeners []func(types.NodeState)
}

func newStateMachine(filePath string) (*stateMachine, error) {
	sm := &stateMachine{filePath: filePath, state: types.NodeStateUnprovisioned}

	raw, err := os.ReadFile(filePath)
	switch {
	case os.IsNotExist(err):
		// First run: persist the default so the file always exists
		// once the client has started.
		if err := sm.persist(types.NodeStateUnprovisioned); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, aoserrors.Wrap(aoserrors.KindRuntime, "read provisioning state file", err)
	default:
		sm.state = types.NodeState(strings.TrimSpace(string(raw)))
	}

	return sm, nil
}

func (sm *stateMachine) Current() types.NodeState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// Subscribe registers fn to be called after every committed transition.
func (sm *stateMachine) Subscribe(fn func(types.NodeState)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, fn)
}

// allowedTransitions enumerates every valid edge in the provisioning
// state diagram.
var allowedTransitions = map[types.NodeState]map[types.NodeState]bool{
	types.NodeStateUnprovisioned: {
		types.NodeStateUnprovisioned: true, // StartProvisioning is a no-op transition
		types.NodeStateProvisioned:   true, // FinishProvisioning
	},
	types.NodeStateProvisioned: {
		types.NodeStatePaused:        true, // Pause
		types.NodeStateUnprovisioned: true, // Deprovision
	},
	types.NodeStatePaused: {
		types.NodeStateProvisioned:   true, // Resume
		types.NodeStateUnprovisioned: true, // Deprovision
	},
}

// transition moves the node to next if the edge is valid, persisting
// and notifying exactly once. A wrong-state transition returns a
// KindWrongState error and leaves state untouched.
func (sm *stateMachine) transition(next types.NodeState) error {
	sm.mu.Lock()
	current := sm.state
	if !allowedTransitions[current][next] {
		sm.mu.Unlock()
		return aoserrors.New(aoserrors.KindWrongState, string(current)+" -> "+string(next)+" is not a valid provisioning transition")
	}

	if err := sm.persist(next); err != nil {
		sm.mu.Unlock()
		return err
	}
	sm.state = next
	listeners := append([]func(types.NodeState){}, sm.listeners...)
	sm.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return nil
}

// persist must be called with sm.mu held.
func (sm *stateMachine) persist(state types.NodeState) error {
	if err := os.WriteFile(sm.filePath, []byte(state), 0600); err != nil {
		return aoserrors.Wrap(aoserrors.KindRuntime, "write provisioning state file", err)
	}
	return nil
}
