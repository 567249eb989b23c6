package reconciler

import (
	"context"
	"time"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/aoscore/aos-cm/pkg/log"
	"github.com/aoscore/aos-cm/pkg/smchannel"
	"github.com/aoscore/aos-cm/pkg/storagestate"
	"github.com/aoscore/aos-cm/pkg/types"
)

// SMDispatcher sends one UpdateInstances delta to a node's SM and returns
// its acknowledgement. The production implementation, registryDispatcher,
// wraps an *smchannel.Registry; tests supply a fake.
type SMDispatcher interface {
	Dispatch(ctx context.Context, nodeID string, stop []types.InstanceIdent, start []types.InstanceInfo, deadline time.Duration) (smchannel.NodeConfigStatusPayload, error)
}

// registryDispatcher is the SMDispatcher the supervisor wires in
// production, turning a delta into the smchannel request/response pair
// an already-connected Channel exposes.
type registryDispatcher struct {
	registry *smchannel.Registry
}

// NewRegistryDispatcher adapts registry to SMDispatcher.
func NewRegistryDispatcher(registry *smchannel.Registry) SMDispatcher {
	return registryDispatcher{registry: registry}
}

func (d registryDispatcher) Dispatch(
	ctx context.Context, nodeID string, stop []types.InstanceIdent, start []types.InstanceInfo, deadline time.Duration,
) (smchannel.NodeConfigStatusPayload, error) {
	ch, err := d.registry.Get(nodeID)
	if err != nil {
		return smchannel.NodeConfigStatusPayload{}, err
	}

	var ack smchannel.NodeConfigStatusPayload
	payload := smchannel.UpdateInstancesPayload{Stop: stop, Start: start}
	err = ch.Request(ctx, smchannel.KindUpdateInstances, payload, &ack, deadline)
	return ack, err
}

// applyDeltas prepares and dispatches every node's delta, returning the
// resulting InstanceStatus for every instance touched. A node whose SM is
// unreachable is skipped (its delta is retained for Reconnected) without
// affecting any other node.
func (r *Reconciler) applyDeltas(ctx context.Context, deltas map[string]*nodeDelta) []types.InstanceStatus {
	var results []types.InstanceStatus

	for nodeID, delta := range deltas {
		r.prepareStart(delta)
		r.releaseStop(delta)

		stop, start := delta.toWire()
		ack, err := r.dispatch.Dispatch(ctx, nodeID, stop, start, r.cfg.DispatchTimeout)
		if err != nil {
			log.Warn("reconciler: dispatch to node " + nodeID + ": " + err.Error())
			r.rememberPending(nodeID, delta)
			results = append(results, failedStatuses(delta.Start, err.Error())...)
			continue
		}
		if ack.Error != "" {
			results = append(results, failedStatuses(delta.Start, ack.Error)...)
			continue
		}

		r.forgetPending(nodeID)
		results = append(results, r.commitDelta(delta)...)
	}

	return results
}

// prepareStart resolves network parameters and storage/state mounts for
// every instance about to start, coordinating the network manager and
// storage/state manager ahead of the SM dispatch.
func (r *Reconciler) prepareStart(delta *nodeDelta) {
	for i := range delta.Start {
		ii := &delta.Start[i]

		params, err := r.network.PrepareInstanceNetworkParameters(ii.Ident, ii.NetworkID, ii.NodeID, ii.Service)
		if err != nil {
			log.Warn("reconciler: prepare network for " + ii.Ident.String() + ": " + err.Error())
		} else {
			ii.Network = params
		}

		setup, err := r.storage.Setup(storagestate.SetupParams{
			Ident: ii.Ident, UID: ii.UID, GID: ii.GID,
			StorageQuota: ii.StorageQuota, StateQuota: ii.StateQuota,
		})
		if err != nil {
			log.Warn("reconciler: prepare storage for " + ii.Ident.String() + ": " + err.Error())
			continue
		}
		ii.Mounts = setup.Mounts
	}
}

// releaseStop tears down storage/state and network assignments for every
// instance about to stop, independent of whether the SM dispatch itself
// later succeeds: an instance being removed from desired state has no
// further claim on either resource.
func (r *Reconciler) releaseStop(delta *nodeDelta) {
	for _, ii := range delta.Stop {
		if err := r.storage.Remove(ii.Ident); err != nil {
			log.Warn("reconciler: remove storage for " + ii.Ident.String() + ": " + err.Error())
		}
		if err := r.network.RemoveInstanceNetworkParameters(ii.Ident, ii.NodeID); err != nil {
			log.Warn("reconciler: remove network for " + ii.Ident.String() + ": " + err.Error())
		}
	}
}

// commitDelta persists the outcome of a successfully-acknowledged delta:
// started instances are recorded active, stopped instances removed.
func (r *Reconciler) commitDelta(delta *nodeDelta) []types.InstanceStatus {
	statuses := make([]types.InstanceStatus, 0, len(delta.Start)+len(delta.Stop))

	for _, ii := range delta.Start {
		ii.State = types.InstanceActive
		if _, err := r.store.GetInstance(ii.Ident, ii.Version); aoserrors.Is(err, aoserrors.KindNotFound) {
			if err := r.store.AddInstance(&ii); err != nil {
				log.Warn("reconciler: record started instance " + ii.Ident.String() + ": " + err.Error())
			}
		} else if err := r.store.UpdateInstance(&ii); err != nil {
			log.Warn("reconciler: update started instance " + ii.Ident.String() + ": " + err.Error())
		}
		statuses = append(statuses, types.InstanceStatus{Ident: ii.Ident, State: types.InstanceActive})
	}

	for _, ii := range delta.Stop {
		if err := r.store.RemoveInstance(ii.Ident, ii.Version); err != nil {
			log.Warn("reconciler: remove stopped instance " + ii.Ident.String() + ": " + err.Error())
		}
	}

	return statuses
}

func failedStatuses(start []types.InstanceInfo, msg string) []types.InstanceStatus {
	statuses := make([]types.InstanceStatus, len(start))
	for i, ii := range start {
		statuses[i] = types.InstanceStatus{Ident: ii.Ident, State: types.InstanceFailed, Error: msg}
	}
	return statuses
}

func (r *Reconciler) rememberPending(nodeID string, delta *nodeDelta) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	r.pendingDeltas[nodeID] = delta
}

func (r *Reconciler) forgetPending(nodeID string) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	delete(r.pendingDeltas, nodeID)
}

// Reconnected reissues nodeID's outstanding delta, if any, after its SM
// reconnects. The supervisor calls this from the SM registry's connect
// hook.
func (r *Reconciler) Reconnected(ctx context.Context, nodeID string) {
	r.pendingMu.Lock()
	delta, ok := r.pendingDeltas[nodeID]
	r.pendingMu.Unlock()
	if !ok {
		return
	}

	stop, start := delta.toWire()
	ack, err := r.dispatch.Dispatch(ctx, nodeID, stop, start, r.cfg.DispatchTimeout)
	if err != nil {
		log.Warn("reconciler: reissue delta to reconnected node " + nodeID + ": " + err.Error())
		return
	}
	if ack.Error != "" {
		log.Warn("reconciler: reconnected node " + nodeID + " rejected reissued delta: " + ack.Error)
		return
	}

	r.commitDelta(delta)
	r.forgetPending(nodeID)
}
