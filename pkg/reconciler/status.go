package reconciler

import (
	"github.com/aoscore/aos-cm/pkg/cloudtransport"
	"github.com/aoscore/aos-cm/pkg/log"
	"github.com/aoscore/aos-cm/pkg/types"
)

// emitUnitStatus merges this round's outcomes into the last-known
// per-instance status table and sends the node's full UnitStatus
// upstream. Per-item/per-instance failures already folded into results
// are reported here; they never abort the round.
func (r *Reconciler) emitUnitStatus(desired *types.DesiredStatus, results []types.InstanceStatus) {
	r.statusMu.Lock()
	for _, s := range results {
		r.lastStatus[s.Ident] = s
	}
	instances := make([]types.InstanceStatus, 0, len(r.lastStatus))
	for _, s := range r.lastStatus {
		instances = append(instances, s)
	}
	r.statusMu.Unlock()

	nodes, err := r.store.ListNodes()
	if err != nil {
		log.Error("reconciler: list nodes for unit status: " + err.Error())
		return
	}

	status := types.UnitStatus{
		Nodes:      nodes,
		Instances:  instances,
		UnitConfig: desired.UnitConfig,
	}

	if err := r.status.Send(cloudtransport.KindUnitStatus, "", status); err != nil {
		log.Warn("reconciler: send unit status: " + err.Error())
	}
}
