package monitor

import (
	"sync"

	"github.com/aoscore/aos-cm/pkg/types"
)

// views holds, per node, the most recently received averaged and instant
// resource samples. It is pure in-memory state: no row here is ever
// written to pkg/store, so a restart starts blank.
type views struct {
	mu      sync.RWMutex
	average map[string]types.NodeMonitoringData
	instant map[string]types.NodeMonitoringData
}

func newViews() *views {
	return &views{
		average: make(map[string]types.NodeMonitoringData),
		instant: make(map[string]types.NodeMonitoringData),
	}
}

func (v *views) record(average bool, data types.NodeMonitoringData) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if average {
		v.average[data.NodeID] = data
	} else {
		v.instant[data.NodeID] = data
	}
}

// Average returns the last averaged sample received for nodeID.
func (v *views) Average(nodeID string) (types.NodeMonitoringData, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	d, ok := v.average[nodeID]
	return d, ok
}

// Instant returns the last instantaneous sample received for nodeID.
func (v *views) Instant(nodeID string) (types.NodeMonitoringData, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	d, ok := v.instant[nodeID]
	return d, ok
}

// Forget drops both views for nodeID, called when a node is decommissioned.
func (v *views) Forget(nodeID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.average, nodeID)
	delete(v.instant, nodeID)
}
