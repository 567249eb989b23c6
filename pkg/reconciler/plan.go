package reconciler

import (
	"sort"

	"github.com/aoscore/aos-cm/pkg/types"
)

// nodeDelta is one node's planned instance change, carrying full
// InstanceInfo on both sides so the reconciler can still reach each
// stopped instance's version/network/storage details after the wire
// payload (which only names stopped instances by InstanceIdent) is sent.
type nodeDelta struct {
	NodeID string
	Stop   []types.InstanceInfo
	Start  []types.InstanceInfo
}

// buildDeltas groups current and desired instances by the union of their
// node assignments and returns, for every affected node, what must stop
// and what must start. An instance present on both sides with the same
// node and version is left untouched; a version or node change is
// expressed as a stop on the old node plus a start on the new one.
func buildDeltas(current, desired []types.InstanceInfo) map[string]*nodeDelta {
	currentByIdent := make(map[types.InstanceIdent]types.InstanceInfo, len(current))
	for _, ii := range current {
		currentByIdent[ii.Ident] = ii
	}
	desiredByIdent := make(map[types.InstanceIdent]types.InstanceInfo, len(desired))
	for _, ii := range desired {
		desiredByIdent[ii.Ident] = ii
	}

	deltas := make(map[string]*nodeDelta)
	get := func(nodeID string) *nodeDelta {
		d, ok := deltas[nodeID]
		if !ok {
			d = &nodeDelta{NodeID: nodeID}
			deltas[nodeID] = d
		}
		return d
	}

	for ident, cur := range currentByIdent {
		des, ok := desiredByIdent[ident]
		switch {
		case !ok:
			get(cur.NodeID).Stop = append(get(cur.NodeID).Stop, cur)
		case des.NodeID != cur.NodeID || des.Version != cur.Version:
			get(cur.NodeID).Stop = append(get(cur.NodeID).Stop, cur)
			get(des.NodeID).Start = append(get(des.NodeID).Start, des)
		}
	}
	for ident, des := range desiredByIdent {
		if _, ok := currentByIdent[ident]; !ok {
			get(des.NodeID).Start = append(get(des.NodeID).Start, des)
		}
	}

	for _, d := range deltas {
		sortStartByPriority(d.Start)
	}
	return deltas
}

// sortStartByPriority orders higher-priority instances first: instances
// with higher priority start first on a node.
func sortStartByPriority(start []types.InstanceInfo) {
	sort.SliceStable(start, func(i, j int) bool { return start[i].Priority > start[j].Priority })
}

// toWire reduces a nodeDelta to the payload shape actually sent to the
// SM: stopped instances are named by identity only.
func (d *nodeDelta) toWire() (stop []types.InstanceIdent, start []types.InstanceInfo) {
	stop = make([]types.InstanceIdent, len(d.Stop))
	for i, ii := range d.Stop {
		stop[i] = ii.Ident
	}
	return stop, d.Start
}
