package cloudtransport

import "github.com/aoscore/aos-cm/pkg/types"

// Envelope Kinds carried on the cloud stream.
const (
	KindHello           = "hello"
	KindDesiredStatus   = "desiredStatus"
	KindUnitStatus      = "unitStatus"
	KindNewState        = "newState"
	KindStateRequest    = "stateRequest"
	KindUpdateState     = "updateState"
	KindStateAcceptance = "stateAcceptance"
	KindMonitoringData  = "monitoringData"
	KindAlert           = "alert"
)

// HelloPayload is sent immediately on connect and on every reconnect,
// so the cloud always has a fresh picture of which node it is talking
// to without waiting for the next unitStatus.
type HelloPayload struct {
	NodeID    string          `json:"nodeId"`
	SystemID  string          `json:"systemId"`
	UnitModel string          `json:"unitModel"`
	State     types.NodeState `json:"state"`
}

// NewStatePayload reports a new persisted state blob for one instance.
type NewStatePayload struct {
	Ident    types.InstanceIdent `json:"ident"`
	State    []byte              `json:"state"`
	Checksum string              `json:"checksum"`
}

// StateRequestPayload asks the cloud to resend state for one instance,
// optionally requesting the default (factory) state.
type StateRequestPayload struct {
	Ident   types.InstanceIdent `json:"ident"`
	Default bool                `json:"default"`
}

// UpdateStatePayload is the cloud's push of a new state blob down to
// the node for one instance.
type UpdateStatePayload struct {
	Ident    types.InstanceIdent `json:"ident"`
	State    []byte              `json:"state"`
	Checksum string              `json:"checksum"`
}

// StateAcceptancePayload is the cloud's accept/reject answer to a
// previously reported newState.
type StateAcceptancePayload struct {
	Ident    types.InstanceIdent `json:"ident"`
	Accepted bool                `json:"accepted"`
	Reason   string              `json:"reason,omitempty"`
}

// MonitoringDataPayload forwards one node's resource sample upstream.
type MonitoringDataPayload struct {
	Average bool                     `json:"average"`
	Data    types.NodeMonitoringData `json:"data"`
}

// AlertPayload forwards one alert upstream.
type AlertPayload struct {
	Alert types.Alert `json:"alert"`
}
