package smchannel

import (
	"time"

	"github.com/aoscore/aos-cm/pkg/types"
)

// Envelope Kinds carried on an SM stream.
const (
	KindSMInfo          = "SMInfo"
	KindNodeConfigStatus = "NodeConfigStatus"
	KindInstanceStatus  = "InstanceStatus"
	KindMonitoring      = "Monitoring"
	KindAlert           = "Alert"
	KindLog             = "Log"

	KindImageContentRequest = "ImageContentRequest"
	KindImageContent        = "ImageContent"
	KindImageContentInfo    = "ImageContentInfo"

	KindUpdateInstances = "UpdateInstances"
	KindUpdateNetworks  = "UpdateNetworks"

	KindSystemLogRequest        = "SystemLogRequest"
	KindInstanceLogRequest      = "InstanceLogRequest"
	KindInstanceCrashLogRequest = "InstanceCrashLogRequest"
)

// SMInfoPayload is the SM's self-announcement, sent once on connect
// and whenever its runtime/resource inventory changes.
type SMInfoPayload struct {
	NodeID    string   `json:"nodeId"`
	Runtimes  []string `json:"runtimes"`
	Resources []string `json:"resources"`
}

// NodeConfigStatusPayload acknowledges a NodeConfig-bearing request
// (UpdateInstances/UpdateNetworks), reporting per-node apply errors.
type NodeConfigStatusPayload struct {
	NodeID string `json:"nodeId"`
	Error  string `json:"error,omitempty"`
}

// InstanceStatusPayload reports one instance's actual state.
type InstanceStatusPayload struct {
	Status types.InstanceStatus `json:"status"`
}

// MonitoringPayload carries one node's resource sample, covering both the
// node itself and every instance running on it. Average distinguishes a
// time-averaged window from an instantaneous snapshot; an SM sends both on
// its own schedule.
type MonitoringPayload struct {
	Average bool                     `json:"average"`
	Data    types.NodeMonitoringData `json:"data"`
}

// AlertPayload is one alert raised by an SM, on behalf of itself (Ident
// zero) or one instance running on it.
type AlertPayload struct {
	Ident     types.InstanceIdent `json:"ident,omitempty"`
	Kind      types.AlertKind     `json:"kind"`
	Tag       string              `json:"tag"`
	Message   string              `json:"message"`
	Timestamp time.Time           `json:"timestamp"`
}

// LogPayload is one chunk of a (possibly multi-part) log delivery.
type LogPayload struct {
	Ident     types.InstanceIdent `json:"ident"`
	RequestID string              `json:"requestId"`
	Chunk     []byte              `json:"chunk"`
	Part      int                 `json:"part"`
	Final     bool                `json:"final"`
}

// ImageContentRequestPayload asks the node to deliver a content-addressed
// artifact by digest, via chunked Pipe delivery.
type ImageContentRequestPayload struct {
	Digest string `json:"digest"`
}

// ImageContentPayload is one chunk of artifact content.
type ImageContentPayload struct {
	Digest string `json:"digest"`
	Offset int64  `json:"offset"`
	Chunk  []byte `json:"chunk"`
	Final  bool   `json:"final"`
}

// ImageContentInfoPayload precedes ImageContent chunks with the total
// and decompressed sizes the SM should expect.
type ImageContentInfoPayload struct {
	Digest           string `json:"digest"`
	Size             int64  `json:"size"`
	DecompressedSize int64  `json:"decompressedSize"`
}

// UpdateInstancesPayload is the reconciler's per-SM delta: instances to
// stop before instances to start.
type UpdateInstancesPayload struct {
	Stop  []types.InstanceIdent `json:"stop"`
	Start []types.InstanceInfo  `json:"start"`
}

// UpdateNetworksPayload pushes the per-instance network assignments an
// SM needs to apply.
type UpdateNetworksPayload struct {
	Instances []types.NetworkInstance `json:"instances"`
}

// SystemLogRequestPayload asks an SM for system-wide logs in a time window.
type SystemLogRequestPayload struct {
	From time.Time `json:"from"`
	Till time.Time `json:"till"`
}

// InstanceLogRequestPayload asks an SM for one instance's logs.
type InstanceLogRequestPayload struct {
	Ident types.InstanceIdent `json:"ident"`
	From  time.Time           `json:"from"`
	Till  time.Time           `json:"till"`
}

// InstanceCrashLogRequestPayload asks an SM for one instance's last
// crash log.
type InstanceCrashLogRequestPayload struct {
	Ident types.InstanceIdent `json:"ident"`
}
