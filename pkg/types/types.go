package types

import (
	"fmt"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// NodeState is the provisioning state machine of this node.
type NodeState string

const (
	NodeStateUnprovisioned NodeState = "unprovisioned"
	NodeStateProvisioned   NodeState = "provisioned"
	NodeStatePaused        NodeState = "paused"
)

// Node is this node's identity, inventory and current provisioning state.
type Node struct {
	ID           string
	Type         string
	CPUs         int
	PartitionsKB map[string]uint64
	RAMKB        uint64
	Attributes   map[string]string
	State        NodeState
}

// UpdateItemType distinguishes the three kinds of downloadable content.
type UpdateItemType string

const (
	ItemTypeService   UpdateItemType = "service"
	ItemTypeLayer     UpdateItemType = "layer"
	ItemTypeComponent UpdateItemType = "component"
)

// UpdateItemState is the lifecycle of one item inside the image service.
type UpdateItemState string

const (
	ItemStatePending   UpdateItemState = "pending"
	ItemStateInstalled UpdateItemState = "installed"
	ItemStateCached    UpdateItemState = "cached"
	ItemStateRemoved   UpdateItemState = "removed"
)

// UpdateItem identifies one piece of downloadable content by content address.
type UpdateItem struct {
	ItemID      string
	Type        UpdateItemType
	Version     string
	OwnerID     string
	IndexDigest string // e.g. "sha256:<hex>"
	Size        int64  // blob size in bytes, populated once cached
	State       UpdateItemState
	Timestamp   time.Time
}

// InstanceIdent is the primary key shared by every per-instance record.
type InstanceIdent struct {
	ItemID    string
	SubjectID string
	Instance  uint64
}

// String renders the canonical "item/subject/instance" form used in logs,
// DNS names and store keys.
func (i InstanceIdent) String() string {
	return fmt.Sprintf("%s/%s/%d", i.ItemID, i.SubjectID, i.Instance)
}

// InstanceState is the run state of one placed instance.
type InstanceState string

const (
	InstanceActive   InstanceState = "active"
	InstanceCached   InstanceState = "cached"
	InstanceDisabled InstanceState = "disabled"
	InstanceFailed   InstanceState = "failed"
)

// NetworkParameters are the IP/DNS/firewall parameters handed to one
// instance on one node (produced by the network manager).
type NetworkParameters struct {
	IP            string
	Subnet        string
	DNSServers    []string
	FirewallRules []FirewallRule
	ExposedPorts  []ExposedPort
}

// ExposedPort is a port this instance's service declares as reachable.
type ExposedPort struct {
	Port     int
	Protocol string // "tcp" or "udp"
}

// FirewallRule is one explicit cross-instance allow rule.
type FirewallRule struct {
	SrcIP    string
	DstIP    string
	Protocol string
	DstPort  int
}

// InstanceInfo is the runtime placement of one instance version.
type InstanceInfo struct {
	Ident             InstanceIdent
	Version           string
	ManifestDigest    string
	RuntimeKind       string
	NodeID            string
	NetworkID         string // provider network this instance's service joins
	UID               int
	GID               int
	Priority          int
	Labels            map[string]string
	Env               []string
	Service           ServiceData // exposed ports / allowed connections, from the manifest
	Network           *NetworkParameters
	Mounts            []specs.Mount // storage/state bind mounts, from storagestate.Setup
	StorageQuota      uint64
	StateQuota        uint64
	MonitorThresholds map[string]float64
	State             InstanceState
}

// StorageStateInfo is the per-instance persistent-storage bookkeeping row.
// InstanceID is immutable once created.
type StorageStateInfo struct {
	Ident         InstanceIdent
	InstanceID    string // uuidv4, generated once on first Setup
	StorageQuota  uint64
	StateQuota    uint64
	StateChecksum string
}

// Network is one provider network known to this node.
type Network struct {
	NetworkID  string
	Subnet     string
	VlanID     int
	BridgeName string
}

// Host is one node's IP assignment within a network.
type Host struct {
	NetworkID string
	NodeID    string
	IP        string
}

// NetworkInstance is one instance's IP/port/DNS assignment on a network.
type NetworkInstance struct {
	Ident        InstanceIdent
	NetworkID    string
	NodeID       string
	IP           string
	ExposedPorts []ExposedPort
	DNSServers   []string
	HostAliases  []string // custom DNS aliases, in addition to the canonical name
}

// ServiceData is the subset of an instance's manifest the network manager
// needs to derive firewall rules: the ports it exposes and the other
// items' ports it expects to reach.
type ServiceData struct {
	ExposedPorts []ExposedPort
	// AllowedConnections entries are "itemID/port/proto", naming a port
	// another item exposes that this instance is allowed to reach.
	AllowedConnections []string
}

// Subject is a cloud-issued principal referenced by instances/certificates.
type Subject struct {
	SubjectID string
}

// Certificate is a base64-decoded DER certificate tracked by desired status.
type Certificate struct {
	Type   string
	Issuer string
	Serial string
	DER    []byte
}

// CertificateChain is a named chain of certificate fingerprints.
type CertificateChain struct {
	Name         string
	Fingerprints []string
}

// UnitConfig is the fleet-wide configuration document (node groups,
// resource ratios, alert rules); treated as an opaque JSON document here,
// since its schema is entirely cloud-defined and not reinterpreted on-node
// beyond label/nodeGroupSubject matching used by the reconciler.
type UnitConfig struct {
	Raw []byte
}

// DesiredStatus is the cloud's full statement of target node state.
type DesiredStatus struct {
	Nodes             []Node
	UnitConfig        *UnitConfig
	Items             []UpdateItem
	Instances         []InstanceInfo
	Subjects          []Subject
	Certificates      []Certificate
	CertificateChains []CertificateChain
}

// UpdateStateKind is the persisted cursor of the reconciler state machine.
type UpdateStateKind string

const (
	UpdateStateNoUpdate    UpdateStateKind = "noUpdate"
	UpdateStateDownloading UpdateStateKind = "downloading"
	UpdateStateReady       UpdateStateKind = "ready"
	UpdateStateInstalling  UpdateStateKind = "installing"
)

// InstanceStatus is one instance's actual state, reported by an SM and
// echoed upstream inside UnitStatus.
type InstanceStatus struct {
	Ident InstanceIdent
	State InstanceState
	Error string
}

// UnitStatus is this node's full statement of actual state, sent upstream.
type UnitStatus struct {
	Nodes      []Node
	Instances  []InstanceStatus
	UnitConfig *UnitConfig
}

// PartitionUsage is one mounted partition's space consumption at sample time.
type PartitionUsage struct {
	Name     string
	UsedSize uint64
}

// ResourceUsage is one sampled set of resource readings, shared by node-level
// and instance-level monitoring.
type ResourceUsage struct {
	RAM        uint64
	CPU        float64
	Download   uint64
	Upload     uint64
	Partitions []PartitionUsage
}

// InstanceMonitoringData is one instance's resource usage within a node sample.
type InstanceMonitoringData struct {
	Ident     InstanceIdent
	RuntimeID string
	Usage     ResourceUsage
}

// NodeMonitoringData is one node's full resource sample: the node's own
// usage plus every instance running on it, as reported by one SM.
type NodeMonitoringData struct {
	NodeID    string
	Timestamp time.Time
	Usage     ResourceUsage
	Instances []InstanceMonitoringData
}

// AlertKind distinguishes the fixed set of alert categories an SM can raise.
type AlertKind string

const (
	AlertSystemQuota      AlertKind = "systemQuota"
	AlertInstanceQuota    AlertKind = "instanceQuota"
	AlertResourceAllocate AlertKind = "resourceAllocate"
	AlertSystem           AlertKind = "system"
	AlertCore             AlertKind = "core"
	AlertInstance         AlertKind = "instance"
	AlertDownload         AlertKind = "download"
)

// Alert is one alert raised by a node or an instance running on it. Ident is
// the zero value when the alert is node-scoped rather than instance-scoped.
type Alert struct {
	NodeID    string
	Ident     InstanceIdent
	Kind      AlertKind
	Tag       string
	Message   string
	Timestamp time.Time
}
