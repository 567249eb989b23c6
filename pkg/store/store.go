// Package store is the embedded local store: a single bbolt file holding
// one bucket per entity, JSON-encoded rows, and a forward-only schema
// migration driver run at Open.
package store

import (
	"github.com/aoscore/aos-cm/pkg/types"
)

// Store is the point-operation interface every other component uses for
// persistence. Add fails with aoserrors.KindAlreadyExist on a primary-key
// collision; Update and Remove fail with aoserrors.KindNotFound when the
// row is absent. List operations return rows in ascending byte order of
// their bucket keys, not in insertion order.
type Store interface {
	// Node
	AddNode(n *types.Node) error
	GetNode(id string) (*types.Node, error)
	UpdateNode(n *types.Node) error
	RemoveNode(id string) error
	ListNodes() ([]types.Node, error)

	// UpdateItem
	AddUpdateItem(i *types.UpdateItem) error
	GetUpdateItem(itemID, version string) (*types.UpdateItem, error)
	UpdateUpdateItem(i *types.UpdateItem) error
	RemoveUpdateItem(itemID, version string) error
	ListUpdateItems() ([]types.UpdateItem, error)

	// InstanceInfo (keyed by InstanceIdent + Version)
	AddInstance(i *types.InstanceInfo) error
	GetInstance(ident types.InstanceIdent, version string) (*types.InstanceInfo, error)
	UpdateInstance(i *types.InstanceInfo) error
	RemoveInstance(ident types.InstanceIdent, version string) error
	ListInstances() ([]types.InstanceInfo, error)

	// StorageStateInfo (keyed by InstanceIdent)
	AddStorageState(s *types.StorageStateInfo) error
	GetStorageState(ident types.InstanceIdent) (*types.StorageStateInfo, error)
	UpdateStorageState(s *types.StorageStateInfo) error
	RemoveStorageState(ident types.InstanceIdent) error
	ListStorageStates() ([]types.StorageStateInfo, error)

	// Network
	AddNetwork(n *types.Network) error
	GetNetwork(networkID string) (*types.Network, error)
	RemoveNetwork(networkID string) error
	ListNetworks() ([]types.Network, error)

	// Host (keyed by NetworkID + NodeID)
	AddHost(h *types.Host) error
	GetHost(networkID, nodeID string) (*types.Host, error)
	RemoveHost(networkID, nodeID string) error
	ListHostsByNetwork(networkID string) ([]types.Host, error)
	ListHosts() ([]types.Host, error)

	// NetworkInstance (keyed by InstanceIdent + NetworkID)
	AddNetworkInstance(ni *types.NetworkInstance) error
	GetNetworkInstance(ident types.InstanceIdent, networkID string) (*types.NetworkInstance, error)
	RemoveNetworkInstance(ident types.InstanceIdent, networkID string) error
	ListNetworkInstances() ([]types.NetworkInstance, error)
	ListNetworkInstancesByNetwork(networkID string) ([]types.NetworkInstance, error)

	// DesiredStatus: single row, last-write-wins
	SetDesiredStatus(d *types.DesiredStatus) error
	GetDesiredStatus() (*types.DesiredStatus, error)

	// UpdateState: single row cursor
	SetUpdateState(s types.UpdateStateKind) error
	GetUpdateState() (types.UpdateStateKind, error)

	Close() error
}
