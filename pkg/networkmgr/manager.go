package networkmgr

import (
	"fmt"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/aoscore/aos-cm/pkg/metrics"
	"github.com/aoscore/aos-cm/pkg/networkmgr/dnszone"
	"github.com/aoscore/aos-cm/pkg/networkmgr/ipam"
	"github.com/aoscore/aos-cm/pkg/store"
	"github.com/aoscore/aos-cm/pkg/types"
)

// Config configures the subnet pool networks are allocated from and the
// DNS resolver instances are handed.
type Config struct {
	SubnetPool    []string
	DNSServers    []string
	DNSListenAddr string
	DNSDomain     string
}

// Manager implements UpdateProviderNetwork/PrepareInstanceNetworkParameters/
// RemoveInstanceNetworkParameters/GetInstances/RestartDNSServer.
type Manager struct {
	cfg   Config
	store store.Store
	dns   *dnszone.Server
}

// New builds a Manager. The DNS zone server is not started until
// RestartDNSServer is called for the first time.
func New(cfg Config, st store.Store) *Manager {
	return &Manager{
		cfg:   cfg,
		store: st,
		dns:   dnszone.NewServer(dnszone.Config{ListenAddr: cfg.DNSListenAddr, Domain: cfg.DNSDomain}),
	}
}

// UpdateProviderNetwork reconciles the set of known provider networks
// against providers: creating and assigning a host IP on each new one,
// and cascading the removal of any network no longer in the set through
// its Hosts and NetworkInstances.
func (m *Manager) UpdateProviderNetwork(providers []string, nodeID string) error {
	wanted := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		wanted[p] = struct{}{}
	}

	existing, err := m.store.ListNetworks()
	if err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, "networkmgr: list networks", err)
	}

	present := make(map[string]struct{}, len(existing))
	usedSubnets := make(map[string]struct{}, len(existing))
	usedVLANs := make(map[int]struct{}, len(existing))
	for _, n := range existing {
		present[n.NetworkID] = struct{}{}
		usedSubnets[n.Subnet] = struct{}{}
		usedVLANs[n.VlanID] = struct{}{}
	}

	for _, provider := range providers {
		if _, ok := present[provider]; !ok {
			if err := m.createNetwork(provider, usedSubnets, usedVLANs); err != nil {
				return err
			}
		}
		if err := m.ensureHost(provider, nodeID); err != nil {
			return err
		}
	}

	for _, n := range existing {
		if _, ok := wanted[n.NetworkID]; !ok {
			if err := m.removeNetwork(n.NetworkID); err != nil {
				return err
			}
		}
	}

	return nil
}

func (m *Manager) createNetwork(networkID string, usedSubnets map[string]struct{}, usedVLANs map[int]struct{}) error {
	subnet, err := ipam.AllocateSubnet(m.cfg.SubnetPool, usedSubnets)
	if err != nil {
		return err
	}
	vlan, err := ipam.AllocateVLAN(usedVLANs)
	if err != nil {
		return err
	}

	n := &types.Network{
		NetworkID:  networkID,
		Subnet:     subnet,
		VlanID:     vlan,
		BridgeName: deriveBridgeName(networkID),
	}
	if err := m.store.AddNetwork(n); err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, "networkmgr: add network "+networkID, err)
	}

	usedSubnets[subnet] = struct{}{}
	usedVLANs[vlan] = struct{}{}
	return nil
}

func (m *Manager) ensureHost(networkID, nodeID string) error {
	if _, err := m.store.GetHost(networkID, nodeID); err == nil {
		return nil
	} else if !aoserrors.Is(err, aoserrors.KindNotFound) {
		return aoserrors.Wrap(aoserrors.KindFailed, "networkmgr: load host", err)
	}

	n, err := m.store.GetNetwork(networkID)
	if err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, "networkmgr: load network "+networkID, err)
	}

	ip, err := ipam.FreeHostIP(n.Subnet, m.usedIPs(networkID))
	if err != nil {
		return err
	}

	return aoserrors.Wrap(aoserrors.KindFailed, "networkmgr: add host", m.store.AddHost(&types.Host{
		NetworkID: networkID, NodeID: nodeID, IP: ip,
	}))
}

func (m *Manager) removeNetwork(networkID string) error {
	instances, err := m.store.ListNetworkInstancesByNetwork(networkID)
	if err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, "networkmgr: list instances on "+networkID, err)
	}
	for _, ni := range instances {
		if err := m.store.RemoveNetworkInstance(ni.Ident, ni.NetworkID); err != nil {
			return aoserrors.Wrap(aoserrors.KindFailed, "networkmgr: remove instance from "+networkID, err)
		}
	}

	hosts, err := m.store.ListHostsByNetwork(networkID)
	if err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, "networkmgr: list hosts on "+networkID, err)
	}
	for _, h := range hosts {
		if err := m.store.RemoveHost(h.NetworkID, h.NodeID); err != nil {
			return aoserrors.Wrap(aoserrors.KindFailed, "networkmgr: remove host from "+networkID, err)
		}
	}

	metrics.NetworkAllocationsTotal.DeleteLabelValues(networkID)
	return aoserrors.Wrap(aoserrors.KindFailed, "networkmgr: remove network "+networkID, m.store.RemoveNetwork(networkID))
}

// usedIPs collects every IP already assigned on networkID, across both
// node-level Hosts and per-instance NetworkInstances.
func (m *Manager) usedIPs(networkID string) map[string]struct{} {
	used := make(map[string]struct{})

	if hosts, err := m.store.ListHostsByNetwork(networkID); err == nil {
		for _, h := range hosts {
			used[h.IP] = struct{}{}
		}
	}
	if instances, err := m.store.ListNetworkInstancesByNetwork(networkID); err == nil {
		for _, ni := range instances {
			used[ni.IP] = struct{}{}
		}
	}
	return used
}

// PrepareInstanceNetworkParameters returns ident's existing assignment on
// networkID, allocating one if none exists yet. The requested network and
// host must already exist.
func (m *Manager) PrepareInstanceNetworkParameters(
	ident types.InstanceIdent, networkID, nodeID string, svc types.ServiceData,
) (*types.NetworkParameters, error) {
	n, err := m.store.GetNetwork(networkID)
	if err != nil {
		return nil, aoserrors.Wrap(aoserrors.KindNotFound, "networkmgr: unknown network "+networkID, err)
	}
	if _, err := m.store.GetHost(networkID, nodeID); err != nil {
		return nil, aoserrors.Wrap(aoserrors.KindNotFound, "networkmgr: unknown host "+nodeID+" on "+networkID, err)
	}

	ni, err := m.store.GetNetworkInstance(ident, networkID)
	switch {
	case aoserrors.Is(err, aoserrors.KindNotFound):
		ip, allocErr := ipam.FreeHostIP(n.Subnet, m.usedIPs(networkID))
		if allocErr != nil {
			return nil, allocErr
		}
		ni = &types.NetworkInstance{
			Ident: ident, NetworkID: networkID, NodeID: nodeID,
			IP: ip, ExposedPorts: svc.ExposedPorts, DNSServers: m.cfg.DNSServers,
		}
		if err := m.store.AddNetworkInstance(ni); err != nil {
			return nil, aoserrors.Wrap(aoserrors.KindFailed, "networkmgr: add instance assignment", err)
		}
	case err != nil:
		return nil, aoserrors.Wrap(aoserrors.KindFailed, "networkmgr: load instance assignment", err)
	}

	peers, err := m.store.ListNetworkInstancesByNetwork(networkID)
	if err != nil {
		return nil, aoserrors.Wrap(aoserrors.KindFailed, "networkmgr: list peers on "+networkID, err)
	}
	metrics.NetworkAllocationsTotal.WithLabelValues(networkID).Set(float64(len(peers)))

	return &types.NetworkParameters{
		IP:            ni.IP,
		Subnet:        n.Subnet,
		DNSServers:    m.cfg.DNSServers,
		FirewallRules: deriveFirewallRules(ni.IP, svc.AllowedConnections, peers),
		ExposedPorts:  svc.ExposedPorts,
	}, nil
}

// RemoveInstanceNetworkParameters deletes ident's assignment on nodeID's
// network(s), freeing its IP for reuse.
func (m *Manager) RemoveInstanceNetworkParameters(ident types.InstanceIdent, nodeID string) error {
	all, err := m.store.ListNetworkInstances()
	if err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, "networkmgr: list instances", err)
	}

	for _, ni := range all {
		if ni.Ident != ident || ni.NodeID != nodeID {
			continue
		}
		if err := m.store.RemoveNetworkInstance(ni.Ident, ni.NetworkID); err != nil {
			return aoserrors.Wrap(aoserrors.KindFailed, "networkmgr: remove instance assignment", err)
		}

		remaining, err := m.store.ListNetworkInstancesByNetwork(ni.NetworkID)
		if err == nil {
			metrics.NetworkAllocationsTotal.WithLabelValues(ni.NetworkID).Set(float64(len(remaining)))
		}
	}

	return nil
}

// GetInstances lists every current instance network assignment.
func (m *Manager) GetInstances() ([]types.NetworkInstance, error) {
	instances, err := m.store.ListNetworkInstances()
	if err != nil {
		return nil, aoserrors.Wrap(aoserrors.KindFailed, "networkmgr: list instances", err)
	}
	return instances, nil
}

// RestartDNSServer rebuilds the zone (ip -> custom aliases + canonical
// instance name) from the current assignments and reloads the resolver.
func (m *Manager) RestartDNSServer() error {
	instances, err := m.store.ListNetworkInstances()
	if err != nil {
		return aoserrors.Wrap(aoserrors.KindFailed, "networkmgr: list instances", err)
	}

	records := make([]dnszone.Record, 0, len(instances))
	for _, ni := range instances {
		names := append([]string{canonicalName(ni.Ident)}, ni.HostAliases...)
		records = append(records, dnszone.Record{IP: ni.IP, Names: names})
	}

	return aoserrors.Wrap(aoserrors.KindFailed, "networkmgr: restart dns server", m.dns.Restart(records))
}

// canonicalName renders the "<instance>.<subject>.<item>" name assigned
// to each instance triple.
func canonicalName(ident types.InstanceIdent) string {
	return fmt.Sprintf("%d.%s.%s", ident.Instance, ident.SubjectID, ident.ItemID)
}
