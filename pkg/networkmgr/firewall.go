package networkmgr

import (
	"strconv"
	"strings"

	"github.com/aoscore/aos-cm/pkg/types"
)

// deriveFirewallRules builds srcIP's explicit allow rules from its
// declared allowedConnections against the peers already assigned on the
// same network. A's side (the exposing instance) stays empty; the
// remote side configures the symmetric rule for itself.
func deriveFirewallRules(srcIP string, allowedConnections []string, peers []types.NetworkInstance) []types.FirewallRule {
	var rules []types.FirewallRule
	for _, want := range allowedConnections {
		itemID, port, proto, ok := parseAllowedConnection(want)
		if !ok {
			continue
		}
		for _, peer := range peers {
			if peer.Ident.ItemID != itemID || !peerExposes(peer, port, proto) {
				continue
			}
			rules = append(rules, types.FirewallRule{
				SrcIP: srcIP, DstIP: peer.IP, Protocol: proto, DstPort: port,
			})
		}
	}
	return rules
}

// parseAllowedConnection splits an "itemID/port/proto" declaration.
func parseAllowedConnection(s string) (itemID string, port int, proto string, ok bool) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return "", 0, "", false
	}
	p, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", false
	}
	return parts[0], p, parts[2], true
}

func peerExposes(peer types.NetworkInstance, port int, proto string) bool {
	for _, ep := range peer.ExposedPorts {
		if ep.Port == port && strings.EqualFold(ep.Protocol, proto) {
			return true
		}
	}
	return false
}
