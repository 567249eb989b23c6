// Package ipam implements the network manager's allocation primitives:
// free-subnet selection from a configured pool, free-host-IP search
// within a subnet, and VLAN ID selection over a cryptographic random
// source with bounded retry.
package ipam

import (
	"crypto/rand"
	"math/big"
	"net"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/aoscore/aos-cm/pkg/aoserrors"
)

const (
	// VLANMin and VLANMax bound the 802.1Q VLAN ID range.
	VLANMin = 1
	VLANMax = 4094

	vlanMaxAttempts = 4096
)

// AllocateSubnet returns the first CIDR in pool not already present in
// used, in pool order. The same deterministic tie-break applies to
// subnet selection as well as IP selection.
func AllocateSubnet(pool []string, used map[string]struct{}) (string, error) {
	for _, candidate := range pool {
		if _, taken := used[candidate]; !taken {
			return candidate, nil
		}
	}
	return "", aoserrors.New(aoserrors.KindNoMemory, "ipam: subnet pool exhausted")
}

// AllocateVLAN picks a VLAN ID in [VLANMin, VLANMax] not already present
// in used, via a cryptographic random source with bounded retry.
func AllocateVLAN(used map[int]struct{}) (int, error) {
	span := big.NewInt(int64(VLANMax - VLANMin + 1))

	for attempt := 0; attempt < vlanMaxAttempts; attempt++ {
		n, err := rand.Int(rand.Reader, span)
		if err != nil {
			return 0, aoserrors.Wrap(aoserrors.KindFailed, "ipam: read random source", err)
		}

		candidate := VLANMin + int(n.Int64())
		if _, taken := used[candidate]; !taken {
			return candidate, nil
		}
	}

	return 0, aoserrors.New(aoserrors.KindNoMemory, "ipam: vlan space exhausted")
}

// FreeHostIP enumerates subnetCIDR's usable host addresses (excluding the
// network and broadcast addresses) and returns the lowest one not present
// in used.
func FreeHostIP(subnetCIDR string, used map[string]struct{}) (string, error) {
	_, ipnet, err := net.ParseCIDR(subnetCIDR)
	if err != nil {
		return "", aoserrors.Wrap(aoserrors.KindInvalidArgument, "ipam: parse subnet "+subnetCIDR, err)
	}

	first, last, err := cidr.AddressRange(ipnet)
	if err != nil {
		return "", aoserrors.Wrap(aoserrors.KindFailed, "ipam: compute address range", err)
	}

	ip := cloneIP(first)
	incrementIP(ip) // skip the network address itself

	for compareIPs(ip, last) < 0 { // stop before the broadcast address
		if _, taken := used[ip.String()]; !taken {
			return ip.String(), nil
		}
		incrementIP(ip)
	}

	return "", aoserrors.New(aoserrors.KindNoMemory, "ipam: subnet "+subnetCIDR+" exhausted")
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}

func incrementIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}

func compareIPs(a, b net.IP) int {
	a4, b4 := a.To16(), b.To16()
	for i := range a4 {
		if a4[i] != b4[i] {
			if a4[i] < b4[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
