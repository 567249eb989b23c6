package ipam

import (
	"testing"

	"github.com/aoscore/aos-cm/pkg/aoserrors"
	"github.com/stretchr/testify/require"
)

func TestFreeHostIPSkipsNetworkAddressAndReturnsLowestFree(t *testing.T) {
	ip, err := FreeHostIP("10.0.0.0/29", map[string]struct{}{})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", ip, "must skip the network address and tie-break to the lowest free host IP")
}

func TestFreeHostIPSkipsUsedAddresses(t *testing.T) {
	used := map[string]struct{}{"10.0.0.1": {}, "10.0.0.2": {}}
	ip, err := FreeHostIP("10.0.0.0/29", used)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.3", ip)
}

func TestFreeHostIPExhaustedReturnsNoMemory(t *testing.T) {
	used := map[string]struct{}{"10.0.0.1": {}, "10.0.0.2": {}, "10.0.0.3": {}, "10.0.0.4": {}, "10.0.0.5": {}, "10.0.0.6": {}}
	_, err := FreeHostIP("10.0.0.0/29", used)
	require.Error(t, err)
	require.True(t, aoserrors.Is(err, aoserrors.KindNoMemory))
}

func TestFreeHostIPInvalidSubnetErrors(t *testing.T) {
	_, err := FreeHostIP("not-a-cidr", nil)
	require.Error(t, err)
	require.True(t, aoserrors.Is(err, aoserrors.KindInvalidArgument))
}

func TestAllocateSubnetReturnsFirstUnused(t *testing.T) {
	pool := []string{"10.0.0.0/24", "10.0.1.0/24", "10.0.2.0/24"}
	got, err := AllocateSubnet(pool, map[string]struct{}{"10.0.0.0/24": {}})
	require.NoError(t, err)
	require.Equal(t, "10.0.1.0/24", got)
}

func TestAllocateSubnetExhaustedReturnsNoMemory(t *testing.T) {
	pool := []string{"10.0.0.0/24"}
	_, err := AllocateSubnet(pool, map[string]struct{}{"10.0.0.0/24": {}})
	require.True(t, aoserrors.Is(err, aoserrors.KindNoMemory))
}

func TestAllocateVLANStaysInRangeAndAvoidsUsed(t *testing.T) {
	used := make(map[int]struct{})
	for i := VLANMin; i <= VLANMax; i += 2 {
		used[i] = struct{}{}
	}

	got, err := AllocateVLAN(used)
	require.NoError(t, err)
	require.GreaterOrEqual(t, got, VLANMin)
	require.LessOrEqual(t, got, VLANMax)
	_, taken := used[got]
	require.False(t, taken)
}

func TestAllocateVLANFullRangeExhaustedReturnsNoMemory(t *testing.T) {
	used := make(map[int]struct{})
	for i := VLANMin; i <= VLANMax; i++ {
		used[i] = struct{}{}
	}

	_, err := AllocateVLAN(used)
	require.True(t, aoserrors.Is(err, aoserrors.KindNoMemory))
}
