package networkmgr

import (
	"encoding/hex"
	"hash/crc32"
)

// deriveBridgeName is a pure function mapping a network ID to a stable,
// short interface name, in the "aosXXXX" style the original
// interfacemanager derives per provider network (src/common/network/interfacemanager.*).
// Linux interface names are capped at 15 bytes, well clear of "aos" plus
// an 8-hex-digit CRC32.
func deriveBridgeName(networkID string) string {
	sum := crc32.ChecksumIEEE([]byte(networkID))
	buf := make([]byte, 4)
	buf[0] = byte(sum >> 24)
	buf[1] = byte(sum >> 16)
	buf[2] = byte(sum >> 8)
	buf[3] = byte(sum)
	return "aos" + hex.EncodeToString(buf)
}
