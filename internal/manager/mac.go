package manager

import (
	"net"

	"github.com/google/uuid"
)

// macNamespace seeds the name-based UUIDs that device MACs are cut from.
var macNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// deviceOUI is the vendor prefix shared by every simulated device MAC.
var deviceOUI = [3]byte{0x00, 0x60, 0x2f}

// PrimaryMAC returns the stable MAC for a container's first interface.
// The same name always yields the same address across re-creation.
func PrimaryMAC(name string) net.HardwareAddr {
	sum := uuid.NewSHA1(macNamespace, []byte("mac:"+name))
	return withOUI(sum[0:3])
}

// SecondaryMAC returns the stable MAC for a container's second interface.
// It hashes a salted name and reads a different slice of the digest, so it
// differs from PrimaryMAC(name) unless the hash happens to collide.
func SecondaryMAC(name string) net.HardwareAddr {
	sum := uuid.NewSHA1(macNamespace, []byte("mac:"+name+":secondary"))
	return withOUI(sum[3:6])
}

func withOUI(tail []byte) net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	copy(mac, deviceOUI[:])
	copy(mac[3:], tail)
	return mac
}
