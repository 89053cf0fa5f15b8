// Package misc holds small address helpers shared by the socket-owning packages and their tests.
package misc

import (
	"math"
	"math/rand/v2"
	"net/netip"
)

// RandomPort returns a random unprivileged port.
func RandomPort() uint16 {
	return uint16(1024 + rand.Uint32N(math.MaxUint16-1024))
}

// UnmapAddrPort strips any IPv4-in-IPv6 mapping so addresses read off dual-stack sockets compare equal to their configured form.
func UnmapAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
