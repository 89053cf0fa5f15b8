// Package testsupport is an internal-only package that provides utilities for testing uniformity.
package testsupport

import (
	"fmt"
	"maps"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rflandau/lludp/internal/misc"
)

// ExpectedActual returns a newline-prefixed string comparing the expected result to the actual result.
// Should be used to add clarity to unit test error messages.
func ExpectedActual[T any](expected, actual T) string {
	return fmt.Sprintf("\n\tExpected: '%v'\n\tActual: '%v'", expected, actual)
}

// SlicesUnorderedEqual compares the elements of the given slices for equality and equal count without taking order of the elements into account.
func SlicesUnorderedEqual[T comparable](a []T, b []T) bool {
	am := make(map[T]uint)
	for _, k := range a {
		am[k] += 1
	}
	bm := make(map[T]uint)
	for _, k := range b {
		bm[k] += 1
	}
	return maps.Equal(am, bm)
}

var (
	usedPorts   map[uint16]bool = make(map[uint16]bool)
	usedPortsMu sync.Mutex
)

// RandomLocalhostAddrPort returns a random addrport pointing to a randomly selected port >= 1024 and localhost.
// Maintains a map of ports that it has given out to ensure no duplicates.
// Not a perfect solution, but it is just to support testing so ¯\_(ツ)_/¯
func RandomLocalhostAddrPort() netip.AddrPort {
	usedPortsMu.Lock()
	defer usedPortsMu.Unlock()
	var port uint16
	for {
		port = misc.RandomPort()
		if _, found := usedPorts[port]; !found {
			usedPorts[port] = true
			break
		}
	}

	return netip.MustParseAddrPort("127.0.0.1:" + strconv.FormatUint(uint64(port), 10))
}

// A Datagram is a single packet captured by a Peer.
type Datagram struct {
	From netip.AddrPort
	Data []byte
}

// A Peer is a bare UDP socket standing in for the far end of a circuit or relay.
// Every datagram it receives is captured and can be pulled with Next.
// A Peer never answers on its own, so an idle Peer doubles as a black hole.
type Peer struct {
	conn *net.UDPConn
	rx   chan Datagram
}

// NewPeer listens on an ephemeral localhost port. The socket is closed when the test ends.
func NewPeer(t testing.TB) *Peer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	p := &Peer{conn: conn, rx: make(chan Datagram, 1024)}
	go func() {
		for {
			buf := make([]byte, 8192)
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				close(p.rx)
				return
			}
			p.rx <- Datagram{From: misc.UnmapAddrPort(from), Data: buf[:n]}
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return p
}

// AddrPort returns the address the peer is listening on.
func (p *Peer) AddrPort() netip.AddrPort {
	return misc.UnmapAddrPort(p.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

// Next returns the next captured datagram, failing the test if none arrives within timeout.
func (p *Peer) Next(t testing.TB, timeout time.Duration) Datagram {
	t.Helper()
	d, ok := p.TryNext(timeout)
	if !ok {
		t.Fatalf("peer %v received nothing within %v", p.AddrPort(), timeout)
	}
	return d
}

// TryNext returns the next captured datagram or false if none arrives within timeout.
func (p *Peer) TryNext(timeout time.Duration) (Datagram, bool) {
	select {
	case d, ok := <-p.rx:
		return d, ok
	case <-time.After(timeout):
		return Datagram{}, false
	}
}

// Send writes b to the given address from the peer's socket.
func (p *Peer) Send(t testing.TB, to netip.AddrPort, b []byte) {
	t.Helper()
	if _, err := p.conn.WriteToUDPAddrPort(b, to); err != nil {
		t.Fatal(err)
	}
}
