// Package reuse constructs TCP sockets with address- and port-reuse enabled,
// so that one local port can carry a listening socket and outbound connects
// at the same time. That shared binding is what makes a TCP simultaneous open
// possible in the first place.
package reuse

import (
	"net"
	"net/netip"
	"time"

	"github.com/libp2p/go-reuseport"
)

// ListenConfig returns a net.ListenConfig that binds with SO_REUSEADDR, plus
// SO_REUSEPORT on platforms that have it.
//
// Port-reuse is best-effort: only the bind itself is load-bearing, a platform
// without SO_REUSEPORT does not make this an error.
func ListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: reuseport.Control,
	}
}

// Dialer returns a net.Dialer bound to local with the same reuse options as
// ListenConfig, so its outbound connects can share a port with a listener.
func Dialer(local netip.AddrPort, timeout time.Duration) net.Dialer {
	return net.Dialer{
		LocalAddr: net.TCPAddrFromAddrPort(local),
		Timeout:   timeout,
		Control:   reuseport.Control,
	}
}

// WildcardPort returns the local bind address (0.0.0.0, port).
func WildcardPort(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.IPv4Unspecified(), port)
}
