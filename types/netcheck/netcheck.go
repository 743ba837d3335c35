// Package netcheck discovers this host's local (interface) and public
// (NAT-external) addresses.
//
// Discovery is deliberately degraded-but-never-failing: a failing probe hands
// over to the next one, and when everything fails the answer falls back to
// the local address, and ultimately to loopback. Callers get an address, not
// an error, and can decide for themselves whether it is usable.
package netcheck

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/LukaGiorgadze/gonull"
	"github.com/simulopen/simulopen/types"
	"go4.org/netipx"
)

const (
	// DefaultProbeTimeout bounds each individual public-address probe.
	DefaultProbeTimeout = 5 * time.Second

	// The address the local-discovery socket "connects" to. Being UDP, no
	// packet is sent; it only makes the OS commit to a source address.
	localProbeTarget = "8.8.8.8:80"
)

var loopback = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// DefaultProbes returns the default public-address probe chain, in query order.
func DefaultProbes() []Prober {
	return []Prober{
		&STUNProbe{Server: "stun.l.google.com:19302"},
		&HTTPProbe{URL: "https://api.ipify.org"},
		&HTTPProbe{URL: "https://icanhazip.com"},
		&HTTPProbe{URL: "https://ifconfig.me/ip"},
	}
}

// Resolver answers local- and public-address queries.
//
// The zero value is usable, and queries the default probe chain.
type Resolver struct {
	// Probes are queried in order by PublicAddress. If nil, DefaultProbes.
	Probes []Prober

	// ProbeTimeout bounds each individual probe. If zero, DefaultProbeTimeout.
	ProbeTimeout time.Duration

	// Logger receives discovery events. If nil, slog.Default.
	Logger *slog.Logger

	mu     sync.Mutex
	public gonull.Nullable[netip.Addr]
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Resolver) probes() []Prober {
	if r.Probes != nil {
		return r.Probes
	}
	return DefaultProbes()
}

func (r *Resolver) probeTimeout() time.Duration {
	if r.ProbeTimeout != 0 {
		return r.ProbeTimeout
	}
	return DefaultProbeTimeout
}

// LocalAddress returns the interface address the OS would route external
// traffic from. On any failure it degrades to loopback; it never errors.
func (r *Resolver) LocalAddress(ctx context.Context) netip.Addr {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "udp4", localProbeTarget)
	if err != nil {
		r.logger().Debug("local address discovery failed, degrading to loopback", "err", err)
		return loopback
	}
	defer conn.Close()

	return types.NormaliseAddr(conn.LocalAddr().(*net.UDPAddr).AddrPort().Addr())
}

// PublicAddress returns the first answer from the probe chain, degrading to
// LocalAddress when every probe fails. It never errors.
//
// The answer is cached; use Refresh to force re-discovery.
func (r *Resolver) PublicAddress(ctx context.Context) netip.Addr {
	r.mu.Lock()
	if r.public.Valid {
		addr := r.public.Val
		r.mu.Unlock()
		return addr
	}
	r.mu.Unlock()

	var errs []error

	log := r.logger()

	for _, p := range r.probes() {
		probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout())
		addr, err := p.Probe(probeCtx)
		cancel()

		if err != nil {
			log.Debug("public address probe failed", "probe", p.Name(), "err", err)
			errs = append(errs, err)
			continue
		}

		if IsPrivate(addr) {
			log.Warn("probe returned a non-public address, peers outside this network cannot reach it",
				"probe", p.Name(), "addr", addr)
		}

		log.Debug("public address discovered", "probe", p.Name(), "addr", addr)

		r.mu.Lock()
		r.public = gonull.NewNullable(addr)
		r.mu.Unlock()

		return addr
	}

	log.Info("all public address probes failed, degrading to local address",
		"probes", types.Map(r.probes(), Prober.Name),
		"err", errors.Join(errs...))

	return r.LocalAddress(ctx)
}

// Refresh drops the cached public address, so the next PublicAddress call
// queries the probe chain again.
func (r *Resolver) Refresh() {
	r.mu.Lock()
	r.public = gonull.Nullable[netip.Addr]{}
	r.mu.Unlock()
}

var privateRanges = func() *netipx.IPSet {
	var b netipx.IPSetBuilder

	for _, s := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"100.64.0.0/10", // CGNAT
		"127.0.0.0/8",
		"169.254.0.0/16",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	} {
		b.AddPrefix(netip.MustParsePrefix(s))
	}

	set, err := b.IPSet()
	if err != nil {
		panic(err)
	}

	return set
}()

// IsPrivate reports whether addr falls in a range that is not publicly
// routable, meaning a NAT-external peer cannot use it as a candidate endpoint.
func IsPrivate(addr netip.Addr) bool {
	return privateRanges.Contains(types.NormaliseAddr(addr))
}
