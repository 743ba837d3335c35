package netcheck

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/pion/stun"
	"github.com/simulopen/simulopen/types"
)

// A Prober asks one external service which address it sees this host as.
//
// Probes are queried in order by Resolver.PublicAddress, each under its own
// timeout; a failing probe just hands over to the next one.
type Prober interface {
	// Name identifies this probe in logs.
	Name() string

	// Probe returns the publicly visible address of this host.
	Probe(ctx context.Context) (netip.Addr, error)
}

// HTTPProbe queries a plaintext IP-echo service.
type HTTPProbe struct {
	URL string

	// Client to query with. If nil, uses http.DefaultClient.
	Client *http.Client
}

func (p *HTTPProbe) Name() string { return p.URL }

func (p *HTTPProbe) Probe(ctx context.Context) (netip.Addr, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("building request: %w", err)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("requesting %s: %w", p.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("%s returned status %d", p.URL, resp.StatusCode)
	}

	// IP-echo bodies are a dozen bytes; anything past this is not an address.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 128))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("reading %s response: %w", p.URL, err)
	}

	addr, err := netip.ParseAddr(strings.TrimSpace(string(body)))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parsing %s response: %w", p.URL, err)
	}

	return types.NormaliseAddr(addr), nil
}

// STUNProbe asks a STUN server for this host's server-reflexive address.
type STUNProbe struct {
	// Server is the host:port of the STUN endpoint.
	Server string
}

func (p *STUNProbe) Name() string { return "stun://" + p.Server }

func (p *STUNProbe) Probe(ctx context.Context) (netip.Addr, error) {
	var d net.Dialer

	netConn, err := d.DialContext(ctx, "udp4", p.Server)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("dialing %s: %w", p.Server, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}

	client, err := stun.NewClient(netConn)
	if err != nil {
		netConn.Close()
		return netip.Addr{}, fmt.Errorf("stun client for %s: %w", p.Server, err)
	}
	defer client.Close()

	var (
		addr  netip.Addr
		doErr error
	)

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if err := client.Do(req, func(res stun.Event) {
		if res.Error != nil {
			doErr = res.Error
			return
		}

		var mapped stun.XORMappedAddress
		if err := mapped.GetFrom(res.Message); err != nil {
			doErr = err
			return
		}

		a, ok := netip.AddrFromSlice(mapped.IP)
		if !ok {
			doErr = fmt.Errorf("unparseable mapped address %v", mapped.IP)
			return
		}

		addr = types.NormaliseAddr(a)
	}); err != nil {
		return netip.Addr{}, fmt.Errorf("stun binding via %s: %w", p.Server, err)
	}

	if doErr != nil {
		return netip.Addr{}, fmt.Errorf("stun binding via %s: %w", p.Server, doErr)
	}

	return addr, nil
}
