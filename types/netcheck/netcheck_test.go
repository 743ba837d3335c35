package netcheck

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingProbe always errors, to exercise the fallback chain.
type failingProbe struct{}

func (failingProbe) Name() string { return "failing" }

func (failingProbe) Probe(context.Context) (netip.Addr, error) {
	return netip.Addr{}, errors.New("probe deliberately failed")
}

func echoServer(t *testing.T, body string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestHTTPProbeTrimsResponse(t *testing.T) {
	srv := echoServer(t, "  203.0.113.7\n")

	p := &HTTPProbe{URL: srv.URL}

	addr, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("203.0.113.7"), addr)
}

func TestHTTPProbeRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	p := &HTTPProbe{URL: srv.URL}

	_, err := p.Probe(context.Background())
	assert.Error(t, err)
}

func TestHTTPProbeRejectsGarbage(t *testing.T) {
	srv := echoServer(t, "<html>definitely not an address</html>")

	p := &HTTPProbe{URL: srv.URL}

	_, err := p.Probe(context.Background())
	assert.Error(t, err)
}

func TestPublicAddressFallsThroughChain(t *testing.T) {
	srv := echoServer(t, "198.51.100.4")

	r := &Resolver{
		Probes: []Prober{
			failingProbe{},
			failingProbe{},
			&HTTPProbe{URL: srv.URL},
		},
		ProbeTimeout: time.Second,
	}

	addr := r.PublicAddress(context.Background())
	assert.Equal(t, netip.MustParseAddr("198.51.100.4"), addr)
}

func TestPublicAddressCaches(t *testing.T) {
	srv := echoServer(t, "198.51.100.9")

	r := &Resolver{
		Probes:       []Prober{&HTTPProbe{URL: srv.URL}},
		ProbeTimeout: time.Second,
	}

	first := r.PublicAddress(context.Background())

	// With the backing service gone, only the cache can answer.
	srv.Close()

	assert.Equal(t, first, r.PublicAddress(context.Background()))

	r.Refresh()

	// After Refresh the dead probe chain degrades to the local address.
	assert.Equal(t, r.LocalAddress(context.Background()), r.PublicAddress(context.Background()))
}

func TestPublicAddressDegradesToLocal(t *testing.T) {
	r := &Resolver{
		Probes:       []Prober{failingProbe{}, failingProbe{}},
		ProbeTimeout: time.Second,
	}

	ctx := context.Background()
	assert.Equal(t, r.LocalAddress(ctx), r.PublicAddress(ctx))
}

func TestResolverLogsThroughInjectedLogger(t *testing.T) {
	var buf bytes.Buffer

	r := &Resolver{
		Probes:       []Prober{failingProbe{}},
		ProbeTimeout: time.Second,
		Logger:       slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}

	_ = r.PublicAddress(context.Background())

	logged := buf.String()
	assert.Contains(t, logged, "public address probe failed")
	assert.Contains(t, logged, "failing", "the probe's name should surface in events")
	assert.Contains(t, logged, "degrading to local address")
}

func TestLocalAddressNeverInvalid(t *testing.T) {
	var r Resolver

	addr := r.LocalAddress(context.Background())
	assert.True(t, addr.IsValid())
	assert.True(t, addr.Is4(), "local discovery uses an IPv4 socket")
}

func TestIsPrivate(t *testing.T) {
	for _, s := range []string{"10.1.2.3", "192.168.1.1", "172.18.0.5", "100.64.1.1", "127.0.0.1", "169.254.0.3", "fe80::1", "::1"} {
		assert.True(t, IsPrivate(netip.MustParseAddr(s)), s)
	}

	for _, s := range []string{"8.8.8.8", "203.0.113.7", "2001:db8::1"} {
		assert.False(t, IsPrivate(netip.MustParseAddr(s)), s)
	}
}
