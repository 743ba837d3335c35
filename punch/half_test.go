package punch

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// freePort grabs an ephemeral port and immediately releases it.
func freePort(t *testing.T) uint16 {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	return ln.Addr().(*net.TCPAddr).AddrPort().Port()
}

// deadEndpoint is a loopback endpoint nothing listens on: connects to it are
// refused immediately.
func deadEndpoint(t *testing.T) netip.AddrPort {
	t.Helper()

	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), freePort(t))
}

func TestConnectHalfRespectsAttemptLimit(t *testing.T) {
	cfg := Config{
		LocalPort:      freePort(t),
		Remote:         deadEndpoint(t),
		MaxAttempts:    3,
		AttemptDelay:   20 * time.Millisecond,
		AttemptTimeout: 500 * time.Millisecond,
	}

	res := runConnect(context.Background(), cfg, quiet)

	assert.Nil(t, res.conn)
	assert.Equal(t, 3, res.attempts, "must perform exactly MaxAttempts attempts")
	assert.ErrorIs(t, res.err, ErrConnectionRefused,
		"a dead loopback port refuses, which should be reported as such")
}

func TestConnectHalfObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := Config{
		LocalPort:      freePort(t),
		Remote:         deadEndpoint(t),
		MaxAttempts:    100,
		AttemptDelay:   10 * time.Millisecond,
		AttemptTimeout: 500 * time.Millisecond,
	}

	start := time.Now()
	res := runConnect(ctx, cfg, quiet)

	assert.Nil(t, res.conn)
	assert.ErrorIs(t, res.err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "cancellation must cut the loop short")
}

func TestConnectHalfEstablishes(t *testing.T) {
	peer, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()

	go func() {
		c, err := peer.Accept()
		if err == nil {
			defer c.Close()
			_, _ = io.Copy(io.Discard, c)
		}
	}()

	cfg := Config{
		LocalPort:      freePort(t),
		Remote:         peer.Addr().(*net.TCPAddr).AddrPort(),
		MaxAttempts:    3,
		AttemptDelay:   20 * time.Millisecond,
		AttemptTimeout: time.Second,
	}

	res := runConnect(context.Background(), cfg, quiet)

	require.NoError(t, res.err)
	require.NotNil(t, res.conn)
	defer res.conn.Close()

	assert.Equal(t, 1, res.attempts)
	assert.Equal(t, SideDialed, res.side)
	assert.EqualValues(t, cfg.LocalPort, res.conn.LocalAddr().(*net.TCPAddr).Port,
		"outbound stream must originate from the shared local port")
}

func TestListenHalfTimesOut(t *testing.T) {
	cfg := Config{
		LocalPort:     freePort(t),
		ListenTimeout: 200 * time.Millisecond,
	}

	start := time.Now()
	res := runListen(context.Background(), cfg, quiet)

	assert.Nil(t, res.conn)
	assert.ErrorIs(t, res.err, ErrListenTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestListenHalfBindFailure(t *testing.T) {
	// A plain listener without reuse options holds the port exclusively.
	holder, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer holder.Close()

	cfg := Config{
		LocalPort:     holder.Addr().(*net.TCPAddr).AddrPort().Port(),
		ListenTimeout: time.Second,
	}

	res := runListen(context.Background(), cfg, quiet)

	assert.Nil(t, res.conn)
	assert.ErrorIs(t, res.err, ErrBindFailure)
}

func TestListenHalfAcceptsInbound(t *testing.T) {
	port := freePort(t)

	go func() {
		// Give the half a moment to bind.
		time.Sleep(100 * time.Millisecond)

		var d net.Dialer
		c, err := d.Dial("tcp4", netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port).String())
		if err == nil {
			defer c.Close()
			_, _ = io.Copy(io.Discard, c)
		}
	}()

	cfg := Config{
		LocalPort:     port,
		ListenTimeout: 5 * time.Second,
	}

	res := runListen(context.Background(), cfg, quiet)

	require.NoError(t, res.err)
	require.NotNil(t, res.conn)
	defer res.conn.Close()

	assert.Equal(t, SideAccepted, res.side)
}

func TestListenHalfObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := Config{
		LocalPort:     freePort(t),
		ListenTimeout: 30 * time.Second,
	}

	done := make(chan halfResult, 1)
	go func() {
		done <- runListen(ctx, cfg, quiet)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.Nil(t, res.conn)
		assert.ErrorIs(t, res.err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listen half did not observe cancellation")
	}
}
