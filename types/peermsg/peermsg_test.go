package peermsg

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionPair(t *testing.T) (*Session, *Session) {
	t.Helper()

	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	return NewSession(a), NewSession(b)
}

func TestRoundTrip(t *testing.T) {
	a, b := sessionPair(t)

	sent := &Envelope{
		Type:      TypeRequest,
		Payload:   "hello there",
		Metadata:  map[string]string{"from": "test"},
		Timestamp: time.Now().UTC(),
	}

	go func() {
		_ = a.Write(sent)
	}()

	got, err := b.Read()
	require.NoError(t, err)
	assert.Equal(t, sent.Type, got.Type)
	assert.Equal(t, sent.Payload, got.Payload)
	assert.Equal(t, sent.Metadata, got.Metadata)
	assert.True(t, sent.Timestamp.Equal(got.Timestamp))
}

func TestRequestEcho(t *testing.T) {
	a, b := sessionPair(t)
	a.Name = "alice"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- ServeEcho(ctx, b)
	}()

	resp, err := a.Request("How are you?")
	require.NoError(t, err)
	assert.Equal(t, TypeResponse, resp.Type)
	assert.Equal(t, "Echo: How are you?", resp.Payload)

	// A second request over the same session.
	resp, err = a.Request("Goodbye!")
	require.NoError(t, err)
	assert.Equal(t, "Echo: Goodbye!", resp.Payload)

	cancel()

	select {
	case err := <-serveDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("ServeEcho did not observe cancellation")
	}
}

func TestServeEchoReturnsOnPeerClose(t *testing.T) {
	a, b := sessionPair(t)

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- ServeEcho(context.Background(), b)
	}()

	require.NoError(t, a.Close())

	select {
	case err := <-serveDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ServeEcho did not return on peer close")
	}
}

func TestOversizedFrameRejected(t *testing.T) {
	a, b := sessionPair(t)

	go func() {
		// A length prefix way past MaxFrameSize, no body needed.
		_, _ = a.conn.Write([]byte{0xff, 0xff, 0xff, 0xff})
	}()

	_, err := b.Read()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
