// Package wsbridge upgrades an established traversal stream to WebSocket.
//
// Once a direct stream exists, the peers speak WebSocket over it: one side
// serves, the other dials. No new sockets are opened; the upgrade rides the
// punched connection as-is.
package wsbridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EchoPrefix is prepended to every payload the echo endpoint sends back.
const EchoPrefix = "Echo: "

// singleConnListener yields exactly one pre-established connection, then
// blocks until closed. It lets net/http serve over a punched stream.
type singleConnListener struct {
	conn net.Conn
	ch   chan net.Conn
	done chan struct{}
	once sync.Once
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	ch := make(chan net.Conn, 1)
	ch <- conn

	return &singleConnListener{
		conn: conn,
		ch:   ch,
		done: make(chan struct{}),
	}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.ch:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *singleConnListener) Close() error {
	l.once.Do(func() {
		close(l.done)
	})
	return nil
}

func (l *singleConnListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

var upgrader = websocket.Upgrader{
	// The peer already proved itself by holding the stream; browser Origin
	// policies do not apply here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Serve runs a WebSocket echo endpoint over conn until the peer disconnects
// or ctx is cancelled. It takes ownership of conn; the stream is closed by
// the time Serve returns.
//
// A nil return means the peer closed the session normally.
func Serve(ctx context.Context, conn net.Conn) error {
	// Once upgraded the connection is hijacked out of the http server, so
	// srv.Close no longer reaches it; this close also unblocks the echo loop
	// on cancellation.
	defer conn.Close()

	done := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			done <- fmt.Errorf("websocket upgrade: %w", err)
			return
		}
		done <- echoLoop(ws)
	})

	ln := newSingleConnListener(conn)
	srv := &http.Server{Handler: mux}

	go func() {
		_ = srv.Serve(ln)
	}()
	defer srv.Close()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func echoLoop(ws *websocket.Conn) error {
	defer ws.Close()

	for {
		mt, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		if mt != websocket.TextMessage {
			continue
		}

		if err := ws.WriteMessage(websocket.TextMessage, append([]byte(EchoPrefix), msg...)); err != nil {
			return err
		}
	}
}

// Dial performs the client side of the upgrade over an existing stream and
// returns the WebSocket session. It takes ownership of conn; closing the
// returned session closes the stream.
func Dial(ctx context.Context, conn net.Conn) (*websocket.Conn, error) {
	d := websocket.Dialer{
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			return conn, nil
		},
		HandshakeTimeout: 10 * time.Second,
	}

	// The URL's host only ends up in the Host header; the transport is
	// already decided.
	ws, resp, err := d.DialContext(ctx, "ws://peer/", nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	return ws, nil
}
