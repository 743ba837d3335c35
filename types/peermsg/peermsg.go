// Package peermsg frames JSON message envelopes over an established stream.
//
// This is the collaborator protocol layer that rides on top of a traversal
// stream; the traversal core itself takes no position on the bytes exchanged
// after hand-off.
//
// Wire format: uint32 big-endian length prefix, followed by that many bytes
// of JSON-encoded Envelope.
package peermsg

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/simulopen/simulopen/types"
	"github.com/simulopen/simulopen/types/bin"
)

const (
	TypeRequest  = "request"
	TypeResponse = "response"

	// MaxFrameSize guards against absurd length prefixes from a hostile or
	// desynchronised peer.
	MaxFrameSize = 1 << 20
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Envelope is the unit of exchange between peers.
type Envelope struct {
	Type      string            `json:"type"`
	Payload   string            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Session wraps an established stream for envelope exchange.
//
// Reads and writes are buffered per-session; a stream must not be shared with
// another framing reader once a Session owns it.
type Session struct {
	// Name is sent along in request metadata, identifying this peer.
	Name string

	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
}

func NewSession(conn net.Conn) *Session {
	return &Session{
		conn: conn,
		br:   bufio.NewReader(conn),
		bw:   bufio.NewWriter(conn),
	}
}

func (s *Session) Close() error {
	return s.conn.Close()
}

// Detach releases the underlying stream without closing it, so another
// protocol can take over. The session must not be used afterwards.
//
// Detaching is only safe while no frame is in flight: bytes already pulled
// into the session's read buffer do not travel along.
func (s *Session) Detach() net.Conn {
	return s.conn
}

// Write frames e onto the stream.
func (s *Session) Write(e *Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshalling envelope: %w", err)
	}

	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	if err := bin.WriteUint32(s.bw, uint32(len(data))); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}

	if _, err := s.bw.Write(data); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}

	return s.bw.Flush()
}

// Read reads one envelope from the stream.
func (s *Session) Read() (*Envelope, error) {
	frameLen, err := bin.ReadUint32(s.br)
	if err != nil {
		return nil, err
	}

	if frameLen > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	data := make([]byte, frameLen)
	if _, err := io.ReadFull(s.br, data); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}

	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshalling envelope: %w", err)
	}

	return &e, nil
}

// Request sends payload to the peer and waits for its response envelope.
func (s *Session) Request(payload string) (*Envelope, error) {
	req := &Envelope{
		Type:      TypeRequest,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	if s.Name != "" {
		req.Metadata = map[string]string{"from": s.Name}
	}

	if err := s.Write(req); err != nil {
		return nil, err
	}

	return s.Read()
}

// ServeEcho answers incoming requests with "Echo: <payload>" until the peer
// disconnects or ctx is cancelled.
func ServeEcho(ctx context.Context, s *Session) error {
	// Poke the blocked read on cancellation.
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		e, err := s.Read()
		if err != nil {
			if types.IsContextDone(ctx) {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if e.Type != TypeRequest {
			continue
		}

		resp := &Envelope{
			Type:      TypeResponse,
			Payload:   "Echo: " + e.Payload,
			Timestamp: time.Now(),
		}

		if err := s.Write(resp); err != nil {
			return err
		}
	}
}
