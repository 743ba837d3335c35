// Package punch establishes a direct TCP connection between two NAT-ed peers
// without a relay, using TCP simultaneous open.
//
// Both peers, armed with each other's candidate endpoint, connect outwards
// from the very local port they are also listening on. The outbound SYNs open
// a mapping in each peer's NAT; whichever arrives first, the inbound SYN at
// the listener or the peer's acceptance of the outbound connect, completes
// the handshake.
//
// The entry point is SimultaneousOpen. Candidate endpoint discovery, and
// whatever protocol runs over the resulting stream, are the caller's concern.
package punch

import "errors"

var (
	// ErrInvalidConfig rejects configurations that can never traverse. It is
	// the only error SimultaneousOpen returns for caller mistakes rather
	// than network conditions.
	ErrInvalidConfig = errors.New("invalid traversal config")

	// ErrNoConnection is wrapped by every expected traversal failure.
	ErrNoConnection = errors.New("traversal produced no connection")

	// ErrBindFailure means the local port is exclusively held elsewhere.
	ErrBindFailure = errors.New("could not bind local port")

	// ErrListenTimeout means no inbound connection arrived in time.
	ErrListenTimeout = errors.New("no inbound connection before listen timeout")

	// ErrAttemptsExhausted means every outbound attempt failed, with at least
	// one failing for a reason other than refusal: nobody answered.
	ErrAttemptsExhausted = errors.New("all outbound attempts exhausted")

	// ErrConnectionRefused means every outbound attempt was explicitly
	// refused: something answered, and it wasn't our peer's NAT mapping.
	ErrConnectionRefused = errors.New("peer refused every outbound attempt")

	// ErrOverallTimeout means the traversal deadline expired before either
	// half reached a terminal state.
	ErrOverallTimeout = errors.New("traversal deadline expired")
)
