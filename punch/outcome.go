package punch

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Outcome classifies how one outbound connect attempt ended.
type Outcome int

const (
	OutcomeConnected Outcome = iota
	OutcomeRefused
	OutcomeTimedOut
	OutcomeOSError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConnected:
		return "connected"
	case OutcomeRefused:
		return "refused"
	case OutcomeTimedOut:
		return "timed out"
	case OutcomeOSError:
		return "os error"
	default:
		return "unknown"
	}
}

// classifyDialError maps a dialer error onto the attempt outcome taxonomy.
func classifyDialError(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeConnected
	case errors.Is(err, syscall.ECONNREFUSED):
		return OutcomeRefused
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		return OutcomeTimedOut
	default:
		return OutcomeOSError
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Side says which half produced an established stream.
type Side int

const (
	// SideAccepted: the listen half won, the stream came in from outside.
	SideAccepted Side = iota
	// SideDialed: the connect half won with an outbound connect.
	SideDialed
)

func (s Side) String() string {
	switch s {
	case SideAccepted:
		return "accepted"
	case SideDialed:
		return "dialed"
	default:
		return "unknown"
	}
}

// Result is an established traversal stream.
//
// Ownership of Conn transfers to the caller, who must close it exactly once.
type Result struct {
	Conn net.Conn

	// Side reports which half produced Conn.
	Side Side

	// Attempts is how many outbound connects were started before the
	// traversal completed, on either side's path.
	Attempts int
}

// halfResult is what each half reports back to the orchestrator. Exactly one
// of conn and err is set.
type halfResult struct {
	conn     net.Conn
	side     Side
	err      error
	attempts int
}
