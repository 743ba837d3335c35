package punch

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"
)

const (
	DefaultListenTimeout  = time.Second * 30
	DefaultAttemptDelay   = time.Millisecond * 500
	DefaultMaxAttempts    = 10
	DefaultAttemptTimeout = time.Second * 2
	DefaultOverallTimeout = time.Second * 30

	// startupStagger is waited between starting the listen half and the first
	// outbound attempt, so an early inbound SYN finds a bound, accepting
	// socket. Best-effort ordering, not a hard synchronisation.
	startupStagger = time.Millisecond * 500
)

// Config describes a single traversal attempt.
type Config struct {
	// LocalPort is bound by both the listening and the connecting half.
	LocalPort uint16

	// Remote is the peer's candidate endpoint, discovered out-of-band.
	// IPv4 only; the traversal binds (0.0.0.0, LocalPort).
	Remote netip.AddrPort

	// ListenTimeout bounds how long the listen half waits for an inbound
	// connection. If zero, uses DefaultListenTimeout.
	ListenTimeout time.Duration

	// AttemptDelay is waited before every outbound attempt.
	// If zero, uses DefaultAttemptDelay.
	AttemptDelay time.Duration

	// MaxAttempts caps the outbound attempt loop. If zero, uses
	// DefaultMaxAttempts. Negative values are rejected by Validate.
	MaxAttempts int

	// AttemptTimeout bounds each individual outbound connect.
	// If zero, uses DefaultAttemptTimeout.
	AttemptTimeout time.Duration

	// OverallTimeout bounds the whole traversal, independently of the
	// halves' own timeouts. If zero, uses DefaultOverallTimeout.
	OverallTimeout time.Duration

	// Logger receives traversal progress events. If nil, slog.Default.
	Logger *slog.Logger
}

func (c *Config) SetDefaults() {
	if c.ListenTimeout == 0 {
		c.ListenTimeout = DefaultListenTimeout
	}

	if c.AttemptDelay == 0 {
		c.AttemptDelay = DefaultAttemptDelay
	}

	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}

	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}

	if c.OverallTimeout == 0 {
		c.OverallTimeout = DefaultOverallTimeout
	}
}

// Validate rejects configurations that can never traverse.
// It assumes SetDefaults has run.
func (c *Config) Validate() error {
	if c.LocalPort == 0 {
		return fmt.Errorf("%w: local port must be set", ErrInvalidConfig)
	}

	if !c.Remote.IsValid() || c.Remote.Port() == 0 {
		return fmt.Errorf("%w: remote endpoint %q is not dialable", ErrInvalidConfig, c.Remote)
	}

	if !c.Remote.Addr().Unmap().Is4() {
		return fmt.Errorf("%w: remote endpoint %q is not IPv4", ErrInvalidConfig, c.Remote)
	}

	if c.MaxAttempts < 0 {
		return fmt.Errorf("%w: negative attempt count %d", ErrInvalidConfig, c.MaxAttempts)
	}

	return nil
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
