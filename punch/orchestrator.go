package punch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SimultaneousOpen races a listening socket against outbound connects from
// the same local port, and returns the first stream that completes.
//
// The listen half starts immediately; the connect half is held back by a
// short stagger so the listener is bound before the first SYN goes out. The
// loser's socket is always closed before this returns, also on cancellation
// and timeout.
//
// Expected failure modes (listen timeout, refusal, exhaustion, overall
// timeout) come back as errors wrapping ErrNoConnection, with the underlying
// cause preserved for diagnosis. Only configuration mistakes are reported as
// ErrInvalidConfig.
func SimultaneousOpen(ctx context.Context, cfg Config) (*Result, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.logger().With("remote", cfg.Remote, "port", cfg.LocalPort)

	ctx, cancel := context.WithTimeoutCause(ctx, cfg.OverallTimeout, ErrOverallTimeout)
	defer cancel()

	results := make(chan halfResult)

	// Closed when this function returns; steers a late winner into closing
	// its own socket instead of leaking it.
	returned := make(chan struct{})
	defer close(returned)

	report := func(res halfResult) {
		select {
		case results <- res:
		case <-returned:
			if res.conn != nil {
				if err := res.conn.Close(); err != nil {
					log.Warn("failed to close losing half's stream", "side", res.side, "err", err)
				}
			}
		}
	}

	log.Debug("starting simultaneous open")

	go func() {
		report(runListen(ctx, cfg, log))
	}()

	go func() {
		select {
		case <-ctx.Done():
			report(halfResult{side: SideDialed, err: ctx.Err()})
			return
		case <-time.After(startupStagger):
		}
		report(runConnect(ctx, cfg, log))
	}()

	var (
		attempts int
		failures []error
	)

	// First stream wins. A half that fails terminally just means we keep
	// waiting for its sibling; its outcome is retained for the error report.
	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrNoConnection, context.Cause(ctx))

		case res := <-results:
			if res.attempts > attempts {
				attempts = res.attempts
			}

			if res.conn != nil {
				if i == 0 {
					cancel()
					drainSibling(results, log)
				}

				log.Info("traversal complete", "side", res.side, "attempts", attempts)
				return &Result{Conn: res.conn, Side: res.side, Attempts: attempts}, nil
			}

			if res.err != nil && !errors.Is(res.err, context.Canceled) {
				failures = append(failures, res.err)
			}
		}
	}

	// Both halves terminal without a stream.
	log.Info("traversal failed", "attempts", attempts)

	if len(failures) == 0 {
		return nil, ErrNoConnection
	}

	return nil, fmt.Errorf("%w: %w", ErrNoConnection, errors.Join(failures...))
}

// drainSibling waits for the losing half to wind down, so its socket is
// closed before the winner is handed over. The halves abort promptly on
// cancellation; the grace period only guards against one stuck mid-syscall,
// in which case the returned-channel steering still closes its socket.
func drainSibling(results <-chan halfResult, log *slog.Logger) {
	select {
	case res := <-results:
		if res.conn != nil {
			if err := res.conn.Close(); err != nil {
				log.Warn("failed to close losing half's stream", "side", res.side, "err", err)
			}
		}
	case <-time.After(time.Second):
		log.Debug("losing half did not wind down in time, leaving it to late-winner steering")
	}
}
