package punch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/simulopen/simulopen/types"
	"github.com/simulopen/simulopen/types/reuse"
)

// runConnect drives the outbound attempt loop from the shared local port.
//
// Each attempt binds a fresh socket to (0.0.0.0, cfg.LocalPort), connects to
// cfg.Remote under cfg.AttemptTimeout, and classifies the result. Failed
// attempts are recovered locally and retried after cfg.AttemptDelay; only the
// terminal exhausted state escapes, as a halfResult error.
func runConnect(ctx context.Context, cfg Config, log *slog.Logger) halfResult {
	local := reuse.WildcardPort(cfg.LocalPort)

	var (
		errs     []error
		refusals int
	)

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		// The delay pacing doubles as a cancellation suspension point.
		select {
		case <-ctx.Done():
			return halfResult{side: SideDialed, err: ctx.Err(), attempts: attempt - 1}
		case <-time.After(cfg.AttemptDelay):
		}

		log.Debug("outbound attempt", "attempt", attempt, "max", cfg.MaxAttempts)

		d := reuse.Dialer(local, cfg.AttemptTimeout)

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		conn, err := d.DialContext(attemptCtx, "tcp4", cfg.Remote.String())
		cancel()

		outcome := classifyDialError(err)

		if outcome == OutcomeConnected {
			log.Info("outbound connection established", "attempt", attempt)
			return halfResult{conn: conn, side: SideDialed, attempts: attempt}
		}

		// The dialer closes its socket on failure; nothing to release here.

		if types.IsContextDone(ctx) {
			return halfResult{side: SideDialed, err: ctx.Err(), attempts: attempt}
		}

		if outcome == OutcomeRefused {
			refusals++
		}

		log.Debug("outbound attempt failed", "attempt", attempt, "outcome", outcome.String(), "err", err)
		errs = append(errs, fmt.Errorf("attempt %d %s: %w", attempt, outcome, err))
	}

	// Terminal: attempts exhausted. Distinguish "explicitly refused" from
	// "nobody answered" for operator diagnosis.
	cause := ErrAttemptsExhausted
	if refusals == cfg.MaxAttempts {
		cause = ErrConnectionRefused
	}

	log.Debug("outbound attempts exhausted", "attempts", cfg.MaxAttempts, "refusals", refusals)

	return halfResult{
		side:     SideDialed,
		attempts: cfg.MaxAttempts,
		err:      fmt.Errorf("%w: %w", cause, errors.Join(errs...)),
	}
}
