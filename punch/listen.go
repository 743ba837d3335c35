package punch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/simulopen/simulopen/types"
	"github.com/simulopen/simulopen/types/reuse"
)

// runListen binds the shared local port and waits for one inbound connection.
//
// It never lets a Go error escape past the orchestrator boundary; every
// failure mode is folded into the halfResult. The listening socket is closed
// on every exit path, including cancellation mid-Accept.
func runListen(ctx context.Context, cfg Config, log *slog.Logger) halfResult {
	lc := reuse.ListenConfig()

	ln, err := lc.Listen(ctx, "tcp4", fmt.Sprintf(":%d", cfg.LocalPort))
	if err != nil {
		log.Warn("listen half could not bind", "err", err)
		return halfResult{side: SideAccepted, err: fmt.Errorf("%w: %w", ErrBindFailure, err)}
	}
	defer ln.Close()

	// Aborts a pending Accept when the orchestrator cancels us.
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(cfg.ListenTimeout))
	}

	log.Debug("listening for inbound connection")

	conn, err := ln.Accept()
	if err != nil {
		switch {
		case types.IsContextDone(ctx):
			return halfResult{side: SideAccepted, err: ctx.Err()}
		case isTimeout(err):
			log.Debug("listen half timed out", "timeout", cfg.ListenTimeout)
			return halfResult{side: SideAccepted, err: ErrListenTimeout}
		default:
			log.Warn("listen half accept failed", "err", err)
			return halfResult{side: SideAccepted, err: fmt.Errorf("accept: %w", err)}
		}
	}

	remote := types.NormaliseAddrPort(conn.RemoteAddr().(*net.TCPAddr).AddrPort())
	log.Info("inbound connection accepted", "from", remote)

	return halfResult{conn: conn, side: SideAccepted}
}
