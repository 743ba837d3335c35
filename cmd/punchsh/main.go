package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell/v2"
	"github.com/gorilla/websocket"
	"github.com/simulopen/simulopen/punch"
	"github.com/simulopen/simulopen/types"
	"github.com/simulopen/simulopen/types/netcheck"
	"github.com/simulopen/simulopen/types/peermsg"
	"github.com/simulopen/simulopen/wsbridge"
)

var (
	programLevel = new(slog.LevelVar) // Info by default

	resolver netcheck.Resolver

	session *peermsg.Session
	side    punch.Side

	serveCancel context.CancelFunc
	serveDone   chan error

	wsConn *websocket.Conn
)

func main() {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel, AddSource: true})
	slog.SetDefault(slog.New(h))
	programLevel.Set(slog.LevelDebug)

	shell := ishell.New()

	shell.SetHomeHistoryPath(".punchsh_history")

	shell.Println("SimulOpen Interactive Shell")

	traceCmd := &ishell.Cmd{
		Name: "trace",
		Help: "set log level to trace",
		Func: func(c *ishell.Context) {
			programLevel.Set(types.LevelTrace)
		},
	}

	debugCmd := &ishell.Cmd{
		Name: "debug",
		Help: "set log level to debug",
		Func: func(c *ishell.Context) {
			programLevel.Set(slog.LevelDebug)
		},
	}

	infoCmd := &ishell.Cmd{
		Name: "info",
		Help: "set log level to info",
		Func: func(c *ishell.Context) {
			programLevel.Set(slog.LevelInfo)
		},
	}

	shell.AddCmd(traceCmd)
	shell.AddCmd(debugCmd)
	shell.AddCmd(infoCmd)

	shell.AddCmd(addrCmd())
	shell.AddCmd(punchCmd())
	shell.AddCmd(sendCmd())
	shell.AddCmd(serveCmd())
	shell.AddCmd(wsCmd())
	shell.AddCmd(closeCmd())

	shell.Run()
}

// Address commands
func addrCmd() *ishell.Cmd {
	c := &ishell.Cmd{
		Name: "addr",
		Help: "show local and public addresses",
		Func: func(c *ishell.Context) {
			ctx := context.Background()

			local := resolver.LocalAddress(ctx)
			public := resolver.PublicAddress(ctx)

			c.Println("local :", local)
			c.Println("public:", public)

			if netcheck.IsPrivate(public) {
				c.Println("note: public address is in a private range, traversal across NATs will not work")
			}
		},
	}

	c.AddCmd(&ishell.Cmd{
		Name: "refresh",
		Help: "drop the cached public address and re-discover",
		Func: func(c *ishell.Context) {
			resolver.Refresh()
			c.Println("public:", resolver.PublicAddress(context.Background()))
		},
	})

	return c
}

// Traversal commands
func punchCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "punch",
		Help: "punch <remote ip:port> <local port>: traverse to a peer",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 2 {
				c.Err(errors.New("expected 2 arguments"))
				return
			}

			if session != nil {
				c.Err(errors.New("already have a stream, close it first"))
				return
			}

			remote, err := netip.ParseAddrPort(c.Args[0])
			if err != nil {
				c.Err(fmt.Errorf("could not parse remote: %w", err))
				return
			}

			port, err := strconv.ParseUint(c.Args[1], 10, 16)
			if err != nil {
				c.Err(fmt.Errorf("could not parse local port: %w", err))
				return
			}

			c.Println("punching", remote, "from local port", port, "...")

			res, err := punch.SimultaneousOpen(context.Background(), punch.Config{
				LocalPort: uint16(port),
				Remote:    remote,
			})
			if err != nil {
				c.Err(err)
				return
			}

			session = peermsg.NewSession(res.Conn)
			session.Name = res.Conn.LocalAddr().String()
			side = res.Side

			c.Println("connected:", res.Side, "after", res.Attempts, "attempts,",
				res.Conn.LocalAddr(), "<->", res.Conn.RemoteAddr())
		},
	}
}

func sendCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "send",
		Help: "send <text>: send a request to the peer and print its response",
		Func: func(c *ishell.Context) {
			if session == nil {
				c.Err(errors.New("no stream, punch first"))
				return
			}
			if len(c.Args) == 0 {
				c.Err(errors.New("nothing to send"))
				return
			}

			resp, err := session.Request(strings.Join(c.Args, " "))
			if err != nil {
				c.Err(err)
				return
			}

			c.Println("<-", resp.Payload)
		},
	}
}

func serveCmd() *ishell.Cmd {
	c := &ishell.Cmd{
		Name: "serve",
		Help: "answer peer requests with echoes, until 'serve stop'",
		Func: func(c *ishell.Context) {
			if session == nil {
				c.Err(errors.New("no stream, punch first"))
				return
			}
			if serveCancel != nil {
				c.Err(errors.New("already serving"))
				return
			}

			var ctx context.Context
			ctx, serveCancel = context.WithCancel(context.Background())
			serveDone = make(chan error, 1)

			go func() {
				serveDone <- peermsg.ServeEcho(ctx, session)
			}()

			c.Println("serving echoes on", side, "stream")
		},
	}

	c.AddCmd(&ishell.Cmd{
		Name: "stop",
		Help: "stop serving echoes",
		Func: func(c *ishell.Context) {
			if serveCancel == nil {
				c.Err(errors.New("not serving"))
				return
			}

			serveCancel()
			serveCancel = nil

			select {
			case err := <-serveDone:
				if err != nil && !errors.Is(err, context.Canceled) {
					c.Err(err)
				}
			case <-time.After(5 * time.Second):
				c.Err(errors.New("echo server did not stop in time"))
			}
		},
	})

	return c
}

// WebSocket commands
func wsCmd() *ishell.Cmd {
	c := &ishell.Cmd{
		Name: "ws",
		Help: "websocket upgrade over the punched stream",
	}

	c.AddCmd(&ishell.Cmd{
		Name: "serve",
		Help: "serve the websocket echo endpoint (blocks until peer closes)",
		Func: func(c *ishell.Context) {
			conn := takeConn(c)
			if conn == nil {
				return
			}

			c.Println("serving websocket echoes, ^C the peer to stop")
			if err := wsbridge.Serve(context.Background(), conn); err != nil {
				c.Err(err)
				return
			}
			c.Println("peer closed the websocket session")
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "dial",
		Help: "upgrade the punched stream to a websocket client session",
		Func: func(c *ishell.Context) {
			if wsConn != nil {
				c.Err(errors.New("already have a websocket session"))
				return
			}

			conn := takeConn(c)
			if conn == nil {
				return
			}

			ws, err := wsbridge.Dial(context.Background(), conn)
			if err != nil {
				c.Err(err)
				return
			}

			wsConn = ws
			c.Println("websocket session established")
		},
	})

	c.AddCmd(&ishell.Cmd{
		Name: "send",
		Help: "ws send <text>: send over the websocket session and print the reply",
		Func: func(c *ishell.Context) {
			if wsConn == nil {
				c.Err(errors.New("no websocket session, 'ws dial' first"))
				return
			}
			if len(c.Args) == 0 {
				c.Err(errors.New("nothing to send"))
				return
			}

			msg := strings.Join(c.Args, " ")
			if err := wsConn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				c.Err(err)
				return
			}

			_, reply, err := wsConn.ReadMessage()
			if err != nil {
				c.Err(err)
				return
			}

			c.Println("<-", string(reply))
		},
	})

	return c
}

// takeConn detaches the raw stream from the current session, handing its
// ownership to a websocket bridge.
func takeConn(c *ishell.Context) net.Conn {
	if session == nil {
		c.Err(errors.New("no stream, punch first"))
		return nil
	}
	if serveCancel != nil {
		c.Err(errors.New("echo server owns the stream, 'serve stop' first"))
		return nil
	}

	conn := session.Detach()
	session = nil

	return conn
}

func closeCmd() *ishell.Cmd {
	return &ishell.Cmd{
		Name: "close",
		Help: "close the current stream and websocket session",
		Func: func(c *ishell.Context) {
			if serveCancel != nil {
				serveCancel()
				serveCancel = nil
			}

			if wsConn != nil {
				_ = wsConn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = wsConn.Close()
				wsConn = nil
			}

			if session != nil {
				if err := session.Close(); err != nil {
					c.Err(err)
				}
				session = nil
			}

			c.Println("closed")
		},
	}
}
