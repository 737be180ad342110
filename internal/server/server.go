// Package server owns the TCP accept loop and wires one connection at
// a time to a session.Session. Grounded on
// aykevl-emculator/gdb-rsp.go's gdbServer/gdbHandle: a single
// net.Listen, one connection handled at a time (never a
// goroutine-per-connection, since two simultaneous GDB clients would
// trample the same target), and a separate packet-reader goroutine
// feeding a channel so an interrupt byte (0x03) can be observed while
// the target is running.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aniai-dev/st-util/internal/logging"
	"github.com/aniai-dev/st-util/internal/probe"
	"github.com/aniai-dev/st-util/internal/rsp"
	"github.com/aniai-dev/st-util/internal/semihosting"
	"github.com/aniai-dev/st-util/internal/session"
)

// Config wires a Server's collaborators and per-connection parameters.
type Config struct {
	Probe       probe.Probe
	Log         *logging.Logger
	Addr        string
	Serial      string
	FreqHz      uint32
	Mode        probe.ConnectMode
	Multi       bool
	Semihosting bool
}

// Server accepts GDB client connections and serves them one at a time.
type Server struct {
	cfg Config
}

// New returns a Server ready to Serve.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = logging.Default()
	}
	return &Server{cfg: cfg}
}

// Serve listens on cfg.Addr and handles connections until ctx is
// canceled, a non-multi session ends, or accept fails.
func (srv *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", srv.cfg.Addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}

		srv.cfg.Log.Info("client connected", "remote", conn.RemoteAddr())
		again, err := srv.handle(ctx, conn)
		conn.Close()
		if err != nil {
			srv.cfg.Log.Error("session error", "err", err)
		}
		if !again {
			return nil
		}
	}
}

// handle drives one client connection to completion. It reports
// whether the server should keep accepting further connections
// (true when the session negotiated '!' extended/multi mode, or the
// server was started with --multi).
func (srv *Server) handle(ctx context.Context, conn net.Conn) (bool, error) {
	sess, err := session.New(session.Config{
		Probe: srv.cfg.Probe,
		Log:   srv.cfg.Log,
		Params: session.Params{
			Mode:        srv.cfg.Mode,
			Serial:      srv.cfg.Serial,
			FreqHz:      srv.cfg.FreqHz,
			Persistent:  srv.cfg.Multi,
			Semihosting: srv.cfg.Semihosting,
		},
		Semihosting: semihosting.NewHostHandler(srv.cfg.Probe),
	})
	if err != nil {
		return false, fmt.Errorf("session open: %w", err)
	}
	defer sess.Close()

	c := rsp.NewConn(conn)

	packetCh := make(chan string)
	errCh := make(chan error, 1)
	go recvPackets(c, packetCh, errCh)

	// interrupted is handed to the session's 'c' handler, which polls
	// it in a loop while the target runs; it must not block, since the
	// recvPackets goroutine is the only reader of the connection and
	// keeps running concurrently with Dispatch.
	interrupted := func() bool {
		select {
		case packet, ok := <-packetCh:
			if !ok {
				return false
			}
			return packet == "\x03"
		default:
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case err := <-errCh:
			return srv.cfg.Multi || sess.Persistent(), err
		case packet, ok := <-packetCh:
			if !ok {
				return srv.cfg.Multi || sess.Persistent(), nil
			}
			if packet == "\x03" {
				continue
			}
			if packet == "QStartNoAckMode" {
				c.SetNoAck(true)
				if err := c.WritePacket("OK"); err != nil {
					return srv.cfg.Multi || sess.Persistent(), err
				}
				continue
			}

			out := sess.Dispatch(ctx, packet, interrupted)
			if out.HasReply {
				if err := c.WritePacket(out.Reply); err != nil {
					return srv.cfg.Multi || sess.Persistent(), err
				}
			}
			if out.Critical {
				return srv.cfg.Multi || sess.Persistent(), nil
			}
		}
	}
}

// recvPackets reads framed packets off c and feeds them to ch, so the
// connection-handling select loop can interleave reading the next
// packet (in particular, a 0x03 interrupt byte) with running the
// target under 'c'.
func recvPackets(c *rsp.Conn, ch chan<- string, errCh chan<- error) {
	defer close(ch)
	for {
		packet, err := c.ReadPacket()
		if errors.Is(err, rsp.ErrProtocol) {
			continue // already NAKed; wait for the retransmission
		}
		if err != nil {
			errCh <- err
			return
		}
		ch <- packet
	}
}
