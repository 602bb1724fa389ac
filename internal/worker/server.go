// Package worker is the process hosting the debugger engine. It serves one
// host connection: commands are read and dispatched in order, and engine
// events are translated into notifications that a single sender writes back.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bingosuite/debugbridge/internal/engine"
	"github.com/bingosuite/debugbridge/internal/protocol"
	"github.com/bingosuite/debugbridge/internal/wire"
)

const (
	notificationQueueSize = 256
	dialTimeout           = 5 * time.Second
)

// ErrIdleConnection is returned by Serve when the peer went away having sent
// nothing but liveness checks.
var ErrIdleConnection = errors.New("connection closed before any command")

// EngineFactory creates the engine for one served connection.
type EngineFactory func() engine.Engine

// sender owns the write side of the connection. Notifications are queued
// from any goroutine and written in queue order.
type sender struct {
	queue chan protocol.Notification
	done  chan struct{}
}

func newSender() *sender {
	return &sender{
		queue: make(chan protocol.Notification, notificationQueueSize),
		done:  make(chan struct{}),
	}
}

func (s *sender) Emit(n protocol.Notification) {
	select {
	case s.queue <- n:
	case <-s.done:
	}
}

// run writes queued notifications until ctx is done, then flushes what is
// already queued.
func (s *sender) run(ctx context.Context, conn *wire.Conn, logger *log.Entry) {
	defer close(s.done)
	write := func(n protocol.Notification) bool {
		payload, err := protocol.EncodeNotification(n)
		if err != nil {
			logger.WithError(err).Error("Failed to encode notification")
			return true
		}
		if err := conn.Write(payload); err != nil {
			logger.WithError(err).Debug("Failed to send notification")
			return false
		}
		return true
	}

	for {
		select {
		case n := <-s.queue:
			if !write(n) {
				return
			}
		case <-ctx.Done():
			for {
				select {
				case n := <-s.queue:
					if !write(n) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// Serve runs a session over conn until the peer sends stop, the connection
// closes or ctx is cancelled. It returns nil after stop.
func Serve(ctx context.Context, conn net.Conn, eng engine.Engine, logger *log.Entry) error {
	logger = logger.WithField("component", "worker")
	c := wire.NewConn(conn)
	defer func() { _ = c.Close() }()
	stopClosing := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stopClosing()

	loops, stopLoops := context.WithCancel(context.Background())
	out := newSender()
	session := NewSession(eng, out.Emit, logger)
	bridge := NewBridge(eng, out.Emit, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		out.run(loops, c, logger)
	}()
	go func() {
		defer wg.Done()
		bridge.Run(loops)
	}()

	logger.WithField("peer", c.RemoteAddr()).Info("Serving host connection")
	err := receive(c, session, out.Emit)

	if cerr := session.Close(); cerr != nil {
		logger.WithError(cerr).Warn("Failed to close engine")
	}
	stopLoops()
	wg.Wait()

	logger.WithError(err).Info("Stopped serving")
	return err
}

// receive dispatches commands in arrival order.
func receive(c *wire.Conn, session *Session, emit func(protocol.Notification)) error {
	served := false
	for {
		payload, err := c.Read()
		if err != nil {
			if !served {
				return fmt.Errorf("%w: %v", ErrIdleConnection, err)
			}
			return err
		}

		cmd, err := protocol.DecodeCommand(payload)
		if err != nil {
			served = true
			var unknown *protocol.UnknownCommandError
			if errors.As(err, &unknown) {
				emit(protocol.Errorf("Unknown command: %s", unknown.Name))
			} else {
				emit(protocol.Errorf("Malformed command: %v", err))
			}
			continue
		}
		if _, ok := cmd.(protocol.State); !ok {
			served = true
		}

		if !session.Handle(cmd) {
			return nil
		}
	}
}

// ListenAndServe listens on endpoint and serves connections one at a time.
// Connections that close having only checked liveness are skipped, so a host
// can retry its handshake. The first connection that was served ends the
// call.
func ListenAndServe(ctx context.Context, endpoint string, newEngine EngineFactory, logger *log.Entry) error {
	network, address := wire.ParseEndpoint(endpoint)
	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", endpoint, err)
	}
	defer func() { _ = ln.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	logger.WithField("endpoint", wire.FormatEndpoint(network, ln.Addr().String())).Info("Worker listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		err = Serve(ctx, conn, newEngine(), logger)
		if errors.Is(err, ErrIdleConnection) {
			continue
		}
		return err
	}
}

// DialAndServe connects back to the host at endpoint and serves that
// connection.
func DialAndServe(ctx context.Context, endpoint string, newEngine EngineFactory, logger *log.Entry) error {
	network, address := wire.ParseEndpoint(endpoint)
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", endpoint, err)
	}
	logger.WithField("endpoint", endpoint).Info("Connected to host")
	return Serve(ctx, conn, newEngine(), logger)
}
