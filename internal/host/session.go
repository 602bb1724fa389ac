// Package host is the controlling side of a debug session. A Session owns
// one worker connection: commands go out through its proxy methods and
// notifications come back through a single receive loop into a mailbox that
// the consumer drains at its own pace.
package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/bingosuite/debugbridge/internal/protocol"
	"github.com/bingosuite/debugbridge/internal/supervisor"
	"github.com/bingosuite/debugbridge/internal/wire"
)

// ErrSessionClosed is returned for commands on a session whose connection
// has ended.
var ErrSessionClosed = errors.New("session closed")

// Killer tears down whatever runs behind the connection.
type Killer interface {
	Kill() error
}

// Stopper is a Killer that can first wait a bounded time for the process to
// exit on its own after it was sent stop.
type Stopper interface {
	Killer
	Stop() error
}

type waiter struct {
	match func(protocol.Notification) bool
	ch    chan protocol.Notification
}

type Session struct {
	id      string
	conn    *wire.Conn
	process Killer
	log     *log.Entry
	mailbox *mailbox

	execMu sync.Mutex
	waitMu sync.Mutex
	waiter *waiter

	done      chan struct{}
	err       error
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewSession starts receiving on conn. process may be nil.
func NewSession(conn *wire.Conn, process Killer, logger *log.Entry) *Session {
	id := uuid.New().String()
	s := &Session{
		id:      id,
		conn:    conn,
		process: process,
		log:     logger.WithFields(log.Fields{"component": "session", "session": id}),
		mailbox: newMailbox(),
		done:    make(chan struct{}),
	}
	go s.receive()
	return s
}

// StartSession supervises a new worker and opens a session on it.
func StartSession(ctx context.Context, opts supervisor.Options) (*Session, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewEntry(log.StandardLogger())
	}
	w, err := supervisor.Start(ctx, opts)
	if err != nil {
		return nil, err
	}
	return NewSession(w.Conn(), w, opts.Logger), nil
}

func (s *Session) ID() string {
	return s.id
}

// Notifications delivers every notification in arrival order. It is closed
// after the connection ends and the queue is drained.
func (s *Session) Notifications() <-chan protocol.Notification {
	return s.mailbox.out
}

// Done is closed when the receive loop has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Alive reports whether the connection is still being received.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Err is the reason the receive loop ended, nil after Close.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

// Send writes cmd without waiting for its result.
func (s *Session) Send(cmd protocol.Command) error {
	if !s.Alive() {
		return ErrSessionClosed
	}
	payload, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	s.log.WithField("command", cmd.Name()).Debug("Sending command")
	if err := s.conn.Write(payload); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Name(), err)
	}
	return nil
}

// Execute sends cmd and waits for the first command_finished or error.
// Calls are serialized, so each result belongs to its own command.
func (s *Session) Execute(ctx context.Context, cmd protocol.Command) (protocol.Notification, error) {
	return s.await(ctx, cmd, protocol.EndsCommand)
}

func (s *Session) await(ctx context.Context, cmd protocol.Command, match func(protocol.Notification) bool) (protocol.Notification, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	w := &waiter{match: match, ch: make(chan protocol.Notification, 1)}
	s.waitMu.Lock()
	s.waiter = w
	s.waitMu.Unlock()
	defer func() {
		s.waitMu.Lock()
		s.waiter = nil
		s.waitMu.Unlock()
	}()

	if err := s.Send(cmd); err != nil {
		return nil, err
	}
	select {
	case n := <-w.ch:
		return n, nil
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) receive() {
	defer close(s.done)
	defer s.mailbox.close()

	for {
		payload, err := s.conn.Read()
		if err != nil {
			s.finish(err)
			return
		}
		n, err := protocol.DecodeNotification(payload)
		if err != nil {
			s.log.WithError(err).Warn("Dropping malformed notification")
			continue
		}
		s.deliver(n)
		s.mailbox.put(n)
	}
}

func (s *Session) deliver(n protocol.Notification) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	if s.waiter == nil || !s.waiter.match(n) {
		return
	}
	s.waiter.ch <- n
	s.waiter = nil
}

func (s *Session) finish(err error) {
	if s.closed.Load() {
		s.log.Debug("Session closed")
		return
	}
	s.err = err
	s.log.WithError(err).Warn("Worker connection lost")
}

// Close asks the worker to stop, gives it the chance to exit cleanly when
// the process supports that, then tears down the connection and the worker
// process. Notifications not yet consumed are dropped. It is safe to call
// more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		stopSent := false
		if s.Alive() {
			if err := s.Send(protocol.Stop{}); err != nil {
				s.log.WithError(err).Debug("Failed to send stop")
			} else {
				stopSent = true
			}
		}

		var result *multierror.Error
		if s.process != nil {
			var err error
			if p, ok := s.process.(Stopper); ok && stopSent {
				err = p.Stop()
			} else {
				err = s.process.Kill()
			}
			if err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close connection: %w", err))
		}
		<-s.done
		s.mailbox.abandon()
		s.closeErr = result.ErrorOrNil()
	})
	return s.closeErr
}
