package host

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/bingosuite/debugbridge/internal/protocol"
)

// Breakpoint is a source location keyed by file and 1-based line.
type Breakpoint struct {
	File string `json:"file" yaml:"file"`
	Line int    `json:"line" yaml:"line"`
}

func (b Breakpoint) String() string {
	return fmt.Sprintf("%s:%d", b.File, b.Line)
}

// BreakpointStore keeps breakpoints in the order they were added.
type BreakpointStore struct {
	mu    sync.Mutex
	items []Breakpoint
}

// Toggle adds bp, or removes it when present. It reports whether bp is set
// afterwards.
func (s *BreakpointStore) Toggle(bp Breakpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.items {
		if existing == bp {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return false
		}
	}
	s.items = append(s.items, bp)
	return true
}

func (s *BreakpointStore) List() []Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Breakpoint(nil), s.items...)
}

// Starter opens a fresh session.
type Starter func(ctx context.Context) (*Session, error)

// Controller drives at most one session at a time on behalf of a user
// interface. Each run replaces the previous session.
type Controller struct {
	start       Starter
	onSession   func(*Session)
	log         *log.Entry
	breakpoints BreakpointStore

	mu      sync.Mutex
	session *Session
}

// NewController uses start for every run. onSession, when set, is called
// with each new session before any command is sent to it.
func NewController(start Starter, onSession func(*Session), logger *log.Entry) *Controller {
	return &Controller{
		start:     start,
		onSession: onSession,
		log:       logger.WithField("component", "controller"),
	}
}

// Session is the current session, or nil.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Run kills any existing session, starts a new one, loads target, applies
// the stored breakpoints and launches.
func (c *Controller) Run(ctx context.Context, target string, launch protocol.TargetLaunch) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.log.WithError(err).Warn("Failed to close previous session")
		}
		c.session = nil
	}

	s, err := c.start(ctx)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	if c.onSession != nil {
		c.onSession(s)
	}

	if err := c.prepare(s, target, launch); err != nil {
		_ = s.Close()
		return nil, err
	}
	c.session = s
	c.log.WithFields(log.Fields{"session": s.ID(), "target": target}).Info("Launched target")
	return s, nil
}

func (c *Controller) prepare(s *Session, target string, launch protocol.TargetLaunch) error {
	if err := s.CreateTarget(target); err != nil {
		return err
	}
	for _, bp := range c.breakpoints.List() {
		if err := s.SetBreakpoint(bp.File, bp.Line); err != nil {
			return err
		}
	}
	return s.Launch(launch)
}

// ToggleBreakpoint updates the store and forwards the change to a live
// session. It reports whether the breakpoint is now set.
func (c *Controller) ToggleBreakpoint(file string, line int) (bool, error) {
	bp := Breakpoint{File: file, Line: line}
	set := c.breakpoints.Toggle(bp)

	s := c.Session()
	if s == nil || !s.Alive() {
		return set, nil
	}
	if set {
		return set, s.SetBreakpoint(file, line)
	}
	return set, s.DeleteBreakpoint(file, line)
}

func (c *Controller) Breakpoints() []Breakpoint {
	return c.breakpoints.List()
}

// Kill kills the debuggee of the current session, if any.
func (c *Controller) Kill() error {
	s := c.Session()
	if s == nil || !s.Alive() {
		return nil
	}
	return s.KillProcess()
}

// Close ends the current session.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}
