package worker

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/bingosuite/debugbridge/internal/engine"
	"github.com/bingosuite/debugbridge/internal/protocol"
)

type phase int

const (
	phaseNoTarget phase = iota
	phaseTargetReady
	phaseLaunched
)

type breakpoint struct {
	file string
	line int
}

func (b breakpoint) String() string {
	return fmt.Sprintf("%s:%d", b.file, b.line)
}

// Session is the worker-side debugging session: one target, at most one live
// process and the breakpoints requested for it. Breakpoints requested before
// a process exists stay pending and are applied at launch.
type Session struct {
	engine engine.Engine
	emit   func(protocol.Notification)
	log    *log.Entry

	mu          sync.Mutex
	phase       phase
	breakpoints []breakpoint
}

func NewSession(eng engine.Engine, emit func(protocol.Notification), logger *log.Entry) *Session {
	return &Session{
		engine: eng,
		emit:   emit,
		log:    logger.WithField("component", "session"),
	}
}

// Handle executes one command. It returns false when the command asks the
// worker to stop serving.
func (s *Session) Handle(cmd protocol.Command) bool {
	s.log.WithField("command", cmd.Name()).Debug("Dispatching command")

	switch c := cmd.(type) {
	case protocol.State:
		s.emit(protocol.WorkerState{State: protocol.WorkerStarted})
	case protocol.Stop:
		return false
	case protocol.CreateTarget:
		s.createTarget(c.ExecutablePath)
	case protocol.TargetLaunch:
		s.launch(c)
	case protocol.TargetSetBreakpoint:
		s.setBreakpoint(breakpoint{c.File, c.Line})
	case protocol.TargetDeleteBreakpoint:
		s.deleteBreakpoint(breakpoint{c.File, c.Line})
	case protocol.ProcessContinue:
		s.report("Couldn't continue", s.engine.Continue())
	case protocol.ThreadStepOver:
		s.report("Couldn't step over", s.engine.StepOver())
	case protocol.ThreadStepIn:
		s.report("Couldn't step in", s.engine.StepIn())
	case protocol.ThreadStepOut:
		s.report("Couldn't step out", s.engine.StepOut())
	case protocol.FrameSelect:
		s.report("Couldn't select frame", s.engine.SelectFrame(c.Index))
	case protocol.ProcessKill, protocol.ProcessDestroy:
		s.kill()
	case protocol.HandleCommand:
		s.handleCommand(c.Input)
	case protocol.FrameGetLineEntry:
		s.lineEntry()
	default:
		s.emit(protocol.Errorf("Unsupported command: %s", cmd.Name()))
	}
	return true
}

func (s *Session) report(prefix string, err error) {
	if err != nil {
		s.emit(protocol.Errorf("%s: %v", prefix, err))
	}
}

func (s *Session) createTarget(path string) {
	if err := s.engine.CreateTarget(path); err != nil {
		s.emit(protocol.Errorf("Couldn't create target %s: %v", path, err))
		return
	}
	s.mu.Lock()
	s.phase = phaseTargetReady
	s.mu.Unlock()
	s.log.WithField("target", path).Info("Target created")
}

func (s *Session) launch(c protocol.TargetLaunch) {
	s.mu.Lock()
	if s.phase == phaseNoTarget {
		s.mu.Unlock()
		s.emit(protocol.Errorf("No target created yet"))
		return
	}
	s.mu.Unlock()

	err := s.engine.Launch(engine.LaunchOptions{
		Arguments:        c.Arguments,
		Environment:      c.Environment,
		WorkingDirectory: c.WorkingDirectory,
	})
	if err != nil {
		s.emit(protocol.Errorf("Couldn't launch process: %v", err))
		return
	}

	s.mu.Lock()
	s.phase = phaseLaunched
	pending := append([]breakpoint(nil), s.breakpoints...)
	s.mu.Unlock()

	for _, bp := range pending {
		s.apply(bp)
	}
	s.report("Couldn't start process", s.engine.Continue())
}

// apply sets bp in the engine. An unresolved breakpoint is reported and
// forgotten.
func (s *Session) apply(bp breakpoint) {
	err := s.engine.SetBreakpoint(bp.file, bp.line)
	if err == nil {
		return
	}
	s.forget(bp)
	s.emit(protocol.Errorf("Couldn't set breakpoint at %s: %v", bp, err))
}

func (s *Session) forget(bp breakpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range s.breakpoints {
		if b == bp {
			s.breakpoints = append(s.breakpoints[:i], s.breakpoints[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Session) processLive() bool {
	s.mu.Lock()
	launched := s.phase == phaseLaunched
	s.mu.Unlock()
	return launched && s.engine.State().Live()
}

func (s *Session) setBreakpoint(bp breakpoint) {
	s.mu.Lock()
	for _, b := range s.breakpoints {
		if b == bp {
			s.mu.Unlock()
			return
		}
	}
	s.breakpoints = append(s.breakpoints, bp)
	s.mu.Unlock()

	if s.processLive() {
		s.apply(bp)
	}
}

func (s *Session) deleteBreakpoint(bp breakpoint) {
	known := s.forget(bp)
	if !s.processLive() {
		if !known {
			s.emit(protocol.Errorf("No breakpoint at %s", bp))
		}
		return
	}
	if err := s.engine.ClearBreakpoint(bp.file, bp.line); err != nil {
		s.emit(protocol.Errorf("Couldn't delete breakpoint at %s: %v", bp, err))
	}
}

// kill is a no-op without a live process.
func (s *Session) kill() {
	if !s.engine.State().Live() {
		return
	}
	if err := s.engine.Kill(); err != nil && !errors.Is(err, engine.ErrNoProcess) {
		s.emit(protocol.Errorf("Couldn't kill process: %v", err))
	}
}

func (s *Session) handleCommand(input string) {
	if state := s.engine.State(); state.Terminal() {
		s.emit(protocol.Errorf("Process %s, command %q not run", state, input))
		return
	}
	res := s.engine.HandleCommand(input)
	s.emit(protocol.CommandFinished{Output: res.Output, Success: res.Success})
}

func (s *Session) lineEntry() {
	entry, err := s.engine.SelectedLineEntry()
	if err != nil {
		s.emit(protocol.Errorf("No line entry: %v", err))
		return
	}
	s.emit(protocol.LocationChanged{LineEntry: wireLineEntry(entry)})
}

// Close kills any live process and releases the engine.
func (s *Session) Close() error {
	return s.engine.Close()
}
