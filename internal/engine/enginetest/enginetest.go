// Package enginetest provides a deterministic engine that plays back a
// scripted program. A program is a list of source steps; running executes
// steps until one carries a breakpoint or the list is exhausted.
package enginetest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/bingosuite/debugbridge/internal/engine"
)

const eventBufferSize = 1024

// Step is one executed source line and the output it produces.
type Step struct {
	File     string
	Line     int
	Function string
	Stdout   string
	Stderr   string
}

type Program struct {
	Steps []Step
	// Crash ends the program in the crashed state instead of exited.
	Crash bool
}

type location struct {
	file string
	line int
}

// Engine implements engine.Engine over scripted programs keyed by
// executable path.
type Engine struct {
	mu sync.Mutex

	programs map[string]Program
	target   string
	program  *Program

	state       engine.State
	pc          int
	atEntry     bool
	frame       int
	breakpoints map[location]struct{}

	stdout   strings.Builder
	stderr   strings.Builder
	commands []string
	launches []engine.LaunchOptions

	process chan engine.Event
	thread  chan engine.Event
}

var _ engine.Engine = (*Engine)(nil)

func New(programs map[string]Program) *Engine {
	return &Engine{
		programs:    programs,
		breakpoints: make(map[location]struct{}),
		process:     make(chan engine.Event, eventBufferSize),
		thread:      make(chan engine.Event, eventBufferSize),
	}
}

func (e *Engine) send(ch chan engine.Event, events []engine.Event) {
	for _, ev := range events {
		ch <- ev
	}
}

func stateEvent(s engine.State) engine.Event {
	return engine.Event{Kind: engine.EventStateChanged, State: s}
}

func (e *Engine) CreateTarget(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prog, ok := e.programs[path]
	if !ok {
		return fmt.Errorf("no program scripted for %q", path)
	}
	if e.state.Live() {
		return fmt.Errorf("process is still running")
	}
	e.target = path
	e.program = &prog
	e.breakpoints = make(map[location]struct{})
	return nil
}

func (e *Engine) Launch(opts engine.LaunchOptions) error {
	e.mu.Lock()
	if e.program == nil {
		e.mu.Unlock()
		return engine.ErrNoTarget
	}
	if e.state.Live() {
		e.mu.Unlock()
		return fmt.Errorf("process already launched")
	}
	e.launches = append(e.launches, opts)
	e.pc = 0
	e.atEntry = true
	e.frame = 0
	e.state = engine.StateLaunching
	e.mu.Unlock()

	e.send(e.process, []engine.Event{stateEvent(engine.StateLaunching)})
	return nil
}

// matches accepts a breakpoint file given as the full path or as a trailing
// path suffix.
func (loc location) matches(st Step) bool {
	if st.Line != loc.line {
		return false
	}
	return st.File == loc.file || strings.HasSuffix(st.File, "/"+loc.file)
}

func (e *Engine) resolvable(loc location) bool {
	for _, st := range e.program.Steps {
		if loc.matches(st) {
			return true
		}
	}
	return false
}

func (e *Engine) SetBreakpoint(file string, line int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.program == nil {
		return engine.ErrNoTarget
	}
	loc := location{file, line}
	if !e.resolvable(loc) {
		return fmt.Errorf("%w: %s:%d", engine.ErrUnresolvedBreakpoint, file, line)
	}
	e.breakpoints[loc] = struct{}{}
	return nil
}

func (e *Engine) ClearBreakpoint(file string, line int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.program == nil {
		return engine.ErrNoTarget
	}
	loc := location{file, line}
	if _, ok := e.breakpoints[loc]; !ok {
		return fmt.Errorf("no breakpoint at %s:%d", file, line)
	}
	delete(e.breakpoints, loc)
	return nil
}

func (e *Engine) hit(st Step) bool {
	for loc := range e.breakpoints {
		if loc.matches(st) {
			return true
		}
	}
	return false
}

// resume runs the program from pc. stop decides, for each step about to
// execute, whether execution halts before it.
func (e *Engine) resume(running engine.State, stop func(Step) bool) []engine.Event {
	events := []engine.Event{stateEvent(running)}
	e.state = running
	e.frame = 0
	steps := e.program.Steps

	halt := func() []engine.Event {
		e.state = engine.StateStopped
		return append(events, stateEvent(engine.StateStopped))
	}

	if e.atEntry {
		e.atEntry = false
		if e.pc < len(steps) && stop(steps[e.pc]) {
			return halt()
		}
	}

	for e.pc < len(steps) {
		st := steps[e.pc]
		if st.Stdout != "" {
			e.stdout.WriteString(st.Stdout)
			events = append(events, engine.Event{Kind: engine.EventStdout})
		}
		if st.Stderr != "" {
			e.stderr.WriteString(st.Stderr)
			events = append(events, engine.Event{Kind: engine.EventStderr})
		}
		e.pc++
		if e.pc < len(steps) && stop(steps[e.pc]) {
			return halt()
		}
	}

	e.state = engine.StateExited
	if e.program.Crash {
		e.state = engine.StateCrashed
	}
	return append(events, stateEvent(e.state))
}

func (e *Engine) run(running engine.State, stop func(Step) bool) error {
	e.mu.Lock()
	if !e.state.Live() {
		e.mu.Unlock()
		return engine.ErrNoProcess
	}
	if e.state != engine.StateLaunching && e.state != engine.StateStopped {
		e.mu.Unlock()
		return fmt.Errorf("process is %s", e.state)
	}
	events := e.resume(running, stop)
	e.mu.Unlock()

	e.send(e.process, events)
	return nil
}

func (e *Engine) Continue() error {
	return e.run(engine.StateRunning, e.hit)
}

func (e *Engine) StepOver() error {
	return e.run(engine.StateStepping, func(Step) bool { return true })
}

func (e *Engine) StepIn() error {
	return e.StepOver()
}

// StepOut runs until a step outside the current function.
func (e *Engine) StepOut() error {
	e.mu.Lock()
	current := ""
	if e.program != nil && e.pc < len(e.program.Steps) {
		current = e.program.Steps[e.pc].Function
	}
	e.mu.Unlock()

	return e.run(engine.StateStepping, func(st Step) bool {
		return st.Function != current || e.hit(st)
	})
}

func (e *Engine) SelectFrame(index int) error {
	e.mu.Lock()
	if e.state != engine.StateStopped {
		e.mu.Unlock()
		return engine.ErrNoFrame
	}
	if index < 0 || index > e.pc {
		e.mu.Unlock()
		return fmt.Errorf("frame %d out of range", index)
	}
	e.frame = index
	e.mu.Unlock()

	e.send(e.thread, []engine.Event{{Kind: engine.EventFrameChanged}})
	return nil
}

func (e *Engine) Kill() error {
	e.mu.Lock()
	if !e.state.Live() {
		e.mu.Unlock()
		return engine.ErrNoProcess
	}
	e.state = engine.StateExited
	e.mu.Unlock()

	e.send(e.process, []engine.Event{stateEvent(engine.StateExited)})
	return nil
}

// HandleCommand understands "bt", "frame <n>", "echo <text>" and "fail".
func (e *Engine) HandleCommand(input string) engine.CommandResult {
	e.mu.Lock()
	e.commands = append(e.commands, input)
	e.mu.Unlock()

	fields := strings.Fields(input)
	if len(fields) == 0 {
		return engine.CommandResult{Output: "empty command"}
	}

	switch fields[0] {
	case "bt", "where":
		return e.backtrace()
	case "frame":
		if len(fields) != 2 {
			return engine.CommandResult{Output: "usage: frame <n>"}
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return engine.CommandResult{Output: err.Error()}
		}
		if err := e.SelectFrame(n); err != nil {
			return engine.CommandResult{Output: err.Error()}
		}
		return engine.CommandResult{Output: fmt.Sprintf("frame %d", n), Success: true}
	case "echo":
		return engine.CommandResult{Output: strings.TrimSpace(strings.TrimPrefix(input, "echo")), Success: true}
	case "fail":
		return engine.CommandResult{Output: "command failed"}
	}
	return engine.CommandResult{Output: fmt.Sprintf("unknown command: %s", fields[0])}
}

func (e *Engine) backtrace() engine.CommandResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != engine.StateStopped {
		return engine.CommandResult{Output: engine.ErrNoFrame.Error()}
	}
	var b strings.Builder
	for i := 0; i <= e.pc; i++ {
		st := e.program.Steps[e.pc-i]
		fmt.Fprintf(&b, "#%d %s at %s:%d\n", i, st.Function, st.File, st.Line)
	}
	return engine.CommandResult{Output: b.String(), Success: true}
}

func (e *Engine) SelectedLineEntry() (engine.LineEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != engine.StateStopped {
		return engine.LineEntry{}, engine.ErrNoFrame
	}
	st := e.program.Steps[e.pc-e.frame]
	return engine.SplitLocation(st.File, st.Line), nil
}

func (e *Engine) State() engine.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) ReadStdout() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.stdout.String()
	e.stdout.Reset()
	return out
}

func (e *Engine) ReadStderr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.stderr.String()
	e.stderr.Reset()
	return out
}

func (e *Engine) ProcessEvents() <-chan engine.Event { return e.process }

func (e *Engine) ThreadEvents() <-chan engine.Event { return e.thread }

func (e *Engine) Close() error {
	if err := e.Kill(); err != nil && !errors.Is(err, engine.ErrNoProcess) {
		return err
	}
	return nil
}

// Commands returns the console inputs received so far.
func (e *Engine) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

// Launches returns the options of every launch so far.
func (e *Engine) Launches() []engine.LaunchOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.LaunchOptions(nil), e.launches...)
}

// Target returns the path of the loaded target.
func (e *Engine) Target() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.target
}
