// Package engine defines the debugger engine consumed by the worker. An
// engine owns one target, at most one live process and the breakpoints set
// against it. Run control is asynchronous: Continue and the step operations
// return once the request is accepted and the resulting transitions arrive on
// ProcessEvents.
package engine

import (
	"errors"
	"fmt"
)

var (
	ErrNoTarget             = errors.New("no target created yet")
	ErrNoProcess            = errors.New("no live process")
	ErrUnresolvedBreakpoint = errors.New("breakpoint could not be resolved")
	ErrNoFrame              = errors.New("no selected frame")
)

// State is the engine's own process state. The worker translates it to the
// wire vocabulary.
type State int

const (
	StateInvalid State = iota
	StateConnected
	StateAttaching
	StateLaunching
	StateRunning
	StateStepping
	StateStopped
	StateCrashed
	StateDetached
	StateExited
	StateSuspended
	StateUnloaded
)

var stateNames = [...]string{
	StateInvalid:   "invalid",
	StateConnected: "connected",
	StateAttaching: "attaching",
	StateLaunching: "launching",
	StateRunning:   "running",
	StateStepping:  "stepping",
	StateStopped:   "stopped",
	StateCrashed:   "crashed",
	StateDetached:  "detached",
	StateExited:    "exited",
	StateSuspended: "suspended",
	StateUnloaded:  "unloaded",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Live reports whether a process exists in this state.
func (s State) Live() bool {
	switch s {
	case StateLaunching, StateRunning, StateStepping, StateStopped, StateSuspended:
		return true
	}
	return false
}

// Terminal reports whether the process is gone for good.
func (s State) Terminal() bool {
	switch s {
	case StateExited, StateDetached, StateCrashed:
		return true
	}
	return false
}

type EventKind int

const (
	// EventStateChanged carries the new State.
	EventStateChanged EventKind = iota
	// EventStdout and EventStderr signal that output is buffered and can be
	// drained with ReadStdout or ReadStderr.
	EventStdout
	EventStderr
	// EventFrameChanged is sent on the thread source when the selected frame
	// changes without a process state transition.
	EventFrameChanged
)

type Event struct {
	Kind  EventKind
	State State
}

// LineEntry is the resolved source location of the selected frame.
type LineEntry struct {
	Directory string
	Filename  string
	Line      int
	Column    int
}

// CommandResult is the outcome of a console command.
type CommandResult struct {
	Output  string
	Success bool
}

type LaunchOptions struct {
	Arguments        []string
	Environment      map[string]string
	WorkingDirectory string
}

// Engine is a stateful debugger. Implementations are safe for concurrent use
// by the dispatcher and the listener loops.
type Engine interface {
	// CreateTarget loads the executable at path. It replaces any previous
	// target and does not start a process.
	CreateTarget(path string) error
	// Launch starts a process for the target, halted before user code runs.
	Launch(opts LaunchOptions) error

	SetBreakpoint(file string, line int) error
	ClearBreakpoint(file string, line int) error

	Continue() error
	StepOver() error
	StepIn() error
	StepOut() error
	SelectFrame(index int) error

	// Kill terminates the live process. It returns ErrNoProcess when there
	// is none.
	Kill() error

	HandleCommand(input string) CommandResult

	SelectedLineEntry() (LineEntry, error)
	State() State

	// ReadStdout and ReadStderr drain everything buffered so far.
	ReadStdout() string
	ReadStderr() string

	// ProcessEvents carries state changes and output availability.
	ProcessEvents() <-chan Event
	// ThreadEvents carries selected frame changes.
	ThreadEvents() <-chan Event

	// Close kills any live process and releases the engine.
	Close() error
}
