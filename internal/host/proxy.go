package host

import (
	"context"
	"fmt"

	"github.com/bingosuite/debugbridge/internal/protocol"
)

// The proxy methods send one command each and return once it is written.
// Their outcome arrives later as notifications.

func (s *Session) CreateTarget(path string) error {
	return s.Send(protocol.CreateTarget{ExecutablePath: path})
}

func (s *Session) Launch(opts protocol.TargetLaunch) error {
	return s.Send(opts)
}

func (s *Session) SetBreakpoint(file string, line int) error {
	return s.Send(protocol.TargetSetBreakpoint{File: file, Line: line})
}

func (s *Session) DeleteBreakpoint(file string, line int) error {
	return s.Send(protocol.TargetDeleteBreakpoint{File: file, Line: line})
}

func (s *Session) Continue() error {
	return s.Send(protocol.ProcessContinue{})
}

func (s *Session) StepOver() error {
	return s.Send(protocol.ThreadStepOver{})
}

func (s *Session) StepIn() error {
	return s.Send(protocol.ThreadStepIn{})
}

func (s *Session) StepOut() error {
	return s.Send(protocol.ThreadStepOut{})
}

func (s *Session) SelectFrame(index int) error {
	return s.Send(protocol.FrameSelect{Index: index})
}

func (s *Session) KillProcess() error {
	return s.Send(protocol.ProcessKill{})
}

func (s *Session) DestroyProcess() error {
	return s.Send(protocol.ProcessDestroy{})
}

// HandleCommand runs a console command without waiting for it.
func (s *Session) HandleCommand(input string) error {
	return s.Send(protocol.HandleCommand{Input: input})
}

// RunCommand runs a console command and returns its output. A command the
// engine rejected returns its message as an error.
func (s *Session) RunCommand(ctx context.Context, input string) (string, error) {
	n, err := s.Execute(ctx, protocol.HandleCommand{Input: input})
	if err != nil {
		return "", err
	}
	switch n := n.(type) {
	case protocol.CommandFinished:
		if !n.Success {
			return n.Output, fmt.Errorf("%s", n.Output)
		}
		return n.Output, nil
	case protocol.Error:
		return "", fmt.Errorf("%s", n.Message)
	}
	return "", fmt.Errorf("unexpected reply %s", n.Type())
}

// LineEntry asks for the location of the selected frame.
func (s *Session) LineEntry(ctx context.Context) (protocol.LineEntry, error) {
	n, err := s.await(ctx, protocol.FrameGetLineEntry{}, func(n protocol.Notification) bool {
		return n.Type() == protocol.TypeLocation || n.Type() == protocol.TypeError
	})
	if err != nil {
		return protocol.LineEntry{}, err
	}
	if loc, ok := n.(protocol.LocationChanged); ok {
		return loc.LineEntry, nil
	}
	return protocol.LineEntry{}, fmt.Errorf("%s", n.(protocol.Error).Message)
}

// Probe checks that the worker is serving.
func (s *Session) Probe(ctx context.Context) error {
	_, err := s.await(ctx, protocol.State{}, func(n protocol.Notification) bool {
		return n.Type() == protocol.TypeWorkerState
	})
	return err
}
