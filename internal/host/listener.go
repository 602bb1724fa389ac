package host

import (
	"context"

	"github.com/bingosuite/debugbridge/internal/protocol"
)

// Listener receives notifications on the consumer's goroutine.
type Listener interface {
	ProcessStateChanged(state protocol.ProcessState)
	LocationChanged(entry protocol.LineEntry)
	Stdout(output string)
	Stderr(output string)
	CommandOutput(output string)
	CommandFinished(output string, success bool)
	Error(message string)
}

// NopListener ignores everything. Embed it to implement only some callbacks.
type NopListener struct{}

func (NopListener) ProcessStateChanged(protocol.ProcessState) {}
func (NopListener) LocationChanged(protocol.LineEntry)        {}
func (NopListener) Stdout(string)                             {}
func (NopListener) Stderr(string)                             {}
func (NopListener) CommandOutput(string)                      {}
func (NopListener) CommandFinished(string, bool)              {}
func (NopListener) Error(string)                              {}

// Dispatch hands n to the matching callback of l.
func Dispatch(n protocol.Notification, l Listener) {
	switch n := n.(type) {
	case protocol.ProcessStateChanged:
		l.ProcessStateChanged(n.State)
	case protocol.LocationChanged:
		l.LocationChanged(n.LineEntry)
	case protocol.ProcessStdout:
		l.Stdout(n.Output)
	case protocol.ProcessStderr:
		l.Stderr(n.Output)
	case protocol.CommandOutput:
		l.CommandOutput(n.Output)
	case protocol.CommandFinished:
		l.CommandFinished(n.Output, n.Success)
	case protocol.Error:
		l.Error(n.Message)
	}
}

// Listen dispatches notifications to l until the session's queue is drained
// or ctx is done. It returns the reason the connection ended.
func (s *Session) Listen(ctx context.Context, l Listener) error {
	notes := s.Notifications()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notes:
			if !ok {
				return s.Err()
			}
			Dispatch(n, l)
		}
	}
}
