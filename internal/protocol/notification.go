package protocol

import (
	"encoding/json"
	"fmt"
)

// TypeField is the discriminator of notification payloads.
const TypeField = "type"

type NotificationType string

const (
	TypeProcessState    NotificationType = "process_state"
	TypeLocation        NotificationType = "location"
	TypeProcessStdout   NotificationType = "process_std_out"
	TypeProcessStderr   NotificationType = "process_std_err"
	TypeCommandOutput   NotificationType = "command_output"
	TypeCommandFinished NotificationType = "command_finished"
	TypeError           NotificationType = "error"
	TypeWorkerState     NotificationType = "worker_state"
)

// WorkerStarted is the state a worker reports in reply to the probe.
const WorkerStarted = "started"

// Notification is one variant of the worker-to-host union.
type Notification interface {
	Type() NotificationType
	notification()
}

type ProcessStateChanged struct {
	State ProcessState `json:"state"`
}

type LocationChanged struct {
	LineEntry LineEntry `json:"line_entry"`
}

type ProcessStdout struct {
	Output string `json:"output"`
}

type ProcessStderr struct {
	Output string `json:"output"`
}

type CommandOutput struct {
	Output string `json:"output"`
}

type CommandFinished struct {
	Output  string `json:"output"`
	Success bool   `json:"success"`
}

type Error struct {
	Message string `json:"message"`
}

type WorkerState struct {
	State string `json:"state"`
}

func (ProcessStateChanged) Type() NotificationType { return TypeProcessState }
func (LocationChanged) Type() NotificationType     { return TypeLocation }
func (ProcessStdout) Type() NotificationType       { return TypeProcessStdout }
func (ProcessStderr) Type() NotificationType       { return TypeProcessStderr }
func (CommandOutput) Type() NotificationType       { return TypeCommandOutput }
func (CommandFinished) Type() NotificationType     { return TypeCommandFinished }
func (Error) Type() NotificationType               { return TypeError }
func (WorkerState) Type() NotificationType         { return TypeWorkerState }

func (ProcessStateChanged) notification() {}
func (LocationChanged) notification()     {}
func (ProcessStdout) notification()       {}
func (ProcessStderr) notification()       {}
func (CommandOutput) notification()       {}
func (CommandFinished) notification()     {}
func (Error) notification()               {}
func (WorkerState) notification()         {}

// Errorf builds an error notification.
func Errorf(format string, args ...any) Error {
	return Error{Message: fmt.Sprintf(format, args...)}
}

// EndsCommand reports whether n is the final answer to a command.
// Intermediate command_output does not count.
func EndsCommand(n Notification) bool {
	switch n.Type() {
	case TypeCommandFinished, TypeError:
		return true
	}
	return false
}

func EncodeNotification(n Notification) ([]byte, error) {
	return encodeTagged(n, TypeField, string(n.Type()))
}

// DecodeNotification returns the variant by value.
func DecodeNotification(payload []byte) (Notification, error) {
	tag, err := discriminator(payload, TypeField)
	if err != nil {
		return nil, err
	}

	switch NotificationType(tag) {
	case TypeProcessState:
		return decodeInto[ProcessStateChanged](payload)
	case TypeLocation:
		return decodeInto[LocationChanged](payload)
	case TypeProcessStdout:
		return decodeInto[ProcessStdout](payload)
	case TypeProcessStderr:
		return decodeInto[ProcessStderr](payload)
	case TypeCommandOutput:
		return decodeInto[CommandOutput](payload)
	case TypeCommandFinished:
		return decodeInto[CommandFinished](payload)
	case TypeError:
		return decodeInto[Error](payload)
	case TypeWorkerState:
		return decodeInto[WorkerState](payload)
	default:
		return nil, fmt.Errorf("%w: unknown notification type %q", ErrMalformedPayload, tag)
	}
}

func decodeInto[T Notification](payload []byte) (Notification, error) {
	var n T
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, n.Type(), err)
	}
	return n, nil
}
