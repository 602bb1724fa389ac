package ws

import (
	"encoding/json"

	"github.com/bingosuite/debugbridge/internal/host"
)

type Message struct {
	Type string          `json:"type"` // EventType or CommandType
	Data json.RawMessage `json:"data,omitempty"`
}

// Event messages (server -> client)
type EventType string

const (
	EventSessionStarted EventType = "sessionStarted"
	EventNotification   EventType = "notification"
	EventBreakpoints    EventType = "breakpoints"
	EventSessionEnded   EventType = "sessionEnded"
	EventError          EventType = "error"
)

type SessionStartedEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
}

// NotificationEvent carries one worker notification as it went over the
// wire.
type NotificationEvent struct {
	Type         EventType       `json:"type"`
	SessionID    string          `json:"sessionId"`
	DebugSession string          `json:"debugSession"`
	Notification json.RawMessage `json:"notification"`
}

type BreakpointsEvent struct {
	Type        EventType         `json:"type"`
	SessionID   string            `json:"sessionId"`
	Breakpoints []host.Breakpoint `json:"breakpoints"`
}

type SessionEndedEvent struct {
	Type         EventType `json:"type"`
	SessionID    string    `json:"sessionId"`
	DebugSession string    `json:"debugSession"`
	Error        string    `json:"error,omitempty"`
}

type ErrorEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Message   string    `json:"message"`
}

// Command messages (client -> server)
type CommandType string

const (
	CmdRun         CommandType = "run"
	CmdCommand     CommandType = "command"
	CmdContinue    CommandType = "continue"
	CmdStepOver    CommandType = "stepOver"
	CmdStepIn      CommandType = "stepIn"
	CmdStepOut     CommandType = "stepOut"
	CmdSelectFrame CommandType = "selectFrame"
	CmdBreakpoint  CommandType = "breakpoint"
	CmdKill        CommandType = "kill"
	CmdExit        CommandType = "exit"
)

type RunCmd struct {
	Type       CommandType       `json:"type"`
	SessionID  string            `json:"sessionId"`
	TargetPath string            `json:"targetPath"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty"`
}

type ConsoleCmd struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"sessionId"`
	Input     string      `json:"input"`
}

// RunControlCmd covers continue, the steps, kill and exit.
type RunControlCmd struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"sessionId"`
}

type SelectFrameCmd struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"sessionId"`
	Index     int         `json:"index"`
}

type BreakpointCmd struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"sessionId"`
	Filename  string      `json:"filename"`
	Line      int         `json:"line"`
}

// NewMessage wraps payload under t.
func NewMessage[T ~string](t T, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: string(t), Data: data}, nil
}
