package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// CommandField is the discriminator of request payloads.
const CommandField = "command"

type CommandName string

const (
	CmdState                  CommandName = "state"
	CmdStop                   CommandName = "stop"
	CmdCreateTarget           CommandName = "create_target"
	CmdTargetLaunch           CommandName = "target_launch"
	CmdTargetSetBreakpoint    CommandName = "target_set_breakpoint"
	CmdTargetDeleteBreakpoint CommandName = "target_delete_breakpoint"
	CmdProcessContinue        CommandName = "process_continue"
	CmdThreadStepOver         CommandName = "thread_step_over"
	CmdThreadStepIn           CommandName = "thread_step_in"
	CmdThreadStepOut          CommandName = "thread_step_out"
	CmdFrameSelect            CommandName = "frame_select"
	CmdProcessKill            CommandName = "process_kill"
	CmdProcessDestroy         CommandName = "process_destroy"
	CmdHandleCommand          CommandName = "handle_command"
	CmdFrameGetLineEntry      CommandName = "frame_get_line_entry"
)

// Command is one variant of the request union. The set of variants is closed:
// only types in this package implement it.
type Command interface {
	Name() CommandName
	command()
}

// State is the liveness probe. The worker answers with WorkerState.
type State struct{}

// Stop asks the worker to stop serving and exit.
type Stop struct{}

type CreateTarget struct {
	ExecutablePath string `json:"executable_path"`
}

type TargetLaunch struct {
	Arguments        []string          `json:"arguments,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
}

// TargetSetBreakpoint identifies a breakpoint by file and 1-based line.
type TargetSetBreakpoint struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

type TargetDeleteBreakpoint struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

type ProcessContinue struct{}

type ThreadStepOver struct{}

type ThreadStepIn struct{}

type ThreadStepOut struct{}

type FrameSelect struct {
	Index int `json:"index"`
}

type ProcessKill struct{}

type ProcessDestroy struct{}

// HandleCommand runs a console command of the engine.
type HandleCommand struct {
	Input string `json:"input"`
}

type FrameGetLineEntry struct{}

func (State) Name() CommandName                  { return CmdState }
func (Stop) Name() CommandName                   { return CmdStop }
func (CreateTarget) Name() CommandName           { return CmdCreateTarget }
func (TargetLaunch) Name() CommandName           { return CmdTargetLaunch }
func (TargetSetBreakpoint) Name() CommandName    { return CmdTargetSetBreakpoint }
func (TargetDeleteBreakpoint) Name() CommandName { return CmdTargetDeleteBreakpoint }
func (ProcessContinue) Name() CommandName        { return CmdProcessContinue }
func (ThreadStepOver) Name() CommandName         { return CmdThreadStepOver }
func (ThreadStepIn) Name() CommandName           { return CmdThreadStepIn }
func (ThreadStepOut) Name() CommandName          { return CmdThreadStepOut }
func (FrameSelect) Name() CommandName            { return CmdFrameSelect }
func (ProcessKill) Name() CommandName            { return CmdProcessKill }
func (ProcessDestroy) Name() CommandName         { return CmdProcessDestroy }
func (HandleCommand) Name() CommandName          { return CmdHandleCommand }
func (FrameGetLineEntry) Name() CommandName      { return CmdFrameGetLineEntry }

func (State) command()                  {}
func (Stop) command()                   {}
func (CreateTarget) command()           {}
func (TargetLaunch) command()           {}
func (TargetSetBreakpoint) command()    {}
func (TargetDeleteBreakpoint) command() {}
func (ProcessContinue) command()        {}
func (ThreadStepOver) command()         {}
func (ThreadStepIn) command()           {}
func (ThreadStepOut) command()          {}
func (FrameSelect) command()            {}
func (ProcessKill) command()            {}
func (ProcessDestroy) command()         {}
func (HandleCommand) command()          {}
func (FrameGetLineEntry) command()      {}

var commandDecoders = map[CommandName]func([]byte) (Command, error){
	CmdState:                  decodeCommandAs[State],
	CmdStop:                   decodeCommandAs[Stop],
	CmdCreateTarget:           decodeCommandAs[CreateTarget],
	CmdTargetLaunch:           decodeCommandAs[TargetLaunch],
	CmdTargetSetBreakpoint:    decodeCommandAs[TargetSetBreakpoint],
	CmdTargetDeleteBreakpoint: decodeCommandAs[TargetDeleteBreakpoint],
	CmdProcessContinue:        decodeCommandAs[ProcessContinue],
	CmdThreadStepOver:         decodeCommandAs[ThreadStepOver],
	CmdThreadStepIn:           decodeCommandAs[ThreadStepIn],
	CmdThreadStepOut:          decodeCommandAs[ThreadStepOut],
	CmdFrameSelect:            decodeCommandAs[FrameSelect],
	CmdProcessKill:            decodeCommandAs[ProcessKill],
	CmdProcessDestroy:         decodeCommandAs[ProcessDestroy],
	CmdHandleCommand:          decodeCommandAs[HandleCommand],
	CmdFrameGetLineEntry:      decodeCommandAs[FrameGetLineEntry],
}

// ErrMalformedPayload is returned when a payload is not a JSON object or
// lacks its discriminator.
var ErrMalformedPayload = errors.New("malformed payload")

// UnknownCommandError is returned when the discriminator names no command.
type UnknownCommandError struct {
	Name string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Name)
}

// EncodeCommand produces the flat payload: the command's fields plus the
// discriminator.
func EncodeCommand(cmd Command) ([]byte, error) {
	return encodeTagged(cmd, CommandField, string(cmd.Name()))
}

// DecodeCommand parses a payload into its variant, returned by value.
func DecodeCommand(payload []byte) (Command, error) {
	name, err := discriminator(payload, CommandField)
	if err != nil {
		return nil, err
	}

	decode, ok := commandDecoders[CommandName(name)]
	if !ok {
		return nil, &UnknownCommandError{Name: name}
	}
	return decode(payload)
}

func decodeCommandAs[T Command](payload []byte) (Command, error) {
	var cmd T
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, cmd.Name(), err)
	}
	return cmd, nil
}

func encodeTagged(v any, field, tag string) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", tag, err)
	}
	raw, err = sjson.SetBytes(raw, field, tag)
	if err != nil {
		return nil, fmt.Errorf("tag %s: %w", tag, err)
	}
	return raw, nil
}

func discriminator(payload []byte, field string) (string, error) {
	if !gjson.ValidBytes(payload) {
		return "", fmt.Errorf("%w: invalid JSON", ErrMalformedPayload)
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return "", fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}
	tag := root.Get(field)
	if tag.Type != gjson.String {
		return "", fmt.Errorf("%w: missing %q", ErrMalformedPayload, field)
	}
	return tag.String(), nil
}
