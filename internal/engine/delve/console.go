package delve

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-delve/delve/service/api"

	"github.com/bingosuite/debugbridge/internal/engine"
)

const (
	stackDepth     = 50
	goroutineLimit = 100
)

var loadConfig = api.LoadConfig{
	FollowPointers:     true,
	MaxVariableRecurse: 1,
	MaxStringLen:       256,
	MaxArrayValues:     64,
	MaxStructFields:    -1,
}

type consoleCommand struct {
	aliases []string
	usage   string
	run     func(e *Engine, args []string) (string, error)
}

var consoleCommands = []consoleCommand{
	{[]string{"continue", "c"}, "continue  resume the process", runControl((*Engine).Continue, "Process resumed")},
	{[]string{"next", "n"}, "next  step over the current line", runControl((*Engine).StepOver, "Stepping over")},
	{[]string{"step", "s"}, "step  step into the current call", runControl((*Engine).StepIn, "Stepping in")},
	{[]string{"stepout", "so"}, "stepout  run until the current function returns", runControl((*Engine).StepOut, "Stepping out")},
	{[]string{"break", "b"}, "break <file>:<line>  set a breakpoint", (*Engine).consoleBreak},
	{[]string{"clear"}, "clear <file>:<line>  delete a breakpoint", (*Engine).consoleClear},
	{[]string{"breakpoints", "bp"}, "breakpoints  list breakpoints", (*Engine).consoleBreakpoints},
	{[]string{"print", "p"}, "print <expr>  evaluate an expression in the selected frame", (*Engine).consolePrint},
	{[]string{"stack", "bt"}, "stack  print the stack of the selected goroutine", (*Engine).consoleStack},
	{[]string{"frame"}, "frame <n>  select a frame", (*Engine).consoleFrame},
	{[]string{"up"}, "up  select the caller frame", func(e *Engine, _ []string) (string, error) { return e.moveFrame(1) }},
	{[]string{"down"}, "down  select the callee frame", func(e *Engine, _ []string) (string, error) { return e.moveFrame(-1) }},
	{[]string{"goroutines", "grs"}, "goroutines  list goroutines", (*Engine).consoleGoroutines},
	{[]string{"state"}, "state  print the process state", (*Engine).consoleState},
}

func lookupCommand(name string) (consoleCommand, bool) {
	for _, cmd := range consoleCommands {
		for _, alias := range cmd.aliases {
			if alias == name {
				return cmd, true
			}
		}
	}
	return consoleCommand{}, false
}

func consoleHelp() string {
	lines := make([]string, 0, len(consoleCommands)+1)
	for _, cmd := range consoleCommands {
		lines = append(lines, cmd.usage)
	}
	lines = append(lines, "help  list commands")
	return strings.Join(lines, "\n")
}

// HandleCommand runs one console command line.
func (e *Engine) HandleCommand(input string) engine.CommandResult {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return engine.CommandResult{Output: "empty command"}
	}
	if fields[0] == "help" || fields[0] == "h" {
		return engine.CommandResult{Output: consoleHelp(), Success: true}
	}
	cmd, ok := lookupCommand(fields[0])
	if !ok {
		return engine.CommandResult{Output: fmt.Sprintf("unknown command %q, try help", fields[0])}
	}

	out, err := cmd.run(e, fields[1:])
	if err != nil {
		return engine.CommandResult{Output: err.Error()}
	}
	return engine.CommandResult{Output: out, Success: true}
}

func runControl(do func(*Engine) error, msg string) func(*Engine, []string) (string, error) {
	return func(e *Engine, _ []string) (string, error) {
		if err := do(e); err != nil {
			return "", err
		}
		return msg, nil
	}
}

// parseLocation splits "<file>:<line>".
func parseLocation(args []string) (string, int, error) {
	if len(args) != 1 {
		return "", 0, fmt.Errorf("expected <file>:<line>")
	}
	idx := strings.LastIndex(args[0], ":")
	if idx <= 0 {
		return "", 0, fmt.Errorf("expected <file>:<line>, got %q", args[0])
	}
	line, err := strconv.Atoi(args[0][idx+1:])
	if err != nil || line <= 0 {
		return "", 0, fmt.Errorf("invalid line number %q", args[0][idx+1:])
	}
	return args[0][:idx], line, nil
}

func (e *Engine) consoleBreak(args []string) (string, error) {
	file, line, err := parseLocation(args)
	if err != nil {
		return "", err
	}
	if err := e.SetBreakpoint(file, line); err != nil {
		return "", err
	}
	return fmt.Sprintf("Breakpoint set at %s:%d", file, line), nil
}

func (e *Engine) consoleClear(args []string) (string, error) {
	file, line, err := parseLocation(args)
	if err != nil {
		return "", err
	}
	if err := e.ClearBreakpoint(file, line); err != nil {
		return "", err
	}
	return fmt.Sprintf("Breakpoint cleared at %s:%d", file, line), nil
}

func (e *Engine) consoleBreakpoints(_ []string) (string, error) {
	client, err := e.rpc()
	if err != nil {
		return "", err
	}
	bps, err := client.ListBreakpoints(false)
	if err != nil {
		return "", err
	}
	sort.Slice(bps, func(i, j int) bool { return bps[i].ID < bps[j].ID })

	var b strings.Builder
	for _, bp := range bps {
		if bp.ID < 0 {
			continue
		}
		fmt.Fprintf(&b, "%d %s:%d (hits %d)\n", bp.ID, bp.File, bp.Line, bp.TotalHitCount)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (e *Engine) consolePrint(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("expected an expression")
	}
	client, err := e.rpc()
	if err != nil {
		return "", err
	}
	scope := api.EvalScope{GoroutineID: -1, Frame: e.selectedFrame()}
	v, err := client.EvalVariable(scope, strings.Join(args, " "), loadConfig)
	if err != nil {
		return "", err
	}
	return v.SinglelineString(), nil
}

func formatFrames(frames []api.Stackframe, selected int) string {
	var b strings.Builder
	for i, f := range frames {
		marker := " "
		if i == selected {
			marker = "*"
		}
		name := "?"
		if f.Function != nil {
			name = f.Function.Name()
		}
		fmt.Fprintf(&b, "%s%d %s at %s:%d\n", marker, i, name, f.File, f.Line)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Engine) consoleStack(_ []string) (string, error) {
	frames, err := e.stack(stackDepth)
	if err != nil {
		return "", err
	}
	return formatFrames(frames, e.selectedFrame()), nil
}

func (e *Engine) consoleFrame(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("expected a frame index")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return "", fmt.Errorf("invalid frame index %q", args[0])
	}
	if err := e.SelectFrame(n); err != nil {
		return "", err
	}
	return fmt.Sprintf("Frame %d", n), nil
}

func (e *Engine) moveFrame(delta int) (string, error) {
	return e.consoleFrame([]string{strconv.Itoa(e.selectedFrame() + delta)})
}

func (e *Engine) consoleGoroutines(_ []string) (string, error) {
	client, err := e.rpc()
	if err != nil {
		return "", err
	}
	grs, _, err := client.ListGoroutines(0, goroutineLimit)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, g := range grs {
		loc := g.UserCurrentLoc
		name := "?"
		if loc.Function != nil {
			name = loc.Function.Name()
		}
		fmt.Fprintf(&b, "%d %s at %s:%d\n", g.ID, name, loc.File, loc.Line)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (e *Engine) consoleState(_ []string) (string, error) {
	return e.State().String(), nil
}
