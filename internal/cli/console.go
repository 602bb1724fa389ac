package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/peterh/liner"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/bingosuite/debugbridge/internal/host"
	"github.com/bingosuite/debugbridge/internal/protocol"
)

const (
	prompt     = "(debugbridge) "
	signalSize = 16
)

var errNoSession = errors.New("no debug session running")

const consoleHelp = `Lines are passed to the engine console (try "help").
Local commands:
  :run                  restart the target
  :continue, :c         resume the process
  :next, :n             step over
  :step, :s             step in
  :stepout, :so         step out
  :frame <n>            select a stack frame
  :break <file>:<line>  toggle a breakpoint, kept across restarts
  :breakpoints          list breakpoints
  :kill                 kill the process
  :quit, :q             leave the console
`

type signalKind int

const (
	promptReady signalKind = iota
	processEnded
)

type consoleSignal struct {
	kind    signalKind
	session *host.Session
}

// lineReader is satisfied by liner and by plain stdin.
type lineReader interface {
	Prompt(prompt string) (string, error)
	Close() error
}

// console prints a session's notifications and reads commands when the
// process can take them: after a stop or a finished command. It stops
// reading once the process is gone.
type console struct {
	ctx    context.Context
	out    io.Writer
	status io.Writer
	log    *log.Entry

	mu      sync.Mutex
	signals chan consoleSignal
	done    chan struct{}

	target string
	launch protocol.TargetLaunch
}

func newConsole(ctx context.Context, out, status io.Writer, logger *log.Entry) *console {
	return &console{
		ctx:     ctx,
		out:     out,
		status:  status,
		log:     logger.WithField("component", "console"),
		signals: make(chan consoleSignal, signalSize),
		done:    make(chan struct{}),
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c *console) write(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, s)
}

func (c *console) signal(kind signalKind, s *host.Session) {
	select {
	case c.signals <- consoleSignal{kind: kind, session: s}:
	case <-c.done:
	}
}

// attach is the controller's hook for new sessions.
func (c *console) attach(s *host.Session) {
	go func() {
		err := s.Listen(c.ctx, &sessionView{console: c, session: s})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.WithError(err).Debug("Session ended")
		}
		c.signal(processEnded, s)
	}()
}

func (c *console) start(ctx context.Context, ctrl *host.Controller, target string, launch protocol.TargetLaunch) error {
	c.target, c.launch = target, launch
	return c.run(ctx, ctrl)
}

func (c *console) run(ctx context.Context, ctrl *host.Controller) error {
	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(c.status))
	sp.Suffix = " Starting debug session..."
	sp.Start()
	_, err := ctrl.Run(ctx, c.target, c.launch)
	sp.Stop()
	return err
}

// loop runs until the process ends, the input ends or the user quits.
func (c *console) loop(ctx context.Context, ctrl *host.Controller, in lineReader) error {
	defer close(c.done)

	wait := true
	for {
		if wait {
			ended, err := c.next(ctx, ctrl)
			if err != nil || ended {
				return err
			}
		}

		line, err := in.Prompt(prompt)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}
			return err
		}

		var quit bool
		wait, quit, err = c.dispatch(ctx, ctrl, strings.TrimSpace(line))
		if quit {
			return nil
		}
		if err != nil {
			c.printf("error: %v\n", err)
			wait = false
		}
	}
}

// next waits for the current session to either be ready for input or end.
// Signals from replaced sessions are dropped.
func (c *console) next(ctx context.Context, ctrl *host.Controller) (ended bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case sig := <-c.signals:
			if sig.session != ctrl.Session() {
				continue
			}
			return sig.kind == processEnded, nil
		}
	}
}

// dispatch reports whether the console should wait for the process before
// prompting again.
func (c *console) dispatch(ctx context.Context, ctrl *host.Controller, line string) (wait, quit bool, err error) {
	if line == "" {
		return false, false, nil
	}
	if !strings.HasPrefix(line, ":") {
		return true, false, c.withSession(ctrl, func(s *host.Session) error { return s.HandleCommand(line) })
	}

	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return false, false, nil
	}
	switch fields[0] {
	case "q", "quit", "exit":
		return false, true, nil
	case "h", "help":
		c.write(consoleHelp)
		return false, false, nil
	case "run", "r":
		return true, false, c.run(ctx, ctrl)
	case "c", "continue":
		return true, false, c.withSession(ctrl, (*host.Session).Continue)
	case "n", "next":
		return true, false, c.withSession(ctrl, (*host.Session).StepOver)
	case "s", "step":
		return true, false, c.withSession(ctrl, (*host.Session).StepIn)
	case "so", "stepout":
		return true, false, c.withSession(ctrl, (*host.Session).StepOut)
	case "kill":
		return true, false, c.withSession(ctrl, (*host.Session).KillProcess)
	case "frame":
		if len(fields) != 2 {
			return false, false, errors.New("usage: :frame <n>")
		}
		index, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, false, fmt.Errorf("invalid frame %q", fields[1])
		}
		return false, false, c.withSession(ctrl, func(s *host.Session) error { return s.SelectFrame(index) })
	case "b", "break":
		if len(fields) != 2 {
			return false, false, errors.New("usage: :break <file>:<line>")
		}
		file, lineNo, err := parseLocation(fields[1])
		if err != nil {
			return false, false, err
		}
		set, err := ctrl.ToggleBreakpoint(file, lineNo)
		if err != nil {
			return false, false, err
		}
		if set {
			c.printf("Breakpoint set at %s:%d\n", file, lineNo)
		} else {
			c.printf("Breakpoint cleared at %s:%d\n", file, lineNo)
		}
		return false, false, nil
	case "bp", "breakpoints":
		for _, bp := range ctrl.Breakpoints() {
			c.printf("%s\n", bp)
		}
		return false, false, nil
	default:
		return false, false, fmt.Errorf("unknown command %q, try :help", fields[0])
	}
}

func (c *console) withSession(ctrl *host.Controller, fn func(*host.Session) error) error {
	s := ctrl.Session()
	if s == nil || !s.Alive() {
		return errNoSession
	}
	return fn(s)
}

// sessionView renders one session's notifications into the console. Its
// callbacks run on the session's listener goroutine.
type sessionView struct {
	*console
	session *host.Session
	state   protocol.ProcessState
}

// busy reports whether the process is executing and will report again.
func (v *sessionView) busy() bool {
	switch v.state {
	case protocol.StateLaunching, protocol.StateRunning, protocol.StateStepping:
		return true
	}
	return false
}

func (v *sessionView) ProcessStateChanged(state protocol.ProcessState) {
	v.state = state
	switch {
	case state == protocol.StateStopped:
		v.printf("Process stopped\n")
		v.signal(promptReady, v.session)
	case state.Terminal():
		v.printf("Process %s\n", state)
		v.signal(processEnded, v.session)
	default:
		v.log.WithField("state", state).Debug("Process state changed")
	}
}

func (v *sessionView) LocationChanged(entry protocol.LineEntry) {
	v.printf("> %s:%d\n", filepath.Join(entry.Directory, entry.Filename), entry.Line)
}

func (v *sessionView) Stdout(output string)        { v.write(output) }
func (v *sessionView) Stderr(output string)        { v.write(output) }
func (v *sessionView) CommandOutput(output string) { v.write(output) }

func (v *sessionView) CommandFinished(output string, success bool) {
	if output != "" && !strings.HasSuffix(output, "\n") {
		output += "\n"
	}
	if success {
		v.write(output)
	} else {
		v.printf("error: %s", output)
	}
	v.signal(promptReady, v.session)
}

func (v *sessionView) Error(message string) {
	v.printf("error: %s\n", message)
	if !v.busy() {
		v.signal(promptReady, v.session)
	}
}

// parseLocation splits "file:line".
func parseLocation(loc string) (string, int, error) {
	i := strings.LastIndex(loc, ":")
	if i <= 0 {
		return "", 0, fmt.Errorf("invalid location %q, want file:line", loc)
	}
	line, err := strconv.Atoi(loc[i+1:])
	if err != nil || line < 1 {
		return "", 0, fmt.Errorf("invalid line in %q", loc)
	}
	return loc[:i], line, nil
}

// newLineReader uses liner on a terminal and plain line reads otherwise.
func newLineReader(in *os.File) lineReader {
	if !term.IsTerminal(int(in.Fd())) {
		return &plainReader{scanner: bufio.NewScanner(in)}
	}
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	return historyReader{State: state}
}

type historyReader struct {
	*liner.State
}

func (r historyReader) Prompt(p string) (string, error) {
	line, err := r.State.Prompt(p)
	if err == nil && strings.TrimSpace(line) != "" {
		r.AppendHistory(line)
	}
	return line, err
}

type plainReader struct {
	scanner *bufio.Scanner
}

func (r *plainReader) Prompt(string) (string, error) {
	if r.scanner.Scan() {
		return r.scanner.Text(), nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (r *plainReader) Close() error { return nil }
