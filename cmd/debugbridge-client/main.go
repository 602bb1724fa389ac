package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/bingosuite/debugbridge/config"
	"github.com/bingosuite/debugbridge/internal/host"
	"github.com/bingosuite/debugbridge/internal/protocol"
	"github.com/bingosuite/debugbridge/pkg/client"
)

const help = `Commands:
  start <path> [args...]   run a target in a new debug session
  c, continue              resume the process
  n, next                  step over
  s, step                  step in
  so, stepout              step out
  frame <n>                select a stack frame
  b <file> <line>          toggle a breakpoint
  bp                       list breakpoints
  kill                     kill the process
  exit                     end the debug session
  state                    show process state and session id
  q, quit                  leave
Anything else is run by the engine console.`

// commander is the part of *client.Client the prompt drives.
type commander interface {
	Start(target string, args []string) error
	Console(input string) error
	Continue() error
	StepOver() error
	StepIn() error
	StepOut() error
	SelectFrame(index int) error
	ToggleBreakpoint(filename string, line int) error
	Kill() error
	Exit() error
	State() protocol.ProcessState
	SessionID() string
	Breakpoints() []host.Breakpoint
}

func main() {
	configPath := pflag.StringP("config", "c", "~/.config/debugbridge/config.yml", "config file")
	server := pflag.String("server", "", "WebSocket server host:port (defaults to the configured server address)")
	session := pflag.String("session", "", "existing session ID (optional)")
	verbose := pflag.BoolP("verbose", "v", false, "log protocol traffic")
	pflag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Warn("Failed to load config, using defaults")
		cfg = config.Default()
	}
	addr := *server
	if addr == "" {
		addr = serverAddr(cfg.Server.Addr)
	}

	c := client.NewClient(addr, *session, printer{out: os.Stdout})
	if err := c.Connect(); err != nil {
		log.WithError(err).Fatal("Failed to connect")
	}
	if err := c.Run(); err != nil {
		log.WithError(err).Fatal("Failed to start client")
	}
	defer func() { _ = c.Close() }()

	line := liner.NewLiner()
	defer func() { _ = line.Close() }()
	line.SetCtrlCAborts(true)

	fmt.Println(`Connected. Type "help" for commands.`)
	for {
		raw, err := line.Prompt(fmt.Sprintf("[%s] > ", c.State()))
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, liner.ErrPromptAborted) {
				log.WithError(err).Warn("Input error")
			}
			return
		}
		if strings.TrimSpace(raw) != "" {
			line.AppendHistory(raw)
		}

		quit, err := dispatch(c, os.Stdout, raw)
		if err != nil {
			fmt.Println(err)
		}
		if quit {
			return
		}
		select {
		case <-c.Done():
			fmt.Println("Connection closed")
			return
		default:
		}
	}
}

// serverAddr turns a listen address like ":8080" into one to dial.
func serverAddr(listen string) string {
	switch {
	case listen == "":
		return "localhost:8080"
	case strings.HasPrefix(listen, ":"):
		return "localhost" + listen
	default:
		return listen
	}
}

func dispatch(c commander, out io.Writer, raw string) (quit bool, err error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return false, nil
	}

	switch strings.ToLower(fields[0]) {
	case "q", "quit":
		return true, nil
	case "help":
		fmt.Fprintln(out, help)
		return false, nil
	case "state":
		fmt.Fprintf(out, "state=%s session=%s\n", c.State(), c.SessionID())
		return false, nil
	case "start":
		if len(fields) < 2 {
			return false, errors.New("usage: start <path> [args...]")
		}
		return false, c.Start(fields[1], fields[2:])
	case "c", "continue":
		return false, c.Continue()
	case "n", "next":
		return false, c.StepOver()
	case "s", "step":
		return false, c.StepIn()
	case "so", "stepout":
		return false, c.StepOut()
	case "kill":
		return false, c.Kill()
	case "exit":
		return false, c.Exit()
	case "frame":
		if len(fields) != 2 {
			return false, errors.New("usage: frame <n>")
		}
		index, err := strconv.Atoi(fields[1])
		if err != nil || index < 0 {
			return false, errors.New("invalid frame index")
		}
		return false, c.SelectFrame(index)
	case "b", "break", "breakpoint":
		if len(fields) != 3 {
			return false, errors.New("usage: b <file> <line>")
		}
		lineNo, err := strconv.Atoi(fields[2])
		if err != nil || lineNo <= 0 {
			return false, errors.New("invalid line number")
		}
		return false, c.ToggleBreakpoint(fields[1], lineNo)
	case "bp", "breakpoints":
		for _, bp := range c.Breakpoints() {
			fmt.Fprintln(out, bp)
		}
		return false, nil
	default:
		return false, c.Console(strings.TrimSpace(raw))
	}
}

// printer writes notifications for the user.
type printer struct {
	host.NopListener
	out io.Writer
}

func (p printer) ProcessStateChanged(state protocol.ProcessState) {
	fmt.Fprintf(p.out, "\nProcess %s\n", state)
}

func (p printer) LocationChanged(entry protocol.LineEntry) {
	fmt.Fprintf(p.out, "> %s/%s:%d\n", entry.Directory, entry.Filename, entry.Line)
}

func (p printer) Stdout(output string) { fmt.Fprint(p.out, output) }
func (p printer) Stderr(output string) { fmt.Fprint(p.out, output) }

func (p printer) CommandFinished(output string, success bool) {
	if !success {
		output = "error: " + output
	}
	fmt.Fprintln(p.out, strings.TrimRight(output, "\n"))
}

func (p printer) Error(message string) {
	fmt.Fprintf(p.out, "error: %s\n", message)
}
