// Package delve implements engine.Engine on top of a headless Delve server
// spawned per launch and driven through its JSON-RPC v2 API.
package delve

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/bingosuite/debugbridge/internal/engine"
	"github.com/bingosuite/debugbridge/internal/procgroup"
)

const (
	eventBufferSize    = 256
	outputChunkSize    = 4096
	defaultStartupWait = 10 * time.Second
	detachWait         = 2 * time.Second
	listeningPrefix    = "API server listening at:"
)

type Options struct {
	// Path of the dlv binary. Empty means "dlv" from PATH.
	Path string
	// Flags are passed to dlv before the target.
	Flags []string
	// StartupTimeout bounds the wait for the server to report its address.
	StartupTimeout time.Duration
	Logger         *log.Entry
}

type Engine struct {
	opts Options
	log  *log.Entry

	mu          sync.Mutex
	target      string
	cmd         *exec.Cmd
	client      *rpc2.RPCClient
	exited      chan struct{}
	state       engine.State
	frame       int
	breakpoints map[string]int

	stdout strings.Builder
	stderr strings.Builder

	process chan engine.Event
	thread  chan engine.Event
}

var _ engine.Engine = (*Engine)(nil)

func New(opts Options) *Engine {
	if opts.Path == "" {
		opts.Path = "dlv"
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = defaultStartupWait
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Engine{
		opts:        opts,
		log:         logger.WithField("component", "delve"),
		breakpoints: make(map[string]int),
		process:     make(chan engine.Event, eventBufferSize),
		thread:      make(chan engine.Event, eventBufferSize),
	}
}

// setState records s and reports it on the process source when it differs
// from the current state.
func (e *Engine) setState(s engine.State) {
	e.mu.Lock()
	// A late run-control reply must not resurrect a dead process.
	if e.state == s || (e.state.Terminal() && s != engine.StateLaunching) {
		e.mu.Unlock()
		return
	}
	e.state = s
	if s == engine.StateStopped {
		e.frame = 0
	}
	e.mu.Unlock()

	e.process <- engine.Event{Kind: engine.EventStateChanged, State: s}
}

func (e *Engine) CreateTarget(path string) error {
	abs, err := engine.ValidateTarget(path)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Live() {
		return fmt.Errorf("process is still running")
	}
	e.target = abs
	e.breakpoints = make(map[string]int)
	return nil
}

func (e *Engine) launchArgs(opts engine.LaunchOptions) []string {
	args := []string{"exec", "--headless", "--api-version=2", "--listen=127.0.0.1:0"}
	if opts.WorkingDirectory != "" {
		args = append(args, "--wd="+opts.WorkingDirectory)
	}
	args = append(args, e.opts.Flags...)
	args = append(args, e.target)
	if len(opts.Arguments) > 0 {
		args = append(args, "--")
		args = append(args, opts.Arguments...)
	}
	return args
}

func (e *Engine) Launch(opts engine.LaunchOptions) error {
	e.mu.Lock()
	if e.target == "" {
		e.mu.Unlock()
		return engine.ErrNoTarget
	}
	if e.state.Live() {
		e.mu.Unlock()
		return fmt.Errorf("process already launched")
	}
	target := e.target
	cmd := exec.Command(e.opts.Path, e.launchArgs(opts)...)
	e.mu.Unlock()

	cmd.Env = os.Environ()
	for k, v := range opts.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	procgroup.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	e.log.WithField("args", cmd.Args).Debug("Starting headless server")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", e.opts.Path, err)
	}

	go e.pump(stderr, engine.EventStderr)

	reader := bufio.NewReader(stdout)
	addr, err := awaitListening(reader, e.opts.StartupTimeout)
	if err != nil {
		_ = procgroup.Kill(cmd)
		_ = cmd.Wait()
		return err
	}

	conn, err := net.DialTimeout("tcp", addr, e.opts.StartupTimeout)
	if err != nil {
		_ = procgroup.Kill(cmd)
		_ = cmd.Wait()
		return fmt.Errorf("connect to %s: %w", addr, err)
	}

	// The address is announced before the target is loaded. A first call
	// returns once the load finished, or fails when it did not.
	_ = conn.SetDeadline(time.Now().Add(e.opts.StartupTimeout))
	client := rpc2.NewClientFromConn(conn)
	if _, err := client.GetStateNonBlocking(); err != nil {
		_ = conn.Close()
		_ = procgroup.Kill(cmd)
		_ = cmd.Wait()
		return fmt.Errorf("could not launch %s: %w", target, err)
	}
	_ = conn.SetDeadline(time.Time{})

	exited := make(chan struct{})
	e.mu.Lock()
	e.cmd = cmd
	e.client = client
	e.exited = exited
	e.mu.Unlock()

	go e.pump(reader, engine.EventStdout)
	go e.wait(cmd, exited)

	e.log.WithField("addr", addr).Info("Headless server ready")
	e.setState(engine.StateLaunching)
	return nil
}

// awaitListening reads server output until the line announcing the API
// address.
func awaitListening(r *bufio.Reader, timeout time.Duration) (string, error) {
	type result struct {
		addr string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		for {
			line, err := r.ReadString('\n')
			if addr, ok := parseListening(line); ok {
				done <- result{addr: addr}
				return
			}
			if err != nil {
				done <- result{err: fmt.Errorf("server exited before listening: %w", err)}
				return
			}
		}
	}()

	select {
	case res := <-done:
		return res.addr, res.err
	case <-time.After(timeout):
		return "", fmt.Errorf("server did not report its address within %v", timeout)
	}
}

func parseListening(line string) (string, bool) {
	idx := strings.Index(line, listeningPrefix)
	if idx < 0 {
		return "", false
	}
	addr := strings.TrimSpace(line[idx+len(listeningPrefix):])
	return addr, addr != ""
}

func (e *Engine) pump(r io.Reader, kind engine.EventKind) {
	buf := make([]byte, outputChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			e.mu.Lock()
			if kind == engine.EventStdout {
				e.stdout.Write(buf[:n])
			} else {
				e.stderr.Write(buf[:n])
			}
			e.mu.Unlock()
			e.process <- engine.Event{Kind: kind}
		}
		if err != nil {
			return
		}
	}
}

func (e *Engine) wait(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)
	e.log.WithError(err).Debug("Headless server exited")

	e.mu.Lock()
	if e.cmd == cmd {
		e.cmd = nil
		e.client = nil
	}
	live := e.state.Live()
	e.mu.Unlock()

	if live {
		e.setState(engine.StateExited)
	}
}

func (e *Engine) rpc() (*rpc2.RPCClient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil, engine.ErrNoProcess
	}
	return e.client, nil
}

var errUnknownState = errors.New("debugger reported no usable state")

func hasExited(err error) bool {
	return err != nil && strings.Contains(err.Error(), "has exited")
}

// translate maps a Delve state to the engine state. It fails when the reply
// does not say where the process is, such as a transport error in place of
// a state.
func translate(state *api.DebuggerState, err error) (engine.State, error) {
	if (state != nil && state.Exited) || hasExited(err) {
		return engine.StateExited, nil
	}
	if state == nil {
		if err == nil {
			err = errUnknownState
		}
		return engine.StateInvalid, err
	}
	if state.Err != nil {
		if hasExited(state.Err) {
			return engine.StateExited, nil
		}
		return engine.StateInvalid, state.Err
	}
	switch {
	case state.NextInProgress:
		return engine.StateStepping, nil
	case state.Running:
		return engine.StateRunning, nil
	}
	return engine.StateStopped, nil
}

func (e *Engine) resumable() (*rpc2.RPCClient, error) {
	client, err := e.rpc()
	if err != nil {
		return nil, err
	}
	switch s := e.State(); s {
	case engine.StateLaunching, engine.StateStopped:
		return client, nil
	default:
		return nil, fmt.Errorf("process is %s", s)
	}
}

func (e *Engine) Continue() error {
	client, err := e.resumable()
	if err != nil {
		return err
	}
	e.setState(engine.StateRunning)

	go func() {
		var last *api.DebuggerState
		for state := range client.Continue() {
			last = state
		}
		e.finish(client, last, nil)
	}()
	return nil
}

func (e *Engine) step(do func(*rpc2.RPCClient) (*api.DebuggerState, error)) error {
	client, err := e.resumable()
	if err != nil {
		return err
	}
	e.setState(engine.StateStepping)

	go func() {
		state, err := do(client)
		e.finish(client, state, err)
	}()
	return nil
}

func (e *Engine) finish(client *rpc2.RPCClient, state *api.DebuggerState, err error) {
	next, err := translate(state, err)
	if err != nil {
		next = e.probe(client, err)
	}
	e.setState(next)
	if next == engine.StateExited {
		// The headless server outlives its target until the client leaves.
		if err := client.Detach(true); err != nil {
			e.log.WithError(err).Debug("Detach after exit failed")
		}
	}
}

// probe asks the server where the process is after run control failed with
// cause. An unreachable server means the process is gone.
func (e *Engine) probe(client *rpc2.RPCClient, cause error) engine.State {
	logger := e.log.WithError(cause)
	state, err := client.GetStateNonBlocking()
	if err != nil {
		logger.WithField("probe", err.Error()).Warn("Debugger unreachable after run control, treating process as exited")
		return engine.StateExited
	}
	next, err := translate(state, nil)
	if err != nil {
		logger.Warn("Process state unknown after run control, treating process as exited")
		return engine.StateExited
	}
	logger.WithField("state", next).Warn("Run control failed")
	return next
}

func (e *Engine) StepOver() error {
	return e.step((*rpc2.RPCClient).Next)
}

func (e *Engine) StepIn() error {
	return e.step((*rpc2.RPCClient).Step)
}

func (e *Engine) StepOut() error {
	return e.step((*rpc2.RPCClient).StepOut)
}

// resolveFile maps a file given as a path suffix to the full path Delve
// knows it by.
func resolveFile(client *rpc2.RPCClient, file string) (string, error) {
	if strings.HasPrefix(file, "/") {
		return file, nil
	}
	sources, err := client.ListSources(regexp.QuoteMeta("/"+file) + "$")
	if err != nil {
		return "", err
	}
	return pickSource(file, sources)
}

// pickSource requires exactly one source ending in file.
func pickSource(file string, sources []string) (string, error) {
	switch len(sources) {
	case 0:
		return "", fmt.Errorf("%w: no source file matches %q", engine.ErrUnresolvedBreakpoint, file)
	case 1:
		return sources[0], nil
	}
	return "", fmt.Errorf("%w: ambiguous file %q matches %s", engine.ErrUnresolvedBreakpoint, file, strings.Join(sources, ", "))
}

func breakpointKey(file string, line int) string {
	return fmt.Sprintf("%s:%d", file, line)
}

func (e *Engine) SetBreakpoint(file string, line int) error {
	client, err := e.rpc()
	if err != nil {
		return err
	}
	full, err := resolveFile(client, file)
	if err != nil {
		return err
	}
	bp, err := client.CreateBreakpoint(&api.Breakpoint{File: full, Line: line})
	if err != nil {
		return fmt.Errorf("%w: %s:%d: %v", engine.ErrUnresolvedBreakpoint, file, line, err)
	}

	e.mu.Lock()
	e.breakpoints[breakpointKey(file, line)] = bp.ID
	e.mu.Unlock()
	return nil
}

func (e *Engine) ClearBreakpoint(file string, line int) error {
	client, err := e.rpc()
	if err != nil {
		return err
	}
	key := breakpointKey(file, line)

	e.mu.Lock()
	id, ok := e.breakpoints[key]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no breakpoint at %s", key)
	}

	if _, err := client.ClearBreakpoint(id); err != nil {
		return fmt.Errorf("clear breakpoint %s: %w", key, err)
	}
	e.mu.Lock()
	delete(e.breakpoints, key)
	e.mu.Unlock()
	return nil
}

func (e *Engine) stack(depth int) ([]api.Stackframe, error) {
	client, err := e.rpc()
	if err != nil {
		return nil, err
	}
	if e.State() != engine.StateStopped {
		return nil, engine.ErrNoFrame
	}
	return client.Stacktrace(-1, depth, 0, nil)
}

func (e *Engine) SelectFrame(index int) error {
	frames, err := e.stack(index + 1)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(frames) {
		return fmt.Errorf("frame %d out of range", index)
	}

	e.mu.Lock()
	e.frame = index
	e.mu.Unlock()

	e.thread <- engine.Event{Kind: engine.EventFrameChanged}
	return nil
}

func (e *Engine) selectedFrame() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frame
}

func (e *Engine) SelectedLineEntry() (engine.LineEntry, error) {
	frame := e.selectedFrame()
	frames, err := e.stack(frame + 1)
	if err != nil {
		return engine.LineEntry{}, err
	}
	if frame >= len(frames) {
		return engine.LineEntry{}, engine.ErrNoFrame
	}
	return engine.SplitLocation(frames[frame].File, frames[frame].Line), nil
}

func (e *Engine) Kill() error {
	e.mu.Lock()
	cmd, client, exited := e.cmd, e.client, e.exited
	live := e.state.Live()
	e.mu.Unlock()
	if !live || cmd == nil {
		return engine.ErrNoProcess
	}

	var result *multierror.Error
	if client != nil {
		if err := client.Detach(true); err != nil {
			result = multierror.Append(result, fmt.Errorf("detach: %w", err))
		}
	}

	select {
	case <-exited:
	case <-time.After(detachWait):
		if err := procgroup.Kill(cmd); err != nil {
			result = multierror.Append(result, fmt.Errorf("kill: %w", err))
		}
		<-exited
	}

	e.setState(engine.StateExited)
	return result.ErrorOrNil()
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
