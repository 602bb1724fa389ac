// Package supervisor starts and owns the worker process on the host side:
// it spawns the worker, forwards its output into the host log, establishes
// the connection with a bounded handshake and tears everything down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/bingosuite/debugbridge/internal/procgroup"
	"github.com/bingosuite/debugbridge/internal/wire"
)

// Mode selects who initiates the connection.
type Mode string

const (
	// ModeDial makes the worker listen on a local TCP port that the host dials.
	ModeDial Mode = "dial"
	// ModeConnectBack makes the host listen on a Unix socket that the worker
	// connects to.
	ModeConnectBack Mode = "connect"
)

const (
	DefaultAttempts       = 5
	DefaultBackoff        = 200 * time.Millisecond
	DefaultConnectTimeout = 5 * time.Second
	DefaultStopTimeout    = 5 * time.Second

	killTimeout = 5 * time.Second
	socketName  = "worker.sock"
)

var (
	// ErrHandshakeFailed is returned when the worker never answered the probe.
	ErrHandshakeFailed = errors.New("worker handshake failed")
	// ErrWorkerDied records an output monitor that ended on anything but EOF.
	ErrWorkerDied = errors.New("worker died unexpectedly")
	// ErrOutputDecode records worker output that was not valid UTF-8.
	ErrOutputDecode = errors.New("worker output is not valid UTF-8")
)

type Options struct {
	// Binary is the worker executable. Args precede the endpoint flag.
	Binary string
	Args   []string
	Mode   Mode

	// EngineDirectory is exported to the worker as DEBUGBRIDGE_ENGINE_PATH.
	// When empty it is discovered from EngineCandidates.
	EngineDirectory string
	Env             []string

	Attempts       int
	Backoff        time.Duration
	ConnectTimeout time.Duration
	// StopTimeout bounds how long Stop waits for a clean exit.
	StopTimeout time.Duration

	// Output receives every worker output line in addition to the log.
	Output func(line string)
	Logger *log.Entry
}

func (o *Options) setDefaults() {
	if o.Mode == "" {
		o.Mode = ModeConnectBack
	}
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.Logger == nil {
		o.Logger = log.NewEntry(log.StandardLogger())
	}
	if o.EngineDirectory == "" {
		o.EngineDirectory = FindEngineDirectory(EngineBinary, EngineCandidates())
	}
}

// Worker is a running worker process and its connection.
type Worker struct {
	opts Options
	log  *log.Entry
	cmd  *exec.Cmd
	conn *wire.Conn

	listener net.Listener
	tmpDir   string

	done     chan struct{}
	mu       sync.Mutex
	exitCode int
	err      error
	killed   bool
}

// Start spawns the worker and returns once it has answered the liveness
// probe. On failure the process is torn down before returning.
func Start(ctx context.Context, opts Options) (*Worker, error) {
	opts.setDefaults()
	w := &Worker{
		opts:     opts,
		log:      opts.Logger.WithField("component", "supervisor"),
		done:     make(chan struct{}),
		exitCode: -1,
	}

	var err error
	switch opts.Mode {
	case ModeDial:
		err = w.startDial(ctx)
	case ModeConnectBack:
		err = w.startConnectBack(ctx)
	default:
		err = fmt.Errorf("unknown worker mode %q", opts.Mode)
	}
	if err != nil {
		if kerr := w.Kill(); kerr != nil {
			w.log.WithError(kerr).Warn("Failed to tear down worker")
		}
		return nil, err
	}
	w.log.WithField("pid", w.Pid()).Info("Worker ready")
	return w, nil
}

func (w *Worker) startDial(ctx context.Context) error {
	port, err := allocatePort()
	if err != nil {
		return err
	}
	endpoint := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	if err := w.spawn("--listen", endpoint); err != nil {
		return err
	}

	return handshake(ctx, w.opts.Attempts, w.opts.Backoff, func(ctx context.Context) error {
		if w.exited() {
			return ErrWorkerDied
		}
		dialer := net.Dialer{Timeout: w.opts.Backoff}
		raw, err := dialer.DialContext(ctx, "tcp", endpoint)
		if err != nil {
			w.log.WithError(err).Debug("Worker not reachable yet")
			return err
		}
		conn := wire.NewConn(raw)
		if err := newProber(conn, w.opts.ConnectTimeout).probe(); err != nil {
			_ = conn.Close()
			return err
		}
		w.conn = conn
		return nil
	})
}

func (w *Worker) startConnectBack(ctx context.Context) error {
	dir, err := os.MkdirTemp("", "debugbridge-")
	if err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	w.tmpDir = dir
	path := filepath.Join(dir, socketName)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", path, err)
	}
	w.listener = ln

	if err := w.spawn("--connect", wire.FormatEndpoint("unix", path)); err != nil {
		return err
	}
	raw, err := w.accept(ctx)
	if err != nil {
		return err
	}
	conn := wire.NewConn(raw)
	w.conn = conn

	p := newProber(conn, w.opts.ConnectTimeout)
	return handshake(ctx, w.opts.Attempts, w.opts.Backoff, func(context.Context) error {
		return p.probe()
	})
}

// accept waits for the worker to connect back within ConnectTimeout.
func (w *Worker) accept(ctx context.Context) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := w.listener.Accept()
		accepted <- result{conn, err}
	}()

	timer := time.NewTimer(w.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case r := <-accepted:
		if r.err != nil {
			return nil, fmt.Errorf("%w: accept: %v", ErrHandshakeFailed, r.err)
		}
		return r.conn, nil
	case <-w.done:
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, w.Err())
	case <-timer.C:
		return nil, fmt.Errorf("%w: worker did not connect within %s", ErrHandshakeFailed, w.opts.ConnectTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, ctx.Err())
	}
}

func (w *Worker) spawn(flag, endpoint string) error {
	args := append(append([]string{}, w.opts.Args...), flag, endpoint)
	cmd := exec.Command(w.opts.Binary, args...)
	cmd.Env = workerEnv(w.opts.EngineDirectory, w.opts.Env)
	procgroup.Set(cmd)

	r, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = pw.Close()
		return fmt.Errorf("start worker %s: %w", w.opts.Binary, err)
	}
	_ = pw.Close()

	w.cmd = cmd
	w.log.WithFields(log.Fields{
		"pid":      cmd.Process.Pid,
		"endpoint": endpoint,
		"engine":   w.opts.EngineDirectory,
	}).Info("Worker started")

	go w.monitor(r)
	return nil
}

// allocatePort asks the kernel for a free local TCP port.
func allocatePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Conn is the connection to the worker.
func (w *Worker) Conn() *wire.Conn {
	return w.conn
}

// Done is closed once the worker process has been reaped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Pid is 0 when no process was started.
func (w *Worker) Pid() int {
	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// ExitCode is -1 until the worker has been reaped.
func (w *Worker) ExitCode() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitCode
}

// Err is the outcome recorded by the output monitor, nil for a clean EOF.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stop waits up to StopTimeout for a worker that was asked to stop to exit
// on its own, then tears it down with Kill.
func (w *Worker) Stop() error {
	if w.cmd != nil {
		timer := time.NewTimer(w.opts.StopTimeout)
		defer timer.Stop()
		select {
		case <-w.done:
		case <-timer.C:
			w.log.WithField("timeout", w.opts.StopTimeout).Warn("Worker did not stop in time, killing it")
		}
	}
	return w.Kill()
}

// Kill closes the connection, kills the worker's process group and removes
// the socket directory. Calls after the first return nil.
func (w *Worker) Kill() error {
	w.mu.Lock()
	if w.killed {
		w.mu.Unlock()
		return nil
	}
	w.killed = true
	w.mu.Unlock()

	var result *multierror.Error
	if w.conn != nil {
		if err := w.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close connection: %w", err))
		}
	}
	if w.listener != nil {
		if err := w.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close listener: %w", err))
		}
	}
	if w.cmd != nil && !w.exited() {
		if err := procgroup.Kill(w.cmd); err != nil {
			result = multierror.Append(result, fmt.Errorf("kill worker: %w", err))
		}
		select {
		case <-w.done:
		case <-time.After(killTimeout):
			result = multierror.Append(result, fmt.Errorf("worker %d did not exit", w.Pid()))
		}
	}
	if w.tmpDir != "" {
		if err := os.RemoveAll(w.tmpDir); err != nil {
			result = multierror.Append(result, fmt.Errorf("remove %s: %w", w.tmpDir, err))
		}
	}
	return result.ErrorOrNil()
}
