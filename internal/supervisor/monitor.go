package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"unicode/utf8"
)

// monitor forwards worker output line by line until the pipe ends, then
// reaps the process.
func (w *Worker) monitor(r *os.File) {
	defer close(w.done)
	defer func() { _ = r.Close() }()

	logger := w.log.WithField("pid", w.Pid())
	outcome := w.forward(r)
	if outcome != nil {
		logger.WithError(outcome).Error("Stopped monitoring worker output")
		_, _ = io.Copy(io.Discard, r)
	}

	code := -1
	if err := w.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) && outcome == nil {
			outcome = fmt.Errorf("%w: %v", ErrWorkerDied, err)
		}
	}
	if w.cmd.ProcessState != nil {
		code = w.cmd.ProcessState.ExitCode()
	}

	w.mu.Lock()
	w.exitCode = code
	w.err = outcome
	w.mu.Unlock()
	logger.WithField("code", code).Info("Worker exited")
}

// forward returns nil when the output reached EOF.
func (w *Worker) forward(r io.Reader) error {
	logger := w.log.WithField("source", "worker")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !utf8.Valid(line) {
			return ErrOutputDecode
		}
		text := string(line)
		logger.Info(text)
		if w.opts.Output != nil {
			w.opts.Output(text)
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("%w: %v", ErrOutputDecode, err)
		}
		return fmt.Errorf("%w: %v", ErrWorkerDied, err)
	}
	return nil
}
