//go:build linux

// Package procgroup starts child processes in their own process group so the
// whole tree can be terminated at once.
package procgroup

import (
	"errors"
	"os/exec"
	"syscall"

	sys "golang.org/x/sys/unix"
)

// Set makes cmd the leader of a new process group. It must be called before
// cmd.Start.
func Set(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	// Take the children down with us if the host dies first.
	cmd.SysProcAttr.Pdeathsig = sys.SIGKILL
}

// Kill sends SIGKILL to the process group led by cmd. A group that is already
// gone is not an error.
func Kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := sys.Kill(-cmd.Process.Pid, sys.SIGKILL)
	if errors.Is(err, sys.ESRCH) {
		return nil
	}
	return err
}
