//go:build !linux

package procgroup

import (
	"errors"
	"os"
	"os/exec"
)

func Set(cmd *exec.Cmd) {}

func Kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
