//go:build windows

package procgroup

import (
	"errors"
	"os"
	"os/exec"
)

func setup(*exec.Cmd) {}

// kill terminates the child. Windows has no process groups in the POSIX
// sense; grandchildren may survive.
func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
