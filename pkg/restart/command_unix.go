//go:build !windows

package restart

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup puts the control command in its own process group and
// kills the whole group on cancellation, so helpers it spawns do not outlive
// the deadline.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
