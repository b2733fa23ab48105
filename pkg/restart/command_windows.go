//go:build windows

package restart

import "os/exec"

func setupProcessGroup(cmd *exec.Cmd) {}
