//go:build !windows

package procutil

import (
	"os/exec"
	"syscall"
)

// Detach configures cmd to run in its own session so it survives the
// parent's exit and ignores the parent's terminal signals.
func Detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
