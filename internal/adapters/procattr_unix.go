//go:build !windows

package adapters

import (
	"os/exec"
	"syscall"
)

// setProcAttr makes the adapter a process group leader so Kill can take
// down the adapter together with the debuggee it started.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// Kill kills an adapter process and its entire process group, then reaps it.
func Kill(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()
}
