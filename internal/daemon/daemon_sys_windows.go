//go:build windows

package daemon

import (
	"os"
	"os/exec"
)

// setDaemonSysProcAttr is a no-op on Windows; there is no session to detach
// from and the child already outlives the launching console.
func setDaemonSysProcAttr(cmd *exec.Cmd) {}

// processExists opens the process handle; FindProcess on Windows fails for
// pids that no longer exist (unlike unix, where it always succeeds).
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}

// signalTerm terminates the process. Windows has no SIGTERM delivery, so a
// graceful-then-forceful stop degrades to Kill on the first attempt.
func signalTerm(proc *os.Process) error {
	return proc.Kill()
}
