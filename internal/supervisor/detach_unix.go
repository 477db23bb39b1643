//go:build !windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

// startDetached launches the command in its own session so it survives the
// supervisor exiting and never receives the supervisor's terminal signals.
func startDetached(exe string, args []string, logFile *os.File) (int, error) {
	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// The supervisor never waits on workers; liveness comes from the
	// registry sweep.
	_ = cmd.Process.Release()
	return pid, nil
}
