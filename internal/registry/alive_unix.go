//go:build !windows

package registry

import (
	"errors"
	"os"

	sysunix "golang.org/x/sys/unix"
)

// pidAlive probes the process with signal 0. EPERM means the process exists
// but belongs to another user, which still counts as alive.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(sysunix.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, sysunix.EPERM)
}
