package supervisor

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/zczc/nano-agent-team/internal/config"
	"github.com/zczc/nano-agent-team/internal/lockfile"
)

// ErrWatchdogRunning means another watchdog already holds the singleton
// lock for this blackboard.
var ErrWatchdogRunning = errors.New("a watchdog is already running for this blackboard")

// AcquireSingleton takes the per-blackboard watchdog lock and writes the
// holder's PID into it. The lock is held for the life of the process;
// release it on shutdown.
func AcquireSingleton(blackboard string) (*lockfile.Lock, error) {
	path := config.WatchdogLockPath(blackboard)
	lock, err := lockfile.Acquire(path, os.O_CREATE|os.O_RDWR, false, 0)
	if err != nil {
		if errors.Is(err, lockfile.ErrLockTimeout) {
			return nil, fmt.Errorf("%w (lock: %s)", ErrWatchdogRunning, path)
		}
		return nil, err
	}
	f := lock.File()
	if err := f.Truncate(0); err != nil {
		lock.Release()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		lock.Release()
		return nil, err
	}
	return lock, nil
}
