package daemon

import (
	"fmt"
	"time"
)

const (
	stopTimeout  = 5 * time.Second
	pollInterval = 100 * time.Millisecond
)

// Stop signals the daemon recorded in the PID file at path and waits for it
// to exit, killing it after a grace period. The daemon removes its own PID
// file on the way out.
func Stop(path string) (int, error) {
	pid, err := ReadPidFile(path)
	if err != nil {
		return 0, err
	}
	if !isProcessRunning(pid) {
		_ = RemovePidFile(path)
		return pid, fmt.Errorf("%w (stale PID %d)", ErrNotRunning, pid)
	}
	return pid, killDaemon(pid)
}
