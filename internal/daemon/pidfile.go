package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PidFileName is the PID file kept in the data directory.
const PidFileName = "daemon.pid"

var currentPid = os.Getpid

// WritePidFile writes the current process ID to path.
func WritePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(currentPid())), 0644)
}

// ReadPidFile reads and returns the PID stored at path.
func ReadPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid PID: %d", pid)
	}
	return pid, nil
}

// RemovePidFile removes path. A missing file is not an error.
func RemovePidFile(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Running reports the PID recorded at path when that process is alive.
func Running(path string) (int, bool) {
	pid, err := ReadPidFile(path)
	if err != nil {
		return 0, false
	}
	return pid, isProcessRunning(pid)
}
