package app

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dopejs/tally/internal/config"
)

// WritePid writes the serve PID file atomically with 0600 permissions.
func WritePid(pid int) error {
	if err := os.MkdirAll(config.ConfigDirPath(), 0755); err != nil {
		return err
	}
	path := config.PidPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadPid reads the serve PID file.
func ReadPid() (int, error) {
	data, err := os.ReadFile(config.PidPath())
	if err != nil {
		return 0, fmt.Errorf("PID file not found")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// RemovePid removes the serve PID file.
func RemovePid() {
	os.Remove(config.PidPath())
}

// ServeRunning reports the PID of a live `tally serve` listening on port. A
// PID file left by a dead process is removed.
func ServeRunning(port int) (int, bool) {
	pid, err := ReadPid()
	if err != nil {
		return 0, false
	}
	if !processAlive(pid) || !portListening(port) {
		RemovePid()
		return 0, false
	}
	return pid, true
}

func portListening(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
