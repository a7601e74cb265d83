package app

import (
	"fmt"
	"os/exec"
	"regexp"
)

// processAlive asks tasklist, since FindProcess always succeeds on Windows.
func processAlive(pid int) bool {
	out, err := exec.Command("tasklist", "/FI", fmt.Sprintf("PID eq %d", pid), "/NH").Output()
	if err != nil {
		return false
	}
	return regexp.MustCompile(`\b` + fmt.Sprintf("%d", pid) + `\b`).Match(out)
}
