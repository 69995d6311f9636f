package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// The port semaphore file records that a server instance is listening on a
// given port. Start/stop tooling consults it instead of probing the socket.

func portFilePath(dir string, port int) string {
	return filepath.Join(dir, fmt.Sprintf("sqlgate-%d.port", port))
}

// WritePortFile creates the semaphore file containing our pid.
func WritePortFile(dir string, port int) error {
	return os.WriteFile(portFilePath(dir, port), []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// RemovePortFile removes the semaphore file; missing is fine.
func RemovePortFile(dir string, port int) {
	err := os.Remove(portFilePath(dir, port))
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "cannot remove port file: %v\n", err)
	}
}

// ReadPortFile returns the recorded pid, or false when no instance has
// claimed the port.
func ReadPortFile(dir string, port int) (int, bool) {
	raw, err := os.ReadFile(portFilePath(dir, port))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, false
	}
	return pid, true
}
