package ipc

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/aatumaykin/pipetimer/internal/workspace"
)

// WritePID writes pid to the workspace PID file.
func WritePID(ws *workspace.Workspace, pid int) error {
	if err := os.WriteFile(ws.PIDFile(), fmt.Appendf(nil, "%d\n", pid), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// ReadPID reads the workspace PID file.
func ReadPID(ws *workspace.Workspace) (int, error) {
	data, err := os.ReadFile(ws.PIDFile())
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file %s: %w", ws.PIDFile(), err)
	}
	return pid, nil
}

// IsRunning reports whether a process with pid exists.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	return err == nil && exists
}

// RunningDaemon returns the pid of a live daemon owning ws. A stale PID
// file yields ok=false.
func RunningDaemon(ws *workspace.Workspace) (pid int, ok bool) {
	pid, err := ReadPID(ws)
	if err != nil {
		return 0, false
	}
	return pid, IsRunning(pid)
}

// Cleanup removes the PID file and the socket.
func Cleanup(ws *workspace.Workspace) error {
	for _, path := range []string{ws.PIDFile(), ws.SocketPath()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
