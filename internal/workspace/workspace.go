// Package workspace manages the pipetimer state directory.
//
// Layout:
//   - state.json:   persisted schedule state
//   - activity.db:  activity log (SQLite, plus -wal/-shm siblings)
//   - pipetimer.pid, pipetimer.sock: daemon control files
//   - pipetimer.lock: held by the process that runs jobs (serve or run)
//   - runs/:        captured output of each run, <run-id>.log
//
// Example usage:
//
//	ws := workspace.New("/var/lib/pipetimer")
//	if err := ws.EnsureDir(); err != nil {
//	    return err
//	}
//	fmt.Println("State:", ws.StateFile())
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// SubdirRuns holds per-run captured output.
	SubdirRuns = "runs"

	stateFile  = "state.json"
	activityDB = "activity.db"
	pidFile    = "pipetimer.pid"
	socketFile = "pipetimer.sock"
	lockFile   = "pipetimer.lock"
)

// Workspace is a resolved state directory.
type Workspace struct {
	path     string // Expanded workspace path
	basePath string // Path as configured (may contain ~)
}

// New creates a Workspace for path. A leading ~/ is expanded.
func New(path string) *Workspace {
	return &Workspace{
		path:     expandHome(path),
		basePath: path,
	}
}

// Path returns the expanded workspace path.
func (w *Workspace) Path() string {
	return w.path
}

// BasePath returns the path as configured.
func (w *Workspace) BasePath() string {
	return w.basePath
}

// EnsureDir creates the workspace and its runs/ subdirectory.
func (w *Workspace) EnsureDir() error {
	if w.path == "" {
		return fmt.Errorf("workspace path is empty")
	}

	info, err := os.Stat(w.path)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("workspace path exists but is not a directory: %s", w.path)
	case err != nil && !os.IsNotExist(err):
		return fmt.Errorf("failed to access workspace path %s: %w", w.path, err)
	}

	if err := os.MkdirAll(w.RunsDir(), 0755); err != nil {
		return fmt.Errorf("failed to create workspace directory %s: %w", w.path, err)
	}

	return nil
}

// Subpath joins name onto the workspace path.
func (w *Workspace) Subpath(name string) string {
	return filepath.Join(w.path, name)
}

// StateFile is where the schedule state is persisted.
func (w *Workspace) StateFile() string { return w.Subpath(stateFile) }

// ActivityDB is the activity log database.
func (w *Workspace) ActivityDB() string { return w.Subpath(activityDB) }

// PIDFile is the daemon pid file.
func (w *Workspace) PIDFile() string { return w.Subpath(pidFile) }

// SocketPath is the daemon control socket.
func (w *Workspace) SocketPath() string { return w.Subpath(socketFile) }

// LockFile is the exclusive lock of the process running jobs.
func (w *Workspace) LockFile() string { return w.Subpath(lockFile) }

// RunsDir holds captured run output.
func (w *Workspace) RunsDir() string { return w.Subpath(SubdirRuns) }

// RunOutput returns the output file of a run.
func (w *Workspace) RunOutput(runID uint64) string {
	return filepath.Join(w.RunsDir(), strconv.FormatUint(runID, 10)+".log")
}

// ResolvePath resolves relPath inside the workspace. Absolute paths are
// returned cleaned. Paths escaping the workspace are rejected.
func (w *Workspace) ResolvePath(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("path is empty")
	}

	if filepath.IsAbs(relPath) {
		return filepath.Clean(relPath), nil
	}

	joined := filepath.Join(w.path, relPath)
	rel, err := filepath.Rel(w.path, joined)
	if err != nil {
		return "", fmt.Errorf("failed to check path relationship: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path attempts to escape workspace: %s", relPath)
	}

	return joined, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
