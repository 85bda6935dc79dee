//go:build unix

package workspace

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock takes the workspace lock without blocking. ErrLocked means another
// process holds it.
func (w *Workspace) Lock() (*Lock, error) {
	f, err := os.OpenFile(w.LockFile(), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to lock %s: %w", w.LockFile(), err)
	}

	return &Lock{release: func() error {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return f.Close()
	}}, nil
}
