package workspace

import "errors"

// ErrLocked is returned by Lock when another process holds the workspace.
var ErrLocked = errors.New("workspace is locked by another process")

// Lock is an exclusive advisory lock on the workspace. The daemon and a
// foreground run both take it, so that at most one process issues run ids
// and writes schedule state at a time. The lock is dropped by Unlock or when
// the process exits.
type Lock struct {
	release func() error
}

// Unlock releases the lock. It is safe to call more than once.
func (l *Lock) Unlock() error {
	if l == nil || l.release == nil {
		return nil
	}
	release := l.release
	l.release = nil
	return release()
}
