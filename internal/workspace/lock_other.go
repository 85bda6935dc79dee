//go:build !unix

package workspace

import (
	"fmt"
	"os"
)

// Lock creates the lock file exclusively. A file left behind by a crashed
// process has to be removed by hand.
func (w *Workspace) Lock() (*Lock, error) {
	f, err := os.OpenFile(w.LockFile(), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	path := w.LockFile()
	return &Lock{release: func() error {
		f.Close()
		return os.Remove(path)
	}}, nil
}
