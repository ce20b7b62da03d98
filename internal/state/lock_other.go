//go:build !unix

package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// acquireFileLock falls back to an exclusive-create marker file where flock
// is unavailable. A crashed run leaves the marker behind and it must be
// removed by hand.
func acquireFileLock(path string) (func() error, error) {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("%w: open lock file: %v", ErrStorageUnavailable, err)
	}
	return func() error {
		_ = f.Close()
		return os.Remove(path)
	}, nil
}
