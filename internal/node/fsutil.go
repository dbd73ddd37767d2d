package node

import (
	"errors"
	"fmt"
	"os"

	"github.com/subvolsync/subvolsync/internal/catalogue"
)

// exists stats path, translating "already there" into
// catalogue.ErrSnapshotExists — the immutability violation a Replicate for
// an already-backed-up snapshot represents.
func exists(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return true, catalogue.ErrSnapshotExists
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("node: statting %s: %w", path, err)
	}
	return false, nil
}

// createExclusive opens path for writing, failing if it already exists: a
// concurrent or retried Replicate for the same snapshot must not clobber an
// in-flight reception.
func createExclusive(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, catalogue.ErrSnapshotExists
		}
		return nil, err
	}
	return f, nil
}

func renameFile(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}
