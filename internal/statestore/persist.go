package statestore

import (
	"errors"
	"os"
	"path/filepath"
)

// writeAtomic persists data to path via tmp-fsync-rename: write a sibling
// ".tmp" file in the same directory, fsync its file descriptor, close it,
// then atomically rename over path. Rename is atomic on POSIX, so a reader
// of path always observes either the old or the new content, never a
// partial write (§3.2 invariant 6, §9 "atomic writes").
func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
		return mkErr
	}

	tmp, err := os.CreateTemp(dir, ".dev-workflow-state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// readFile returns the raw bytes at path, or nil, nil if it does not exist.
func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}
