package workspace

import (
	"os"
	"path/filepath"
	"time"
)

// atomicWriteRetries bounds the rename-retry loop used on platforms (chiefly
// Windows) where a concurrent reader can hold a sharing lock on the
// destination path long enough to fail a rename.
const atomicWriteRetries = 5

// atomicWrite writes content to path via tempfile + fsync + rename, with
// bounded backoff retry on rename failure, per spec.md 4.3's atomic
// metadata write requirement.
func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil && !os.IsExist(err) {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	var renameErr error
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < atomicWriteRetries; attempt++ {
		renameErr = os.Rename(tmpName, path)
		if renameErr == nil {
			return nil
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	os.Remove(tmpName)
	return renameErr
}
