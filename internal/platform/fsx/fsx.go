// Package fsx provides crash-safe file writes: data lands in a temp file in
// the target directory, is synced, and only then appears under its final
// name.
package fsx

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Writer performs atomic writes. The zero value is ready to use.
type Writer struct {
	// BeforeCommit runs after the temp file is synced and before it is
	// published. A non-nil error aborts the write. Tests use it to simulate
	// crashes.
	BeforeCommit func(tmpPath string) error
}

func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return Writer{}.WriteFile(path, data, perm)
}

func WriteFileExclusive(path string, data []byte, perm os.FileMode) (bool, error) {
	return Writer{}.WriteExclusive(path, data, perm)
}

// WriteFile replaces path with data. Readers observe either the previous
// content or the new content.
func (w Writer) WriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := w.stage(path, data, perm)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return syncDir(filepath.Dir(path))
}

// WriteExclusive publishes data at path only if nothing is there yet. It
// reports whether this call created the file; losing a race is not an error.
func (w Writer) WriteExclusive(path string, data []byte, perm os.FileMode) (bool, error) {
	tmp, err := w.stage(path, data, perm)
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("link %s: %w", filepath.Base(path), err)
	}
	return true, syncDir(filepath.Dir(path))
}

func (w Writer) stage(path string, data []byte, perm os.FileMode) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	tmp := f.Name()
	cleanup := func(cause error) (string, error) {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", cause
	}

	if _, err := f.Write(data); err != nil {
		return cleanup(fmt.Errorf("write temp: %w", err))
	}
	if err := f.Chmod(perm); err != nil {
		return cleanup(fmt.Errorf("chmod temp: %w", err))
	}
	if err := f.Sync(); err != nil {
		return cleanup(fmt.Errorf("sync temp: %w", err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close temp: %w", err)
	}
	if w.BeforeCommit != nil {
		if err := w.BeforeCommit(tmp); err != nil {
			_ = os.Remove(tmp)
			return "", err
		}
	}
	return tmp, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	// Some filesystems refuse to fsync directories; the rename already
	// happened, so that is not worth failing the write over.
	_ = d.Sync()
	return nil
}
