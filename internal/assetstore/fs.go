package assetstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/forge-labs/forge-go/internal/platform/fsx"
)

// FSBackend stores objects as files under root/ab/cd/<digest>.
type FSBackend struct {
	root   string
	writer fsx.Writer
}

func NewFSBackend(root string) (*FSBackend, error) {
	if root == "" {
		return nil, errors.New("asset store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create asset root: %w", err)
	}
	return &FSBackend{root: root}, nil
}

// WithWriter swaps the file writer. Tests inject commit faults through it.
func (b *FSBackend) WithWriter(w fsx.Writer) *FSBackend {
	b.writer = w
	return b
}

func (b *FSBackend) path(key string) (string, error) {
	if len(key) < 4 {
		return "", fmt.Errorf("object key %q too short", key)
	}
	return filepath.Join(b.root, key[:2], key[2:4], key), nil
}

func (b *FSBackend) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := b.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrMissing
		}
		return nil, err
	}
	return data, nil
}

func (b *FSBackend) WriteIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := b.path(key)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	return b.writer.WriteExclusive(path, data, 0o444)
}

func (b *FSBackend) Has(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := b.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
