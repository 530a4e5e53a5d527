package assetstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/forge-labs/forge-go/internal/platform/objectstore"
)

const objectContentType = "application/vnd.forge.asset"

// ObjectBackend stores objects in an S3-compatible bucket. Keys are
// immutable, so an existing key is treated as already written.
type ObjectBackend struct {
	store  objectstore.Store
	bucket string
	prefix string
}

func NewObjectBackend(store objectstore.Store, bucket, prefix string) (*ObjectBackend, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &ObjectBackend{store: store, bucket: bucket, prefix: prefix}, nil
}

func (b *ObjectBackend) key(k string) string {
	if len(k) < 2 {
		return path.Join(b.prefix, k)
	}
	return path.Join(b.prefix, k[:2], k)
}

func (b *ObjectBackend) Read(ctx context.Context, key string) ([]byte, error) {
	body, _, err := b.store.Get(ctx, b.bucket, b.key(key))
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return nil, ErrMissing
		}
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read object body: %w", err)
	}
	return data, nil
}

func (b *ObjectBackend) WriteIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	exists, err := b.Has(ctx, key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := b.store.Put(ctx, b.bucket, b.key(key), bytes.NewReader(data), int64(len(data)), objectContentType); err != nil {
		return false, err
	}
	return true, nil
}

func (b *ObjectBackend) Has(ctx context.Context, key string) (bool, error) {
	_, err := b.store.Stat(ctx, b.bucket, b.key(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, objectstore.ErrObjectNotFound) {
		return false, nil
	}
	return false, err
}
