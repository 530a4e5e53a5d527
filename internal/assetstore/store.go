// Package assetstore is the global content-addressed asset store. Objects
// are written once and never modified or deleted.
package assetstore

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/platform/logging"
	"github.com/forge-labs/forge-go/internal/platform/metrics"
	"github.com/forge-labs/forge-go/internal/retry"
)

// ErrMissing is returned by backends for absent keys.
var ErrMissing = errors.New("object missing")

// Backend persists encoded objects by key. WriteIfAbsent must be atomic:
// a reader sees either nothing or the complete object, and a second writer
// of the same key is a no-op that still succeeds.
type Backend interface {
	Read(ctx context.Context, key string) ([]byte, error)
	WriteIfAbsent(ctx context.Context, key string, data []byte) (created bool, err error)
	Has(ctx context.Context, key string) (bool, error)
}

type Store struct {
	backend Backend
	flight  singleflight.Group
	retrier *retry.Retrier
	metrics *metrics.Collector
	logger  *slog.Logger
}

type Option func(*Store)

func WithMetrics(c *metrics.Collector) Option { return func(s *Store) { s.metrics = c } }

func WithRetrier(r *retry.Retrier) Option { return func(s *Store) { s.retrier = r } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = logging.OrDiscard(l) } }

func New(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, logger: logging.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores an asset and returns its content id. Putting content that is
// already stored returns the same id without rewriting anything.
func (s *Store) Put(ctx context.Context, kind domain.AssetKind, format string, payload []byte, parents []domain.AssetID) (domain.AssetID, error) {
	if s == nil || s.backend == nil {
		return "", errors.New("asset store not initialized")
	}
	asset, err := domain.NewAsset(kind, format, payload, parents)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// The shared write ignores caller cancellation. Each caller waits on
	// its own ctx.
	key := asset.ID.Digest()
	ch := s.flight.DoChan(key, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		exists, err := s.has(fctx, asset.ID)
		if err != nil {
			return "", err
		}
		if exists {
			return "deduplicated", nil
		}
		data := encodeObject(asset)
		created, err := retry.Do(fctx, s.retrier, "asset_put", func(ctx context.Context) (bool, error) {
			created, err := s.backend.WriteIfAbsent(ctx, key, data)
			if err != nil {
				return false, storageErr("put", asset.ID, err)
			}
			return created, nil
		})
		if err != nil {
			return "", err
		}
		if created {
			return "created", nil
		}
		return "deduplicated", nil
	})

	var v any
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			s.metrics.AssetWrite("failed")
			return "", r.Err
		}
		v = r.Val
	}

	outcome := v.(string)
	s.metrics.AssetWrite(outcome)
	s.logger.Debug("asset stored", "asset_id", asset.ID, "kind", kind, "outcome", outcome, "bytes", len(payload))
	return asset.ID, nil
}

// Get reads and integrity-checks an asset.
func (s *Store) Get(ctx context.Context, id domain.AssetID) (domain.Asset, error) {
	if s == nil || s.backend == nil {
		return domain.Asset{}, errors.New("asset store not initialized")
	}
	if err := id.Validate(); err != nil {
		return domain.Asset{}, &domain.InvalidInputError{Field: "asset_id", Reason: err.Error()}
	}
	raw, err := retry.Do(ctx, s.retrier, "asset_get", func(ctx context.Context) ([]byte, error) {
		raw, err := s.backend.Read(ctx, id.Digest())
		if err != nil {
			if errors.Is(err, ErrMissing) {
				return nil, &domain.NotFoundError{Kind: "asset", ID: string(id)}
			}
			return nil, storageErr("get", id, err)
		}
		return raw, nil
	})
	if err != nil {
		return domain.Asset{}, err
	}
	asset, err := decodeObject(id, raw)
	if err != nil {
		s.logger.Error("asset integrity check failed", "asset_id", id, "error", err)
		return domain.Asset{}, err
	}
	return asset, nil
}

func (s *Store) Exists(ctx context.Context, id domain.AssetID) (bool, error) {
	if s == nil || s.backend == nil {
		return false, errors.New("asset store not initialized")
	}
	if err := id.Validate(); err != nil {
		return false, nil
	}
	return s.has(ctx, id)
}

func (s *Store) has(ctx context.Context, id domain.AssetID) (bool, error) {
	return retry.Do(ctx, s.retrier, "asset_stat", func(ctx context.Context) (bool, error) {
		ok, err := s.backend.Has(ctx, id.Digest())
		if err != nil {
			return false, storageErr("stat", id, err)
		}
		return ok, nil
	})
}

// Ancestors returns id and every asset reachable through parent links, in
// breadth-first order. Each asset is read (and verified) once.
func (s *Store) Ancestors(ctx context.Context, id domain.AssetID) ([]domain.Asset, error) {
	seen := map[domain.AssetID]struct{}{id: {}}
	queue := []domain.AssetID{id}
	var out []domain.Asset
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		asset, err := s.Get(ctx, next)
		if err != nil {
			return nil, err
		}
		out = append(out, asset)
		for _, p := range asset.Parents {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			queue = append(queue, p)
		}
	}
	return out, nil
}

// storageErr wraps a backend failure. Context errors pass through as they
// are.
func storageErr(op string, id domain.AssetID, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.StorageError{Op: op, Key: string(id), Err: err}
}
