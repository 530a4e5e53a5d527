package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forge-labs/forge-go/internal/aibackend"
	"github.com/forge-labs/forge-go/internal/assetstore"
	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/engine"
	"github.com/forge-labs/forge-go/internal/params"
	"github.com/forge-labs/forge-go/internal/sessionstore"
	"github.com/forge-labs/forge-go/internal/stage"
	"github.com/forge-labs/forge-go/internal/stage/synth3d"
	"github.com/forge-labs/forge-go/internal/stage/variation"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// scriptedBackend wraps the procedural generator. It fails the first
// failures calls with a retryable cause and runs onGenerate before each
// successful call.
type scriptedBackend struct {
	inner      aibackend.Backend
	mu         sync.Mutex
	failures   int
	calls      int
	onGenerate func(ctx context.Context)
}

func (b *scriptedBackend) ModelVersion() string { return b.inner.ModelVersion() }

func (b *scriptedBackend) Generate(ctx context.Context, req aibackend.Request) (aibackend.Response, error) {
	b.mu.Lock()
	b.calls++
	fail := b.failures > 0
	if fail {
		b.failures--
	}
	hook := b.onGenerate
	b.mu.Unlock()
	if fail {
		return aibackend.Response{}, stage.Fail(domain.CauseBackendUnavailable, true, errors.New("backend offline"))
	}
	if hook != nil {
		hook(ctx)
	}
	return b.inner.Generate(ctx, req)
}

// faultyStore fails Save while failSave is set.
type faultyStore struct {
	sessionstore.Store
	failSave atomic.Bool
}

func (s *faultyStore) Save(ctx context.Context, sess *Session) error {
	if s.failSave.Load() {
		return &domain.StorageError{Op: "save", Key: sess.ID, Err: errors.New("disk full")}
	}
	return s.Store.Save(ctx, sess)
}

type fixture struct {
	mgr     *Manager
	store   *faultyStore
	assets  *assetstore.Store
	params  *params.Registry
	backend *scriptedBackend
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	reg, err := params.NewRegistry(nil)
	require.NoError(t, err)
	schema, ok := reg.Schema(reg.Current())
	require.True(t, ok)

	vs, err := variation.New(schema)
	require.NoError(t, err)
	backend := &scriptedBackend{inner: aibackend.NewProcedural("")}
	gs, err := synth3d.New(backend)
	require.NoError(t, err)
	stages, err := stage.NewRegistry(vs, gs)
	require.NoError(t, err)

	clock := func() time.Time { return testTime }
	assets := assetstore.New(assetstore.NewMemoryBackend())
	eng, err := engine.New(stages, assets, engine.WithClock(clock))
	require.NoError(t, err)

	codec := sessionstore.NewCodec(reg, map[string]domain.State{
		variation.ID: domain.StateVariationPending,
		synth3d.ID:   domain.StateGenerated,
	})
	files, err := sessionstore.NewFileStore(t.TempDir(), codec)
	require.NoError(t, err)
	store := &faultyStore{Store: files}

	var n atomic.Int64
	base := []Option{
		WithClock(clock),
		WithIDGenerator(func() string { return fmt.Sprintf("sess-%03d", n.Add(1)) }),
	}
	mgr, err := New(eng, assets, reg, store, append(base, opts...)...)
	require.NoError(t, err)
	return fixture{mgr: mgr, store: store, assets: assets, params: reg, backend: backend}
}

func (f fixture) create(t *testing.T) *Session {
	t.Helper()
	s, err := f.mgr.CreateSession(context.Background(), Import{
		Label:   "Oak Crate",
		Format:  "png",
		Payload: []byte("reference image"),
	})
	require.NoError(t, err)
	return s
}

// varied creates a session and runs the variation stage once.
func (f fixture) varied(t *testing.T) (*Session, Snapshot) {
	t.Helper()
	s := f.create(t)
	_, err := f.mgr.ApplyCommand(context.Background(), s.ID, RunStage{StageID: variation.ID})
	require.NoError(t, err)
	snap, err := f.mgr.Snapshot(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotEmpty(t, snap.Candidates)
	return s, snap
}

// approved runs variation and approves the first candidate.
func (f fixture) approved(t *testing.T) (*Session, domain.AssetID) {
	t.Helper()
	s, snap := f.varied(t)
	cand := snap.Candidates[0].AssetID
	_, err := f.mgr.ApplyCommand(context.Background(), s.ID, ApproveVariation{AssetID: cand})
	require.NoError(t, err)
	return s, cand
}
