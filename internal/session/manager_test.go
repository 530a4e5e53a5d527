package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/export"
	"github.com/forge-labs/forge-go/internal/stage/synth3d"
	"github.com/forge-labs/forge-go/internal/stage/variation"
)

func TestCreateSession(t *testing.T) {
	f := newFixture(t)
	s := f.create(t)

	assert.Equal(t, "sess-001", s.ID)
	assert.Equal(t, domain.StateImporting, s.State)
	assert.Equal(t, uint64(1), s.Revision)
	require.Len(t, s.ParamHistory, 1)
	assert.Equal(t, s.ParamHistory[0].Hash(), s.ActiveParams)

	ok, err := f.assets.Exists(context.Background(), s.Source)
	require.NoError(t, err)
	assert.True(t, ok)

	loaded, err := f.store.Load(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ActiveParams, loaded.ActiveParams)
}

func TestCreateSessionRejectsBadImports(t *testing.T) {
	f := newFixture(t)
	cases := map[string]Import{
		"no label":      {Format: "png", Payload: []byte("x")},
		"not an image":  {Label: "a", Kind: domain.AssetKindMesh3D, Format: "fmsh", Payload: []byte("x")},
		"no format":     {Label: "a", Payload: []byte("x")},
		"empty payload": {Label: "a", Format: "png"},
		"bad profile":   {Label: "a", Format: "png", Payload: []byte("x"), Profile: "baroque"},
	}
	for name, imp := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.mgr.CreateSession(context.Background(), imp)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}

	_, err := f.mgr.CreateSession(context.Background(), Import{
		Label: "a", Format: "png", Payload: []byte("x"),
		Params: map[string]any{"variation_count": 99},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)
}

func TestCreateSessionMigratesOldParameters(t *testing.T) {
	f := newFixture(t)
	s, err := f.mgr.CreateSession(context.Background(), Import{
		Label: "a", Format: "png", Payload: []byte("x"), SchemaVersion: 1,
	})
	require.NoError(t, err)
	p, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, f.params.Current(), p.SchemaVersion())
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, cand := f.approved(t)

	res, err := f.mgr.ApplyCommand(ctx, s.ID, RunStage{StageID: synth3d.ID})
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.Equal(t, domain.RunStatusSucceeded, res.Record.Status)
	assert.Equal(t, []domain.AssetID{cand}, res.Record.Inputs)
	assert.Equal(t, domain.StateGenerated, res.Session.State)

	out, err := f.mgr.Export(ctx, s.ID, "", export.PresetBevy)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out.Filename, ".glb"), out.Filename)
	assert.Equal(t, "model/gltf-binary", out.ContentType)
	assert.True(t, strings.HasPrefix(out.Record.Digest, "sha256:"))
	assert.Equal(t, domain.StateExported, out.Session.State)

	again, err := f.mgr.Export(ctx, s.ID, export.FormatOBJ, export.PresetUnreal5)
	require.NoError(t, err)
	assert.Len(t, again.Session.Exports, 2)

	loaded, err := f.store.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExported, loaded.State)
	assert.Equal(t, cand, loaded.Approved)

	_, err = f.mgr.ApplyCommand(ctx, s.ID, RunStage{StageID: synth3d.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	report, err := f.mgr.Verify(ctx, s.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Replayed)
}

func TestStageNotAllowedInState(t *testing.T) {
	f := newFixture(t)
	s := f.create(t)

	_, err := f.mgr.ApplyCommand(context.Background(), s.ID, RunStage{StageID: synth3d.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.mgr.ApplyCommand(context.Background(), s.ID, RunStage{StageID: "upscale"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.mgr.Export(context.Background(), s.ID, "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	loaded, err := f.store.Load(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), loaded.Revision)
}

func TestMemoizedStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, first := f.varied(t)

	res, err := f.mgr.ApplyCommand(ctx, s.ID, RunStage{StageID: variation.ID})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Len(t, res.Session.Records, 1)
	assert.Equal(t, uint64(2), res.Session.Revision, "an answered run writes nothing")

	_, err = f.mgr.ApplyCommand(ctx, s.ID, RunStage{StageID: variation.ID, Params: map[string]any{"seed": 7}})
	require.NoError(t, err)
	reseeded, err := f.mgr.Snapshot(ctx, s.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.VariationSet, reseeded.VariationSet)

	res, err = f.mgr.ApplyCommand(ctx, s.ID, RunStage{StageID: variation.ID, Params: map[string]any{"seed": 0}})
	require.NoError(t, err)
	assert.True(t, res.Cached)
	require.Len(t, res.Session.Records, 3)
	back, err := f.mgr.Snapshot(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, first.VariationSet, back.VariationSet)
	assert.Equal(t, first.Records[0].Fingerprint, res.Session.Records[2].Fingerprint)
}

func TestDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, snap := f.varied(t)
	require.GreaterOrEqual(t, len(snap.Candidates), 2)
	a, b := snap.Candidates[0].AssetID, snap.Candidates[1].AssetID

	_, err := f.mgr.ApplyCommand(ctx, s.ID, ApproveVariation{AssetID: s.Source})
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "source image is not a candidate")

	bad := domain.DefaultApproval()
	bad.DimensionsCm.Width = -1
	_, err = f.mgr.ApplyCommand(ctx, s.ID, ApproveVariation{AssetID: a, Approval: &bad})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.mgr.ApplyCommand(ctx, s.ID, ApproveVariation{AssetID: a})
	require.NoError(t, err)
	_, err = f.mgr.ApplyCommand(ctx, s.ID, RejectVariation{AssetID: a})
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "approved candidate cannot be rejected")

	_, err = f.mgr.ApplyCommand(ctx, s.ID, RejectVariation{AssetID: b})
	require.NoError(t, err)
	res, err := f.mgr.ApplyCommand(ctx, s.ID, ApproveVariation{AssetID: a})
	require.NoError(t, err)
	assert.Len(t, res.Session.Decisions, 3)

	snap, err = f.mgr.Snapshot(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, CandidateApproved, snap.Candidates[0].Status)
	assert.Equal(t, CandidateRejected, snap.Candidates[1].Status)
	assert.NotEmpty(t, snap.Candidates[0].Label)
}

func TestAbandonIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.approved(t)

	res, err := f.mgr.ApplyCommand(ctx, s.ID, Abandon{})
	require.NoError(t, err)
	assert.Equal(t, domain.StateAbandoned, res.Session.State)

	for _, cmd := range []Command{Abandon{}, RunStage{StageID: synth3d.ID}, MigrateParams{}} {
		_, err := f.mgr.ApplyCommand(ctx, s.ID, cmd)
		assert.ErrorIs(t, err, domain.ErrInvalidInput, cmd.Name())
	}
	_, err = f.mgr.Export(ctx, s.ID, "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestStageRetry(t *testing.T) {
	f := newFixture(t, WithStageAttempts(3))
	s, _ := f.approved(t)
	f.backend.failures = 1

	res, err := f.mgr.ApplyCommand(context.Background(), s.ID, RunStage{StageID: synth3d.ID})
	require.NoError(t, err)
	recs := res.Session.Records
	require.Len(t, recs, 3)
	assert.Equal(t, domain.RunStatusFailed, recs[1].Status)
	assert.Equal(t, 1, recs[1].Attempt)
	assert.Equal(t, domain.RunStatusSucceeded, recs[2].Status)
	assert.Equal(t, 2, recs[2].Attempt)
	assert.Equal(t, domain.StateGenerated, res.Session.State)
}

func TestStageFailurePersistsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.approved(t)
	f.backend.failures = 1

	res, err := f.mgr.ApplyCommand(ctx, s.ID, RunStage{StageID: synth3d.ID})
	var failed *StageFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, domain.CauseBackendUnavailable, failed.Cause.Code)
	assert.Equal(t, 1, failed.Attempts)
	require.NotNil(t, res.Session)
	assert.Equal(t, domain.StateVariationApproved, res.Session.State)

	loaded, err := f.store.Load(ctx, s.ID)
	require.NoError(t, err)
	last := loaded.Records[len(loaded.Records)-1]
	assert.Equal(t, domain.RunStatusFailed, last.Status)
	assert.Empty(t, last.Outputs)

	res, err = f.mgr.ApplyCommand(ctx, s.ID, RunStage{StageID: synth3d.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.StateGenerated, res.Session.State)
}

func TestFailedRunKeepsActiveParams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.approved(t)
	before, err := f.store.Load(ctx, s.ID)
	require.NoError(t, err)
	active, ok := before.Active()
	require.True(t, ok)
	require.NotEqual(t, int64(99), active.Int("seed", 0))

	f.backend.failures = 1
	res, err := f.mgr.ApplyCommand(ctx, s.ID, RunStage{StageID: synth3d.ID, Params: map[string]any{"seed": 99}})
	var failed *StageFailedError
	require.ErrorAs(t, err, &failed)

	loaded, err := f.store.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateVariationApproved, loaded.State)
	assert.Equal(t, before.ActiveParams, loaded.ActiveParams)
	assert.Equal(t, before.ActiveParams, res.Session.ActiveParams)
	got, ok := loaded.Active()
	require.True(t, ok)
	assert.Equal(t, active.Int("seed", 0), got.Int("seed", 0))

	last := loaded.Records[len(loaded.Records)-1]
	assert.Equal(t, domain.RunStatusFailed, last.Status)
	tried, ok := loaded.Params(last.ParamsHash)
	require.True(t, ok, "failed record must reference a known parameter set")
	assert.Equal(t, int64(99), tried.Int("seed", 0))

	res, err = f.mgr.ApplyCommand(ctx, s.ID, RunStage{StageID: synth3d.ID, Params: map[string]any{"seed": 99}})
	require.NoError(t, err)
	assert.Equal(t, domain.StateGenerated, res.Session.State)
	assert.Equal(t, tried.Hash(), res.Session.ActiveParams)
}

func TestStageFailedMessageNamesCodeOnce(t *testing.T) {
	f := newFixture(t)
	s, _ := f.approved(t)
	f.backend.failures = 1

	_, err := f.mgr.ApplyCommand(context.Background(), s.ID, RunStage{StageID: synth3d.ID})
	var failed *StageFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "backend offline", failed.Cause.Message)
	assert.Equal(t, "stage generate3d failed after 1 attempt(s): backend_unavailable: backend offline", err.Error())
	assert.Equal(t, 1, strings.Count(err.Error(), domain.CauseBackendUnavailable))
}

func TestCancelDuringStage(t *testing.T) {
	f := newFixture(t)
	s, _ := f.approved(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var during Snapshot
	f.backend.onGenerate = func(context.Context) {
		during, _ = f.mgr.Snapshot(context.Background(), s.ID)
		cancel()
	}

	res, err := f.mgr.ApplyCommand(ctx, s.ID, RunStage{StageID: synth3d.ID})
	require.ErrorIs(t, err, domain.ErrCancelled)
	assert.Equal(t, domain.StateGenerating3D, during.State)
	assert.Equal(t, domain.StateVariationApproved, during.Persisted)

	require.NotNil(t, res.Record)
	assert.Equal(t, domain.RunStatusCancelled, res.Record.Status)
	assert.Equal(t, domain.StateVariationApproved, res.Session.State)

	after, err := f.mgr.Snapshot(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateVariationApproved, after.State)

	loaded, err := f.store.Load(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, loaded.Records[len(loaded.Records)-1].Status)
}

func TestPersistFailureKeepsPreviousState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, snap := f.varied(t)

	f.store.failSave.Store(true)
	_, err := f.mgr.ApplyCommand(ctx, s.ID, ApproveVariation{AssetID: snap.Candidates[0].AssetID})
	require.ErrorIs(t, err, domain.ErrSessionUnavailable)
	var unavailable *SessionUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, s.ID, unavailable.ID)

	now, err := f.mgr.Snapshot(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateVariationPending, now.State)
	assert.Empty(t, now.Approved)

	f.store.failSave.Store(false)
	res, err := f.mgr.ApplyCommand(ctx, s.ID, ApproveVariation{AssetID: snap.Candidates[0].AssetID})
	require.NoError(t, err)
	assert.Equal(t, domain.StateVariationApproved, res.Session.State)
}

func TestMigrateParams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t)

	res, err := f.mgr.ApplyCommand(ctx, s.ID, MigrateParams{})
	require.NoError(t, err)
	assert.Equal(t, s.Revision, res.Session.Revision, "already current")

	_, err = f.mgr.ApplyCommand(ctx, s.ID, MigrateParams{ToVersion: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestConcurrentCommandsSerialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, snap := f.varied(t)
	require.GreaterOrEqual(t, len(snap.Candidates), 2)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cand := snap.Candidates[i%2].AssetID
			_, err := f.mgr.ApplyCommand(ctx, s.ID, ApproveVariation{AssetID: cand})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	loaded, err := f.store.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Decisions, n)
	assert.Equal(t, uint64(2+n), loaded.Revision)
	seen := map[uint64]bool{}
	for _, d := range loaded.Decisions {
		assert.False(t, seen[d.Sequence], "sequence %d reused", d.Sequence)
		seen[d.Sequence] = true
	}
}

func TestListAndArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t)
	f.create(t)

	list, err := f.mgr.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, f.mgr.Archive(ctx, a.ID))
	list, err = f.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NotEqual(t, a.ID, list[0].ID)

	_, err = f.mgr.Load(ctx, a.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEstimate(t *testing.T) {
	f := newFixture(t)
	s := f.create(t)
	cost, err := f.mgr.Estimate(context.Background(), s.ID, variation.ID, map[string]any{"variation_count": 6})
	require.NoError(t, err)
	assert.Equal(t, 7, cost.Outputs)
}

func TestLeaseTable(t *testing.T) {
	leases := NewLeaseTable()
	release, err := leases.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, leases.Held("s1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = leases.Acquire(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrCancelled)

	other, err := leases.Acquire(context.Background(), "s2")
	require.NoError(t, err)
	other()

	release()
	release()
	assert.False(t, leases.Held("s1"))

	again, err := leases.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	again()
}

func TestErrorsClassify(t *testing.T) {
	err := error(&SessionUnavailableError{ID: "s", Err: &domain.StorageError{Op: "save", Err: errors.New("x")}})
	assert.ErrorIs(t, err, domain.ErrSessionUnavailable)
	assert.ErrorIs(t, err, domain.ErrStorage)
	assert.Contains(t, (&StageFailedError{StageID: "generate3d", Attempts: 2, Cause: domain.Cause{Code: "backend_unavailable"}}).Error(), "2 attempt(s)")
}
