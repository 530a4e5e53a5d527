// Package engine executes one pipeline stage at a time and turns the outcome
// into an immutable run record. It enforces determinism: a fingerprint that
// has produced outputs before must produce the same outputs again.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/forge-labs/forge-go/internal/assetstore"
	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/params"
	"github.com/forge-labs/forge-go/internal/platform/logging"
	"github.com/forge-labs/forge-go/internal/platform/metrics"
	"github.com/forge-labs/forge-go/internal/stage"
)

type Request struct {
	StageID  string
	Inputs   []domain.AssetID
	Params   params.Set
	Sequence uint64
	Attempt  int
}

type Engine struct {
	registry *stage.Registry
	store    *assetstore.Store
	ledger   Ledger
	now      func() time.Time
	metrics  *metrics.Collector
	logger   *slog.Logger
}

type Option func(*Engine)

func WithLedger(l Ledger) Option { return func(e *Engine) { e.ledger = l } }

// WithClock overrides the clock used for record timestamps.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithMetrics(c *metrics.Collector) Option { return func(e *Engine) { e.metrics = c } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = logging.OrDiscard(l) } }

func New(registry *stage.Registry, store *assetstore.Store, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("engine: stage registry is required")
	}
	if store == nil {
		return nil, errors.New("engine: asset store is required")
	}
	e := &Engine{
		registry: registry,
		store:    store,
		ledger:   NewMemoryLedger(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Registry() *stage.Registry { return e.registry }

// Fingerprint identifies a run by everything its outputs may depend on.
func Fingerprint(d stage.Descriptor, inputs []domain.AssetID, paramsHash string) string {
	canonical, _ := json.Marshal(struct {
		Stage        string           `json:"stage"`
		Version      string           `json:"version"`
		ModelVersion string           `json:"model_version"`
		Inputs       []domain.AssetID `json:"inputs"`
		Params       string           `json:"params"`
	}{d.ID, d.Version, d.ModelVersion, inputs, paramsHash})
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// FingerprintFor computes the fingerprint a request would run under.
func (e *Engine) FingerprintFor(stageID string, inputs []domain.AssetID, p params.Set) (string, error) {
	s, ok := e.registry.Get(stageID)
	if !ok {
		return "", unknownStage(stageID)
	}
	return Fingerprint(s.Descriptor(), inputs, p.Hash()), nil
}

// ExecuteStage runs one stage. Failed and Cancelled executions come back as
// records with a nil error; nothing is committed for them. An error means no
// record was produced: the request was invalid, the outputs contradicted the
// ledger, or the commit failed.
func (e *Engine) ExecuteStage(ctx context.Context, req Request) (domain.RunRecord, error) {
	s, ok := e.registry.Get(req.StageID)
	if !ok {
		return domain.RunRecord{}, unknownStage(req.StageID)
	}
	if req.Params.IsZero() {
		return domain.RunRecord{}, &domain.InvalidInputError{Field: "params", Reason: "parameter set is required"}
	}
	d := s.Descriptor()
	in, err := e.resolve(ctx, req.Inputs)
	if err != nil {
		return domain.RunRecord{}, err
	}
	if err := s.Validate(in, req.Params); err != nil {
		return domain.RunRecord{}, err
	}

	rec := domain.RunRecord{
		Sequence:     req.Sequence,
		StageID:      d.ID,
		StageVersion: d.Version,
		ModelVersion: d.ModelVersion,
		Inputs:       slices.Clone(req.Inputs),
		ParamsHash:   req.Params.Hash(),
		Fingerprint:  Fingerprint(d, req.Inputs, req.Params.Hash()),
		Attempt:      max(req.Attempt, 1),
		StartedAt:    e.now(),
	}

	out, execErr := s.Execute(ctx, in, req.Params)
	switch {
	case execErr != nil && isCancellation(ctx, execErr):
		return e.finish(rec, domain.RunStatusCancelled, &domain.Cause{Code: domain.CauseCancelled, Message: execErr.Error()}), nil
	case execErr != nil:
		return e.finish(rec, domain.RunStatusFailed, causeOf(execErr)), nil
	case out.ModelVersion != d.ModelVersion:
		return e.finish(rec, domain.RunStatusFailed, &domain.Cause{
			Code:    domain.CauseModelVersionMismatch,
			Message: fmt.Sprintf("stage %s declares model %q, output was produced by %q", d.ID, d.ModelVersion, out.ModelVersion),
		}), nil
	}
	if err := checkOutput(out); err != nil {
		return e.finish(rec, domain.RunStatusFailed, &domain.Cause{Code: domain.CauseInvalidOutput, Message: err.Error()}), nil
	}

	ids := out.IDs()
	if known, ok := e.ledger.Lookup(rec.Fingerprint); ok && !slices.Equal(known, ids) {
		e.logger.Error("determinism violation", "stage_id", d.ID, "fingerprint", rec.Fingerprint)
		return domain.RunRecord{}, &domain.DeterminismViolationError{StageID: d.ID, Fingerprint: rec.Fingerprint, Expected: known, Got: ids}
	}
	// A cancellation that lands after Execute returned still aborts before
	// anything is written. Past this point the whole output set commits.
	if ctx.Err() != nil {
		return e.finish(rec, domain.RunStatusCancelled, &domain.Cause{Code: domain.CauseCancelled, Message: ctx.Err().Error()}), nil
	}

	commitCtx := context.WithoutCancel(ctx)
	for i, a := range out.Assets {
		id, err := e.store.Put(commitCtx, a.Kind, a.Format, a.Payload, a.Parents)
		if err != nil {
			return domain.RunRecord{}, fmt.Errorf("commit output %d of %s: %w", i, d.ID, err)
		}
		if id != ids[i] {
			return domain.RunRecord{}, fmt.Errorf("commit output %d of %s: store returned %s, expected %s", i, d.ID, id, ids[i])
		}
	}
	if onFile := e.ledger.Record(rec.Fingerprint, ids); !slices.Equal(onFile, ids) {
		return domain.RunRecord{}, &domain.DeterminismViolationError{StageID: d.ID, Fingerprint: rec.Fingerprint, Expected: onFile, Got: ids}
	}
	rec.Outputs = ids
	return e.finish(rec, domain.RunStatusSucceeded, nil), nil
}

func (e *Engine) finish(rec domain.RunRecord, status domain.RunStatus, cause *domain.Cause) domain.RunRecord {
	rec.Status = status
	rec.Cause = cause
	rec.FinishedAt = e.now()
	e.metrics.ObserveStage(rec.StageID, string(status), rec.FinishedAt.Sub(rec.StartedAt))
	attrs := []any{"stage_id", rec.StageID, "status", status, "sequence", rec.Sequence, "attempt", rec.Attempt, "outputs", len(rec.Outputs)}
	if cause != nil {
		attrs = append(attrs, "cause", cause.Code)
		e.logger.Warn("stage executed", attrs...)
	} else {
		e.logger.Info("stage executed", attrs...)
	}
	return rec
}

// Remember seeds the ledger with a persisted succeeded record.
func (e *Engine) Remember(rec domain.RunRecord) error {
	if rec.Status != domain.RunStatusSucceeded {
		return nil
	}
	if onFile := e.ledger.Record(rec.Fingerprint, rec.Outputs); !slices.Equal(onFile, rec.Outputs) {
		return &domain.DeterminismViolationError{StageID: rec.StageID, Fingerprint: rec.Fingerprint, Expected: onFile, Got: rec.Outputs}
	}
	return nil
}

// Replay re-executes a succeeded record without committing anything and
// compares the outputs.
func (e *Engine) Replay(ctx context.Context, rec domain.RunRecord, p params.Set) error {
	if rec.Status != domain.RunStatusSucceeded {
		return &domain.InvalidInputError{Field: "record", Reason: fmt.Sprintf("only succeeded records can be replayed, got %s", rec.Status)}
	}
	if p.Hash() != rec.ParamsHash {
		return &domain.InvalidInputError{Field: "params", Reason: "parameter set does not match the record"}
	}
	s, ok := e.registry.Get(rec.StageID)
	if !ok {
		return unknownStage(rec.StageID)
	}
	d := s.Descriptor()
	if d.Version != rec.StageVersion || d.ModelVersion != rec.ModelVersion {
		return &domain.VersionMismatchError{
			Subject:   "stage " + d.ID,
			Found:     rec.StageVersion + "/" + rec.ModelVersion,
			Supported: d.Version + "/" + d.ModelVersion,
		}
	}
	in, err := e.resolve(ctx, rec.Inputs)
	if err != nil {
		return err
	}
	out, err := s.Execute(ctx, in, p)
	if err != nil {
		if isCancellation(ctx, err) {
			return err
		}
		return fmt.Errorf("replay %s #%d: %w", rec.StageID, rec.Sequence, err)
	}
	if got := out.IDs(); !slices.Equal(got, rec.Outputs) {
		return &domain.DeterminismViolationError{StageID: rec.StageID, Fingerprint: rec.Fingerprint, Expected: rec.Outputs, Got: got}
	}
	return nil
}

// Estimate resolves the inputs and asks the stage for a cost estimate.
func (e *Engine) Estimate(ctx context.Context, stageID string, inputs []domain.AssetID, p params.Set) (stage.Cost, error) {
	s, ok := e.registry.Get(stageID)
	if !ok {
		return stage.Cost{}, unknownStage(stageID)
	}
	in, err := e.resolve(ctx, inputs)
	if err != nil {
		return stage.Cost{}, err
	}
	return s.EstimateCost(in, p), nil
}

func (e *Engine) resolve(ctx context.Context, ids []domain.AssetID) (stage.Inputs, error) {
	in := make(stage.Inputs, 0, len(ids))
	for i, id := range ids {
		a, err := e.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidInput) {
				return nil, &domain.InvalidInputError{Field: fmt.Sprintf("inputs[%d]", i), Reason: err.Error()}
			}
			return nil, err
		}
		in = append(in, a)
	}
	return in, nil
}

func checkOutput(out stage.Output) error {
	if len(out.Assets) == 0 {
		return errors.New("stage produced no outputs")
	}
	for i, a := range out.Assets {
		if _, err := domain.NewAsset(a.Kind, a.Format, nil, a.Parents); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
	}
	return nil
}

func isCancellation(ctx context.Context, err error) bool {
	return errors.Is(err, domain.ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		ctx.Err() != nil
}

func causeOf(err error) *domain.Cause {
	var se *stage.Error
	if errors.As(err, &se) {
		msg := se.Code
		if se.Err != nil {
			msg = se.Err.Error()
		}
		return &domain.Cause{Code: se.Code, Message: msg, Retryable: se.Retryable}
	}
	return &domain.Cause{Code: domain.CauseStageError, Message: err.Error()}
}

func unknownStage(id string) error {
	return &domain.InvalidInputError{Field: "stage_id", Reason: fmt.Sprintf("unknown stage %q", id)}
}
