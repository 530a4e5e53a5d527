package session

import (
	"context"
	"fmt"
	"slices"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/engine"
	"github.com/forge-labs/forge-go/internal/params"
	"github.com/forge-labs/forge-go/internal/stage"
)

// Command mutates one session. The set of commands is closed.
type Command interface {
	Name() string
	apply(ctx context.Context, m *Manager, s *Session) (changed bool, res Result, err error)
}

// RunStage executes a stage against the session. Params are overrides on
// top of the active set.
type RunStage struct {
	StageID string
	Params  map[string]any
}

// ApproveVariation approves a candidate of the latest variation set.
// A nil Approval uses domain.DefaultApproval.
type ApproveVariation struct {
	AssetID  domain.AssetID
	Approval *domain.Approval
}

type RejectVariation struct {
	AssetID domain.AssetID
}

type Abandon struct{}

// MigrateParams moves the active set to another schema version. Zero
// means the current schema.
type MigrateParams struct {
	ToVersion int
}

func (RunStage) Name() string         { return "run_stage" }
func (ApproveVariation) Name() string { return "approve_variation" }
func (RejectVariation) Name() string  { return "reject_variation" }
func (Abandon) Name() string          { return "abandon" }
func (MigrateParams) Name() string    { return "migrate_params" }

func (c RunStage) apply(ctx context.Context, m *Manager, s *Session) (bool, Result, error) {
	st, ok := m.engine.Registry().Get(c.StageID)
	if !ok {
		return false, Result{}, &domain.InvalidInputError{Field: "stage_id", Reason: fmt.Sprintf("unknown stage %q", c.StageID)}
	}
	d := st.Descriptor()
	if !d.Allows(s.State) {
		return false, Result{}, &domain.InvalidInputError{Field: "stage_id", Reason: fmt.Sprintf("stage %s cannot run while the session is %s", d.ID, s.State)}
	}
	inputs, err := stageInputs(d, s)
	if err != nil {
		return false, Result{}, err
	}
	p, err := m.paramsFor(s, c.Params)
	if err != nil {
		return false, Result{}, err
	}

	// The set joins the history so records can reference it, but it only
	// becomes active once a run with it succeeds.
	paramsChanged := s.ActiveParams != p.Hash()
	s.AddParams(p)

	fp := engine.Fingerprint(d, inputs, p.Hash())
	if prior, ok := memoized(s, d.ID, fp); ok {
		m.metrics.MemoHit(d.ID)
		latest, _ := s.LatestSucceeded(d.ID)
		if s.State == d.To && latest.Fingerprint == fp {
			s.ActiveParams = p.Hash()
			return paramsChanged, Result{Record: &prior, Cached: true}, nil
		}
		now := m.now()
		rec := prior
		rec.Sequence = s.NextSequence()
		rec.Attempt = 1
		rec.StartedAt, rec.FinishedAt = now, now
		s.Records = append(s.Records, rec)
		s.State = d.To
		s.ActiveParams = p.Hash()
		m.logger.Info("stage answered from ledger", "session_id", s.ID, "stage", d.ID, "fingerprint", fp)
		return true, Result{Record: &rec, Cached: true}, nil
	}

	if d.Transitional != "" {
		m.setInflight(s.ID, d.Transitional)
		defer m.clearInflight(s.ID)
	}
	recorded := false
	for attempt := 1; ; attempt++ {
		rec, err := m.engine.ExecuteStage(ctx, engine.Request{
			StageID:  d.ID,
			Inputs:   inputs,
			Params:   p,
			Sequence: s.NextSequence(),
			Attempt:  attempt,
		})
		if err != nil {
			return recorded, Result{}, err
		}
		s.Records = append(s.Records, rec)
		recorded = true

		switch rec.Status {
		case domain.RunStatusSucceeded:
			s.State = d.To
			s.ActiveParams = p.Hash()
			return true, Result{Record: &rec}, nil
		case domain.RunStatusCancelled:
			return true, Result{Record: &rec}, fmt.Errorf("%w: stage %s", domain.ErrCancelled, d.ID)
		}

		cause := domain.Cause{Code: domain.CauseStageError}
		if rec.Cause != nil {
			cause = *rec.Cause
		}
		if cause.Retryable && attempt < m.stageAttempts && ctx.Err() == nil {
			m.logger.Warn("stage failed, retrying", "session_id", s.ID, "stage", d.ID, "attempt", attempt, "cause", cause.Code)
			continue
		}
		return true, Result{Record: &rec}, &StageFailedError{StageID: d.ID, Attempts: attempt, Cause: cause}
	}
}

func (c ApproveVariation) apply(_ context.Context, m *Manager, s *Session) (bool, Result, error) {
	setID, err := m.decidable(s, c.AssetID)
	if err != nil {
		return false, Result{}, err
	}
	approval := domain.DefaultApproval()
	if c.Approval != nil {
		approval = *c.Approval
	}
	if err := approval.Validate(); err != nil {
		return false, Result{}, err
	}
	d := domain.Decision{
		Sequence:  s.NextSequence(),
		Kind:      domain.DecisionApprove,
		AssetID:   c.AssetID,
		SetID:     setID,
		Approval:  &approval,
		DecidedAt: m.now(),
	}
	s.Decisions = append(s.Decisions, d)
	s.Approved = c.AssetID
	s.State = domain.StateVariationApproved
	return true, Result{Decision: &d}, nil
}

func (c RejectVariation) apply(_ context.Context, m *Manager, s *Session) (bool, Result, error) {
	setID, err := m.decidable(s, c.AssetID)
	if err != nil {
		return false, Result{}, err
	}
	if c.AssetID == s.Approved {
		return false, Result{}, &domain.InvalidInputError{Field: "asset_id", Reason: "the approved candidate cannot be rejected, approve another one first"}
	}
	d := domain.Decision{
		Sequence:  s.NextSequence(),
		Kind:      domain.DecisionReject,
		AssetID:   c.AssetID,
		SetID:     setID,
		DecidedAt: m.now(),
	}
	s.Decisions = append(s.Decisions, d)
	return true, Result{Decision: &d}, nil
}

func (Abandon) apply(_ context.Context, _ *Manager, s *Session) (bool, Result, error) {
	s.State = domain.StateAbandoned
	return true, Result{}, nil
}

func (c MigrateParams) apply(_ context.Context, m *Manager, s *Session) (bool, Result, error) {
	p, ok := s.Active()
	if !ok {
		return false, Result{}, fmt.Errorf("session %s: active parameters %s missing from history", s.ID, s.ActiveParams)
	}
	to := c.ToVersion
	if to == 0 {
		to = m.params.Current()
	}
	next, err := m.params.Migrate(p, to)
	if err != nil {
		return false, Result{}, &domain.InvalidInputError{Field: "to_version", Reason: err.Error()}
	}
	if next.Hash() == s.ActiveParams {
		return false, Result{}, nil
	}
	s.AddParams(next)
	s.ActiveParams = next.Hash()
	return true, Result{}, nil
}

// decidable checks that id may receive a decision and returns the set it
// belongs to.
func (m *Manager) decidable(s *Session, id domain.AssetID) (domain.AssetID, error) {
	if s.State != domain.StateVariationPending && s.State != domain.StateVariationApproved {
		return "", &domain.InvalidInputError{Field: "command", Reason: fmt.Sprintf("no variation set awaits a decision while the session is %s", s.State)}
	}
	setID, members, ok := m.latestVariation(s)
	if !ok {
		return "", &domain.InvalidInputError{Field: "command", Reason: "the session has no variation set"}
	}
	if !slices.Contains(members, id) {
		return "", &domain.InvalidInputError{Field: "asset_id", Reason: fmt.Sprintf("%s is not a candidate of the latest variation set", id)}
	}
	return setID, nil
}

// latestVariation returns the set and candidates of the most recent
// succeeded run of a stage that produces variation sets.
func (m *Manager) latestVariation(s *Session) (domain.AssetID, []domain.AssetID, bool) {
	rec, ok := m.latestProducing(s, domain.StateVariationPending)
	if !ok || len(rec.Outputs) == 0 {
		return "", nil, false
	}
	return rec.Outputs[0], rec.Outputs[1:], true
}

// latestProducing returns the most recent succeeded record of any stage
// whose target state is to.
func (m *Manager) latestProducing(s *Session, to domain.State) (domain.RunRecord, bool) {
	for i := len(s.Records) - 1; i >= 0; i-- {
		r := s.Records[i]
		if r.Status != domain.RunStatusSucceeded {
			continue
		}
		st, ok := m.engine.Registry().Get(r.StageID)
		if ok && st.Descriptor().To == to {
			return r, true
		}
	}
	return domain.RunRecord{}, false
}

func (m *Manager) paramsFor(s *Session, overrides map[string]any) (params.Set, error) {
	p, ok := s.Active()
	if !ok {
		return params.Set{}, fmt.Errorf("session %s: active parameters %s missing from history", s.ID, s.ActiveParams)
	}
	if len(overrides) == 0 {
		return p, nil
	}
	return m.params.With(p, overrides)
}

// stageInputs binds a stage to its input: variation stages read the source
// image, later stages read the approved candidate.
func stageInputs(d stage.Descriptor, s *Session) ([]domain.AssetID, error) {
	if d.To == domain.StateVariationPending {
		return []domain.AssetID{s.Source}, nil
	}
	if s.Approved == "" {
		return nil, &domain.InvalidInputError{Field: "stage_id", Reason: fmt.Sprintf("stage %s needs an approved candidate", d.ID)}
	}
	return []domain.AssetID{s.Approved}, nil
}

func memoized(s *Session, stageID, fingerprint string) (domain.RunRecord, bool) {
	for i := len(s.Records) - 1; i >= 0; i-- {
		r := s.Records[i]
		if r.StageID == stageID && r.Status == domain.RunStatusSucceeded && r.Fingerprint == fingerprint {
			return r, true
		}
	}
	return domain.RunRecord{}, false
}
