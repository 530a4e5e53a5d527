// Package session owns the session lifecycle. Every mutation runs as a
// transaction under a per-session lease: load the durable copy, apply the
// command to a clone, persist, then swap the in-memory copy.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forge-labs/forge-go/internal/assetstore"
	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/engine"
	"github.com/forge-labs/forge-go/internal/export"
	"github.com/forge-labs/forge-go/internal/params"
	"github.com/forge-labs/forge-go/internal/platform/logging"
	"github.com/forge-labs/forge-go/internal/platform/metrics"
	"github.com/forge-labs/forge-go/internal/retry"
	"github.com/forge-labs/forge-go/internal/sessionstore"
	"github.com/forge-labs/forge-go/internal/stage"
)

type Session = sessionstore.Session

// Import describes the source image a session starts from.
type Import struct {
	Label   string
	Kind    domain.AssetKind
	Format  string
	Payload []byte
	// SchemaVersion selects the schema Params are written against. Zero
	// means the current schema; older sets are migrated forward.
	SchemaVersion int
	Params        map[string]any
	Profile       string
}

// Result is the outcome of a command.
type Result struct {
	Session  *Session
	Record   *domain.RunRecord
	Decision *domain.Decision
	// Cached is set when a RunStage was answered from an earlier record.
	Cached bool
}

type Manager struct {
	engine        *engine.Engine
	assets        *assetstore.Store
	params        *params.Registry
	store         sessionstore.Store
	gateway       *export.Gateway
	leases        *LeaseTable
	retrier       *retry.Retrier
	stageAttempts int
	now           func() time.Time
	newID         func() string
	metrics       *metrics.Collector
	logger        *slog.Logger

	mu       sync.RWMutex
	cache    map[string]*Session
	inflight map[string]domain.State
}

type Option func(*Manager)

func WithGateway(g *export.Gateway) Option { return func(m *Manager) { m.gateway = g } }

// WithRetrier sets the storage retry policy used for loads and saves.
func WithRetrier(r *retry.Retrier) Option { return func(m *Manager) { m.retrier = r } }

// WithStageAttempts bounds how often a stage failing with a retryable cause
// is run within one command.
func WithStageAttempts(n int) Option { return func(m *Manager) { m.stageAttempts = max(n, 1) } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithIDGenerator(next func() string) Option { return func(m *Manager) { m.newID = next } }

func WithLeases(t *LeaseTable) Option { return func(m *Manager) { m.leases = t } }

func WithMetrics(c *metrics.Collector) Option { return func(m *Manager) { m.metrics = c } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = logging.OrDiscard(l) } }

func New(eng *engine.Engine, assets *assetstore.Store, registry *params.Registry, store sessionstore.Store, opts ...Option) (*Manager, error) {
	switch {
	case eng == nil:
		return nil, errors.New("session: engine is required")
	case assets == nil:
		return nil, errors.New("session: asset store is required")
	case registry == nil:
		return nil, errors.New("session: parameter registry is required")
	case store == nil:
		return nil, errors.New("session: session store is required")
	}
	m := &Manager{
		engine:        eng,
		assets:        assets,
		params:        registry,
		store:         store,
		leases:        NewLeaseTable(),
		stageAttempts: 1,
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
		logger:        logging.Discard(),
		cache:         map[string]*Session{},
		inflight:      map[string]domain.State{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.gateway == nil {
		m.gateway = export.NewGateway(export.WithMetrics(m.metrics), export.WithLogger(m.logger))
	}
	return m, nil
}

func (m *Manager) Gateway() *export.Gateway { return m.gateway }

func (m *Manager) Params() *params.Registry { return m.params }

// CreateSession stores the source asset and persists a new session in
// Importing with the given (or default) parameters.
func (m *Manager) CreateSession(ctx context.Context, imp Import) (*Session, error) {
	label := strings.TrimSpace(imp.Label)
	if label == "" {
		return nil, &domain.InvalidInputError{Field: "label", Reason: "label is required"}
	}
	if imp.Kind == "" {
		imp.Kind = domain.AssetKindImage2D
	}
	if imp.Kind != domain.AssetKindImage2D {
		return nil, &domain.InvalidInputError{Field: "kind", Reason: fmt.Sprintf("sessions start from %s, got %s", domain.AssetKindImage2D, imp.Kind)}
	}
	if strings.TrimSpace(imp.Format) == "" {
		return nil, &domain.InvalidInputError{Field: "format", Reason: "format is required"}
	}
	if len(imp.Payload) == 0 {
		return nil, &domain.InvalidInputError{Field: "payload", Reason: "payload is empty"}
	}

	p, err := m.buildParams(imp)
	if err != nil {
		return nil, err
	}
	source, err := m.assets.Put(ctx, imp.Kind, imp.Format, imp.Payload, nil)
	if err != nil {
		return nil, err
	}

	now := m.now()
	s := &Session{
		ID:            m.newID(),
		Label:         label,
		CreatedAt:     now,
		UpdatedAt:     now,
		State:         domain.StateImporting,
		Source:        source,
		ActiveParams:  p.Hash(),
		ParamHistory:  []params.Set{p},
		FormatVersion: sessionstore.FormatVersion,
	}
	release, err := m.leases.Acquire(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}
	m.commit(s)
	m.logger.Info("session created", "session_id", s.ID, "label", s.Label, "source", s.Source, "params_hash", s.ActiveParams)
	return s.Clone(), nil
}

func (m *Manager) buildParams(imp Import) (params.Set, error) {
	version := imp.SchemaVersion
	if version == 0 {
		version = m.params.Current()
	}
	p, err := m.params.Build(version, imp.Params)
	if err != nil {
		return params.Set{}, err
	}
	if version < m.params.Current() {
		if p, err = m.params.Migrate(p, m.params.Current()); err != nil {
			return params.Set{}, &domain.InvalidInputError{Field: "schema_version", Reason: err.Error()}
		}
	}
	if imp.Profile != "" {
		if p, err = m.params.ApplyProfile(p, imp.Profile); err != nil {
			return params.Set{}, &domain.InvalidInputError{Field: "profile", Reason: err.Error()}
		}
	}
	return p, nil
}

// ApplyCommand runs one command as a transaction. A command that produced
// records but failed (a Failed or Cancelled stage) still persists them and
// returns both the result and the error.
func (m *Manager) ApplyCommand(ctx context.Context, id string, cmd Command) (Result, error) {
	if cmd == nil {
		return Result{}, &domain.InvalidInputError{Field: "command", Reason: "command is required"}
	}
	return m.transact(ctx, id, func(ctx context.Context, s *Session) (bool, Result, error) {
		if s.State.Terminal() {
			return false, Result{}, &domain.InvalidInputError{Field: "command", Reason: fmt.Sprintf("session is %s", s.State)}
		}
		changed, res, err := cmd.apply(ctx, m, s)
		attrs := []any{"session_id", s.ID, "command", cmd.Name(), "state", s.State, "changed", changed}
		if err != nil {
			m.logger.Warn("command failed", append(attrs, "error", err)...)
		} else {
			m.logger.Info("command applied", attrs...)
		}
		return changed, res, err
	})
}

type mutation func(ctx context.Context, s *Session) (changed bool, res Result, err error)

func (m *Manager) transact(ctx context.Context, id string, fn mutation) (Result, error) {
	release, err := m.leases.Acquire(ctx, id)
	if err != nil {
		return Result{}, err
	}
	defer release()

	current, err := m.load(ctx, id)
	if err != nil {
		return Result{}, err
	}
	work := current.Clone()
	changed, res, cmdErr := fn(ctx, work)
	if !changed {
		m.commit(current)
		res.Session = current.Clone()
		return res, cmdErr
	}

	work.UpdatedAt = m.now()
	persistCtx := ctx
	if ctx.Err() != nil {
		persistCtx = context.WithoutCancel(ctx)
	}
	if err := m.persist(persistCtx, work); err != nil {
		return Result{}, err
	}
	m.commit(work)
	res.Session = work.Clone()
	return res, cmdErr
}

// Load reads the durable copy and refreshes the in-memory one.
func (m *Manager) Load(ctx context.Context, id string) (*Session, error) {
	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	m.commit(s)
	return s.Clone(), nil
}

func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	s, err := retry.Do(ctx, m.retrier, "session.load", func(ctx context.Context) (*Session, error) {
		return m.store.Load(ctx, id)
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrCorruption):
			m.logger.Error("session needs manual recovery", "session_id", id, "error", err)
		case errors.Is(err, domain.ErrStorage):
			return nil, &SessionUnavailableError{ID: id, Err: err}
		}
		return nil, err
	}
	for _, r := range s.Records {
		if err := m.engine.Remember(r); err != nil {
			m.logger.Error("persisted record contradicts ledger", "session_id", id, "sequence", r.Sequence, "error", err)
			return nil, err
		}
	}
	return s, nil
}

// Persist writes s under its lease. On success s carries the new revision.
func (m *Manager) Persist(ctx context.Context, s *Session) error {
	if s == nil {
		return &domain.InvalidInputError{Field: "session", Reason: "session is nil"}
	}
	release, err := m.leases.Acquire(ctx, s.ID)
	if err != nil {
		return err
	}
	defer release()
	s.UpdatedAt = m.now()
	if err := m.persist(ctx, s); err != nil {
		return err
	}
	m.commit(s)
	return nil
}

func (m *Manager) persist(ctx context.Context, s *Session) error {
	err := retry.Run(ctx, m.retrier, "session.save", func(ctx context.Context) error {
		return m.store.Save(ctx, s)
	})
	if err == nil {
		m.logger.Debug("session persisted", "session_id", s.ID, "revision", s.Revision, "state", s.State)
		return nil
	}
	if errors.Is(err, domain.ErrStorage) {
		m.logger.Error("session persist failed", "session_id", s.ID, "error", err)
		return &SessionUnavailableError{ID: s.ID, Err: err}
	}
	return err
}

func (m *Manager) commit(s *Session) {
	m.mu.Lock()
	m.cache[s.ID] = s.Clone()
	m.mu.Unlock()
}

func (m *Manager) cached(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.cache[id]
	return s, ok
}

func (m *Manager) setInflight(id string, st domain.State) {
	m.mu.Lock()
	m.inflight[id] = st
	m.mu.Unlock()
}

func (m *Manager) clearInflight(id string) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}

func (m *Manager) inflightState(id string) (domain.State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.inflight[id]
	return st, ok
}

func (m *Manager) List(ctx context.Context) ([]sessionstore.Summary, error) {
	return retry.Do(ctx, m.retrier, "session.list", m.store.List)
}

// Archive removes the session from the active set. Its document is kept.
func (m *Manager) Archive(ctx context.Context, id string) error {
	release, err := m.leases.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()
	if err := retry.Run(ctx, m.retrier, "session.archive", func(ctx context.Context) error {
		return m.store.Archive(ctx, id)
	}); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.cache, id)
	m.mu.Unlock()
	m.logger.Info("session archived", "session_id", id)
	return nil
}

// Estimate prices a RunStage without running it.
func (m *Manager) Estimate(ctx context.Context, id, stageID string, overrides map[string]any) (stage.Cost, error) {
	s, err := m.load(ctx, id)
	if err != nil {
		return stage.Cost{}, err
	}
	st, ok := m.engine.Registry().Get(stageID)
	if !ok {
		return stage.Cost{}, &domain.InvalidInputError{Field: "stage_id", Reason: fmt.Sprintf("unknown stage %q", stageID)}
	}
	inputs, err := stageInputs(st.Descriptor(), s)
	if err != nil {
		return stage.Cost{}, err
	}
	p, err := m.paramsFor(s, overrides)
	if err != nil {
		return stage.Cost{}, err
	}
	return m.engine.Estimate(ctx, stageID, inputs, p)
}
