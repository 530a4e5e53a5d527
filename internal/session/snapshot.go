package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/stage/variation"
)

const snapshotRecords = 10

type CandidateStatus string

const (
	CandidatePending  CandidateStatus = "pending"
	CandidateApproved CandidateStatus = "approved"
	CandidateRejected CandidateStatus = "rejected"
)

type Candidate struct {
	AssetID domain.AssetID  `json:"asset_id"`
	Index   int             `json:"index"`
	Label   string          `json:"label,omitempty"`
	Status  CandidateStatus `json:"status"`
}

// Snapshot is the read view of a session. State reports a transitional
// state while a stage is running; Persisted is the durable cursor.
type Snapshot struct {
	ID           string                `json:"id"`
	Label        string                `json:"label"`
	State        domain.State          `json:"state"`
	Persisted    domain.State          `json:"persisted_state"`
	Revision     uint64                `json:"revision"`
	Source       domain.AssetID        `json:"source"`
	Approved     domain.AssetID        `json:"approved,omitempty"`
	VariationSet domain.AssetID        `json:"variation_set,omitempty"`
	Candidates   []Candidate           `json:"candidates,omitempty"`
	ActiveParams string                `json:"active_params"`
	Params       map[string]any        `json:"params"`
	Records      []domain.RunRecord    `json:"records"`
	Exports      []domain.ExportRecord `json:"exports,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// Snapshot reports the session as this process sees it, loading it first
// if it is not cached.
func (m *Manager) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	s, ok := m.cached(id)
	if !ok {
		loaded, err := m.Load(ctx, id)
		if err != nil {
			return Snapshot{}, err
		}
		s = loaded
	}
	s = s.Clone()

	snap := Snapshot{
		ID:           s.ID,
		Label:        s.Label,
		State:        s.State,
		Persisted:    s.State,
		Revision:     s.Revision,
		Source:       s.Source,
		Approved:     s.Approved,
		ActiveParams: s.ActiveParams,
		Exports:      s.Exports,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	if st, ok := m.inflightState(id); ok {
		snap.State = st
	}
	if p, ok := s.Active(); ok {
		snap.Params = p.Map()
	}
	if n := len(s.Records); n > snapshotRecords {
		snap.Records = s.Records[n-snapshotRecords:]
	} else {
		snap.Records = s.Records
	}

	setID, members, ok := m.latestVariation(s)
	if !ok {
		return snap, nil
	}
	snap.VariationSet = setID
	var labels []string
	if a, err := m.assets.Get(ctx, setID); err == nil {
		if vs, err := variation.DecodeSet(a); err == nil {
			labels = vs.Labels
		}
	} else {
		m.logger.Warn("variation set unreadable", "session_id", id, "set_id", setID, "error", err)
	}
	rejected := map[domain.AssetID]bool{}
	for _, d := range s.Decisions {
		if d.SetID == setID && d.Kind == domain.DecisionReject {
			rejected[d.AssetID] = true
		}
	}
	for i, cid := range members {
		c := Candidate{AssetID: cid, Index: i, Status: CandidatePending}
		if i < len(labels) {
			c.Label = labels[i]
		}
		switch {
		case cid == s.Approved:
			c.Status = CandidateApproved
		case rejected[cid]:
			c.Status = CandidateRejected
		}
		snap.Candidates = append(snap.Candidates, c)
	}
	return snap, nil
}

type VerifyReport struct {
	SessionID string `json:"session_id"`
	Replayed  int    `json:"replayed"`
	Skipped   int    `json:"skipped"`
}

// Verify re-executes every succeeded record and checks each reproduces its
// recorded outputs. Nothing is written.
func (m *Manager) Verify(ctx context.Context, id string, parallelism int) (VerifyReport, error) {
	s, err := m.load(ctx, id)
	if err != nil {
		return VerifyReport{}, err
	}
	report := VerifyReport{SessionID: id}
	var replayed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallelism, 1))
	seen := map[string]bool{}
	for _, rec := range s.Records {
		if rec.Status != domain.RunStatusSucceeded || seen[rec.Fingerprint] {
			report.Skipped++
			continue
		}
		seen[rec.Fingerprint] = true
		p, ok := s.Params(rec.ParamsHash)
		if !ok {
			return report, fmt.Errorf("record %d: params %s missing from history", rec.Sequence, rec.ParamsHash)
		}
		g.Go(func() error {
			if err := m.engine.Replay(gctx, rec, p); err != nil {
				return fmt.Errorf("record %d (%s): %w", rec.Sequence, rec.StageID, err)
			}
			replayed.Add(1)
			return nil
		})
	}
	err = g.Wait()
	report.Replayed = int(replayed.Load())
	if err != nil {
		m.logger.Error("session verification failed", "session_id", id, "error", err)
		return report, err
	}
	m.logger.Info("session verified", "session_id", id, "replayed", report.Replayed)
	return report, nil
}
