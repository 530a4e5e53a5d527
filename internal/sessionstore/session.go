// Package sessionstore persists sessions as checksummed, versioned
// documents. The file, SQLite and Postgres backends share one codec and one
// set of load-time checks.
package sessionstore

import (
	"slices"
	"time"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/params"
)

// Session is the durable state of one asset's journey through the pipeline.
type Session struct {
	ID            string
	Label         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	State         domain.State
	Source        domain.AssetID
	Records       []domain.RunRecord
	Decisions     []domain.Decision
	Approved      domain.AssetID
	ActiveParams  string
	ParamHistory  []params.Set
	Exports       []domain.ExportRecord
	Revision      uint64
	FormatVersion int
}

// Clone deep-copies the slices a command may append to. Records and
// decisions are never mutated in place, so element copies are enough.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Records = slices.Clone(s.Records)
	out.Decisions = slices.Clone(s.Decisions)
	out.ParamHistory = slices.Clone(s.ParamHistory)
	out.Exports = slices.Clone(s.Exports)
	return &out
}

// NextSequence is the sequence number for the next record, decision or
// export. All three share one counter.
func (s *Session) NextSequence() uint64 {
	var hi uint64
	for _, r := range s.Records {
		hi = max(hi, r.Sequence)
	}
	for _, d := range s.Decisions {
		hi = max(hi, d.Sequence)
	}
	for _, e := range s.Exports {
		hi = max(hi, e.Sequence)
	}
	return hi + 1
}

// Params returns the set with the given hash from the history.
func (s *Session) Params(hash string) (params.Set, bool) {
	for _, p := range s.ParamHistory {
		if p.Hash() == hash {
			return p, true
		}
	}
	return params.Set{}, false
}

// Active returns the active parameter set.
func (s *Session) Active() (params.Set, bool) {
	return s.Params(s.ActiveParams)
}

// AddParams appends p to the history unless a set with its hash is known.
func (s *Session) AddParams(p params.Set) {
	if _, ok := s.Params(p.Hash()); !ok {
		s.ParamHistory = append(s.ParamHistory, p)
	}
}

// LatestSucceeded returns the most recent succeeded record of a stage.
func (s *Session) LatestSucceeded(stageID string) (domain.RunRecord, bool) {
	for i := len(s.Records) - 1; i >= 0; i-- {
		r := s.Records[i]
		if r.StageID == stageID && r.Status == domain.RunStatusSucceeded {
			return r, true
		}
	}
	return domain.RunRecord{}, false
}

// Summary is the listing view of a session.
type Summary struct {
	ID        string       `json:"id"`
	Label     string       `json:"label"`
	State     domain.State `json:"state"`
	Revision  uint64       `json:"revision"`
	UpdatedAt time.Time    `json:"updated_at"`
	// Err is set when the stored document could not be read.
	Err string `json:"error,omitempty"`
}

func summarize(s *Session) Summary {
	return Summary{ID: s.ID, Label: s.Label, State: s.State, Revision: s.Revision, UpdatedAt: s.UpdatedAt}
}
