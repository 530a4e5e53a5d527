package sessionstore

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/forge-labs/forge-go/internal/domain"
)

// Validate checks the internal consistency of a session: sequence order,
// parameter references, decision targets and the lifecycle cursor, which
// must equal the state derived from the history.
func Validate(s *Session, targets map[string]domain.State) error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	if !s.State.Persistable() {
		return fmt.Errorf("state %q cannot be persisted", s.State)
	}
	if err := s.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if len(s.ParamHistory) == 0 {
		return errors.New("parameter history is empty")
	}
	seenHash := map[string]bool{}
	for _, p := range s.ParamHistory {
		if seenHash[p.Hash()] {
			return fmt.Errorf("parameter set %s appears twice in history", p.Hash())
		}
		seenHash[p.Hash()] = true
	}
	if !seenHash[s.ActiveParams] {
		return fmt.Errorf("active parameters %s are not in the history", s.ActiveParams)
	}

	seq := map[uint64]string{}
	claim := func(n uint64, what string) error {
		if n == 0 {
			return fmt.Errorf("%s has no sequence number", what)
		}
		if prev, ok := seq[n]; ok {
			return fmt.Errorf("sequence %d used by both %s and %s", n, prev, what)
		}
		seq[n] = what
		return nil
	}
	var last uint64
	for i, r := range s.Records {
		what := fmt.Sprintf("record %d", i)
		if err := claim(r.Sequence, what); err != nil {
			return err
		}
		if r.Sequence <= last {
			return fmt.Errorf("%s: sequence %d is not after %d", what, r.Sequence, last)
		}
		last = r.Sequence
		if !r.Status.Valid() {
			return fmt.Errorf("%s: invalid status %q", what, r.Status)
		}
		if !seenHash[r.ParamsHash] {
			return fmt.Errorf("%s: parameters %s are not in the history", what, r.ParamsHash)
		}
		if r.Fingerprint == "" {
			return fmt.Errorf("%s: fingerprint is missing", what)
		}
		if r.Status == domain.RunStatusSucceeded && len(r.Outputs) == 0 {
			return fmt.Errorf("%s: succeeded without outputs", what)
		}
		if r.Status != domain.RunStatusSucceeded && len(r.Outputs) > 0 {
			return fmt.Errorf("%s: %s record carries outputs", what, r.Status)
		}
	}
	last = 0
	for i, d := range s.Decisions {
		what := fmt.Sprintf("decision %d", i)
		if err := claim(d.Sequence, what); err != nil {
			return err
		}
		if d.Sequence <= last {
			return fmt.Errorf("%s: sequence %d is not after %d", what, d.Sequence, last)
		}
		last = d.Sequence
	}
	last = 0
	for i, e := range s.Exports {
		what := fmt.Sprintf("export %d", i)
		if err := claim(e.Sequence, what); err != nil {
			return err
		}
		if e.Sequence <= last {
			return fmt.Errorf("%s: sequence %d is not after %d", what, e.Sequence, last)
		}
		last = e.Sequence
	}

	derived, approved, err := derive(s, targets)
	if err != nil {
		return err
	}
	if approved != s.Approved {
		return fmt.Errorf("approved candidate %q does not match decision log (%q)", s.Approved, approved)
	}
	switch {
	case s.State == domain.StateAbandoned:
		if derived.Terminal() {
			return fmt.Errorf("abandoned after reaching terminal state %s", derived)
		}
	case s.State != derived:
		return fmt.Errorf("cursor %s does not match history (%s)", s.State, derived)
	}
	return nil
}

// DeriveState replays the history and returns the state it implies. An
// abandoned session derives to the state it was abandoned from.
func DeriveState(s *Session, targets map[string]domain.State) (domain.State, error) {
	st, _, err := derive(s, targets)
	return st, err
}

type event struct {
	seq    uint64
	record *domain.RunRecord
	dec    *domain.Decision
	export *domain.ExportRecord
}

func derive(s *Session, targets map[string]domain.State) (domain.State, domain.AssetID, error) {
	events := make([]event, 0, len(s.Records)+len(s.Decisions)+len(s.Exports))
	for i := range s.Records {
		events = append(events, event{seq: s.Records[i].Sequence, record: &s.Records[i]})
	}
	for i := range s.Decisions {
		events = append(events, event{seq: s.Decisions[i].Sequence, dec: &s.Decisions[i]})
	}
	for i := range s.Exports {
		events = append(events, event{seq: s.Exports[i].Sequence, export: &s.Exports[i]})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].seq < events[j].seq })

	state := domain.StateImporting
	var approved domain.AssetID
	sets := map[domain.AssetID][]domain.AssetID{}
	var latestSet domain.AssetID
	move := func(next domain.State, seq uint64) error {
		if !domain.CanTransition(state, next) {
			return fmt.Errorf("sequence %d: %s -> %s is not a lifecycle transition", seq, state, next)
		}
		state = next
		return nil
	}

	for _, ev := range events {
		switch {
		case ev.record != nil:
			r := ev.record
			if r.Status != domain.RunStatusSucceeded {
				continue
			}
			next, ok := targets[r.StageID]
			if !ok {
				return "", "", fmt.Errorf("sequence %d: unknown stage %q", ev.seq, r.StageID)
			}
			if err := move(next, ev.seq); err != nil {
				return "", "", err
			}
			if next == domain.StateVariationPending {
				latestSet = r.Outputs[0]
				sets[latestSet] = r.Outputs[1:]
			}
		case ev.dec != nil:
			d := ev.dec
			members, ok := sets[d.SetID]
			if !ok || d.SetID != latestSet {
				return "", "", fmt.Errorf("sequence %d: decision targets set %s, latest is %s", ev.seq, d.SetID, latestSet)
			}
			if !slices.Contains(members, d.AssetID) {
				return "", "", fmt.Errorf("sequence %d: %s is not a candidate of %s", ev.seq, d.AssetID, d.SetID)
			}
			switch d.Kind {
			case domain.DecisionApprove:
				if err := move(domain.StateVariationApproved, ev.seq); err != nil {
					return "", "", err
				}
				approved = d.AssetID
			case domain.DecisionReject:
				if state != domain.StateVariationPending && state != domain.StateVariationApproved {
					return "", "", fmt.Errorf("sequence %d: reject in state %s", ev.seq, state)
				}
				if d.AssetID == approved {
					return "", "", fmt.Errorf("sequence %d: rejects the approved candidate", ev.seq)
				}
			default:
				return "", "", fmt.Errorf("sequence %d: unknown decision kind %q", ev.seq, d.Kind)
			}
		case ev.export != nil:
			if err := move(domain.StateExported, ev.seq); err != nil {
				return "", "", err
			}
		}
	}
	return state, approved, nil
}

// CheckAppendOnly rejects a write that rewrites history already on disk.
func CheckAppendOnly(prev, next *Session) error {
	if prev.ID != next.ID || prev.Source != next.Source || !prev.CreatedAt.Equal(next.CreatedAt) {
		return &domain.InvalidInputError{Field: "session", Reason: "session identity is immutable"}
	}
	if len(next.Records) < len(prev.Records) {
		return &domain.InvalidInputError{Field: "records", Reason: "records cannot be removed"}
	}
	for i := range prev.Records {
		if err := domain.EnsureRecordImmutable(prev.Records[i], next.Records[i]); err != nil {
			return &domain.InvalidInputError{Field: fmt.Sprintf("records[%d]", i), Reason: err.Error()}
		}
	}
	if len(next.Decisions) < len(prev.Decisions) {
		return &domain.InvalidInputError{Field: "decisions", Reason: "decisions cannot be removed"}
	}
	for i, d := range prev.Decisions {
		n := next.Decisions[i]
		if d.Sequence != n.Sequence || d.Kind != n.Kind || d.AssetID != n.AssetID || d.SetID != n.SetID {
			return &domain.InvalidInputError{Field: fmt.Sprintf("decisions[%d]", i), Reason: "decisions are immutable"}
		}
	}
	if len(next.Exports) < len(prev.Exports) {
		return &domain.InvalidInputError{Field: "exports", Reason: "exports cannot be removed"}
	}
	for i, e := range prev.Exports {
		n := next.Exports[i]
		if e.Sequence != n.Sequence || e.Digest != n.Digest || e.AssetID != n.AssetID {
			return &domain.InvalidInputError{Field: fmt.Sprintf("exports[%d]", i), Reason: "exports are immutable"}
		}
	}
	for _, p := range prev.ParamHistory {
		if _, ok := next.Params(p.Hash()); !ok {
			return &domain.InvalidInputError{Field: "param_history", Reason: fmt.Sprintf("parameter set %s was dropped", p.Hash())}
		}
	}
	return nil
}
