package sessionstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/params"
)

var (
	testTime    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testTargets = map[string]domain.State{
		"variation":  domain.StateVariationPending,
		"generate3d": domain.StateGenerated,
	}
)

func newTestCodec(t *testing.T) (*Codec, *params.Registry) {
	t.Helper()
	reg, err := params.NewRegistry(nil)
	require.NoError(t, err)
	return NewCodec(reg, testTargets), reg
}

func asset(name string) domain.AssetID {
	return domain.ComputeAssetID(domain.AssetKindImage2D, "png", []byte(name))
}

func newSession(t *testing.T, reg *params.Registry, id string) *Session {
	t.Helper()
	p, err := reg.Defaults(reg.Current())
	require.NoError(t, err)
	return &Session{
		ID:           id,
		Label:        "crate",
		CreatedAt:    testTime,
		UpdatedAt:    testTime,
		State:        domain.StateImporting,
		Source:       asset("source"),
		ActiveParams: p.Hash(),
		ParamHistory: []params.Set{p},
	}
}

// addVariation appends a succeeded variation run producing a set and two
// candidates.
func addVariation(s *Session) (set, a, b domain.AssetID) {
	set, a, b = asset("set"), asset("cand-a"), asset("cand-b")
	seq := s.NextSequence()
	s.Records = append(s.Records, domain.RunRecord{
		Sequence:     seq,
		StageID:      "variation",
		StageVersion: "1.0.0",
		Inputs:       []domain.AssetID{s.Source},
		ParamsHash:   s.ActiveParams,
		Outputs:      []domain.AssetID{set, a, b},
		Status:       domain.RunStatusSucceeded,
		Fingerprint:  "fp-variation",
		Attempt:      1,
		StartedAt:    testTime,
		FinishedAt:   testTime,
	})
	s.State = domain.StateVariationPending
	return set, a, b
}

func approve(s *Session, set, candidate domain.AssetID) {
	approval := domain.DefaultApproval()
	s.Decisions = append(s.Decisions, domain.Decision{
		Sequence:  s.NextSequence(),
		Kind:      domain.DecisionApprove,
		AssetID:   candidate,
		SetID:     set,
		Approval:  &approval,
		DecidedAt: testTime,
	})
	s.Approved = candidate
	s.State = domain.StateVariationApproved
}
