package variation

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/params"
	"github.com/forge-labs/forge-go/internal/stage"
)

func newStage(t *testing.T) (*Stage, *params.Registry) {
	t.Helper()
	reg, err := params.NewRegistry(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	schema, _ := reg.Schema(reg.Current())
	s, err := New(schema)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s, reg
}

func source() stage.Inputs {
	a, _ := domain.NewAsset(domain.AssetKindImage2D, "png", []byte("reference"), nil)
	return stage.Inputs{a}
}

func TestDeriveSeedMatchesSplitMix64(t *testing.T) {
	// Reference values of the SplitMix64 finalizer applied to seed+golden+index.
	if got := DeriveSeed(0, 0); got != 0xE220A8397B1DCDAF {
		t.Fatalf("DeriveSeed(0, 0) = %#x", got)
	}
	if DeriveSeed(7, 1) == DeriveSeed(7, 2) {
		t.Fatalf("indices must produce distinct seeds")
	}
	if DeriveSeed(7, 3) != DeriveSeed(7, 3) {
		t.Fatalf("derivation must be stable")
	}
}

func TestExecuteSeed7Strength03(t *testing.T) {
	s, reg := newStage(t)
	p, err := reg.Build(reg.Current(), map[string]any{"seed": 7, "strength": 0.3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	in := source()
	if err := s.Validate(in, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := s.Execute(context.Background(), in, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.Execute(context.Background(), in, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first.Assets) != 5 {
		t.Fatalf("expected set plus 4 candidates, got %d", len(first.Assets))
	}
	for i := range first.Assets {
		if !bytes.Equal(first.Assets[i].Payload, second.Assets[i].Payload) {
			t.Fatalf("asset %d differs between runs", i)
		}
	}
	if first.Assets[0].Kind != domain.AssetKindVariationSet {
		t.Fatalf("expected VariationSet first, got %s", first.Assets[0].Kind)
	}

	setAsset := domain.Asset{ID: first.Assets[0].ID(), Kind: first.Assets[0].Kind, Format: first.Assets[0].Format, Payload: first.Assets[0].Payload}
	set, err := DecodeSet(setAsset)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids := first.IDs()
	for i, id := range set.Candidates {
		if id != ids[i+1] {
			t.Fatalf("set lists %s at %d, output has %s", id, i, ids[i+1])
		}
	}

	schema, _ := reg.Schema(reg.Current())
	seen := map[string]bool{}
	for i, pa := range first.Assets[1:] {
		c, err := DecodeCandidate(domain.Asset{Format: pa.Format, Payload: pa.Payload})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c.Seed != DeriveSeed(7, uint64(i)) || c.VariationID != set.Labels[i] {
			t.Fatalf("candidate %d: unexpected identity %+v", i, c)
		}
		if seen[c.VariationID] {
			t.Fatalf("duplicate label %s", c.VariationID)
		}
		seen[c.VariationID] = true
		f, _ := schema.Field("height_scale")
		maxMove := 0.3 * (*f.Max - *f.Min) * jitterSpan
		if d := c.Geometry.HeightScale - 1.0; d > maxMove+1e-6 || d < -maxMove-1e-6 {
			t.Fatalf("candidate %d moved height_scale by %v, limit %v", i, d, maxMove)
		}
		if len(pa.Parents) != 1 || pa.Parents[0] != in[0].ID {
			t.Fatalf("candidate %d: parents %v", i, pa.Parents)
		}
	}
}

func TestJitterStaysInBounds(t *testing.T) {
	s, reg := newStage(t)
	p, err := reg.Build(reg.Current(), map[string]any{"strength": 1.0, "bevel_amount": 0.5, "symmetry_break": 0.0, "variation_count": 16})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := s.Execute(context.Background(), source(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, pa := range out.Assets[1:] {
		c, _ := DecodeCandidate(domain.Asset{Format: pa.Format, Payload: pa.Payload})
		if c.Geometry.BevelAmount > 0.5 || c.Geometry.SymmetryBreak < 0 {
			t.Fatalf("candidate escaped bounds: %+v", c.Geometry)
		}
	}
}

func TestValidateRejectsOldSchemaAndWrongInputs(t *testing.T) {
	s, reg := newStage(t)
	old, err := reg.Defaults(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Validate(source(), old); !errors.Is(err, domain.ErrInvalidParameters) {
		t.Fatalf("expected invalid parameters, got %v", err)
	}
	current, _ := reg.Defaults(reg.Current())
	mesh, _ := domain.NewAsset(domain.AssetKindMesh3D, "fmsh", []byte("m"), nil)
	if err := s.Validate(stage.Inputs{mesh}, current); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestExecuteHonoursCancellation(t *testing.T) {
	s, reg := newStage(t)
	p, _ := reg.Defaults(reg.Current())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Execute(ctx, source(), p); !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
}

func TestRandRange(t *testing.T) {
	r := NewRand(42)
	for i := 0; i < 1000; i++ {
		if f := r.Float64(); f < 0 || f >= 1 {
			t.Fatalf("Float64 out of range: %v", f)
		}
		if s := r.Signed(); s < -1 || s >= 1 {
			t.Fatalf("Signed out of range: %v", s)
		}
	}
}
