// Package variation implements the seeded variation stage. One run turns a
// source reference into a VariationSet followed by N candidate descriptors.
package variation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/params"
	"github.com/forge-labs/forge-go/internal/stage"
)

const (
	ID      = "variation"
	Version = "1.0.0"

	// jitterSpan is the share of a field's range that strength 1.0 may move
	// a candidate in either direction.
	jitterSpan = 0.25
)

// Stage is stateless apart from the schema it clamps against.
type Stage struct {
	schema *params.Schema
}

func New(schema *params.Schema) (*Stage, error) {
	if schema == nil {
		return nil, fmt.Errorf("variation: schema is required")
	}
	for _, key := range append(GeometryKeys(), "seed", "variation_count", "strength") {
		if _, ok := schema.Field(key); !ok {
			return nil, fmt.Errorf("variation: schema v%d has no %q field", schema.Version, key)
		}
	}
	return &Stage{schema: schema}, nil
}

func (s *Stage) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		ID:         ID,
		Version:    Version,
		Order:      10,
		From:       []domain.State{domain.StateImporting, domain.StateVariationPending},
		To:         domain.StateVariationPending,
		InputKinds: []domain.AssetKind{domain.AssetKindImage2D},
	}
}

func (s *Stage) Validate(in stage.Inputs, p params.Set) error {
	if err := in.CheckKinds(s.Descriptor().InputKinds); err != nil {
		return err
	}
	if p.SchemaVersion() != s.schema.Version {
		verr := &params.ValidationError{SchemaVersion: p.SchemaVersion()}
		verr.Add("schema_version", fmt.Sprintf("variation needs schema v%d, migrate the parameters first", s.schema.Version))
		return verr
	}
	return nil
}

func (s *Stage) EstimateCost(_ stage.Inputs, p params.Set) stage.Cost {
	n := int(p.Int("variation_count", 4))
	return stage.Cost{Units: n, Outputs: n + 1, Duration: time.Duration(n) * 5 * time.Millisecond}
}

func (s *Stage) Execute(ctx context.Context, in stage.Inputs, p params.Set) (stage.Output, error) {
	source := in[0]
	baseSeed := uint64(p.Int("seed", 0))
	count := int(p.Int("variation_count", 4))
	strength := p.Float("strength", 0.5)
	base := GeometryFrom(p)

	set := Set{
		Source:     source.ID,
		ParamsHash: p.Hash(),
		BaseSeed:   baseSeed,
		Strength:   strength,
	}
	candidates := make([]stage.PendingAsset, 0, count)
	for i := 0; i < count; i++ {
		if err := stage.Checkpoint(ctx); err != nil {
			return stage.Output{}, err
		}
		seed := DeriveSeed(baseSeed, uint64(i))
		c := Candidate{
			VariationID:   fmt.Sprintf("var_%04d_%d", i, seed),
			Index:         i,
			Seed:          seed,
			Source:        source.ID,
			ParamsHash:    p.Hash(),
			SchemaVersion: p.SchemaVersion(),
			AssetClass:    p.Enum("asset_class", ""),
			MirrorX:       p.Bool("mirror_x", false),
			Geometry:      base.Apply(s.jitter(seed, strength), s.schema),
		}
		payload, err := json.Marshal(c)
		if err != nil {
			return stage.Output{}, stage.Fail(domain.CauseInvalidOutput, false, err)
		}
		pending := stage.PendingAsset{
			Kind:    domain.AssetKindImage2D,
			Format:  CandidateFormat,
			Payload: payload,
			Parents: []domain.AssetID{source.ID},
		}
		candidates = append(candidates, pending)
		set.Candidates = append(set.Candidates, pending.ID())
		set.Labels = append(set.Labels, c.VariationID)
	}

	payload, err := json.Marshal(set)
	if err != nil {
		return stage.Output{}, stage.Fail(domain.CauseInvalidOutput, false, err)
	}
	assets := make([]stage.PendingAsset, 0, count+1)
	assets = append(assets, stage.PendingAsset{
		Kind:    domain.AssetKindVariationSet,
		Format:  SetFormat,
		Payload: payload,
		Parents: []domain.AssetID{source.ID},
	})
	return stage.Output{Assets: append(assets, candidates...)}, nil
}

// jitter draws one signed delta per geometry field from the candidate seed.
func (s *Stage) jitter(seed uint64, strength float64) map[string]float64 {
	rng := NewRand(seed)
	delta := make(map[string]float64, len(geometryFields))
	for _, f := range geometryFields {
		field, _ := s.schema.Field(f.key)
		span := 1.0
		if field.Min != nil && field.Max != nil {
			span = *field.Max - *field.Min
		}
		delta[f.key] = rng.Signed() * strength * span * jitterSpan
	}
	return delta
}
