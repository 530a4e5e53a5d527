package variation

import (
	"encoding/json"
	"fmt"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/params"
)

const (
	CandidateFormat = "variation+json"
	SetFormat       = "variationset+json"
)

// Geometry is the shape-control subset of a parameter set, carried by
// each candidate and consumed by the 3D stage.
type Geometry struct {
	HeightScale      float64 `json:"height_scale"`
	ExtrusionDepth   float64 `json:"extrusion_depth"`
	BevelAmount      float64 `json:"bevel_amount"`
	SymmetryBreak    float64 `json:"symmetry_break"`
	ErosionIntensity float64 `json:"erosion_intensity"`
	DetailLevel      float64 `json:"detail_level"`
}

type geometryField struct {
	key string
	ptr func(*Geometry) *float64
}

var geometryFields = []geometryField{
	{"height_scale", func(g *Geometry) *float64 { return &g.HeightScale }},
	{"extrusion_depth", func(g *Geometry) *float64 { return &g.ExtrusionDepth }},
	{"bevel_amount", func(g *Geometry) *float64 { return &g.BevelAmount }},
	{"symmetry_break", func(g *Geometry) *float64 { return &g.SymmetryBreak }},
	{"erosion_intensity", func(g *Geometry) *float64 { return &g.ErosionIntensity }},
	{"detail_level", func(g *Geometry) *float64 { return &g.DetailLevel }},
}

// GeometryKeys lists the parameter keys that make up Geometry.
func GeometryKeys() []string {
	keys := make([]string, len(geometryFields))
	for i, f := range geometryFields {
		keys[i] = f.key
	}
	return keys
}

// GeometryFrom reads the geometry keys of p.
func GeometryFrom(p params.Set) Geometry {
	var g Geometry
	for _, f := range geometryFields {
		*f.ptr(&g) = p.Float(f.key, 0)
	}
	return g
}

// Apply adds sparse deltas and clamps every field to the schema range.
func (g Geometry) Apply(delta map[string]float64, schema *params.Schema) Geometry {
	out := g
	for _, f := range geometryFields {
		v := f.ptr(&out)
		*v += delta[f.key]
		if field, ok := schema.Field(f.key); ok {
			*v = field.ClampFloat(*v)
		}
		*v = round6(*v)
	}
	return out
}

// Candidate describes one variation. It is stored as an Image2D asset: the
// reference the 3D stage builds from.
type Candidate struct {
	VariationID   string         `json:"variation_id"`
	Index         int            `json:"index"`
	Seed          uint64         `json:"seed"`
	Source        domain.AssetID `json:"source"`
	ParamsHash    string         `json:"params_hash"`
	SchemaVersion int            `json:"schema_version"`
	AssetClass    string         `json:"asset_class"`
	MirrorX       bool           `json:"mirror_x"`
	Geometry      Geometry       `json:"geometry"`
}

// Set lists the candidates of one variation run.
type Set struct {
	Source     domain.AssetID   `json:"source"`
	ParamsHash string           `json:"params_hash"`
	BaseSeed   uint64           `json:"base_seed"`
	Strength   float64          `json:"strength"`
	Candidates []domain.AssetID `json:"candidates"`
	Labels     []string         `json:"labels"`
}

func DecodeCandidate(a domain.Asset) (Candidate, error) {
	if a.Format != CandidateFormat {
		return Candidate{}, &domain.InvalidInputError{Field: "format", Reason: fmt.Sprintf("expected %s, got %s", CandidateFormat, a.Format)}
	}
	var c Candidate
	if err := json.Unmarshal(a.Payload, &c); err != nil {
		return Candidate{}, &domain.CorruptionError{Subject: "candidate", ID: string(a.ID), Reason: err.Error()}
	}
	return c, nil
}

func DecodeSet(a domain.Asset) (Set, error) {
	if a.Kind != domain.AssetKindVariationSet || a.Format != SetFormat {
		return Set{}, &domain.InvalidInputError{Field: "format", Reason: fmt.Sprintf("expected %s %s", domain.AssetKindVariationSet, SetFormat)}
	}
	var s Set
	if err := json.Unmarshal(a.Payload, &s); err != nil {
		return Set{}, &domain.CorruptionError{Subject: "variation set", ID: string(a.ID), Reason: err.Error()}
	}
	return s, nil
}
