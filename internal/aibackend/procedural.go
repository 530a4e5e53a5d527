package aibackend

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/mesh"
	"github.com/forge-labs/forge-go/internal/stage"
	"github.com/forge-labs/forge-go/internal/stage/variation"
)

const DefaultProceduralVersion = "procedural-1"

// Procedural builds a beveled, eroded prism from a candidate descriptor.
type Procedural struct {
	version string
}

func NewProcedural(version string) *Procedural {
	if version == "" {
		version = DefaultProceduralVersion
	}
	return &Procedural{version: version}
}

func (p *Procedural) ModelVersion() string { return p.version }

func (p *Procedural) Generate(ctx context.Context, req Request) (Response, error) {
	c, err := decodeCandidate(req)
	if err != nil {
		return Response{}, err
	}
	m, err := Build(ctx, c)
	if err != nil {
		return Response{}, err
	}
	return Response{Payload: m.Encode(), Format: mesh.Format, ModelVersion: p.version}, nil
}

func decodeCandidate(req Request) (variation.Candidate, error) {
	if req.InputFormat != variation.CandidateFormat {
		return variation.Candidate{}, stage.Fail(domain.CauseStageError, false,
			fmt.Errorf("input %s has format %q, want %q", req.InputID, req.InputFormat, variation.CandidateFormat))
	}
	var c variation.Candidate
	if err := json.Unmarshal(req.Input, &c); err != nil {
		return variation.Candidate{}, stage.Fail(domain.CauseStageError, false, fmt.Errorf("decode candidate: %w", err))
	}
	return c, nil
}

type silhouette struct {
	radius float64
	height float64
}

var silhouettes = map[string]silhouette{
	"prop":   {radius: 0.5, height: 1.0},
	"pillar": {radius: 0.3, height: 2.5},
	"wall":   {radius: 1.0, height: 1.5},
	"debris": {radius: 0.4, height: 0.35},
}

// Build generates the mesh for c. It is a pure function of c and checks ctx
// once per ring.
func Build(ctx context.Context, c variation.Candidate) (mesh.Mesh, error) {
	g := c.Geometry
	shape, ok := silhouettes[c.AssetClass]
	if !ok {
		shape = silhouettes["prop"]
	}
	sides := 6 + int(math.Round(g.DetailLevel*18))
	height := shape.height * g.HeightScale
	depth := math.Max(g.ExtrusionDepth*2, 0.05)
	bevel := g.BevelAmount

	rng := variation.NewRand(c.Seed)
	radial := make([]float64, sides)
	for j := range radial {
		radial[j] = 1 + g.SymmetryBreak*0.3*rng.Signed()
	}
	if c.MirrorX {
		for j := 1; j < sides; j++ {
			if k := sides - j; k < j {
				radial[j] = radial[k]
			}
		}
	}

	// Rings from bottom to top: base, shoulder, beveled crown.
	rings := []struct {
		y     float64
		inset float64
	}{
		{0, 1},
		{height * (1 - bevel), 1},
		{height, 1 - bevel},
	}

	var m mesh.Mesh
	for _, ring := range rings {
		if err := stage.Checkpoint(ctx); err != nil {
			return mesh.Mesh{}, err
		}
		for j := 0; j < sides; j++ {
			theta := 2 * math.Pi * float64(j) / float64(sides)
			r := shape.radius * radial[j] * ring.inset * (1 - g.ErosionIntensity*0.15*rng.Float64())
			y := ring.y
			if ring.y > 0 {
				y -= g.ErosionIntensity * 0.05 * height * rng.Float64()
			}
			m.Positions = append(m.Positions,
				float32(r*math.Cos(theta)),
				float32(y),
				float32(r*depth*math.Sin(theta)),
			)
		}
	}

	n := uint32(sides)
	for k := uint32(0); k+1 < uint32(len(rings)); k++ {
		for j := uint32(0); j < n; j++ {
			a, b := k*n+j, k*n+(j+1)%n
			d, e := (k+1)*n+j, (k+1)*n+(j+1)%n
			m.Indices = append(m.Indices, a, d, b, b, d, e)
		}
	}

	bottom := uint32(m.VertexCount())
	m.Positions = append(m.Positions, 0, 0, 0)
	top := bottom + 1
	m.Positions = append(m.Positions, 0, float32(height), 0)
	crown := uint32(len(rings)-1) * n
	for j := uint32(0); j < n; j++ {
		m.Indices = append(m.Indices, bottom, j, (j+1)%n)
		m.Indices = append(m.Indices, top, crown+(j+1)%n, crown+j)
	}

	if err := m.Validate(); err != nil {
		return mesh.Mesh{}, stage.Fail(domain.CauseInvalidOutput, false, err)
	}
	return m, nil
}
