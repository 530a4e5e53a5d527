package export

import (
	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/mesh"
)

// prepareMesh decodes the root mesh, fits it to the approved dimensions,
// moves it to the approved pivot and converts it into the preset's frame.
func prepareMesh(g *Graph, p Preset) (mesh.Mesh, error) {
	m, err := mesh.Decode(g.Root.Payload)
	if err != nil {
		return mesh.Mesh{}, faultAt(g.Root.ID, err)
	}
	lo, hi := m.Bounds()

	var factor [3]float32
	target := [3]float64{g.Approval.DimensionsCm.Width, g.Approval.DimensionsCm.Height, g.Approval.DimensionsCm.Depth}
	for k := range 3 {
		factor[k] = 1
		extent := hi[k] - lo[k]
		if g.Approval.DimensionsCm != (domain.Dimensions{}) && extent > 0 {
			factor[k] = float32(target[k]/100) / extent
		}
	}
	var offset [3]float32
	for k := range 3 {
		offset[k] = -(lo[k] + hi[k]) / 2
	}
	if g.Approval.ExportSettings.Pivot != domain.PivotCenter {
		offset[1] = -lo[1]
	}

	fitted := mesh.Mesh{Positions: make([]float32, len(m.Positions)), Indices: m.Indices}
	for i := 0; i+2 < len(m.Positions); i += 3 {
		for k := range 3 {
			fitted.Positions[i+k] = (m.Positions[i+k] + offset[k]) * factor[k]
		}
	}
	out, err := fitted.Transform(p.Up, float32(p.Scale))
	if err != nil {
		return mesh.Mesh{}, faultAt(g.Root.ID, err)
	}
	return out, nil
}
