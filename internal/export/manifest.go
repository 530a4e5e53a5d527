package export

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	"github.com/forge-labs/forge-go/internal/domain"
)

const manifestFormat = "forge.manifest"

// Manifest describes an exported asset and its provenance.
type Manifest struct {
	Format    string           `json:"format" yaml:"format"`
	Version   int              `json:"version" yaml:"version"`
	SessionID string           `json:"session_id" yaml:"session_id"`
	Label     string           `json:"label" yaml:"label"`
	Root      domain.AssetID   `json:"root" yaml:"root"`
	MeshFile  string           `json:"mesh_file" yaml:"mesh_file"`
	Preset    Preset           `json:"preset" yaml:"preset"`
	Geometry  ManifestGeometry `json:"geometry" yaml:"geometry"`
	Approval  ManifestApproval `json:"approval" yaml:"approval"`
	Assets    []ManifestAsset  `json:"assets" yaml:"assets"`
	Records   []ManifestRecord `json:"records" yaml:"records"`
}

type ManifestGeometry struct {
	Vertices  int        `json:"vertices" yaml:"vertices"`
	Triangles int        `json:"triangles" yaml:"triangles"`
	Min       [3]float32 `json:"min" yaml:"min,flow"`
	Max       [3]float32 `json:"max" yaml:"max,flow"`
}

type ManifestApproval struct {
	Width        float64 `json:"width_cm" yaml:"width_cm"`
	Height       float64 `json:"height_cm" yaml:"height_cm"`
	Depth        float64 `json:"depth_cm" yaml:"depth_cm"`
	Pivot        string  `json:"pivot" yaml:"pivot"`
	Collision    string  `json:"collision" yaml:"collision"`
	GenerateLODs bool    `json:"generate_lods" yaml:"generate_lods"`
	Notes        string  `json:"notes,omitempty" yaml:"notes,omitempty"`
}

type ManifestAsset struct {
	ID      domain.AssetID   `json:"id" yaml:"id"`
	Kind    domain.AssetKind `json:"kind" yaml:"kind"`
	Format  string           `json:"format" yaml:"format"`
	Size    int              `json:"size" yaml:"size"`
	Parents []domain.AssetID `json:"parents,omitempty" yaml:"parents,omitempty"`
}

type ManifestRecord struct {
	Sequence     uint64           `json:"sequence" yaml:"sequence"`
	StageID      string           `json:"stage_id" yaml:"stage_id"`
	StageVersion string           `json:"stage_version" yaml:"stage_version"`
	ModelVersion string           `json:"model_version,omitempty" yaml:"model_version,omitempty"`
	ParamsHash   string           `json:"params_hash" yaml:"params_hash"`
	Fingerprint  string           `json:"fingerprint" yaml:"fingerprint"`
	Inputs       []domain.AssetID `json:"inputs" yaml:"inputs"`
	Outputs      []domain.AssetID `json:"outputs" yaml:"outputs"`
}

// BuildManifest is shared by the JSON and YAML manifest encoders.
func BuildManifest(g *Graph, p Preset) (Manifest, error) {
	m, err := prepareMesh(g, p)
	if err != nil {
		return Manifest{}, err
	}
	lo, hi := m.Bounds()
	a := g.Approval
	out := Manifest{
		Format:    manifestFormat,
		Version:   1,
		SessionID: g.SessionID,
		Label:     g.Label,
		Root:      g.Root.ID,
		MeshFile:  p.Filename(g.Label, g.Root.ID, p.Format),
		Preset:    p,
		Geometry:  ManifestGeometry{Vertices: m.VertexCount(), Triangles: m.TriangleCount(), Min: lo, Max: hi},
		Approval: ManifestApproval{
			Width:        a.DimensionsCm.Width,
			Height:       a.DimensionsCm.Height,
			Depth:        a.DimensionsCm.Depth,
			Pivot:        a.ExportSettings.Pivot,
			Collision:    a.ExportSettings.Collision,
			GenerateLODs: a.ExportSettings.GenerateLODs,
			Notes:        a.Notes,
		},
		Assets:  make([]ManifestAsset, 0, len(g.Assets)),
		Records: make([]ManifestRecord, 0, len(g.Records)),
	}
	for _, asset := range g.Assets {
		out.Assets = append(out.Assets, ManifestAsset{
			ID:      asset.ID,
			Kind:    asset.Kind,
			Format:  asset.Format,
			Size:    len(asset.Payload),
			Parents: asset.Parents,
		})
	}
	for _, r := range g.Records {
		out.Records = append(out.Records, ManifestRecord{
			Sequence:     r.Sequence,
			StageID:      r.StageID,
			StageVersion: r.StageVersion,
			ModelVersion: r.ModelVersion,
			ParamsHash:   r.ParamsHash,
			Fingerprint:  r.Fingerprint,
			Inputs:       r.Inputs,
			Outputs:      r.Outputs,
		})
	}
	return out, nil
}

type ManifestJSON struct{}

func (ManifestJSON) Name() string        { return FormatManifestJSON }
func (ManifestJSON) Extension() string   { return "manifest.json" }
func (ManifestJSON) ContentType() string { return "application/json" }

func (ManifestJSON) Encode(g *Graph, p Preset) ([]byte, error) {
	m, err := BuildManifest(g, p)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

type ManifestYAML struct{}

func (ManifestYAML) Name() string        { return FormatManifestYAML }
func (ManifestYAML) Extension() string   { return "manifest.yaml" }
func (ManifestYAML) ContentType() string { return "application/yaml" }

func (ManifestYAML) Encode(g *Graph, p Preset) ([]byte, error) {
	m, err := BuildManifest(g, p)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(m)
}
