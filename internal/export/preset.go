package export

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/mesh"
)

const (
	PresetBevy       = "bevy"
	PresetUnreal5    = "unreal5"
	PresetUnity      = "unity"
	PresetWebPreview = "web_preview"
)

type LODConfig struct {
	Levels       int       `json:"levels" yaml:"levels"`
	Reduction    float64   `json:"reduction" yaml:"reduction"`
	MinTriangles int       `json:"min_triangles" yaml:"min_triangles"`
	Thresholds   []float64 `json:"thresholds" yaml:"thresholds"`
}

type MaterialConfig struct {
	PBR              bool        `json:"pbr" yaml:"pbr"`
	GenerateTextures bool        `json:"generate_textures" yaml:"generate_textures"`
	TextureSize      int         `json:"texture_size" yaml:"texture_size"`
	Roughness        float64     `json:"roughness" yaml:"roughness"`
	Metallic         float64     `json:"metallic" yaml:"metallic"`
	BaseColor        *[3]float64 `json:"base_color,omitempty" yaml:"base_color,omitempty"`
}

type NamingConfig struct {
	Prefix    string `json:"prefix" yaml:"prefix"`
	Separator string `json:"separator" yaml:"separator"`
	Lowercase bool   `json:"lowercase" yaml:"lowercase"`
}

// Preset bundles the target-engine conventions an export follows.
type Preset struct {
	Name string `json:"name" yaml:"name"`
	// Format is the encoder used when the caller names no target.
	Format   string         `json:"format" yaml:"format"`
	Up       mesh.Axis      `json:"up" yaml:"up"`
	Scale    float64        `json:"scale" yaml:"scale"`
	Units    string         `json:"units" yaml:"units"`
	LOD      *LODConfig     `json:"lod,omitempty" yaml:"lod,omitempty"`
	Material MaterialConfig `json:"material" yaml:"material"`
	Naming   NamingConfig   `json:"naming" yaml:"naming"`
}

var lodFormats = map[string]bool{FormatGLB: true}

func defaultMaterial() MaterialConfig {
	return MaterialConfig{PBR: true, GenerateTextures: true, TextureSize: 2048, Roughness: 0.7}
}

// DefaultPresets returns the built-in presets.
func DefaultPresets() []Preset {
	bevyMaterial := defaultMaterial()
	bevyMaterial.TextureSize = 1024
	webMaterial := defaultMaterial()
	webMaterial.TextureSize = 1024

	return []Preset{
		{
			Name:   PresetBevy,
			Format: FormatGLB,
			Up:     mesh.YUp,
			Scale:  1,
			Units:  "meters",
			LOD: &LODConfig{
				Levels:       3,
				Reduction:    0.5,
				MinTriangles: 100,
				Thresholds:   []float64{0, 15, 50, 150},
			},
			Material: bevyMaterial,
			Naming:   NamingConfig{Separator: "_", Lowercase: true},
		},
		{
			Name:     PresetUnreal5,
			Format:   FormatOBJ,
			Up:       mesh.ZUp,
			Scale:    100,
			Units:    "centimeters",
			Material: defaultMaterial(),
			Naming:   NamingConfig{Prefix: "SM", Separator: "_"},
		},
		{
			Name:     PresetUnity,
			Format:   FormatOBJ,
			Up:       mesh.YUp,
			Scale:    1,
			Units:    "meters",
			Material: defaultMaterial(),
			Naming:   NamingConfig{Separator: "_", Lowercase: true},
		},
		{
			Name:     PresetWebPreview,
			Format:   FormatGLB,
			Up:       mesh.YUp,
			Scale:    1,
			Units:    "meters",
			Material: webMaterial,
			Naming:   NamingConfig{Prefix: "preview", Separator: "_", Lowercase: true},
		},
	}
}

const invalidNameChars = `/\:*?"<>|`

func (p Preset) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("preset name is required")
	}
	if p.Up != mesh.YUp && p.Up != mesh.ZUp {
		return fmt.Errorf("preset %s: unknown up axis %q", p.Name, p.Up)
	}
	if !(p.Scale > 0) || math.IsInf(p.Scale, 0) {
		return fmt.Errorf("preset %s: scale must be positive, got %v", p.Name, p.Scale)
	}
	if p.LOD != nil {
		if !lodFormats[p.Format] {
			return fmt.Errorf("preset %s: format %s does not support LOD generation", p.Name, p.Format)
		}
		if err := p.LOD.validate(); err != nil {
			return fmt.Errorf("preset %s: lod: %w", p.Name, err)
		}
	}
	if err := p.Material.validate(); err != nil {
		return fmt.Errorf("preset %s: material: %w", p.Name, err)
	}
	if i := strings.IndexAny(p.Naming.Prefix, invalidNameChars); i >= 0 {
		return fmt.Errorf("preset %s: naming prefix contains invalid character %q", p.Name, p.Naming.Prefix[i])
	}
	if strings.ContainsAny(p.Naming.Separator, invalidNameChars) {
		return fmt.Errorf("preset %s: naming separator contains an invalid character", p.Name)
	}
	return nil
}

func (l LODConfig) validate() error {
	if l.Levels < 0 {
		return fmt.Errorf("levels must be >= 0, got %d", l.Levels)
	}
	if !(l.Reduction > 0 && l.Reduction < 1) {
		return fmt.Errorf("reduction %v must be in (0, 1)", l.Reduction)
	}
	if l.MinTriangles <= 0 {
		return errors.New("min_triangles must be > 0")
	}
	for i := 1; i < len(l.Thresholds); i++ {
		if l.Thresholds[i-1] >= l.Thresholds[i] {
			return errors.New("thresholds must be in ascending order")
		}
	}
	return nil
}

func (m MaterialConfig) validate() error {
	if m.GenerateTextures && (m.TextureSize <= 0 || m.TextureSize&(m.TextureSize-1) != 0) {
		return fmt.Errorf("texture_size %d is not a power of two", m.TextureSize)
	}
	if !unit(m.Roughness) {
		return fmt.Errorf("roughness %v must be in [0, 1]", m.Roughness)
	}
	if !unit(m.Metallic) {
		return fmt.Errorf("metallic %v must be in [0, 1]", m.Metallic)
	}
	if m.BaseColor != nil {
		for i, c := range m.BaseColor {
			if !unit(c) {
				return fmt.Errorf("base_color[%d] = %v must be in [0, 1]", i, c)
			}
		}
	}
	return nil
}

func unit(x float64) bool { return x >= 0 && x <= 1 }

// Filename builds prefix_label_assetshort.ext from the naming rules.
func (p Preset) Filename(label string, id domain.AssetID, ext string) string {
	return p.BaseName(label, id) + "." + ext
}

// BaseName is Filename without the extension. Empty parts are skipped.
func (p Preset) BaseName(label string, id domain.AssetID) string {
	sep := p.Naming.Separator
	if sep == "" {
		sep = "_"
	}
	var parts []string
	for _, part := range []string{p.Naming.Prefix, sanitize(label), id.Short()} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	name := strings.Join(parts, sep)
	if p.Naming.Lowercase {
		name = strings.ToLower(name)
	}
	return name
}

func sanitize(label string) string {
	label = strings.TrimSpace(label)
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(invalidNameChars, r) || r == ' ' || r < 0x20 {
			return '_'
		}
		return r
	}, label)
}
