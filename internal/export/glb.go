package export

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

const (
	FormatGLB           = "glb"
	FormatOBJ           = "obj"
	FormatManifestJSON  = "manifest+json"
	FormatManifestYAML  = "manifest+yaml"
	FormatRecordsNDJSON = "records+ndjson"
)

const (
	glbMagic     = 0x46546C67
	glbVersion   = 2
	chunkJSON    = 0x4E4F534A
	chunkBIN     = 0x004E4942
	arrayBuffer  = 34962
	elementArray = 34963
	componentF32 = 5126
	componentU32 = 5125
	modeTriangle = 4
)

// GLB writes a single-mesh glTF 2.0 binary with one PBR material.
type GLB struct{}

func (GLB) Name() string        { return FormatGLB }
func (GLB) Extension() string   { return "glb" }
func (GLB) ContentType() string { return "model/gltf-binary" }

type gltfDoc struct {
	Asset       gltfAsset        `json:"asset"`
	Scene       int              `json:"scene"`
	Scenes      []gltfScene      `json:"scenes"`
	Nodes       []gltfNode       `json:"nodes"`
	Meshes      []gltfMesh       `json:"meshes"`
	Materials   []gltfMaterial   `json:"materials"`
	Buffers     []gltfBuffer     `json:"buffers"`
	BufferViews []gltfBufferView `json:"bufferViews"`
	Accessors   []gltfAccessor   `json:"accessors"`
	Extras      map[string]any   `json:"extras,omitempty"`
}

type gltfAsset struct {
	Version   string `json:"version"`
	Generator string `json:"generator"`
}

type gltfScene struct {
	Nodes []int `json:"nodes"`
}

type gltfNode struct {
	Name string `json:"name"`
	Mesh int    `json:"mesh"`
}

type gltfMesh struct {
	Name       string          `json:"name"`
	Primitives []gltfPrimitive `json:"primitives"`
}

type gltfPrimitive struct {
	Attributes map[string]int `json:"attributes"`
	Indices    int            `json:"indices"`
	Material   int            `json:"material"`
	Mode       int            `json:"mode"`
}

type gltfMaterial struct {
	Name string  `json:"name"`
	PBR  gltfPBR `json:"pbrMetallicRoughness"`
}

type gltfPBR struct {
	BaseColorFactor [4]float64 `json:"baseColorFactor"`
	MetallicFactor  float64    `json:"metallicFactor"`
	RoughnessFactor float64    `json:"roughnessFactor"`
}

type gltfBuffer struct {
	ByteLength int `json:"byteLength"`
}

type gltfBufferView struct {
	Buffer     int `json:"buffer"`
	ByteOffset int `json:"byteOffset"`
	ByteLength int `json:"byteLength"`
	Target     int `json:"target"`
}

type gltfAccessor struct {
	BufferView    int       `json:"bufferView"`
	ComponentType int       `json:"componentType"`
	Count         int       `json:"count"`
	Type          string    `json:"type"`
	Min           []float32 `json:"min,omitempty"`
	Max           []float32 `json:"max,omitempty"`
}

func (GLB) Encode(g *Graph, p Preset) ([]byte, error) {
	m, err := prepareMesh(g, p)
	if err != nil {
		return nil, err
	}
	normals := m.Normals()
	for _, v := range m.Positions {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, faultAt(g.Root.ID, fmt.Errorf("non-finite vertex position %v", v))
		}
	}

	var bin bytes.Buffer
	_ = binary.Write(&bin, binary.LittleEndian, m.Positions)
	_ = binary.Write(&bin, binary.LittleEndian, normals)
	_ = binary.Write(&bin, binary.LittleEndian, m.Indices)
	posLen, idxLen := 4*len(m.Positions), 4*len(m.Indices)

	lo, hi := m.Bounds()
	name := p.BaseName(g.Label, g.Root.ID)
	color := [4]float64{0.8, 0.8, 0.8, 1}
	if c := p.Material.BaseColor; c != nil {
		color = [4]float64{c[0], c[1], c[2], 1}
	}
	doc := gltfDoc{
		Asset:  gltfAsset{Version: "2.0", Generator: "forge"},
		Scenes: []gltfScene{{Nodes: []int{0}}},
		Nodes:  []gltfNode{{Name: name, Mesh: 0}},
		Meshes: []gltfMesh{{
			Name: name,
			Primitives: []gltfPrimitive{{
				Attributes: map[string]int{"POSITION": 0, "NORMAL": 1},
				Indices:    2,
				Material:   0,
				Mode:       modeTriangle,
			}},
		}},
		Materials: []gltfMaterial{{
			Name: name + "_mat",
			PBR:  gltfPBR{BaseColorFactor: color, MetallicFactor: p.Material.Metallic, RoughnessFactor: p.Material.Roughness},
		}},
		Buffers: []gltfBuffer{{ByteLength: bin.Len()}},
		BufferViews: []gltfBufferView{
			{Buffer: 0, ByteOffset: 0, ByteLength: posLen, Target: arrayBuffer},
			{Buffer: 0, ByteOffset: posLen, ByteLength: posLen, Target: arrayBuffer},
			{Buffer: 0, ByteOffset: 2 * posLen, ByteLength: idxLen, Target: elementArray},
		},
		Accessors: []gltfAccessor{
			{BufferView: 0, ComponentType: componentF32, Count: m.VertexCount(), Type: "VEC3", Min: lo[:], Max: hi[:]},
			{BufferView: 1, ComponentType: componentF32, Count: m.VertexCount(), Type: "VEC3"},
			{BufferView: 2, ComponentType: componentU32, Count: len(m.Indices), Type: "SCALAR"},
		},
		Extras: map[string]any{
			"forge_session": g.SessionID,
			"forge_asset":   string(g.Root.ID),
			"units":         p.Units,
		},
	}
	if p.LOD != nil && g.Approval.ExportSettings.GenerateLODs {
		doc.Extras["lod"] = p.LOD
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	for len(js)%4 != 0 {
		js = append(js, ' ')
	}
	for bin.Len()%4 != 0 {
		bin.WriteByte(0)
	}

	var out bytes.Buffer
	total := 12 + 8 + len(js) + 8 + bin.Len()
	_ = binary.Write(&out, binary.LittleEndian, [3]uint32{glbMagic, glbVersion, uint32(total)})
	_ = binary.Write(&out, binary.LittleEndian, [2]uint32{uint32(len(js)), chunkJSON})
	out.Write(js)
	_ = binary.Write(&out, binary.LittleEndian, [2]uint32{uint32(bin.Len()), chunkBIN})
	out.Write(bin.Bytes())
	return out.Bytes(), nil
}
