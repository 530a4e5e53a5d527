// Package mesh holds the indexed triangle mesh the 3D stage produces and the
// export encoders consume. Meshes are Y-up and measured in meters.
package mesh

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Format is the asset format tag of an encoded mesh.
const Format = "fmsh"

const (
	magic   = "FMSH"
	version = 1
)

type Mesh struct {
	// Positions holds x, y, z per vertex.
	Positions []float32
	// Indices holds three vertex indices per triangle, counter-clockwise.
	Indices []uint32
}

func (m Mesh) VertexCount() int   { return len(m.Positions) / 3 }
func (m Mesh) TriangleCount() int { return len(m.Indices) / 3 }

func (m Mesh) Validate() error {
	if len(m.Positions) == 0 || len(m.Positions)%3 != 0 {
		return fmt.Errorf("mesh: %d position components is not a whole number of vertices", len(m.Positions))
	}
	if len(m.Indices) == 0 || len(m.Indices)%3 != 0 {
		return fmt.Errorf("mesh: %d indices is not a whole number of triangles", len(m.Indices))
	}
	n := uint32(m.VertexCount())
	for i, idx := range m.Indices {
		if idx >= n {
			return fmt.Errorf("mesh: index %d at %d out of range (%d vertices)", idx, i, n)
		}
	}
	for i, p := range m.Positions {
		if math.IsNaN(float64(p)) || math.IsInf(float64(p), 0) {
			return fmt.Errorf("mesh: position component %d is not finite", i)
		}
	}
	return nil
}

// Bounds returns the axis-aligned bounding box.
func (m Mesh) Bounds() (lo, hi [3]float32) {
	if len(m.Positions) < 3 {
		return lo, hi
	}
	copy(lo[:], m.Positions[:3])
	copy(hi[:], m.Positions[:3])
	for i := 3; i+2 < len(m.Positions); i += 3 {
		for k := 0; k < 3; k++ {
			v := m.Positions[i+k]
			if v < lo[k] {
				lo[k] = v
			}
			if v > hi[k] {
				hi[k] = v
			}
		}
	}
	return lo, hi
}

// Normals returns area-weighted unit vertex normals.
func (m Mesh) Normals() []float32 {
	acc := make([]float64, len(m.Positions))
	for t := 0; t+2 < len(m.Indices); t += 3 {
		a, b, c := m.vertex(m.Indices[t]), m.vertex(m.Indices[t+1]), m.vertex(m.Indices[t+2])
		u := [3]float64{b[0] - a[0], b[1] - a[1], b[2] - a[2]}
		v := [3]float64{c[0] - a[0], c[1] - a[1], c[2] - a[2]}
		n := [3]float64{u[1]*v[2] - u[2]*v[1], u[2]*v[0] - u[0]*v[2], u[0]*v[1] - u[1]*v[0]}
		for _, idx := range m.Indices[t : t+3] {
			for k := 0; k < 3; k++ {
				acc[int(idx)*3+k] += n[k]
			}
		}
	}
	out := make([]float32, len(acc))
	for i := 0; i+2 < len(acc); i += 3 {
		l := math.Sqrt(acc[i]*acc[i] + acc[i+1]*acc[i+1] + acc[i+2]*acc[i+2])
		if l == 0 {
			out[i+1] = 1
			continue
		}
		out[i], out[i+1], out[i+2] = float32(acc[i]/l), float32(acc[i+1]/l), float32(acc[i+2]/l)
	}
	return out
}

func (m Mesh) vertex(i uint32) [3]float64 {
	p := m.Positions[int(i)*3 : int(i)*3+3]
	return [3]float64{float64(p[0]), float64(p[1]), float64(p[2])}
}

// Encode writes the canonical little-endian form: magic, version, vertex
// count, index count, positions, indices.
func (m Mesh) Encode() []byte {
	var buf bytes.Buffer
	buf.Grow(len(magic) + 1 + 8 + 4*len(m.Positions) + 4*len(m.Indices))
	buf.WriteString(magic)
	buf.WriteByte(version)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(m.VertexCount()))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(m.Indices)))
	_ = binary.Write(&buf, binary.LittleEndian, m.Positions)
	_ = binary.Write(&buf, binary.LittleEndian, m.Indices)
	return buf.Bytes()
}

func Decode(data []byte) (Mesh, error) {
	const header = len(magic) + 1 + 8
	if len(data) < header || string(data[:len(magic)]) != magic {
		return Mesh{}, errors.New("mesh: bad header")
	}
	if data[len(magic)] != version {
		return Mesh{}, fmt.Errorf("mesh: unsupported version %d", data[len(magic)])
	}
	verts := binary.LittleEndian.Uint32(data[len(magic)+1:])
	indices := binary.LittleEndian.Uint32(data[len(magic)+5:])
	want := uint64(header) + 12*uint64(verts) + 4*uint64(indices)
	if uint64(len(data)) != want {
		return Mesh{}, fmt.Errorf("mesh: expected %d bytes, got %d", want, len(data))
	}
	m := Mesh{
		Positions: make([]float32, 3*verts),
		Indices:   make([]uint32, indices),
	}
	r := bytes.NewReader(data[header:])
	if err := binary.Read(r, binary.LittleEndian, m.Positions); err != nil {
		return Mesh{}, fmt.Errorf("mesh: positions: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, m.Indices); err != nil {
		return Mesh{}, fmt.Errorf("mesh: indices: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Mesh{}, err
	}
	return m, nil
}

// Axis names the up axis of a target coordinate system.
type Axis string

const (
	YUp Axis = "y_up"
	ZUp Axis = "z_up"
)

// Transform converts from the canonical Y-up meter frame into the given
// frame and unit scale. The result is a copy.
func (m Mesh) Transform(up Axis, scale float32) (Mesh, error) {
	if scale <= 0 {
		return Mesh{}, fmt.Errorf("mesh: scale must be positive, got %v", scale)
	}
	out := Mesh{
		Positions: make([]float32, len(m.Positions)),
		Indices:   append([]uint32(nil), m.Indices...),
	}
	for i := 0; i+2 < len(m.Positions); i += 3 {
		x, y, z := m.Positions[i], m.Positions[i+1], m.Positions[i+2]
		switch up {
		case YUp, "":
		case ZUp:
			// Right-handed Y-up to right-handed Z-up: (x, y, z) -> (x, -z, y).
			y, z = -z, y
		default:
			return Mesh{}, fmt.Errorf("mesh: unknown up axis %q", up)
		}
		out.Positions[i], out.Positions[i+1], out.Positions[i+2] = x*scale, y*scale, z*scale
	}
	return out, nil
}
