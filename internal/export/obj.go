package export

import (
	"bytes"
	"fmt"
	"strconv"
)

// OBJ writes Wavefront OBJ with per-vertex normals.
type OBJ struct{}

func (OBJ) Name() string        { return FormatOBJ }
func (OBJ) Extension() string   { return "obj" }
func (OBJ) ContentType() string { return "model/obj" }

func (OBJ) Encode(g *Graph, p Preset) ([]byte, error) {
	m, err := prepareMesh(g, p)
	if err != nil {
		return nil, err
	}
	normals := m.Normals()

	var b bytes.Buffer
	fmt.Fprintf(&b, "# forge export\n# session %s\n# asset %s\n# units %s, up %s\n", g.SessionID, g.Root.ID, p.Units, p.Up)
	fmt.Fprintf(&b, "o %s\n", p.BaseName(g.Label, g.Root.ID))
	writeVec := func(prefix string, v []float32) {
		for i := 0; i+2 < len(v); i += 3 {
			b.WriteString(prefix)
			for k := range 3 {
				b.WriteByte(' ')
				b.WriteString(strconv.FormatFloat(float64(v[i+k]), 'f', 6, 32))
			}
			b.WriteByte('\n')
		}
	}
	writeVec("v", m.Positions)
	writeVec("vn", normals)
	for i := 0; i+2 < len(m.Indices); i += 3 {
		a, c, d := m.Indices[i]+1, m.Indices[i+1]+1, m.Indices[i+2]+1
		fmt.Fprintf(&b, "f %d//%d %d//%d %d//%d\n", a, a, c, c, d, d)
	}
	return b.Bytes(), nil
}
