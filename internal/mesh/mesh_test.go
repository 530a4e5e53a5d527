package mesh

import (
	"bytes"
	"testing"
)

func quad() Mesh {
	return Mesh{
		Positions: []float32{0, 0, 0, 1, 0, 0, 1, 1, 0, 0, 1, 0},
		Indices:   []uint32{0, 1, 2, 0, 2, 3},
	}
}

func TestEncodeDecode(t *testing.T) {
	m := quad()
	data := m.Encode()
	if !bytes.Equal(data, quad().Encode()) {
		t.Fatalf("encoding is not stable")
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.VertexCount() != 4 || got.TriangleCount() != 2 {
		t.Fatalf("unexpected mesh %+v", got)
	}
	for i := range m.Positions {
		if got.Positions[i] != m.Positions[i] {
			t.Fatalf("position %d: got %v want %v", i, got.Positions[i], m.Positions[i])
		}
	}
}

func TestDecodeRejectsDamage(t *testing.T) {
	data := quad().Encode()
	cases := map[string][]byte{
		"empty":     nil,
		"magic":     append([]byte("XXXX"), data[4:]...),
		"truncated": data[:len(data)-3],
		"version":   append(append([]byte("FMSH"), 9), data[5:]...),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(raw); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	bad := quad()
	bad.Indices[5] = 99
	if _, err := Decode(bad.Encode()); err == nil {
		t.Fatalf("expected out-of-range index to fail")
	}
}

func TestBoundsAndNormals(t *testing.T) {
	lo, hi := quad().Bounds()
	if lo != [3]float32{0, 0, 0} || hi != [3]float32{1, 1, 0} {
		t.Fatalf("unexpected bounds %v %v", lo, hi)
	}
	n := quad().Normals()
	for i := 0; i < len(n); i += 3 {
		if n[i] != 0 || n[i+1] != 0 || n[i+2] != 1 {
			t.Fatalf("vertex %d normal %v", i/3, n[i:i+3])
		}
	}
}

func TestTransform(t *testing.T) {
	m := Mesh{Positions: []float32{1, 2, 3}, Indices: []uint32{0, 0, 0}}
	z, err := m.Transform(ZUp, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []float32{100, -300, 200}
	for i := range want {
		if z.Positions[i] != want[i] {
			t.Fatalf("got %v want %v", z.Positions, want)
		}
	}
	if m.Positions[0] != 1 {
		t.Fatalf("transform must not modify the source")
	}
	if _, err := m.Transform("x_up", 1); err == nil {
		t.Fatalf("expected unknown axis error")
	}
	if _, err := m.Transform(YUp, 0); err == nil {
		t.Fatalf("expected scale error")
	}
}
