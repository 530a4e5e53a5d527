package variation

import "math"

// DeriveSeed mixes a base seed with a candidate index (SplitMix64).
func DeriveSeed(base, index uint64) uint64 {
	z := base + 0x9E3779B97F4A7C15 + index
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// Rand is a SplitMix64 stream. It is the only randomness stages may use.
type Rand struct {
	state uint64
}

func NewRand(seed uint64) *Rand { return &Rand{state: seed} }

func (r *Rand) Uint64() uint64 {
	r.state += 0x9E3779B97F4A7C15
	z := r.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// Float64 returns a value in [0, 1) built from the top 53 bits.
func (r *Rand) Float64() float64 {
	return float64(r.Uint64()>>11) / (1 << 53)
}

// Signed returns a value in [-1, 1).
func (r *Rand) Signed() float64 {
	return r.Float64()*2 - 1
}

// round6 keeps descriptor values short and stable across encoders.
func round6(x float64) float64 {
	return math.Round(x*1e6) / 1e6
}
