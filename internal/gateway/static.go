package gateway

import (
	"context"
	"hash/fnv"
	"math"
)

// StaticEmbedder is a deterministic Embedder for tests and offline runs.
// Vectors are derived from a hash of the text, normalized to unit length, so
// identical texts always embed identically and similarity math stays
// exercised without a live gateway.
type StaticEmbedder struct {
	dim int

	// Err, when set, is returned from every Embed call.
	Err error

	// Fixed, when set, is returned verbatim (length unchecked) so tests
	// can force dimension mismatches.
	Fixed []float32
}

// NewStaticEmbedder creates a deterministic embedder of the given dimension.
func NewStaticEmbedder(dim int) *StaticEmbedder {
	return &StaticEmbedder{dim: dim}
}

// Embed returns a deterministic unit vector derived from the text.
func (s *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Fixed != nil {
		return s.Fixed, nil
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, s.dim)
	var norm float64
	for i := range vec {
		// xorshift64 keeps the sequence deterministic per seed.
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		v := float64(int64(seed%2000)-1000) / 1000.0
		vec[i] = float32(v)
		norm += v * v
	}

	if norm > 0 {
		inv := float32(1.0 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}

	return vec, nil
}

// Dimension returns the configured vector length.
func (s *StaticEmbedder) Dimension() int {
	return s.dim
}

// Compile-time assertion.
var _ Embedder = (*StaticEmbedder)(nil)
