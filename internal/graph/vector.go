package graph

import (
	"encoding/binary"
	"fmt"
	"math"
)

// CosineSimilarity computes cosine similarity between two equal-length
// vectors. Returns 0 for mismatched lengths or zero vectors. Both the
// store-side similarity queries and the engine use this single
// implementation so scores are computed consistently on both sides of an
// edge.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SerializeEmbedding converts a float32 slice to a binary representation.
// Uses little-endian byte order for consistency across backends.
func SerializeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}

	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}

	return buf
}

// DeserializeEmbedding converts a binary representation back to a float32
// slice. Returns an error when the byte length is not a multiple of 4.
func DeserializeEmbedding(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}

	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: embedding blob length %d is not a multiple of 4", ErrInvalidInput, len(data))
	}

	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}

	return embedding, nil
}
