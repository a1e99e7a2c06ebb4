package vision

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
)

type mockEmbedder struct {
	dimensions int
}

// NewMockEmbedder returns a deterministic embedder: identical image bytes
// always map to the same unit vector, different bytes to unrelated ones.
func NewMockEmbedder(dimensions int) Embedder {
	if dimensions <= 0 {
		dimensions = 512
	}
	return &mockEmbedder{dimensions: dimensions}
}

func (m *mockEmbedder) Embed(ctx context.Context, frame Frame) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Placeholder || len(frame.JPEG) == 0 {
		return nil, nil
	}
	h := fnv.New64a()
	_, _ = h.Write(frame.JPEG)
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	vec := make([]float32, m.dimensions)
	var norm float64
	for i := range vec {
		v := rng.NormFloat64()
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}
