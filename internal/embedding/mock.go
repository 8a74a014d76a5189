package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Mock is a deterministic embedder for tests. Each lowercase token hashes
// into a bucket of the vector, which is then normalised to unit length, so
// texts sharing words land near each other in cosine space and identical
// texts embed identically.
type Mock struct {
	dims int
}

// NewMock creates a mock embedder with the given dimensionality.
func NewMock(dims int) *Mock {
	return &Mock{dims: dims}
}

// Embed hashes tokens into buckets and normalises.
func (m *Mock) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, m.dims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,!?;:\"'()")
		if token == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[int(h.Sum32())%m.dims]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (m *Mock) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		vec, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

// Dimensions returns the configured vector length.
func (m *Mock) Dimensions() int {
	return m.dims
}

// Provider tags the embedder for stats and logging.
func (m *Mock) Provider() string {
	return "mock"
}

var _ Embedder = (*Mock)(nil)
