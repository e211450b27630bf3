package embedding

import (
	"context"
	"strings"

	"github.com/hyperjump/shiori/pkg/utils"
)

// MockEmbedder is a deterministic offline embedder used by tests and the "mock" provider.
// Every word adds weight to two hashed buckets, so texts that share words land close
// together and identical texts embed identically.
type MockEmbedder struct {
	dimensions int
}

// NewMockEmbedder returns a mock embedder of the given width, 384 when width is not positive.
func NewMockEmbedder(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockEmbedder{dimensions: dimensions}
}

func (e *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.vector(text), nil
}

func (e *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		out = append(out, e.vector(text))
	}
	return out, nil
}

func (e *MockEmbedder) Dimensions() int { return e.dimensions }

func (e *MockEmbedder) Close() error { return nil }

func (e *MockEmbedder) vector(text string) []float32 {
	dims := uint32(e.dimensions)
	v := make([]float32, dims)
	// Bias keeps empty texts off the zero vector so normalisation stays defined.
	v[0] = 0.01
	for _, word := range strings.Fields(text) {
		h := wordHash(word)
		v[h%dims]++
		v[(h>>7)%dims] += 0.5
	}
	utils.NormalizeL2(v)
	return v
}
