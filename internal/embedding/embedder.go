// Package embedding provides text embedding providers, an LRU query cache and a bounded-concurrency wrapper.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmbedding wraps every provider failure.
var ErrEmbedding = errors.New("embedding failed")

// Embedder produces vector embeddings for text. EmbedBatch returns exactly one vector per
// input, in input order, or an error.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// checkBatch rejects provider responses that do not line up with the request.
func checkBatch(texts []string, vecs [][]float32) error {
	if len(vecs) != len(texts) {
		return fmt.Errorf("%w: provider returned %d vectors for %d inputs", ErrEmbedding, len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("%w: empty vector at position %d", ErrEmbedding, i)
		}
	}
	return nil
}
