// Package vector provides the nearest-neighbour index over chunk embeddings.
package vector

import "context"

// VectorIndex stores embeddings by chunk id and answers nearest-neighbour queries.
// Distances are squared Euclidean: lower is more similar.
type VectorIndex interface {
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)
	Remove(ctx context.Context, ids []string) error
	Has(id string) bool
	IDs() []string
	Dimensions() int
	Save(path string) error
	Load(path string) error
	Size() int
	Close() error
}

// VectorResult is a single search hit. Rank is the 0-based position in distance order.
type VectorResult struct {
	ID       string
	Distance float64
	Rank     int
}
