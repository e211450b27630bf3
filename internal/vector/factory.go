package vector

import "fmt"

// IndexType names a vector index implementation in configuration.
type IndexType string

// IndexTypeMemory is the flat exact-search index persisted as one file.
const IndexTypeMemory IndexType = "memory"

// NewVectorIndex builds the index named by indexType, treating "" as memory.
// A dimension of 0 lets the index learn its width from the first batch.
func NewVectorIndex(indexType string, dimensions int) (VectorIndex, error) {
	switch t := IndexType(indexType); t {
	case "", IndexTypeMemory:
		return NewMemoryIndex(dimensions)
	default:
		return nil, fmt.Errorf("vector index type %q is not supported, use %q", t, IndexTypeMemory)
	}
}
