package models

import "fmt"

// SearchQuery is a hybrid search request.
type SearchQuery struct {
	Query string   `json:"query"`
	TopK  int      `json:"top_k,omitempty"`
	Alpha *float64 `json:"alpha,omitempty"`
}

// QueryRequest is a question answered from retrieved chunks.
type QueryRequest struct {
	SearchQuery
	MaxTokens int  `json:"max_tokens,omitempty"`
	Stream    bool `json:"stream,omitempty"`
}

// Validate checks the query and fills TopK and Alpha from the given defaults.
// TopK is capped at maxTopK.
func (q *SearchQuery) Validate(defaultTopK, maxTopK int, defaultAlpha float64) error {
	if q.Query == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if q.TopK < 0 {
		return fmt.Errorf("top_k must not be negative")
	}
	if q.TopK == 0 {
		q.TopK = defaultTopK
	}
	if maxTopK > 0 && q.TopK > maxTopK {
		q.TopK = maxTopK
	}
	if q.Alpha == nil {
		a := defaultAlpha
		q.Alpha = &a
	}
	if *q.Alpha < 0 || *q.Alpha > 1 {
		return fmt.Errorf("alpha must be within [0, 1], got %g", *q.Alpha)
	}
	return nil
}
