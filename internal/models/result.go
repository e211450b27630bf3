package models

import "time"

// RankedResult is one hybrid search hit. It is produced per query and never persisted.
type RankedResult struct {
	Chunk *Chunk `json:"chunk"`
	// Score is alpha*VectorScore + (1-alpha)*LexicalScore.
	Score float64 `json:"score"`
	// VectorScore is 1/(1+Distance).
	VectorScore  float64 `json:"vector_score"`
	LexicalScore float64 `json:"lexical_score"`
	Distance     float64 `json:"distance"`
	Rank         int     `json:"rank"`
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Query     string          `json:"query"`
	TopK      int             `json:"top_k"`
	Alpha     float64         `json:"alpha"`
	Results   []*RankedResult `json:"results"`
	Total     int             `json:"total"`
	QueryTime int64           `json:"query_time_ms"`
}

// Source is the compact form of a ranked chunk returned alongside an answer.
type Source struct {
	ChunkID string  `json:"chunk_id"`
	Title   string  `json:"title,omitempty"`
	URL     string  `json:"url,omitempty"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// SourcesFrom converts ranked results to answer sources.
func SourcesFrom(results []*RankedResult) []Source {
	sources := make([]Source, 0, len(results))
	for _, r := range results {
		if r.Chunk == nil {
			continue
		}
		sources = append(sources, Source{
			ChunkID: r.Chunk.ID,
			Title:   r.Chunk.Title,
			URL:     r.Chunk.URL,
			Snippet: r.Chunk.Snippet,
			Score:   r.Score,
		})
	}
	return sources
}

// FallbackDoc is a ranked chunk returned verbatim when answer generation fails.
type FallbackDoc struct {
	Content  string         `json:"content"`
	Metadata MetadataRecord `json:"metadata"`
	Score    float64        `json:"score"`
}

// QueryResponse is the answer to a QueryRequest.
type QueryResponse struct {
	Answer       string        `json:"answer,omitempty"`
	Sources      []Source      `json:"sources,omitempty"`
	Cached       bool          `json:"cached"`
	Error        string        `json:"error,omitempty"`
	FallbackDocs []FallbackDoc `json:"fallback_docs,omitempty"`
}

// CacheEntry is a cached answer. Entries are written whole and expire by TTL.
type CacheEntry struct {
	Answer    string    `json:"answer"`
	Sources   []Source  `json:"sources"`
	CreatedAt time.Time `json:"created_at"`
}
