package models

import (
	"testing"
)

func TestChunkID_roundTrip(t *testing.T) {
	for _, seq := range []int64{0, 1, 42, 1 << 40} {
		id := ChunkID(seq)
		got, err := ParseChunkID(id)
		if err != nil {
			t.Fatalf("ParseChunkID(%q): %v", id, err)
		}
		if got != seq {
			t.Errorf("ParseChunkID(%q) = %d, want %d", id, got, seq)
		}
	}
	if ChunkID(7) != "chunk_7" {
		t.Errorf("unexpected id format: %s", ChunkID(7))
	}
}

func TestParseChunkID_invalid(t *testing.T) {
	for _, id := range []string{"", "chunk_", "chunk_x", "doc_1", "chunk_-1"} {
		if _, err := ParseChunkID(id); err == nil {
			t.Errorf("ParseChunkID(%q) expected error", id)
		}
	}
}

func TestSearchQuery_Validate(t *testing.T) {
	alpha := func(v float64) *float64 { return &v }
	tests := []struct {
		name      string
		query     *SearchQuery
		wantErr   bool
		wantTopK  int
		wantAlpha float64
	}{
		{"empty query", &SearchQuery{Query: ""}, true, 0, 0},
		{"defaults", &SearchQuery{Query: "hello"}, false, 8, 0.7},
		{"caps top_k", &SearchQuery{Query: "x", TopK: 500}, false, 50, 0.7},
		{"negative top_k", &SearchQuery{Query: "x", TopK: -1}, true, 0, 0},
		{"explicit alpha zero", &SearchQuery{Query: "x", Alpha: alpha(0)}, false, 8, 0},
		{"alpha above one", &SearchQuery{Query: "x", Alpha: alpha(1.5)}, true, 0, 0},
		{"alpha below zero", &SearchQuery{Query: "x", Alpha: alpha(-0.1)}, true, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate(8, 50, 0.7)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.query.TopK != tt.wantTopK {
				t.Errorf("TopK = %d, want %d", tt.query.TopK, tt.wantTopK)
			}
			if *tt.query.Alpha != tt.wantAlpha {
				t.Errorf("Alpha = %g, want %g", *tt.query.Alpha, tt.wantAlpha)
			}
		})
	}
}

func TestSourcesFrom(t *testing.T) {
	results := []*RankedResult{
		{Chunk: &Chunk{ID: "chunk_1", Title: "T", Snippet: "s"}, Score: 0.5},
		{Chunk: nil, Score: 0.4},
	}
	sources := SourcesFrom(results)
	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}
	if sources[0].ChunkID != "chunk_1" || sources[0].Score != 0.5 {
		t.Errorf("unexpected source: %+v", sources[0])
	}
}

func TestIngestReport_Partial(t *testing.T) {
	r := &IngestReport{Produced: 10, Indexed: 10}
	if r.Partial() {
		t.Error("complete run reported partial")
	}
	r.Indexed = 7
	if !r.Partial() {
		t.Error("expected partial")
	}
}
