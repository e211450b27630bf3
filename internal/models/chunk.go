// Package models defines core data structures for chunks, queries, results, and ingestion reports.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChunkIDPrefix prefixes every chunk id; the remainder is the chunk sequence number.
const ChunkIDPrefix = "chunk_"

// SourceDocument is a parsed unit of the corpus. It only exists during ingestion.
type SourceDocument struct {
	SourceFile string `json:"source_file"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	Body       string `json:"body"`
}

// Chunk is the unit of indexing and retrieval.
type Chunk struct {
	ID         string    `json:"chunk_id" db:"id"`
	Seq        int64     `json:"seq" db:"seq"`
	Text       string    `json:"text" db:"text"`
	SourceFile string    `json:"source_file" db:"source_file"`
	Title      string    `json:"title" db:"title"`
	URL        string    `json:"url" db:"url"`
	Snippet    string    `json:"snippet" db:"snippet"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// ChunkID formats the id for sequence number seq.
func ChunkID(seq int64) string {
	return ChunkIDPrefix + strconv.FormatInt(seq, 10)
}

// ParseChunkID returns the sequence number encoded in id.
func ParseChunkID(id string) (int64, error) {
	if !strings.HasPrefix(id, ChunkIDPrefix) {
		return 0, fmt.Errorf("invalid chunk id: %s", id)
	}
	seq, err := strconv.ParseInt(strings.TrimPrefix(id, ChunkIDPrefix), 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("invalid chunk id: %s", id)
	}
	return seq, nil
}

// MetadataRecord is one line of the chunk metadata log.
type MetadataRecord struct {
	SourceFile string `json:"source_file"`
	ChunkID    string `json:"chunk_id"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	Snippet    string `json:"snippet"`
}

// Record returns the metadata log record for c.
func (c *Chunk) Record() MetadataRecord {
	return MetadataRecord{
		SourceFile: c.SourceFile,
		ChunkID:    c.ID,
		Title:      c.Title,
		URL:        c.URL,
		Snippet:    c.Snippet,
	}
}
