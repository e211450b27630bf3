// Package storage persists chunks, the chunk sequence high-water mark and ingestion runs.
package storage

import (
	"context"

	"github.com/hyperjump/shiori/internal/models"
)

// Storage is the chunk arena. The vector and lexical indexes refer to chunks by the ids stored here.
type Storage interface {
	// Chunk operations
	InsertChunks(ctx context.Context, chunks []*models.Chunk) error
	GetChunk(ctx context.Context, id string) (*models.Chunk, error)
	ListChunks(ctx context.Context) ([]*models.Chunk, error)
	ChunkIDs(ctx context.Context) ([]string, error)
	DeleteChunks(ctx context.Context, ids []string) error
	CountChunks(ctx context.Context) (int64, error)

	// NextSeq returns the next unused chunk sequence number.
	NextSeq(ctx context.Context) (int64, error)
	// AdvanceSeq raises the high-water mark to next. Lower values are ignored.
	AdvanceSeq(ctx context.Context, next int64) error

	// Ingestion runs
	SaveRun(ctx context.Context, report *models.IngestReport) error
	ListRuns(ctx context.Context, limit int) ([]*models.IngestReport, error)

	// Reset deletes every chunk and resets the high-water mark. Run history is kept.
	Reset(ctx context.Context) error

	Close() error
}
