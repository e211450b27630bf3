package models

import "time"

// IngestReport summarizes one ingestion run.
type IngestReport struct {
	RunID      string `json:"run_id"`
	Source     string `json:"source"`
	State      string `json:"state"`
	Documents  int    `json:"documents"`
	Produced   int    `json:"chunks_produced"`
	Indexed    int    `json:"chunks_indexed"`
	Batches    int    `json:"batches"`
	// SkippedBatches counts batches dropped after a provider failure.
	SkippedBatches int           `json:"skipped_batches"`
	SkippedChunks  int           `json:"skipped_chunks"`
	Checkpoints    int           `json:"checkpoints"`
	FirstChunkID   string        `json:"first_chunk_id,omitempty"`
	LastChunkID    string        `json:"last_chunk_id,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	Duration       time.Duration `json:"duration_ns"`
	Error          string        `json:"error,omitempty"`
}

// Partial reports whether some produced chunks were not indexed.
func (r *IngestReport) Partial() bool {
	return r.Indexed < r.Produced
}
