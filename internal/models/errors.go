package models

import "errors"

var (
	// ErrSourceUnavailable means the corpus file is missing or unreadable. Fatal to an ingestion run.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrEmptyCorpus means parsing produced zero chunks. Fatal to an ingestion run.
	ErrEmptyCorpus = errors.New("empty corpus")
	// ErrBatchEmbedFailure means one batch's provider call failed; the batch is skipped.
	ErrBatchEmbedFailure = errors.New("batch embed failure")
	// ErrIndexInconsistency means a chunk is present in one index but not the other.
	ErrIndexInconsistency = errors.New("index inconsistency")
	// ErrIndexUnavailable means no persisted index exists; queries return empty results.
	ErrIndexUnavailable = errors.New("index unavailable")
	// ErrCacheUnavailable means the cache backing store cannot be reached; caching is skipped.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrIngestionRunning means the caller gave up waiting for another run on the same index path.
	ErrIngestionRunning = errors.New("ingestion already running")
	// ErrGeneratorDisabled means no answer generator is configured.
	ErrGeneratorDisabled = errors.New("answer generator disabled")
)
