// Package search owns the published index snapshot and answers hybrid queries against it.
package search

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/embedding"
	"github.com/hyperjump/shiori/internal/indexer"
	"github.com/hyperjump/shiori/internal/keyword"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/ranking"
	"github.com/hyperjump/shiori/internal/source"
	"github.com/hyperjump/shiori/internal/storage"
	"github.com/hyperjump/shiori/internal/vector"
	"github.com/hyperjump/shiori/pkg/utils"
)

// Snapshot is an immutable vector index, lexical index and chunk map holding the same ids.
// Queries read whichever snapshot was published when they started.
type Snapshot struct {
	Vector   vector.VectorIndex
	Lexical  *keyword.BM25
	Chunks   map[string]*models.Chunk
	LoadedAt time.Time
}

// Size returns the number of searchable chunks.
func (s *Snapshot) Size() int {
	if s == nil {
		return 0
	}
	return len(s.Chunks)
}

// Options holds the search defaults and index location.
type Options struct {
	DefaultTopK         int
	MaxTopK             int
	Alpha               float64
	CandidateMultiplier int
	VectorIndexPath     string
	VectorIndexType     string
}

// OptionsFrom extracts the service settings from cfg.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		DefaultTopK:         cfg.Search.DefaultTopK,
		MaxTopK:             cfg.Search.MaxTopK,
		Alpha:               cfg.Search.Alpha,
		CandidateMultiplier: cfg.Search.CandidateMultiplier,
		VectorIndexPath:     cfg.Storage.VectorIndexPath,
		VectorIndexType:     cfg.Storage.VectorIndexType,
	}
}

// Service is the retrieval service: it publishes snapshots at ingestion checkpoints and
// serves concurrent searches without locking.
type Service struct {
	store    storage.Storage
	embedder embedding.Embedder
	ranker   *ranking.Ranker
	pipeline *indexer.Pipeline
	opts     Options
	logger   *zap.Logger
	snap     atomic.Pointer[Snapshot]
	// reloadMu keeps load and publish of one Reload together, so an older
	// index file never replaces a newer snapshot.
	reloadMu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger. The ranker and pipeline share it.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a service with an empty snapshot and an ingestion pipeline that
// republishes the snapshot after every checkpoint. Call Reload to serve a persisted index.
func NewService(store storage.Storage, embedder embedding.Embedder, loader *source.Loader, pcfg indexer.PipelineConfig, opts Options, options ...Option) *Service {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 8
	}
	if opts.CandidateMultiplier <= 0 {
		opts.CandidateMultiplier = 2
	}
	s := &Service{store: store, embedder: embedder, opts: opts}
	for _, o := range options {
		o(s)
	}
	s.logger = utils.OrNop(s.logger)
	s.ranker = ranking.NewRanker(ranking.WithLogger(s.logger))
	pcfg.VectorIndexPath = opts.VectorIndexPath
	pcfg.VectorIndexType = opts.VectorIndexType
	s.pipeline = indexer.NewPipeline(store, embedder, loader, pcfg,
		indexer.WithLogger(s.logger),
		indexer.WithCheckpointHook(s.Reload))
	s.snap.Store(&Snapshot{Chunks: map[string]*models.Chunk{}})
	return s
}

// Snapshot returns the published snapshot.
func (s *Service) Snapshot() *Snapshot {
	return s.snap.Load()
}

// IngestState returns the state of the current or last ingestion run.
func (s *Service) IngestState() indexer.State {
	return s.pipeline.State()
}

// IndexPresent reports whether a persisted vector index exists.
func (s *Service) IndexPresent() bool {
	return vector.Exists(s.opts.VectorIndexPath)
}

// Reload reads the persisted vector index and the chunk store, keeps the ids present in both
// and publishes the result. A missing index publishes an empty snapshot.
func (s *Service) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	if !s.IndexPresent() {
		s.logger.Info("no persisted index, serving empty results",
			zap.String("path", s.opts.VectorIndexPath),
			zap.Error(models.ErrIndexUnavailable))
		s.snap.Store(&Snapshot{Chunks: map[string]*models.Chunk{}, LoadedAt: time.Now()})
		return nil
	}
	idx, err := vector.NewVectorIndex(s.opts.VectorIndexType, 0)
	if err != nil {
		return err
	}
	if err := idx.Load(s.opts.VectorIndexPath); err != nil {
		return fmt.Errorf("load vector index: %w", err)
	}
	chunks, err := s.store.ListChunks(ctx)
	if err != nil {
		return fmt.Errorf("list chunks: %w", err)
	}

	lexical := keyword.NewBM25()
	byID := make(map[string]*models.Chunk, len(chunks))
	storeOnly := 0
	for _, c := range chunks {
		if !idx.Has(c.ID) {
			storeOnly++
			continue
		}
		if err := lexical.Add(c.ID, keyword.Tokenize(c.Text)); err != nil {
			return fmt.Errorf("build lexical index: %w", err)
		}
		byID[c.ID] = c
	}
	var vectorOnly []string
	for _, id := range idx.IDs() {
		if _, ok := byID[id]; !ok {
			vectorOnly = append(vectorOnly, id)
		}
	}
	if len(vectorOnly) > 0 {
		if err := idx.Remove(ctx, vectorOnly); err != nil {
			return fmt.Errorf("drop vector-only ids: %w", err)
		}
	}
	if storeOnly > 0 || len(vectorOnly) > 0 {
		s.logger.Warn("indexes disagree, serving their intersection",
			zap.Int("store_only", storeOnly),
			zap.Int("vector_only", len(vectorOnly)),
			zap.Error(models.ErrIndexInconsistency))
	}

	s.snap.Store(&Snapshot{Vector: idx, Lexical: lexical, Chunks: byID, LoadedAt: time.Now()})
	s.logger.Info("index snapshot published", zap.Int("chunks", len(byID)))
	return nil
}

// Search validates q, fills its defaults and runs a hybrid search.
func (s *Service) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	start := time.Now()
	if err := q.Validate(s.opts.DefaultTopK, s.opts.MaxTopK, s.opts.Alpha); err != nil {
		return nil, err
	}
	results, err := s.Rank(ctx, q.Query, q.TopK, *q.Alpha)
	if err != nil {
		return nil, err
	}
	return &models.SearchResponse{
		Query:     q.Query,
		TopK:      q.TopK,
		Alpha:     *q.Alpha,
		Results:   results,
		Total:     len(results),
		QueryTime: time.Since(start).Milliseconds(),
	}, nil
}

// Rank returns at most topK chunks for query. The vector index supplies
// CandidateMultiplier*topK nearest neighbours and the ranker fuses them with BM25.
// An empty snapshot yields an empty result.
func (s *Service) Rank(ctx context.Context, query string, topK int, alpha float64) ([]*models.RankedResult, error) {
	snap := s.snap.Load()
	if snap.Vector == nil || snap.Vector.Size() == 0 || topK <= 0 {
		return []*models.RankedResult{}, nil
	}
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := snap.Vector.Search(ctx, qvec, topK*s.opts.CandidateMultiplier)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return s.ranker.Rank(query, ranking.CandidatesFrom(hits, snap.Chunks), snap.Lexical, alpha, topK), nil
}

// RunIngestion appends sourcePath to the index. The snapshot is republished at every
// checkpoint, so queries see the new chunks without waiting for the run to end.
func (s *Service) RunIngestion(ctx context.Context, sourcePath string) (*models.IngestReport, error) {
	return s.pipeline.Run(ctx, sourcePath)
}

// Reindex wipes the persisted state, ingests sourcePath and republishes the snapshot.
func (s *Service) Reindex(ctx context.Context, sourcePath string) (*models.IngestReport, error) {
	report, err := s.pipeline.Rebuild(ctx, sourcePath)
	if rerr := s.Reload(context.WithoutCancel(ctx)); rerr != nil {
		s.logger.Error("reload after reindex", zap.Error(rerr))
	}
	return report, err
}

// Chunk returns the published chunk with id.
func (s *Service) Chunk(id string) (*models.Chunk, bool) {
	c, ok := s.snap.Load().Chunks[id]
	return c, ok
}
