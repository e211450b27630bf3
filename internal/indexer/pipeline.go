package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/embedding"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/source"
	"github.com/hyperjump/shiori/internal/storage"
	"github.com/hyperjump/shiori/internal/vector"
	"github.com/hyperjump/shiori/pkg/utils"
)

// State is a step of an ingestion run.
type State string

const (
	StateEmpty          State = "EMPTY"
	StateLoadingSource  State = "LOADING_SOURCE"
	StateChunking       State = "CHUNKING"
	StateEmbeddingBatch State = "EMBEDDING_BATCH"
	StateCheckpointed   State = "CHECKPOINTED"
	StateFinalized      State = "FINALIZED"
	StateFailed         State = "FAILED"
	StateCancelled      State = "CANCELLED"
)

// Active reports whether s is a state inside a running ingestion.
func (s State) Active() bool {
	switch s {
	case StateLoadingSource, StateChunking, StateEmbeddingBatch, StateCheckpointed:
		return true
	}
	return false
}

// PipelineConfig holds the paths and batching parameters of a pipeline.
type PipelineConfig struct {
	VectorIndexPath string
	VectorIndexType string
	MetadataPath    string
	ChunkSize       int
	ChunkOverlap    int
	BatchSize       int
	CheckpointEvery int
	SnippetLength   int
	Workers         int
}

// PipelineConfigFrom extracts the pipeline settings from cfg.
func PipelineConfigFrom(cfg *config.Config) PipelineConfig {
	return PipelineConfig{
		VectorIndexPath: cfg.Storage.VectorIndexPath,
		VectorIndexType: cfg.Storage.VectorIndexType,
		MetadataPath:    cfg.Storage.MetadataPath,
		ChunkSize:       cfg.Ingest.ChunkSize,
		ChunkOverlap:    cfg.Ingest.ChunkOverlap,
		BatchSize:       cfg.Ingest.BatchSize,
		CheckpointEvery: cfg.Ingest.CheckpointEvery,
		SnippetLength:   cfg.Ingest.SnippetLength,
		Workers:         cfg.Ingest.Workers,
	}
}

// Pipeline loads a source, chunks it, embeds the chunks batch by batch and writes each batch
// to the vector index and the chunk store together. Runs against the same index path are
// serialised by a path lock.
type Pipeline struct {
	store        storage.Storage
	embedder     embedding.Embedder
	loader       *source.Loader
	chunker      *Chunker
	cfg          PipelineConfig
	locker       *PathLocker
	logger       *zap.Logger
	onCheckpoint func(ctx context.Context) error
	state        atomic.Value
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l *zap.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// WithLocker replaces the process-wide path locker.
func WithLocker(l *PathLocker) PipelineOption {
	return func(p *Pipeline) { p.locker = l }
}

// WithCheckpointHook registers fn to run after every checkpoint and after the final one.
// Readers use it to reload the persisted index. Errors from fn are logged only.
func WithCheckpointHook(fn func(ctx context.Context) error) PipelineOption {
	return func(p *Pipeline) { p.onCheckpoint = fn }
}

// NewPipeline creates a pipeline. Non-positive batch size, checkpoint interval and worker
// count fall back to 10, 10 and 1.
func NewPipeline(store storage.Storage, embedder embedding.Embedder, loader *source.Loader, cfg PipelineConfig, opts ...PipelineOption) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 10
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	p := &Pipeline{
		store:    store,
		embedder: embedder,
		loader:   loader,
		chunker:  NewChunker(cfg.ChunkSize, cfg.ChunkOverlap).WithSnippetLength(cfg.SnippetLength),
		cfg:      cfg,
		locker:   defaultLocker,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = utils.OrNop(p.logger)
	p.state.Store(StateEmpty)
	return p
}

// State returns the state of the current or most recent run.
func (p *Pipeline) State() State {
	return p.state.Load().(State)
}

// Run ingests sourcePath, appending to any index already persisted at the configured path.
// The report is returned even when the run fails. Only a missing source, an empty corpus,
// cancellation and persistence failures end a run early; failed batches are skipped.
func (p *Pipeline) Run(ctx context.Context, sourcePath string) (*models.IngestReport, error) {
	unlock, err := p.locker.Lock(ctx, p.cfg.VectorIndexPath)
	if err != nil {
		return nil, err
	}
	defer p.release(unlock)
	return p.runLocked(ctx, sourcePath)
}

// Rebuild wipes the chunk store, the vector index and the metadata log, then runs a fresh
// ingestion of sourcePath.
func (p *Pipeline) Rebuild(ctx context.Context, sourcePath string) (*models.IngestReport, error) {
	unlock, err := p.locker.Lock(ctx, p.cfg.VectorIndexPath)
	if err != nil {
		return nil, err
	}
	defer p.release(unlock)
	if err := p.wipe(ctx); err != nil {
		return nil, err
	}
	p.logger.Info("index wiped", zap.String("path", p.cfg.VectorIndexPath))
	return p.runLocked(ctx, sourcePath)
}

func (p *Pipeline) release(unlock func() error) {
	if err := unlock(); err != nil {
		p.logger.Warn("release ingestion lock", zap.Error(err))
	}
}

func (p *Pipeline) wipe(ctx context.Context) error {
	if err := p.store.Reset(ctx); err != nil {
		return fmt.Errorf("reset chunk store: %w", err)
	}
	if err := vector.RemoveFile(p.cfg.VectorIndexPath); err != nil {
		return fmt.Errorf("remove vector index: %w", err)
	}
	if err := os.Truncate(p.cfg.MetadataPath, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("truncate metadata log: %w", err)
	}
	return nil
}

// run is the mutable state of one ingestion.
type run struct {
	p               *Pipeline
	report          *models.IngestReport
	logger          *zap.Logger
	index           vector.VectorIndex
	meta            *storage.MetadataLog
	sinceCheckpoint int
	dirty           bool
	checkpointErr   error
}

func (p *Pipeline) runLocked(ctx context.Context, sourcePath string) (*models.IngestReport, error) {
	report := &models.IngestReport{
		RunID:     uuid.NewString(),
		Source:    sourcePath,
		StartedAt: time.Now(),
	}
	r := &run{
		p:      p,
		report: report,
		logger: p.logger.With(zap.String("run_id", report.RunID), zap.String("source", sourcePath)),
	}
	r.logger.Info("ingestion started")

	r.enter(ctx, StateLoadingSource)
	docs, err := p.loader.Load(sourcePath)
	if err != nil {
		return r.fail(ctx, err)
	}
	report.Documents = len(docs)

	r.enter(ctx, StateChunking)
	if r.index, err = p.openIndex(ctx, r.logger); err != nil {
		return r.fail(ctx, err)
	}
	start, err := p.store.NextSeq(ctx)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("read chunk sequence: %w", err))
	}
	chunks := p.chunker.ChunkAll(docs, start)
	if len(chunks) == 0 {
		return r.fail(ctx, fmt.Errorf("%w: %s produced no chunks", models.ErrEmptyCorpus, sourcePath))
	}
	report.Produced = len(chunks)
	report.FirstChunkID = chunks[0].ID
	report.LastChunkID = chunks[len(chunks)-1].ID
	// Reserve every produced id so ids of skipped batches are never handed out again.
	if err := p.store.AdvanceSeq(ctx, chunks[len(chunks)-1].Seq+1); err != nil {
		return r.fail(ctx, fmt.Errorf("reserve chunk ids: %w", err))
	}
	if r.meta, err = storage.OpenMetadataLog(p.cfg.MetadataPath); err != nil {
		return r.fail(ctx, err)
	}
	defer func() {
		if err := r.meta.Close(); err != nil {
			r.logger.Warn("close metadata log", zap.Error(err))
		}
	}()

	batches := splitBatches(chunks, p.cfg.BatchSize)
	r.logger.Info("chunking complete",
		zap.Int("documents", report.Documents),
		zap.Int("chunks", len(chunks)),
		zap.Int("batches", len(batches)))

	for i := 0; i < len(batches); i += p.cfg.Workers {
		if err := ctx.Err(); err != nil {
			return r.cancel(ctx, err)
		}
		r.enter(ctx, StateEmbeddingBatch)
		group := batches[i:min(i+p.cfg.Workers, len(batches))]
		vecs, embedErrs := p.embedGroup(ctx, group)
		if err := ctx.Err(); err != nil {
			return r.cancel(ctx, err)
		}
		for j, batch := range group {
			if err := r.commit(ctx, i+j, batch, vecs[j], embedErrs[j]); err != nil {
				return r.fail(ctx, err)
			}
			if r.sinceCheckpoint >= p.cfg.CheckpointEvery {
				if err := r.checkpoint(ctx); err != nil {
					return r.fail(ctx, err)
				}
			}
		}
	}

	if r.sinceCheckpoint > 0 || report.Checkpoints == 0 {
		if err := r.checkpoint(ctx); err != nil {
			return r.fail(ctx, err)
		}
	}
	r.finish(ctx, StateFinalized, nil)
	return report, nil
}

// embedGroup embeds up to Workers batches concurrently, one provider call per batch.
// Results are returned in batch order.
func (p *Pipeline) embedGroup(ctx context.Context, group [][]*models.Chunk) ([][][]float32, []error) {
	vecs := make([][][]float32, len(group))
	errs := make([]error, len(group))
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for i, batch := range group {
		g.Go(func() error {
			texts := make([]string, len(batch))
			for k, c := range batch {
				texts[k] = c.Text
			}
			vecs[i], errs[i] = p.embedder.EmbedBatch(ctx, texts)
			return nil
		})
	}
	_ = g.Wait()
	return vecs, errs
}

// commit writes one embedded batch to the vector index and the chunk store, or to neither.
// Provider and index rejections skip the batch; a store failure ends the run.
func (r *run) commit(ctx context.Context, n int, batch []*models.Chunk, vecs [][]float32, embedErr error) error {
	ctx = context.WithoutCancel(ctx)
	r.report.Batches++
	r.sinceCheckpoint++

	ids := make([]string, len(batch))
	for i, c := range batch {
		ids[i] = c.ID
	}
	err := embedErr
	if err == nil && len(vecs) != len(batch) {
		err = fmt.Errorf("provider returned %d vectors for %d chunks", len(vecs), len(batch))
	}
	if err == nil {
		err = r.index.Add(ctx, ids, vecs)
	}
	if err != nil {
		r.report.SkippedBatches++
		r.report.SkippedChunks += len(batch)
		r.logger.Warn("batch skipped",
			zap.Int("batch", n),
			zap.String("chunk_id", ids[0]),
			zap.Int("chunks", len(batch)),
			zap.Error(fmt.Errorf("%w: %v", models.ErrBatchEmbedFailure, err)))
		return nil
	}

	if err := r.p.store.InsertChunks(ctx, batch); err != nil {
		if rerr := r.index.Remove(ctx, ids); rerr != nil {
			r.logger.Error("roll back vector batch", zap.Int("batch", n), zap.Error(rerr))
		}
		return fmt.Errorf("store batch %d: %w", n, err)
	}
	for _, c := range batch {
		r.meta.Append(c.Record())
	}
	r.report.Indexed += len(batch)
	r.dirty = true
	r.logger.Debug("batch indexed", zap.Int("batch", n), zap.String("chunk_id", ids[0]), zap.Int("chunks", len(batch)))
	return nil
}

// checkpoint atomically saves the vector index, then flushes and syncs the metadata log.
func (r *run) checkpoint(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	if err := r.index.Save(r.p.cfg.VectorIndexPath); err != nil {
		r.checkpointErr = err
		return fmt.Errorf("checkpoint: save vector index: %w", err)
	}
	flushed, err := r.meta.Flush()
	if err != nil {
		r.checkpointErr = err
		return fmt.Errorf("checkpoint: %w", err)
	}
	r.sinceCheckpoint = 0
	r.dirty = false
	r.report.Checkpoints++
	r.enter(ctx, StateCheckpointed)
	r.logger.Info("checkpoint",
		zap.Int("checkpoint", r.report.Checkpoints),
		zap.Int("indexed", r.report.Indexed),
		zap.Int("records", flushed),
		zap.Int("vectors", r.index.Size()))
	if r.p.onCheckpoint != nil {
		if err := r.p.onCheckpoint(ctx); err != nil {
			r.logger.Warn("checkpoint hook failed", zap.Error(err))
		}
	}
	return nil
}

func (r *run) enter(ctx context.Context, s State) {
	r.p.state.Store(s)
	r.report.State = string(s)
	if err := r.p.store.SaveRun(context.WithoutCancel(ctx), r.report); err != nil {
		r.logger.Warn("record ingestion run", zap.Error(err))
	}
}

// cancel persists committed batches and ends the run as cancelled.
func (r *run) cancel(ctx context.Context, cause error) (*models.IngestReport, error) {
	if r.dirty {
		if err := r.checkpoint(ctx); err != nil {
			return r.fail(ctx, errors.Join(cause, err))
		}
	}
	err := fmt.Errorf("ingestion cancelled: %w", cause)
	r.finish(ctx, StateCancelled, err)
	return r.report, err
}

// fail ends the run. Batches committed since the last checkpoint are persisted when possible.
func (r *run) fail(ctx context.Context, cause error) (*models.IngestReport, error) {
	if r.dirty && r.checkpointErr == nil {
		if err := r.checkpoint(ctx); err != nil {
			r.logger.Error("final checkpoint after failure", zap.Error(err))
		}
	}
	r.finish(ctx, StateFailed, cause)
	return r.report, cause
}

func (r *run) finish(ctx context.Context, s State, cause error) {
	r.report.FinishedAt = time.Now()
	r.report.Duration = r.report.FinishedAt.Sub(r.report.StartedAt)
	if cause != nil {
		r.report.Error = cause.Error()
	}
	r.enter(ctx, s)
	fields := []zap.Field{
		zap.String("state", string(s)),
		zap.Int("produced", r.report.Produced),
		zap.Int("indexed", r.report.Indexed),
		zap.Int("skipped_batches", r.report.SkippedBatches),
		zap.Int("checkpoints", r.report.Checkpoints),
		zap.Duration("duration", r.report.Duration),
	}
	if cause != nil {
		r.logger.Error("ingestion ended", append(fields, zap.Error(cause))...)
		return
	}
	r.logger.Info("ingestion finished", fields...)
}

// openIndex loads the persisted vector index, if any, and reconciles it with the chunk store.
func (p *Pipeline) openIndex(ctx context.Context, logger *zap.Logger) (vector.VectorIndex, error) {
	idx, err := vector.NewVectorIndex(p.cfg.VectorIndexType, 0)
	if err != nil {
		return nil, err
	}
	if vector.Exists(p.cfg.VectorIndexPath) {
		if err := idx.Load(p.cfg.VectorIndexPath); err != nil {
			return nil, fmt.Errorf("load vector index: %w", err)
		}
	}
	if err := p.repair(ctx, idx, logger); err != nil {
		return nil, err
	}
	return idx, nil
}

// repair prunes chunks that are present on only one side so both indexes hold the same ids.
// Store-only chunks are those committed after the last checkpoint of an interrupted run.
func (p *Pipeline) repair(ctx context.Context, idx vector.VectorIndex, logger *zap.Logger) error {
	storeIDs, err := p.store.ChunkIDs(ctx)
	if err != nil {
		return fmt.Errorf("list chunk ids: %w", err)
	}
	inStore := make(map[string]struct{}, len(storeIDs))
	var storeOnly []string
	for _, id := range storeIDs {
		inStore[id] = struct{}{}
		if !idx.Has(id) {
			storeOnly = append(storeOnly, id)
		}
	}
	var vectorOnly []string
	for _, id := range idx.IDs() {
		if _, ok := inStore[id]; !ok {
			vectorOnly = append(vectorOnly, id)
		}
	}
	if len(storeOnly) == 0 && len(vectorOnly) == 0 {
		return nil
	}
	logger.Warn("pruning inconsistent index entries",
		zap.Int("store_only", len(storeOnly)),
		zap.Int("vector_only", len(vectorOnly)),
		zap.Error(models.ErrIndexInconsistency))
	if err := p.store.DeleteChunks(ctx, storeOnly); err != nil {
		return fmt.Errorf("prune chunk store: %w", err)
	}
	if len(vectorOnly) > 0 {
		if err := idx.Remove(ctx, vectorOnly); err != nil {
			return fmt.Errorf("prune vector index: %w", err)
		}
		if err := idx.Save(p.cfg.VectorIndexPath); err != nil {
			return fmt.Errorf("save pruned vector index: %w", err)
		}
	}
	return nil
}

func splitBatches(chunks []*models.Chunk, size int) [][]*models.Chunk {
	batches := make([][]*models.Chunk, 0, (len(chunks)+size-1)/size)
	for start := 0; start < len(chunks); start += size {
		batches = append(batches, chunks[start:min(start+size, len(chunks))])
	}
	return batches
}
