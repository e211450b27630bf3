package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hyperjump/shiori/internal/embedding"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/source"
	"github.com/hyperjump/shiori/internal/storage"
	"github.com/hyperjump/shiori/internal/vector"
)

// flakyEmbedder fails the provider calls whose 1-based number is in failOn.
type flakyEmbedder struct {
	*embedding.MockEmbedder
	calls  atomic.Int32
	failOn map[int32]bool
	onCall func(n int32)
}

func (f *flakyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	n := f.calls.Add(1)
	if f.onCall != nil {
		f.onCall(n)
	}
	if f.failOn[n] {
		return nil, fmt.Errorf("%w: provider unavailable", embedding.ErrEmbedding)
	}
	return f.MockEmbedder.EmbedBatch(ctx, texts)
}

type fixture struct {
	dir      string
	cfg      PipelineConfig
	store    *storage.SQLiteStorage
	embedder *flakyEmbedder
}

func newFixture(t *testing.T, batchSize, checkpointEvery int) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "chunks.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return &fixture{
		dir: dir,
		cfg: PipelineConfig{
			VectorIndexPath: filepath.Join(dir, "vector.idx"),
			MetadataPath:    filepath.Join(dir, "metadata.jsonl"),
			ChunkSize:       1000,
			ChunkOverlap:    200,
			BatchSize:       batchSize,
			CheckpointEvery: checkpointEvery,
			SnippetLength:   200,
			Workers:         1,
		},
		store:    store,
		embedder: &flakyEmbedder{MockEmbedder: embedding.NewMockEmbedder(32), failOn: map[int32]bool{}},
	}
}

func (f *fixture) pipeline(opts ...PipelineOption) *Pipeline {
	return NewPipeline(f.store, f.embedder, source.NewLoader(nil), f.cfg, append([]PipelineOption{WithLocker(NewPathLocker())}, opts...)...)
}

// writeKnowledge writes a knowledge file with one section per body.
func (f *fixture) writeKnowledge(t *testing.T, name string, bodies ...string) string {
	t.Helper()
	var sections []string
	for i, body := range bodies {
		sections = append(sections, fmt.Sprintf("Title: Doc %d\nURL: https://example.com/%d\n%s\n", i+1, i+1, body))
	}
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(sections, source.Delimiter+"\n")), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (f *fixture) loadIndex(t *testing.T) *vector.MemoryIndex {
	t.Helper()
	idx, _ := vector.NewMemoryIndex(0)
	if err := idx.Load(f.cfg.VectorIndexPath); err != nil {
		t.Fatalf("load vector index: %v", err)
	}
	return idx
}

func (f *fixture) storeIDs(t *testing.T) []string {
	t.Helper()
	ids, err := f.store.ChunkIDs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return ids
}

func (f *fixture) metadataIDs(t *testing.T) []string {
	t.Helper()
	var ids []string
	err := storage.ScanMetadata(f.cfg.MetadataPath, func(rec models.MetadataRecord) bool {
		ids = append(ids, rec.ChunkID)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	return ids
}

func TestPipeline_TwoDocumentScenario(t *testing.T) {
	f := newFixture(t, 2, 1)
	src := f.writeKnowledge(t, "knowledge.txt", wordsText(2500), wordsText(800))
	p := f.pipeline()

	report, err := p.Run(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if report.State != string(StateFinalized) || p.State() != StateFinalized {
		t.Errorf("state = %s / %s", report.State, p.State())
	}
	if report.Documents != 2 || report.Produced < 3 || report.Indexed != report.Produced {
		t.Fatalf("report = %+v", report)
	}
	if report.Partial() {
		t.Error("report should not be partial")
	}

	ids := f.storeIDs(t)
	for i, id := range ids {
		if id != models.ChunkID(int64(i)) {
			t.Fatalf("store ids not contiguous from 0: %v", ids)
		}
	}
	if len(ids) != report.Indexed {
		t.Errorf("store holds %d chunks, report says %d", len(ids), report.Indexed)
	}

	chunks, _ := f.store.ListChunks(context.Background())
	perDoc := map[string]int{}
	for _, c := range chunks {
		perDoc[c.Title]++
		if c.URL == "" || c.Snippet == "" || c.SourceFile != "knowledge.txt" {
			t.Errorf("chunk %s missing provenance: %+v", c.ID, c)
		}
	}
	if perDoc["Doc 1"] <= 1 || perDoc["Doc 2"] != 1 {
		t.Errorf("chunks per document = %v", perDoc)
	}

	idx := f.loadIndex(t)
	if strings.Join(idx.IDs(), ",") != strings.Join(ids, ",") {
		t.Errorf("vector ids %v != store ids %v", idx.IDs(), ids)
	}
	if got := f.metadataIDs(t); strings.Join(got, ",") != strings.Join(ids, ",") {
		t.Errorf("metadata ids %v != store ids %v", got, ids)
	}

	runs, _ := f.store.ListRuns(context.Background(), 0)
	if len(runs) != 1 || runs[0].RunID != report.RunID || runs[0].State != string(StateFinalized) {
		t.Errorf("runs = %+v", runs)
	}
}

func TestPipeline_FailedBatchIsSkipped(t *testing.T) {
	f := newFixture(t, 1, 10)
	f.embedder.failOn[2] = true
	src := f.writeKnowledge(t, "knowledge.txt", "alpha one", "bravo two", "charlie three")

	report, err := f.pipeline().Run(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if report.Produced != 3 || report.Indexed != 2 || report.SkippedBatches != 1 || report.SkippedChunks != 1 {
		t.Fatalf("report = %+v", report)
	}
	if !report.Partial() {
		t.Error("report should be partial")
	}
	if f.embedder.calls.Load() != 3 {
		t.Errorf("provider calls = %d; failed batches must not be retried", f.embedder.calls.Load())
	}

	idx := f.loadIndex(t)
	for _, ids := range [][]string{f.storeIDs(t), idx.IDs(), f.metadataIDs(t)} {
		if strings.Join(ids, ",") != "chunk_0,chunk_2" {
			t.Errorf("ids = %v, want chunk_0,chunk_2", ids)
		}
	}
}

func TestPipeline_RerunAppendsAndNeverReusesIDs(t *testing.T) {
	f := newFixture(t, 1, 10)
	f.embedder.failOn[2] = true
	p := f.pipeline()
	src := f.writeKnowledge(t, "first.txt", "alpha", "bravo")
	if _, err := p.Run(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	src = f.writeKnowledge(t, "second.txt", "charlie", "delta")
	report, err := p.Run(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	// chunk_1 was reserved by the skipped batch of the first run.
	if report.FirstChunkID != "chunk_2" || report.LastChunkID != "chunk_3" {
		t.Errorf("second run ids %s..%s, want chunk_2..chunk_3", report.FirstChunkID, report.LastChunkID)
	}
	want := "chunk_0,chunk_2,chunk_3"
	if got := strings.Join(f.storeIDs(t), ","); got != want {
		t.Errorf("store ids = %s, want %s", got, want)
	}
	if got := strings.Join(f.loadIndex(t).IDs(), ","); got != want {
		t.Errorf("vector ids = %s, want %s", got, want)
	}
}

func TestPipeline_CheckpointEveryN(t *testing.T) {
	f := newFixture(t, 1, 2)
	var hooks atomic.Int32
	p := f.pipeline(WithCheckpointHook(func(ctx context.Context) error {
		hooks.Add(1)
		return nil
	}))
	src := f.writeKnowledge(t, "knowledge.txt", "a", "b", "c", "d", "e")
	report, err := p.Run(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	// after batches 2 and 4, then the final one for batch 5
	if report.Checkpoints != 3 || hooks.Load() != 3 {
		t.Errorf("checkpoints = %d, hooks = %d, want 3", report.Checkpoints, hooks.Load())
	}
}

func TestPipeline_CheckpointPersistsBeforeFinalize(t *testing.T) {
	f := newFixture(t, 1, 2)
	var seen []int
	p := f.pipeline(WithCheckpointHook(func(ctx context.Context) error {
		idx := f.loadIndex(t)
		seen = append(seen, idx.Size())
		if len(f.storeIDs(t)) != idx.Size() {
			t.Errorf("store and vector index disagree at checkpoint")
		}
		return errors.New("hook errors are not fatal")
	}))
	src := f.writeKnowledge(t, "knowledge.txt", "a", "b", "c", "d")
	if _, err := p.Run(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[0] != 2 || seen[1] != 4 {
		t.Errorf("index sizes at checkpoints = %v, want [2 4]", seen)
	}
}

func TestPipeline_CancelBetweenBatches(t *testing.T) {
	f := newFixture(t, 1, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.embedder.onCall = func(n int32) {
		if n == 2 {
			cancel()
		}
	}
	src := f.writeKnowledge(t, "knowledge.txt", "a", "b", "c")
	report, err := f.pipeline().Run(ctx, src)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if report.State != string(StateCancelled) || report.Indexed != 1 {
		t.Errorf("report = %+v", report)
	}
	// The first batch was checkpointed on the way out.
	if ids := f.loadIndex(t).IDs(); len(ids) != 1 || ids[0] != "chunk_0" {
		t.Errorf("vector ids = %v", ids)
	}
	if ids := f.metadataIDs(t); len(ids) != 1 {
		t.Errorf("metadata ids = %v", ids)
	}
}

func TestPipeline_SourceUnavailable(t *testing.T) {
	f := newFixture(t, 10, 10)
	p := f.pipeline()
	report, err := p.Run(context.Background(), filepath.Join(f.dir, "missing.txt"))
	if !errors.Is(err, models.ErrSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSourceUnavailable", err)
	}
	if report.State != string(StateFailed) || report.Error == "" || p.State() != StateFailed {
		t.Errorf("report = %+v", report)
	}
	if vector.Exists(f.cfg.VectorIndexPath) {
		t.Error("vector index written for a failed run")
	}
}

func TestPipeline_EmptyCorpus(t *testing.T) {
	f := newFixture(t, 10, 10)
	path := filepath.Join(f.dir, "empty.txt")
	_ = os.WriteFile(path, []byte(source.Delimiter+"\nTitle: nothing\n\n"+source.Delimiter+"\n"), 0644)
	_, err := f.pipeline().Run(context.Background(), path)
	if !errors.Is(err, models.ErrEmptyCorpus) {
		t.Fatalf("err = %v, want ErrEmptyCorpus", err)
	}
}

func TestPipeline_Rebuild(t *testing.T) {
	f := newFixture(t, 2, 10)
	p := f.pipeline()
	src := f.writeKnowledge(t, "knowledge.txt", "alpha", "bravo", "charlie")
	if _, err := p.Run(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Run(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if n := len(f.storeIDs(t)); n != 6 {
		t.Fatalf("after two runs store holds %d chunks", n)
	}

	report, err := p.Rebuild(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if report.FirstChunkID != "chunk_0" || report.Indexed != 3 {
		t.Errorf("report = %+v", report)
	}
	if ids := f.loadIndex(t).IDs(); strings.Join(ids, ",") != "chunk_0,chunk_1,chunk_2" {
		t.Errorf("vector ids = %v", ids)
	}
	if ids := f.metadataIDs(t); len(ids) != 3 {
		t.Errorf("metadata ids = %v", ids)
	}
}

func TestPipeline_RepairPrunesOneSidedChunks(t *testing.T) {
	f := newFixture(t, 2, 10)
	p := f.pipeline()
	ctx := context.Background()
	if _, err := p.Run(ctx, f.writeKnowledge(t, "a.txt", "alpha", "bravo")); err != nil {
		t.Fatal(err)
	}
	// A chunk committed to the store after the last checkpoint of a crashed run.
	orphan := &models.Chunk{ID: "chunk_2", Seq: 2, Text: "orphan"}
	if err := f.store.InsertChunks(ctx, []*models.Chunk{orphan}); err != nil {
		t.Fatal(err)
	}

	report, err := p.Run(ctx, f.writeKnowledge(t, "b.txt", "charlie"))
	if err != nil {
		t.Fatal(err)
	}
	if report.FirstChunkID != "chunk_3" {
		t.Errorf("first id = %s, want chunk_3", report.FirstChunkID)
	}
	want := "chunk_0,chunk_1,chunk_3"
	if got := strings.Join(f.storeIDs(t), ","); got != want {
		t.Errorf("store ids = %s, want %s", got, want)
	}
	if got := strings.Join(f.loadIndex(t).IDs(), ","); got != want {
		t.Errorf("vector ids = %s, want %s", got, want)
	}
}

func TestPipeline_ConcurrentWorkersKeepOrder(t *testing.T) {
	f := newFixture(t, 1, 3)
	f.cfg.Workers = 4
	bodies := make([]string, 10)
	for i := range bodies {
		bodies[i] = fmt.Sprintf("document number %d", i)
	}
	report, err := f.pipeline().Run(context.Background(), f.writeKnowledge(t, "k.txt", bodies...))
	if err != nil {
		t.Fatal(err)
	}
	if report.Indexed != 10 {
		t.Fatalf("indexed = %d", report.Indexed)
	}
	ids := f.loadIndex(t).IDs()
	for i, id := range ids {
		if id != models.ChunkID(int64(i)) {
			t.Fatalf("vector ids out of order: %v", ids)
		}
	}
}
