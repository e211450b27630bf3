package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/cache"
	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/embedding"
	"github.com/hyperjump/shiori/internal/generator"
	"github.com/hyperjump/shiori/internal/indexer"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/search"
	"github.com/hyperjump/shiori/internal/source"
	"github.com/hyperjump/shiori/internal/storage"
)

const testAPIKey = "secret"

// stubGenerator answers with a fixed text, or fails when err is set.
type stubGenerator struct {
	answer string
	err    error
	calls  int
}

func (g *stubGenerator) Generate(ctx context.Context, query string, chunks []*models.Chunk, maxTokens int) (string, error) {
	g.calls++
	return g.answer, g.err
}

func (g *stubGenerator) Stream(ctx context.Context, query string, chunks []*models.Chunk, maxTokens int, onToken func(string) error) error {
	g.calls++
	for _, word := range strings.SplitAfter(g.answer, " ") {
		if err := onToken(word); err != nil {
			return err
		}
	}
	return g.err
}

type testServer struct {
	srv     *Server
	handler http.Handler
	cfg     *config.Config
}

func newTestServer(t *testing.T, gen generator.Generator) *testServer {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Server.APIKey = testAPIKey
	cfg.Cache.Backend = config.CacheBackendSQLite
	cfg.Embedding.Dimensions = 32
	cfg.Ingest.BatchSize = 1

	sections := []string{
		"Title: Fleet\nURL: https://example.com/fleet\nFleet tracking relies on GPS units.",
		"Title: Billing\nURL: https://example.com/billing\nInvoices are generated monthly.",
		"Title: Support\nURL: https://example.com/support\nSupport tickets are answered within a day.",
		"Title: Hiring\nURL: https://example.com/hiring\nOpen roles are posted on the careers page.",
	}
	if err := os.WriteFile(cfg.Source.Path, []byte(strings.Join(sections, "\n"+source.Delimiter+"\n")), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	qc, err := cache.NewFromConfig(&cfg.Cache, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = qc.Close() })
	svc := search.NewService(store, embedding.NewMockEmbedder(cfg.Embedding.Dimensions), source.NewLoader(nil),
		indexer.PipelineConfigFrom(cfg), search.OptionsFrom(cfg))
	srv := NewServer(svc, qc, gen, store, cfg, zap.NewNop())
	return &testServer{srv: srv, handler: srv.Handler(), cfg: cfg}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	if apiKey != "" {
		r.Header.Set("x-api-key", apiKey)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	return w
}

func (ts *testServer) ingest(t *testing.T) {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/ingest", nil, testAPIKey)
	if w.Code != http.StatusOK {
		t.Fatalf("ingest status %d: %s", w.Code, w.Body)
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthAndEmptySearch(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodGet, "/health", nil, "")
	health := decode[map[string]any](t, w)
	if health["status"] != "ok" || health["index_present"] != false || health["ingest_state"] != "EMPTY" {
		t.Errorf("health = %v", health)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/search", map[string]any{"query": "fleet"}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	resp := decode[models.SearchResponse](t, w)
	if len(resp.Results) != 0 || resp.Total != 0 {
		t.Errorf("empty index returned %+v", resp)
	}
}

func TestSearchValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, body := range []any{
		map[string]any{"query": ""},
		map[string]any{"query": "x", "alpha": 1.5},
		map[string]any{"query": "x", "top_k": -2},
	} {
		if w := ts.do(t, http.MethodPost, "/api/v1/search", body, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%v: status %d", body, w.Code)
		}
	}
	r := httptest.NewRequest(http.MethodPost, "/api/v1/search", strings.NewReader("{"))
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status %d", w.Code)
	}
}

func TestIngestRequiresAPIKey(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, key := range []string{"", "wrong"} {
		if w := ts.do(t, http.MethodPost, "/api/v1/ingest", nil, key); w.Code != http.StatusUnauthorized {
			t.Errorf("key %q: status %d", key, w.Code)
		}
	}
	w := ts.do(t, http.MethodPost, "/api/v1/ingest", nil, testAPIKey)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	resp := decode[ingestResponse](t, w)
	if resp.Status != "success" || resp.TotalChunks != 4 || resp.Report.State != "FINALIZED" {
		t.Errorf("ingest response = %+v", resp)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/search", map[string]any{"query": "Invoices", "top_k": 2, "alpha": 0}, "")
	sr := decode[models.SearchResponse](t, w)
	if len(sr.Results) != 2 || sr.Results[0].Chunk.Title != "Billing" {
		t.Errorf("search after ingest = %+v", sr.Results)
	}
}

func TestIngestErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodPost, "/api/v1/ingest", map[string]string{"source": filepath.Join(t.TempDir(), "missing.txt")}, testAPIKey)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing source: status %d", w.Code)
	}

	ts.srv.ingesting.Store(true)
	w = ts.do(t, http.MethodPost, "/api/v1/reindex", nil, testAPIKey)
	if w.Code != http.StatusConflict {
		t.Errorf("concurrent ingestion: status %d", w.Code)
	}
	ts.srv.ingesting.Store(false)
}

func TestReindex(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ingest(t)
	ts.ingest(t)
	w := ts.do(t, http.MethodPost, "/api/v1/reindex", nil, testAPIKey)
	resp := decode[ingestResponse](t, w)
	if resp.Status != "reindexed" || resp.Report.FirstChunkID != "chunk_0" {
		t.Errorf("reindex response = %+v", resp)
	}
	health := decode[map[string]any](t, ts.do(t, http.MethodGet, "/health", nil, ""))
	if health["chunks"] != float64(4) {
		t.Errorf("chunks served after reindex = %v", health["chunks"])
	}
}

func TestQuery_AnswerAndCache(t *testing.T) {
	gen := &stubGenerator{answer: "GPS units track the fleet."}
	ts := newTestServer(t, gen)
	ts.ingest(t)

	body := map[string]any{"query": "How is the fleet tracked?", "top_k": 3}
	resp := decode[models.QueryResponse](t, ts.do(t, http.MethodPost, "/api/v1/query", body, ""))
	if resp.Answer != gen.answer || resp.Cached || len(resp.Sources) != 3 {
		t.Fatalf("first response = %+v", resp)
	}

	body["query"] = "  HOW is the fleet tracked? "
	resp = decode[models.QueryResponse](t, ts.do(t, http.MethodPost, "/api/v1/query", body, ""))
	if !resp.Cached || resp.Answer != gen.answer || len(resp.Sources) != 3 {
		t.Errorf("second response = %+v", resp)
	}
	if gen.calls != 1 {
		t.Errorf("generator called %d times", gen.calls)
	}

	body["top_k"] = 2
	resp = decode[models.QueryResponse](t, ts.do(t, http.MethodPost, "/api/v1/query", body, ""))
	if resp.Cached {
		t.Error("different top_k served from cache")
	}

	w := ts.do(t, http.MethodDelete, "/api/v1/cache", nil, testAPIKey)
	cleared := decode[map[string]any](t, w)
	if cleared["removed"] != float64(2) {
		t.Errorf("cache clear = %v", cleared)
	}
}

func TestQuery_GenerationFallback(t *testing.T) {
	ts := newTestServer(t, &stubGenerator{err: errors.New("model offline")})
	ts.ingest(t)
	w := ts.do(t, http.MethodPost, "/api/v1/query", map[string]any{"query": "fleet"}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	resp := decode[models.QueryResponse](t, w)
	if resp.Error != generationFailed || len(resp.FallbackDocs) != 3 || resp.Answer != "" {
		t.Errorf("fallback response = %+v", resp)
	}
	if resp.FallbackDocs[0].Content == "" || resp.FallbackDocs[0].Metadata.ChunkID == "" {
		t.Errorf("fallback doc = %+v", resp.FallbackDocs[0])
	}

	// failed answers are not cached
	resp = decode[models.QueryResponse](t, ts.do(t, http.MethodPost, "/api/v1/query", map[string]any{"query": "fleet"}, ""))
	if resp.Cached {
		t.Error("fallback response was cached")
	}
}

func readEvents(t *testing.T, w *httptest.ResponseRecorder) []streamEvent {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}
	var events []streamEvent
	sc := bufio.NewScanner(w.Body)
	for sc.Scan() {
		var ev streamEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func TestQuery_Stream(t *testing.T) {
	gen := &stubGenerator{answer: "GPS units track the fleet."}
	ts := newTestServer(t, gen)
	ts.ingest(t)

	body := map[string]any{"query": "fleet", "stream": true}
	events := readEvents(t, ts.do(t, http.MethodPost, "/api/v1/query", body, ""))
	if len(events) < 2 || events[0].Type != "sources" {
		t.Fatalf("events = %+v", events)
	}
	var answer strings.Builder
	for _, ev := range events[1:] {
		if ev.Type != "token" {
			t.Fatalf("unexpected event %+v", ev)
		}
		answer.WriteString(ev.Data.(string))
	}
	if answer.String() != gen.answer {
		t.Errorf("streamed answer = %q", answer.String())
	}

	// a streamed answer is cached whole
	events = readEvents(t, ts.do(t, http.MethodPost, "/api/v1/query", body, ""))
	if len(events) != 2 || events[1].Data != gen.answer || gen.calls != 1 {
		t.Errorf("cached stream = %+v, generator calls = %d", events, gen.calls)
	}
}

func TestQuery_StreamFailure(t *testing.T) {
	ts := newTestServer(t, &stubGenerator{answer: "partial", err: fmt.Errorf("%w: reset", generator.ErrGeneration)})
	ts.ingest(t)
	events := readEvents(t, ts.do(t, http.MethodPost, "/api/v1/query", map[string]any{"query": "fleet", "stream": true}, ""))
	last := events[len(events)-1]
	if last.Type != "error" || last.Data != generationFailed || len(last.Fallback) != 3 {
		t.Errorf("last event = %+v", last)
	}
}

func TestMetadata(t *testing.T) {
	ts := newTestServer(t, nil)
	if w := ts.do(t, http.MethodGet, "/api/v1/metadata/chunk_0", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("before ingest: status %d", w.Code)
	}
	ts.ingest(t)
	w := ts.do(t, http.MethodGet, "/api/v1/metadata/chunk_2", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	rec := decode[models.MetadataRecord](t, w)
	if rec.ChunkID != "chunk_2" || rec.Title != "Support" || rec.SourceFile != "knowledge.txt" {
		t.Errorf("record = %+v", rec)
	}
	if w := ts.do(t, http.MethodGet, "/api/v1/metadata/chunk_99", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown chunk: status %d", w.Code)
	}
}

func TestStatusAndRuns(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.ingest(t)
	status := decode[map[string]any](t, ts.do(t, http.MethodGet, "/api/v1/status", nil, ""))
	if status["chunks"] != float64(4) || status["served_chunks"] != float64(4) || status["cache_enabled"] != true {
		t.Errorf("status = %v", status)
	}
	if _, ok := status["disk_usage"]; !ok {
		t.Error("status lacks disk usage")
	}

	if w := ts.do(t, http.MethodGet, "/api/v1/runs", nil, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("runs without key: status %d", w.Code)
	}
	runs := decode[map[string][]models.IngestReport](t, ts.do(t, http.MethodGet, "/api/v1/runs", nil, testAPIKey))
	if len(runs["runs"]) != 1 || runs["runs"][0].Indexed != 4 {
		t.Errorf("runs = %+v", runs)
	}
}
