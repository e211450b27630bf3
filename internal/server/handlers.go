package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/embedding"
	"github.com/hyperjump/shiori/internal/generator"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/storage"
)

const generationFailed = "Generation failed"

type ingestRequest struct {
	Source string `json:"source,omitempty"`
}

type ingestResponse struct {
	Status      string               `json:"status"`
	TotalChunks int                  `json:"total_chunks"`
	Report      *models.IngestReport `json:"report"`
}

// streamEvent is one NDJSON line of a streamed answer.
type streamEvent struct {
	Type     string               `json:"type"`
	Data     any                  `json:"data,omitempty"`
	Fallback []models.FallbackDoc `json:"fallback,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg := s.config.Search
	if err := req.Validate(cfg.DefaultTopK, cfg.MaxTopK, cfg.Alpha); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	s.logger.Debug("query request", zap.String("query", req.Query), zap.Int("top_k", req.TopK), zap.Bool("stream", req.Stream))

	if entry, ok := s.cache.Get(ctx, req.Query, req.TopK); ok {
		if req.Stream {
			s.streamCached(w, entry)
			return
		}
		s.respondJSON(w, http.StatusOK, &models.QueryResponse{Answer: entry.Answer, Sources: entry.Sources, Cached: true})
		return
	}

	results, err := s.svc.Rank(ctx, req.Query, req.TopK, *req.Alpha)
	if err != nil {
		s.respondSearchError(w, err)
		return
	}
	sources := models.SourcesFrom(results)
	if req.Stream {
		s.streamAnswer(w, r, &req, results, sources)
		return
	}

	answer, err := s.generator.Generate(ctx, req.Query, generator.ChunksOf(results), req.MaxTokens)
	if err != nil {
		s.logger.Error("generation failed", zap.Error(err))
		s.respondJSON(w, http.StatusOK, &models.QueryResponse{
			Error:        generationFailed,
			FallbackDocs: generator.Fallback(results, s.config.Generator.FallbackDocs),
		})
		return
	}
	s.cache.Set(ctx, req.Query, req.TopK, answer, sources)
	s.respondJSON(w, http.StatusOK, &models.QueryResponse{Answer: answer, Sources: sources})
}

func (s *Server) streamAnswer(w http.ResponseWriter, r *http.Request, req *models.QueryRequest, results []*models.RankedResult, sources []models.Source) {
	ctx := r.Context()
	emit := s.ndjson(w)
	if err := emit(streamEvent{Type: "sources", Data: sources}); err != nil {
		return
	}
	var answer []byte
	err := s.generator.Stream(ctx, req.Query, generator.ChunksOf(results), req.MaxTokens, func(tok string) error {
		answer = append(answer, tok...)
		return emit(streamEvent{Type: "token", Data: tok})
	})
	if err != nil {
		s.logger.Error("streaming generation failed", zap.Error(err))
		_ = emit(streamEvent{
			Type:     "error",
			Data:     generationFailed,
			Fallback: generator.Fallback(results, s.config.Generator.FallbackDocs),
		})
		return
	}
	s.cache.Set(context.WithoutCancel(ctx), req.Query, req.TopK, string(answer), sources)
}

func (s *Server) streamCached(w http.ResponseWriter, entry *models.CacheEntry) {
	emit := s.ndjson(w)
	if err := emit(streamEvent{Type: "sources", Data: entry.Sources}); err != nil {
		return
	}
	_ = emit(streamEvent{Type: "token", Data: entry.Answer})
}

// ndjson starts an application/x-ndjson response and returns a func writing one flushed line per event.
func (s *Server) ndjson(w http.ResponseWriter) func(streamEvent) error {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	return func(ev streamEvent) error {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var query models.SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg := s.config.Search
	if err := query.Validate(cfg.DefaultTopK, cfg.MaxTopK, cfg.Alpha); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("search request", zap.String("query", query.Query), zap.Int("top_k", query.TopK))
	response, err := s.svc.Search(r.Context(), &query)
	if err != nil {
		s.respondSearchError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) respondSearchError(w http.ResponseWriter, err error) {
	s.logger.Error("search failed", zap.Error(err))
	if errors.Is(err, embedding.ErrEmbedding) {
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.respondError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	s.runIngestion(w, r, false)
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	s.runIngestion(w, r, true)
}

func (s *Server) runIngestion(w http.ResponseWriter, r *http.Request, rebuild bool) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	src := req.Source
	if src == "" {
		src = s.config.Source.Path
	}
	if s.svc.IngestState().Active() || !s.ingesting.CompareAndSwap(false, true) {
		s.respondError(w, http.StatusConflict, models.ErrIngestionRunning.Error())
		return
	}
	defer s.ingesting.Store(false)

	run, status := s.svc.RunIngestion, "success"
	if rebuild {
		run, status = s.svc.Reindex, "reindexed"
	}
	report, err := run(r.Context(), src)
	if err != nil {
		s.logger.Error("ingestion failed", zap.String("source", src), zap.Error(err))
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, models.ErrIngestionRunning):
			code = http.StatusConflict
		case errors.Is(err, models.ErrSourceUnavailable):
			code = http.StatusNotFound
		case errors.Is(err, models.ErrEmptyCorpus):
			code = http.StatusUnprocessableEntity
		}
		s.respondJSON(w, code, map[string]any{"error": err.Error(), "report": report})
		return
	}
	s.respondJSON(w, http.StatusOK, &ingestResponse{Status: status, TotalChunks: report.Indexed, Report: report})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chunk_id")
	rec, err := storage.FindMetadata(s.config.Storage.MetadataPath, id)
	if err != nil {
		s.logger.Error("metadata scan failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		s.respondError(w, http.StatusNotFound, "Chunk not found")
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.cache.Clear(r.Context())
	if err != nil {
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "cleared", "removed": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"index_present": s.svc.IndexPresent(),
		"chunks":        s.svc.Snapshot().Size(),
		"ingest_state":  s.svc.IngestState(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chunkCount, err := s.storage.CountChunks(ctx)
	if err != nil {
		s.logger.Error("status: count chunks failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	snap := s.svc.Snapshot()
	resp := map[string]any{
		"chunks":         chunkCount,
		"served_chunks":  snap.Size(),
		"index_present":  s.svc.IndexPresent(),
		"ingest_state":   s.svc.IngestState(),
		"cache_enabled":  s.cache.Enabled(),
		"snapshot_taken": snap.LoadedAt,
	}
	if runs, err := s.storage.ListRuns(ctx, 1); err == nil && len(runs) > 0 {
		resp["last_run"] = runs[0]
	}
	st := s.config.Storage
	if usage, err := storage.DiskUsage(st.DatabasePath, st.VectorIndexPath, st.MetadataPath); err == nil {
		resp["disk_usage"] = usage
	}
	resp["config"] = map[string]any{
		"embedding_provider":   s.config.Embedding.Provider,
		"embedding_dimensions": s.config.Embedding.Dimensions,
		"chunk_size":           s.config.Ingest.ChunkSize,
		"chunk_overlap":        s.config.Ingest.ChunkOverlap,
		"batch_size":           s.config.Ingest.BatchSize,
		"alpha":                s.config.Search.Alpha,
		"vector_index_type":    st.VectorIndexType,
		"cache_backend":        s.config.Cache.Backend,
		"generator_provider":   s.config.Generator.Provider,
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.storage.ListRuns(r.Context(), 20)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
