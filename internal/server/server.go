// Package server provides the HTTP API for Shiori.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/cache"
	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/generator"
	"github.com/hyperjump/shiori/internal/search"
	"github.com/hyperjump/shiori/internal/storage"
	"github.com/hyperjump/shiori/pkg/utils"
)

const apiKeyHeader = "x-api-key"

// Server is the HTTP server for the Shiori API.
type Server struct {
	svc       *search.Service
	cache     *cache.QueryCache
	generator generator.Generator
	storage   storage.Storage
	config    *config.Config
	logger    *zap.Logger
	server    *http.Server
	ingesting atomic.Bool
}

// NewServer creates a server with the given dependencies. A nil cache disables caching and
// a nil generator always answers with fallback documents.
func NewServer(
	svc *search.Service,
	qc *cache.QueryCache,
	gen generator.Generator,
	store storage.Storage,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	if qc == nil {
		qc = cache.New(nil)
	}
	if gen == nil {
		gen = generator.Disabled{}
	}
	return &Server{
		svc:       svc,
		cache:     qc,
		generator: gen,
		storage:   store,
		config:    cfg,
		logger:    utils.OrNop(logger),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.requestTimeout()))
			r.Post("/query", s.handleQuery)
			r.Post("/search", s.handleSearch)
			r.Get("/metadata/{chunk_id}", s.handleMetadata)
			r.Get("/status", s.handleStatus)
		})
		// Ingestion runs as long as it needs; a client disconnect cancels it between batches.
		r.Group(func(r chi.Router) {
			r.Use(s.requireAPIKey)
			r.Post("/ingest", s.handleIngest)
			r.Post("/reindex", s.handleReindex)
			r.Get("/runs", s.handleRuns)
			r.Delete("/cache", s.handleCacheClear)
		})
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestTimeout() time.Duration {
	if d := s.config.Server.RequestTimeout(); d > 0 {
		return d
	}
	return 120 * time.Second
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.config.Server.APIKey
		if key != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(apiKeyHeader)), []byte(key)) != 1 {
			s.respondError(w, http.StatusUnauthorized, "invalid or missing "+apiKeyHeader)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
