package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/source"
)

func TestSearchArgsReorder(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected []string
	}{
		{
			name:     "flags after query are moved first",
			args:     []string{"reset my password", "-alpha", "0.5"},
			expected: []string{"-alpha", "0.5", "reset my password"},
		},
		{
			name:     "flags first returns unchanged",
			args:     []string{"-alpha", "0.5", "reset my password"},
			expected: []string{"-alpha", "0.5", "reset my password"},
		},
		{
			name:     "query only returns unchanged",
			args:     []string{"reset my password"},
			expected: []string{"reset my password"},
		},
		{
			name:     "empty args returns unchanged",
			args:     []string{},
			expected: []string{},
		},
		{
			name:     "multiple positionals then flags",
			args:     []string{"one", "two", "-top-k", "5"},
			expected: []string{"-top-k", "5", "one", "two"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := searchArgsReorder(tt.args)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("searchArgsReorder() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBuildSearchQuery(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{"single word", []string{"billing"}, "billing"},
		{"multiple words", []string{"billing", "cycle"}, "billing cycle"},
		{"single quoted phrase", []string{"billing cycle"}, "billing cycle"},
		{"empty args", []string{}, ""},
		{"blank args", []string{"  ", "  "}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildSearchQuery(tt.args)
			if got != tt.expected {
				t.Errorf("buildSearchQuery(%v) = %q, want %q", tt.args, got, tt.expected)
			}
		})
	}
}

func TestParseSearchArgs(t *testing.T) {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	flags, q := parseSearchArgs(fs, []string{"how", "do", "refunds", "work", "-alpha", "0.3", "-top-k", "3", "-output", "json"})
	if q.Query != "how do refunds work" {
		t.Errorf("query = %q", q.Query)
	}
	if q.TopK != 3 {
		t.Errorf("top_k = %d, want 3", q.TopK)
	}
	if q.Alpha == nil || *q.Alpha != 0.3 {
		t.Errorf("alpha = %v, want 0.3", q.Alpha)
	}
	if *flags.output != "json" || *flags.serverURL != defaultServerURL {
		t.Errorf("output=%q server=%q", *flags.output, *flags.serverURL)
	}

	fs = flag.NewFlagSet("search", flag.ContinueOnError)
	_, q = parseSearchArgs(fs, []string{"billing"})
	if q.Alpha != nil {
		t.Errorf("alpha should stay unset without the flag, got %v", *q.Alpha)
	}
}

func TestAlphaFlag(t *testing.T) {
	var a alphaFlag
	if a.String() != "" {
		t.Errorf("unset String() = %q", a.String())
	}
	if err := a.Set("0.25"); err != nil {
		t.Fatal(err)
	}
	if a.value == nil || *a.value != 0.25 || a.String() != "0.25" {
		t.Errorf("after Set: %v %q", a.value, a.String())
	}
	if err := a.Set("0.5x"); err == nil {
		t.Error("Set(0.5x): expected error")
	}
}

func TestLoadConfig_prefersCwdConfigWhenDefaultPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
debug: true
server:
  host: "localhost"
  port: 8080
storage:
  data_dir: "./data"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	cfg, resolved, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	// On macOS, cwd can be /private/var/... while configPath from t.TempDir() is /var/...; compare canonical paths.
	resolvedCanon, _ := filepath.EvalSymlinks(resolved)
	configPathCanon, _ := filepath.EvalSymlinks(configPath)
	if resolvedCanon != configPathCanon {
		t.Errorf("resolved path = %s (canon %s), want %s (canon %s)", resolved, resolvedCanon, configPath, configPathCanon)
	}
	if !cfg.Debug {
		t.Error("debug should be true from cwd config.yaml")
	}
	if filepath.Base(cfg.Storage.DatabasePath) != "chunks.db" || !strings.HasSuffix(filepath.Dir(cfg.Storage.DatabasePath), "data") {
		t.Errorf("database path not derived from data_dir: %s", cfg.Storage.DatabasePath)
	}
}

func TestLoadConfig_usesExplicitPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  data_dir: "./data"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != configPath {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
}

func TestLoadConfig_missingExplicitPathFails(t *testing.T) {
	if _, _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}

func TestBuiltinConfig(t *testing.T) {
	dir := t.TempDir()
	env := map[string]string{"SHIORI_DATA_DIR": dir, "SHIORI_API_KEY": "secret"}
	cfg, err := builtinConfig(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.DatabasePath != filepath.Join(dir, "chunks.db") {
		t.Errorf("database path = %s", cfg.Storage.DatabasePath)
	}
	if cfg.Source.Path != filepath.Join(dir, "knowledge.txt") {
		t.Errorf("source path = %s", cfg.Source.Path)
	}
	if cfg.Server.APIKey != "secret" {
		t.Errorf("api key = %q", cfg.Server.APIKey)
	}
	if cfg.Cache.Backend != config.CacheBackendNone {
		t.Errorf("cache backend = %q, want none without a redis url", cfg.Cache.Backend)
	}
}

func TestIngestViaHTTP(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":       "reindexed",
			"total_chunks": 4,
			"report":       &models.IngestReport{RunID: "run-1", State: "FINALIZED", Indexed: 4, Produced: 4},
		})
	}))
	defer srv.Close()

	report, err := ingestViaHTTP(srv.URL+"/", "secret", "/data/knowledge.txt", true)
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/api/v1/reindex" || gotKey != "secret" || gotBody["source"] != "/data/knowledge.txt" {
		t.Errorf("request path=%q key=%q body=%v", gotPath, gotKey, gotBody)
	}
	if report.RunID != "run-1" || report.Indexed != 4 {
		t.Errorf("report = %+v", report)
	}
}

func TestIngestViaHTTP_errorKeepsReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/ingest" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":  "source unavailable",
			"report": &models.IngestReport{RunID: "run-2", State: "FAILED"},
		})
	}))
	defer srv.Close()

	report, err := ingestViaHTTP(srv.URL, "", "/missing", false)
	if err == nil || !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "source unavailable") {
		t.Errorf("err = %v", err)
	}
	if report == nil || report.State != "FAILED" {
		t.Errorf("report = %+v", report)
	}
}

func TestSearchViaHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var q models.SearchQuery
		_ = json.NewDecoder(r.Body).Decode(&q)
		_ = json.NewEncoder(w).Encode(&models.SearchResponse{Query: q.Query, TopK: q.TopK, Total: 0})
	}))
	defer srv.Close()

	resp, err := searchViaHTTP(srv.URL, &models.SearchQuery{Query: "billing", TopK: 2})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Query != "billing" || resp.TopK != 2 {
		t.Errorf("response = %+v", resp)
	}
}

func TestClearCacheViaHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.Header.Get("x-api-key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"cleared","removed":3}`))
	}))
	defer srv.Close()

	n, err := clearCacheViaHTTP(srv.URL, "k")
	if err != nil || n != 3 {
		t.Errorf("clearCacheViaHTTP = %d, %v; want 3, nil", n, err)
	}
	if _, err := clearCacheViaHTTP(srv.URL, ""); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("without key: err = %v", err)
	}
}

func TestDirectIngestStatusAndAnswer(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Embedding.Dimensions = 32
	sections := []string{
		"Title: Billing\nURL: https://example.com/billing\nInvoices are generated monthly.",
		"Title: Support\nURL: https://example.com/support\nSupport tickets are answered within a day.",
	}
	if err := os.WriteFile(cfg.Source.Path, []byte(strings.Join(sections, "\n"+source.Delimiter+"\n")), 0644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	components, err := initializeComponents(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	report, err := components.Service.RunIngestion(ctx, cfg.Source.Path)
	if err != nil {
		t.Fatal(err)
	}
	if report.Indexed != 2 {
		t.Errorf("indexed = %d, want 2", report.Indexed)
	}

	resp, err := answerDirect(ctx, cfg, components.Service, &models.QueryRequest{SearchQuery: models.SearchQuery{Query: "invoices"}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error != "Generation failed" || len(resp.FallbackDocs) != 2 {
		t.Errorf("without a generator the answer should fall back to documents, got %+v", resp)
	}
	components.Close()

	status, err := localStatus(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if status["chunks"] != int64(2) || status["index_present"] != true {
		t.Errorf("status = %v", status)
	}
	if _, ok := status["last_run"]; !ok {
		t.Error("status should include the last run")
	}

	reopened, err := initializeComponents(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if got := reopened.Service.Snapshot().Size(); got != 2 {
		t.Errorf("reloaded snapshot size = %d, want 2", got)
	}
}
