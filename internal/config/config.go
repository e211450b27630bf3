// Package config provides configuration loading and structs for the Shiori server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Gops      bool            `yaml:"gops"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Source    SourceConfig    `yaml:"source"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Search    SearchConfig    `yaml:"search"`
	Cache     CacheConfig     `yaml:"cache"`
	Generator GeneratorConfig `yaml:"generator"`
	Watch     WatchConfig     `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// APIKey is required in the x-api-key header of mutating routes when non-empty.
	APIKey                string `yaml:"api_key"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// RequestTimeout returns the per-request timeout.
func (s *ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// StorageConfig holds paths for the chunk database, vector index, and metadata log.
type StorageConfig struct {
	DataDir         string `yaml:"data_dir"`
	DatabasePath    string `yaml:"database_path"`
	VectorIndexPath string `yaml:"vector_index_path"`
	MetadataPath    string `yaml:"metadata_path"`
	VectorIndexType string `yaml:"vector_index_type"`
}

// SourceConfig holds the corpus location.
type SourceConfig struct {
	Path       string   `yaml:"path"`
	Extensions []string `yaml:"extensions"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider          string  `yaml:"provider"`
	Model             string  `yaml:"model"`
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	Dimensions        int     `yaml:"dimensions"`
	MaxTokens         int     `yaml:"max_tokens"`
	ModelPath         string  `yaml:"model_path"`
	CacheSize         int     `yaml:"cache_size"`
	Concurrency       int     `yaml:"concurrency"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
}

// Timeout returns the provider HTTP timeout.
func (e *EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// IngestConfig holds chunking and batching settings.
type IngestConfig struct {
	ChunkSize       int `yaml:"chunk_size"`
	ChunkOverlap    int `yaml:"chunk_overlap"`
	BatchSize       int `yaml:"batch_size"`
	CheckpointEvery int `yaml:"checkpoint_every"`
	SnippetLength   int `yaml:"snippet_length"`
	Workers         int `yaml:"workers"`
}

// SearchConfig holds hybrid search settings.
type SearchConfig struct {
	DefaultTopK         int     `yaml:"default_top_k"`
	MaxTopK             int     `yaml:"max_top_k"`
	Alpha               float64 `yaml:"alpha"`
	CandidateMultiplier int     `yaml:"candidate_multiplier"`
}

// CacheConfig holds query cache settings.
type CacheConfig struct {
	Backend    string `yaml:"backend"`
	RedisURL   string `yaml:"redis_url"`
	KeyPrefix  string `yaml:"key_prefix"`
	TTLSeconds int    `yaml:"ttl_seconds"`
	SQLitePath string `yaml:"sqlite_path"`
}

// TTL returns the entry time-to-live.
func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// GeneratorConfig holds answer generator settings.
type GeneratorConfig struct {
	Provider       string  `yaml:"provider"`
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	APIKey         string  `yaml:"api_key"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	FallbackDocs   int     `yaml:"fallback_docs"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// Timeout returns the generator HTTP timeout.
func (g *GeneratorConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// WatchConfig holds source watch settings.
type WatchConfig struct {
	Enabled    bool `yaml:"enabled"`
	DebounceMS int  `yaml:"debounce_ms"`
}

// Debounce returns the debounce interval for source change events.
func (w *WatchConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMS) * time.Millisecond
}

// Load reads and parses the config file at path, applies defaults and environment
// overrides, and expands paths. Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyEnv(&cfg, os.LookupEnv)
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	configDir := filepath.Dir(path)
	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir, configDir)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.VectorIndexPath = expandPath(cfg.Storage.VectorIndexPath, configDir)
	cfg.Storage.MetadataPath = expandPath(cfg.Storage.MetadataPath, configDir)
	cfg.Source.Path = expandPath(cfg.Source.Path, configDir)
	cfg.Cache.SQLitePath = expandPath(cfg.Cache.SQLitePath, configDir)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	DerivePaths(&cfg)

	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// DerivePaths fills empty storage, source, and cache paths from the data directory.
func DerivePaths(cfg *Config) {
	dir := cfg.Storage.DataDir
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = filepath.Join(dir, "chunks.db")
	}
	if cfg.Storage.VectorIndexPath == "" {
		cfg.Storage.VectorIndexPath = filepath.Join(dir, "vector.idx")
	}
	if cfg.Storage.MetadataPath == "" {
		cfg.Storage.MetadataPath = filepath.Join(dir, "metadata.jsonl")
	}
	if cfg.Source.Path == "" {
		cfg.Source.Path = filepath.Join(dir, "knowledge.txt")
	}
	if cfg.Cache.SQLitePath == "" {
		cfg.Cache.SQLitePath = filepath.Join(dir, "cache.db")
	}
}

// Validate rejects settings that cannot work together.
func Validate(cfg *Config) error {
	if cfg.Ingest.ChunkOverlap >= cfg.Ingest.ChunkSize {
		return fmt.Errorf("chunk_overlap (%d) must be smaller than chunk_size (%d)", cfg.Ingest.ChunkOverlap, cfg.Ingest.ChunkSize)
	}
	if cfg.Search.Alpha < 0 || cfg.Search.Alpha > 1 {
		return fmt.Errorf("search.alpha must be within [0, 1], got %g", cfg.Search.Alpha)
	}
	switch cfg.Cache.Backend {
	case CacheBackendRedis, CacheBackendSQLite, CacheBackendNone:
	default:
		return fmt.Errorf("unknown cache backend: %s (supported: redis, sqlite, none)", cfg.Cache.Backend)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory. Empty paths stay empty.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
