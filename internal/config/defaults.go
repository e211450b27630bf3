package config

// Cache backends.
const (
	CacheBackendRedis  = "redis"
	CacheBackendSQLite = "sqlite"
	CacheBackendNone   = "none"
)

// ApplyDefaults sets default values for any zero values in cfg.
// Paths derived from the data directory are filled later by DerivePaths.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeoutSeconds == 0 {
		cfg.Server.RequestTimeoutSeconds = 120
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/usr/local/var/shiori/data"
	}
	if cfg.Storage.VectorIndexType == "" {
		cfg.Storage.VectorIndexType = "memory"
	}
	if cfg.Source.Extensions == nil {
		cfg.Source.Extensions = []string{".txt", ".md", ".pdf", ".docx", ".xlsx"}
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "mock"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.Concurrency == 0 {
		cfg.Embedding.Concurrency = 4
	}
	if cfg.Embedding.TimeoutSeconds == 0 {
		cfg.Embedding.TimeoutSeconds = 30
	}
	if cfg.Ingest.ChunkSize == 0 {
		cfg.Ingest.ChunkSize = 1000
	}
	if cfg.Ingest.ChunkOverlap == 0 {
		cfg.Ingest.ChunkOverlap = 200
	}
	if cfg.Ingest.BatchSize == 0 {
		cfg.Ingest.BatchSize = 10
	}
	if cfg.Ingest.CheckpointEvery == 0 {
		cfg.Ingest.CheckpointEvery = 10
	}
	if cfg.Ingest.SnippetLength == 0 {
		cfg.Ingest.SnippetLength = 200
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = 1
	}
	if cfg.Search.DefaultTopK == 0 {
		cfg.Search.DefaultTopK = 8
	}
	if cfg.Search.MaxTopK == 0 {
		cfg.Search.MaxTopK = 50
	}
	// A zero alpha in the file is treated as unset; requests may still pass alpha 0.
	if cfg.Search.Alpha == 0 {
		cfg.Search.Alpha = 0.7
	}
	if cfg.Search.CandidateMultiplier == 0 {
		cfg.Search.CandidateMultiplier = 2
	}
	if cfg.Cache.Backend == "" {
		if cfg.Cache.RedisURL != "" {
			cfg.Cache.Backend = CacheBackendRedis
		} else {
			cfg.Cache.Backend = CacheBackendNone
		}
	}
	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = "rag:query:"
	}
	if cfg.Cache.TTLSeconds == 0 {
		cfg.Cache.TTLSeconds = 3600
	}
	if cfg.Generator.Provider == "" {
		cfg.Generator.Provider = "none"
	}
	if cfg.Generator.Temperature == 0 {
		cfg.Generator.Temperature = 0.2
	}
	if cfg.Generator.MaxTokens == 0 {
		cfg.Generator.MaxTokens = 1024
	}
	if cfg.Generator.FallbackDocs == 0 {
		cfg.Generator.FallbackDocs = 3
	}
	if cfg.Generator.TimeoutSeconds == 0 {
		cfg.Generator.TimeoutSeconds = 60
	}
	if cfg.Watch.DebounceMS == 0 {
		cfg.Watch.DebounceMS = 400
	}
}

// Default returns a config with every default applied and paths derived from dataDir.
func Default(dataDir string) *Config {
	cfg := &Config{}
	cfg.Storage.DataDir = dataDir
	ApplyDefaults(cfg)
	DerivePaths(cfg)
	return cfg
}
