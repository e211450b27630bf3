package config

import (
	"strconv"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides config values from environment variables. The first variable
// found in each group wins.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	if v, ok := first(lookup, "SHIORI_DATA_DIR", "DATA_DIR"); ok {
		cfg.Storage.DataDir = v
	}
	if v, ok := first(lookup, "SHIORI_REDIS_URL", "REDIS_URL"); ok {
		cfg.Cache.RedisURL = v
	}
	if v, ok := first(lookup, "SHIORI_CACHE_TTL", "CACHE_TTL"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Cache.TTLSeconds = n
		}
	}
	if v, ok := first(lookup, "SHIORI_API_KEY", "ADMIN_API_KEY"); ok {
		cfg.Server.APIKey = v
	}
	if v, ok := first(lookup, "OPENAI_API_KEY"); ok {
		if cfg.Embedding.APIKey == "" {
			cfg.Embedding.APIKey = v
		}
		if cfg.Generator.APIKey == "" {
			cfg.Generator.APIKey = v
		}
	}
}

func first(lookup LookupFunc, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := lookup(k); ok && v != "" {
			return v, true
		}
	}
	return "", false
}
