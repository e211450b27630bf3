package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/pkg/utils"
)

const (
	DefaultPrefix = "rag:query:"
	DefaultTTL    = time.Hour
	pingTimeout   = 2 * time.Second
)

// QueryCache caches generated answers per (query, top_k). Backend failures never reach the
// caller: Get reports a miss and Set does nothing.
type QueryCache struct {
	store  Store
	prefix string
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a QueryCache.
type Option func(*QueryCache)

// WithLogger sets the logger for backend failures and hits.
func WithLogger(l *zap.Logger) Option {
	return func(c *QueryCache) { c.logger = l }
}

// WithPrefix sets the key prefix.
func WithPrefix(p string) Option {
	return func(c *QueryCache) { c.prefix = p }
}

// WithTTL sets the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *QueryCache) { c.ttl = ttl }
}

// New wraps store. A nil store yields a disabled cache.
func New(store Store, opts ...Option) *QueryCache {
	c := &QueryCache{store: store, prefix: DefaultPrefix, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	c.logger = utils.OrNop(c.logger)
	return c
}

// NewFromConfig opens the configured backend. An unreachable Redis server is logged and the
// cache is still returned; every call then degrades to a miss until the server is back.
func NewFromConfig(cfg *config.CacheConfig, logger *zap.Logger) (*QueryCache, error) {
	logger = utils.OrNop(logger)
	var store Store
	switch cfg.Backend {
	case config.CacheBackendNone, "":
		logger.Info("query cache disabled")
	case config.CacheBackendRedis:
		rs, err := NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		if err := rs.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, answers will not be cached until it recovers",
				zap.Error(fmt.Errorf("%w: %v", models.ErrCacheUnavailable, err)))
		}
		store = rs
	case config.CacheBackendSQLite:
		ss, err := NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		store = ss
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Backend)
	}
	return New(store, WithLogger(logger), WithPrefix(cfg.KeyPrefix), WithTTL(cfg.TTL())), nil
}

// Enabled reports whether a backend is configured.
func (c *QueryCache) Enabled() bool {
	return c != nil && c.store != nil
}

// Key returns the backend key for (query, topK).
func (c *QueryCache) Key(query string, topK int) string {
	return c.prefix + Fingerprint(query, topK)
}

// Get returns the cached entry for (query, topK).
func (c *QueryCache) Get(ctx context.Context, query string, topK int) (*models.CacheEntry, bool) {
	if !c.Enabled() {
		return nil, false
	}
	key := c.Key(query, topK)
	b, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.unavailable("get", key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var entry models.CacheEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		c.logger.Warn("discarding unreadable cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	c.logger.Debug("cache hit", zap.String("key", key), zap.String("query", utils.Truncate(query, 50)))
	return &entry, true
}

// Set stores answer and sources for (query, topK).
func (c *QueryCache) Set(ctx context.Context, query string, topK int, answer string, sources []models.Source) {
	if !c.Enabled() {
		return
	}
	key := c.Key(query, topK)
	b, err := json.Marshal(&models.CacheEntry{Answer: answer, Sources: sources, CreatedAt: c.now()})
	if err != nil {
		c.logger.Warn("encode cache entry", zap.Error(err))
		return
	}
	if err := c.store.Set(ctx, key, b, c.ttl); err != nil {
		c.unavailable("set", key, err)
	}
}

// Clear removes every entry under the prefix and returns how many were removed.
// Unlike Get and Set it reports backend failures, wrapped in models.ErrCacheUnavailable.
func (c *QueryCache) Clear(ctx context.Context) (int, error) {
	if !c.Enabled() {
		return 0, nil
	}
	n, err := c.store.DeletePrefix(ctx, c.prefix)
	if err != nil {
		c.unavailable("clear", c.prefix, err)
		return n, fmt.Errorf("%w: %v", models.ErrCacheUnavailable, err)
	}
	c.logger.Info("cache cleared", zap.Int("removed", n))
	return n, nil
}

// Close releases the backend.
func (c *QueryCache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.store.Close()
}

func (c *QueryCache) unavailable(op, key string, err error) {
	c.logger.Warn("cache backend failed, continuing without cache",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(fmt.Errorf("%w: %v", models.ErrCacheUnavailable, err)))
}
