package cache

import (
	"context"
	"time"
)

// Store is a key/value backend that expires entries on its own.
type Store interface {
	// Get returns the value for key. ok is false when the key is missing or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set writes value under key, expiring it after ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// DeletePrefix removes every key starting with prefix and returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}
