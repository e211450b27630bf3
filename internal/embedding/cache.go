package embedding

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// lru is a fixed-capacity map that evicts the least recently read entry.
type lru[V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
}

type lruItem[V any] struct {
	key   string
	value V
}

func newLRU[V any](capacity int) *lru[V] {
	return &lru[V]{capacity: capacity, items: make(map[string]*list.Element), order: list.New()}
}

func (c *lru[V]) get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*lruItem[V]).value, true
	}
	var zero V
	return zero, false
}

func (c *lru[V]) put(key string, value V) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*lruItem[V]).value = value
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&lruItem[V]{key: key, value: value})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruItem[V]).key)
	}
}

func (c *lru[V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// CachedEmbedder memoises single-text embeddings, which is the query path, and collapses
// concurrent requests for the same text into one provider call.
// EmbedBatch always reaches the provider so each ingestion batch costs exactly one call.
type CachedEmbedder struct {
	Embedder
	vectors *lru[[]float32]
	flight  singleflight.Group
	timeout time.Duration
}

// CacheOption configures a CachedEmbedder.
type CacheOption func(*CachedEmbedder)

// WithFlightTimeout bounds a shared provider call. The call outlives the caller that
// started it, so without a bound it runs until the provider answers.
func WithFlightTimeout(d time.Duration) CacheOption {
	return func(c *CachedEmbedder) { c.timeout = d }
}

// NewCachedEmbedder wraps inner with an LRU of the given capacity. A capacity of zero
// disables memoisation but keeps request collapsing.
func NewCachedEmbedder(inner Embedder, capacity int, opts ...CacheOption) *CachedEmbedder {
	c := &CachedEmbedder{Embedder: inner, vectors: newLRU[[]float32](capacity)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Embed returns the cached vector for text or asks the provider. Cancelling ctx releases
// this caller only; others waiting on the same text keep the shared call.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.vectors.get(text); ok {
		return v, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := c.flight.DoChan(text, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		if c.timeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, c.timeout)
			defer cancel()
		}
		vec, err := c.Embedder.Embed(fctx, text)
		if err != nil {
			return nil, err
		}
		c.vectors.put(text, vec)
		return vec, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
