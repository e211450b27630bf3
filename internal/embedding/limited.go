package embedding

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limited bounds the number of in-flight provider calls and optionally throttles their rate.
// Every call waits for a slot and a token, so cancelling ctx aborts the wait.
type Limited struct {
	inner   Embedder
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewLimited wraps inner with at most concurrency simultaneous calls (minimum 1) and at most
// requestsPerSecond calls per second. A non-positive rate disables throttling.
func NewLimited(inner Embedder, concurrency int, requestsPerSecond float64) *Limited {
	if concurrency <= 0 {
		concurrency = 1
	}
	l := &Limited{inner: inner, sem: semaphore.NewWeighted(int64(concurrency))}
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return l
}

func (l *Limited) acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			l.sem.Release(1)
			return err
		}
	}
	return nil
}

// Embed embeds one text once a slot is free.
func (l *Limited) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.Embed(ctx, text)
}

// EmbedBatch embeds a batch as a single provider call once a slot is free.
func (l *Limited) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	vecs, err := l.inner.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if err := checkBatch(texts, vecs); err != nil {
		return nil, err
	}
	return vecs, nil
}

// Dimensions returns the wrapped embedder's dimension.
func (l *Limited) Dimensions() int {
	return l.inner.Dimensions()
}

// Close closes the wrapped embedder.
func (l *Limited) Close() error {
	return l.inner.Close()
}
