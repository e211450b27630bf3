package embedding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperjump/shiori/pkg/utils"
)

func TestLRU(t *testing.T) {
	c := newLRU[[]float32](2)
	if v, ok := c.get("a"); ok || v != nil {
		t.Fatal("expected miss")
	}
	c.put("a", []float32{1, 2, 3})
	c.put("b", []float32{4, 5})
	if v, ok := c.get("a"); !ok || v[0] != 1 {
		t.Errorf("get(a) = %v, %v", v, ok)
	}
	c.put("c", []float32{6}) // evicts b, the least recently read
	if _, ok := c.get("b"); ok {
		t.Error("expected b to be evicted")
	}
	if _, ok := c.get("a"); !ok {
		t.Error("expected a to remain after being read")
	}
	c.put("a", []float32{9})
	if v, _ := c.get("a"); v[0] != 9 || c.len() != 2 {
		t.Errorf("overwrite: a=%v len=%d", v, c.len())
	}
}

func TestLRU_ZeroCapacity(t *testing.T) {
	c := newLRU[int](0)
	c.put("a", 1)
	if c.len() != 0 {
		t.Error("zero capacity cache stored an entry")
	}
}

type countingEmbedder struct {
	*MockEmbedder
	single atomic.Int32
	batch  atomic.Int32
	gate   chan struct{}
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.single.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	return c.MockEmbedder.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.batch.Add(1)
	return c.MockEmbedder.EmbedBatch(ctx, texts)
}

func TestCachedEmbedder(t *testing.T) {
	inner := &countingEmbedder{MockEmbedder: NewMockEmbedder(8)}
	c := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	a, err := c.Embed(ctx, "what is shiori")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := c.Embed(ctx, "what is shiori")
	if inner.single.Load() != 1 {
		t.Errorf("provider calls = %d, want 1", inner.single.Load())
	}
	if &a[0] != &b[0] {
		t.Error("expected cached slice")
	}

	_, _ = c.EmbedBatch(ctx, []string{"what is shiori", "other"})
	_, _ = c.EmbedBatch(ctx, []string{"what is shiori", "other"})
	if inner.batch.Load() != 2 {
		t.Errorf("batch calls = %d, want 2", inner.batch.Load())
	}
	if c.Dimensions() != 8 {
		t.Errorf("Dimensions = %d", c.Dimensions())
	}
}

func TestCachedEmbedder_ConcurrentMisses(t *testing.T) {
	inner := &countingEmbedder{MockEmbedder: NewMockEmbedder(8), gate: make(chan struct{})}
	c := NewCachedEmbedder(inner, 4)
	ctx := context.Background()

	const callers = 8
	results := make([][]float32, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Embed(ctx, "same question")
			if err != nil {
				t.Error(err)
			}
			results[i] = v
		}(i)
	}
	close(inner.gate)
	wg.Wait()

	for i := 1; i < callers; i++ {
		if utils.SquaredL2(results[0], results[i]) != 0 {
			t.Fatalf("caller %d got a different vector", i)
		}
	}
	if n := inner.single.Load(); n > callers {
		t.Errorf("provider calls = %d", n)
	}
	if _, err := c.Embed(ctx, "same question"); err != nil || inner.single.Load() > callers {
		t.Error("expected cached answer after the flight settled")
	}
}

// blockingEmbedder holds Embed until release is closed or the provider context ends.
type blockingEmbedder struct {
	*MockEmbedder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.MockEmbedder.Embed(ctx, text)
}

func TestCachedEmbedder_CancelledCallerLeavesOthersRunning(t *testing.T) {
	inner := &blockingEmbedder{
		MockEmbedder: NewMockEmbedder(8),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	c := NewCachedEmbedder(inner, 4, WithFlightTimeout(5*time.Second))

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Embed(ctxA, "same question")
		errA <- err
	}()
	<-inner.entered

	type result struct {
		vec []float32
		err error
	}
	resB := make(chan result, 1)
	go func() {
		v, err := c.Embed(context.Background(), "same question")
		resB <- result{v, err}
	}()

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller err = %v, want context.Canceled", err)
	}
	close(inner.release)

	b := <-resB
	if b.err != nil {
		t.Fatalf("caller with live context failed: %v", b.err)
	}
	want, _ := NewMockEmbedder(8).Embed(context.Background(), "same question")
	if utils.SquaredL2(b.vec, want) != 0 {
		t.Error("unexpected vector")
	}
}

func TestCachedEmbedder_FlightTimeout(t *testing.T) {
	inner := &blockingEmbedder{
		MockEmbedder: NewMockEmbedder(8),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	c := NewCachedEmbedder(inner, 4, WithFlightTimeout(20*time.Millisecond))
	if _, err := c.Embed(context.Background(), "never answered"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}
