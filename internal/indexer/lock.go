package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyperjump/shiori/internal/models"
)

const lockPollInterval = 50 * time.Millisecond

// PathLocker serialises writers per index path, inside the process with a channel token and
// across processes with an exclusive lock on "<path>.lock".
type PathLocker struct {
	mu     sync.Mutex
	tokens map[string]chan struct{}
}

// NewPathLocker returns an empty locker.
func NewPathLocker() *PathLocker {
	return &PathLocker{tokens: make(map[string]chan struct{})}
}

var defaultLocker = NewPathLocker()

func (l *PathLocker) token(path string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.tokens[path]
	if !ok {
		ch = make(chan struct{}, 1)
		l.tokens[path] = ch
	}
	return ch
}

// Lock blocks until the caller holds path exclusively or ctx is done. When ctx ends first the
// error wraps models.ErrIngestionRunning. The returned func releases the lock.
func (l *PathLocker) Lock(ctx context.Context, path string) (func() error, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	tok := l.token(abs)
	select {
	case tok <- struct{}{}:
	default:
		select {
		case tok <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", models.ErrIngestionRunning, path, ctx.Err())
		}
	}

	f, err := acquireFileLock(ctx, abs+".lock")
	if err != nil {
		<-tok
		return nil, err
	}
	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			err = errors.Join(unlockFile(f), f.Close())
			<-tok
		})
		return err
	}, nil
}

// TryLock is Lock without waiting.
func (l *PathLocker) TryLock(path string) (func() error, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return l.Lock(ctx, path)
}

func acquireFileLock(ctx context.Context, path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		err := tryLockExclusive(f)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, errWouldBlock) {
			_ = f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, fmt.Errorf("%w: %s: %v", models.ErrIngestionRunning, path, ctx.Err())
		case <-ticker.C:
		}
	}
}
