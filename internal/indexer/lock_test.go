package indexer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperjump/shiori/internal/models"
)

func TestPathLocker_InProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vector.idx")
	l := NewPathLocker()

	unlock, err := l.Lock(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.TryLock(path); !errors.Is(err, models.ErrIngestionRunning) {
		t.Errorf("TryLock while held = %v, want ErrIngestionRunning", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, path); !errors.Is(err, models.ErrIngestionRunning) {
		t.Errorf("Lock with deadline = %v, want ErrIngestionRunning", err)
	}

	if err := unlock(); err != nil {
		t.Fatal(err)
	}
	if err := unlock(); err != nil {
		t.Errorf("second unlock = %v", err)
	}
	again, err := l.TryLock(path)
	if err != nil {
		t.Fatalf("TryLock after release = %v", err)
	}
	_ = again()
}

func TestPathLocker_FileLockAcrossLockers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vector.idx")
	first, second := NewPathLocker(), NewPathLocker()

	unlock, err := first.Lock(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := second.TryLock(path); !errors.Is(err, models.ErrIngestionRunning) {
		t.Errorf("TryLock from another locker = %v, want ErrIngestionRunning", err)
	}

	done := make(chan error, 1)
	go func() {
		u, err := second.Lock(context.Background(), path)
		if err == nil {
			err = u()
		}
		done <- err
	}()
	time.Sleep(2 * lockPollInterval)
	_ = unlock()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("waiting Lock = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiting Lock never acquired the released lock")
	}
}

func TestPathLocker_DifferentPaths(t *testing.T) {
	dir := t.TempDir()
	l := NewPathLocker()
	a, err := l.TryLock(filepath.Join(dir, "a.idx"))
	if err != nil {
		t.Fatal(err)
	}
	defer a()
	b, err := l.TryLock(filepath.Join(dir, "b.idx"))
	if err != nil {
		t.Fatalf("independent path blocked: %v", err)
	}
	_ = b()
}
