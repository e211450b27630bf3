// Package watcher rebuilds the index when the corpus source changes on disk.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/shiori/pkg/utils"
)

const defaultDebounce = 400 * time.Millisecond

// Watcher watches a corpus file or directory and calls onChange once per burst of events.
// A file is watched through its parent directory so editors that replace it by rename
// are still seen. Calls to onChange never overlap; changes seen during a call schedule
// exactly one more call.
type Watcher struct {
	source     string
	isDir      bool
	extensions []string
	onChange   func(ctx context.Context) error
	debounce   time.Duration
	logger     *zap.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	timer    *time.Timer
	running  bool
	pending  bool
	ctx      context.Context
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets the watcher logger.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets how long the source must stay quiet before onChange runs.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher for source. extensions filter files inside a source
// directory (empty = all) and are ignored when source is a file.
func NewWatcher(source string, extensions []string, onChange func(ctx context.Context) error, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		source:     filepath.Clean(source),
		extensions: extensions,
		onChange:   onChange,
		debounce:   defaultDebounce,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = utils.OrNop(w.logger)
	return w
}

// Start begins watching. It returns after the watches are registered; events are handled
// until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	abs, err := filepath.Abs(w.source)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.source = abs
	w.isDir = info.IsDir()
	w.watcher = fw
	w.ctx = ctx
	w.mu.Unlock()

	if err := w.addWatches(); err != nil {
		_ = fw.Close()
		return err
	}
	w.logger.Info("watching source", zap.String("path", abs), zap.Bool("directory", w.isDir), zap.Duration("debounce", w.debounce))
	go w.run(ctx, fw)
	return nil
}

func (w *Watcher) addWatches() error {
	if !w.isDir {
		return w.watcher.Add(filepath.Dir(w.source))
	}
	return filepath.WalkDir(w.source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod || !w.relevant(ev.Name) {
		return
	}
	w.logger.Debug("source event", zap.String("op", ev.Op.String()), zap.String("path", ev.Name))
	if w.isDir && ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.addSubtree(ev.Name)
		}
	}
	w.schedule()
}

// relevant reports whether path is the watched file, or a matching file or directory
// inside the watched directory.
func (w *Watcher) relevant(path string) bool {
	path = filepath.Clean(path)
	if !w.isDir {
		return path == w.source
	}
	if !inDir(w.source, path) {
		return false
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return true
	}
	return matchExtension(path, w.extensions)
}

func (w *Watcher) addSubtree(dir string) {
	w.mu.Lock()
	fw := w.watcher
	w.mu.Unlock()
	if fw == nil {
		return
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := fw.Add(path); err != nil {
				w.logger.Debug("watcher failed to add directory", zap.String("path", path), zap.Error(err))
			}
		}
		return nil
	})
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

// schedule restarts the debounce timer.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	w.timer = nil
	if w.watcher == nil {
		w.mu.Unlock()
		return
	}
	if w.running {
		w.pending = true
		w.mu.Unlock()
		return
	}
	w.running = true
	ctx := w.ctx
	w.wg.Add(1)
	w.mu.Unlock()

	defer w.wg.Done()
	for {
		w.logger.Info("source changed, rebuilding index", zap.String("path", w.source))
		if err := w.onChange(ctx); err != nil {
			w.logger.Error("rebuild after source change failed", zap.Error(err))
		}
		w.mu.Lock()
		if !w.pending || w.watcher == nil {
			w.running = false
			w.pending = false
			w.mu.Unlock()
			return
		}
		w.pending = false
		w.mu.Unlock()
	}
}

// Stop stops watching and waits for a running onChange call to return.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	fw := w.watcher
	w.watcher = nil
	w.mu.Unlock()
	if fw != nil {
		_ = fw.Close()
	}
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}
