package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/hyperjump/shiori/internal/models"
)

// maxRecordSize bounds a single metadata line when scanning the log.
const maxRecordSize = 1 << 20

// MetadataLog is the append-only, line-delimited JSON chunk metadata log.
// Appended records are buffered until Flush, which writes and fsyncs them.
type MetadataLog struct {
	path    string
	mu      sync.Mutex
	f       *os.File
	pending []models.MetadataRecord
}

// OpenMetadataLog opens path for appending, creating it and its directory if needed.
func OpenMetadataLog(path string) (*MetadataLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open metadata log: %w", err)
	}
	return &MetadataLog{path: path, f: f}, nil
}

// Path returns the log file path.
func (l *MetadataLog) Path() string {
	return l.path
}

// Append buffers records for the next Flush.
func (l *MetadataLog) Append(records ...models.MetadataRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, records...)
}

// Pending returns the number of buffered records.
func (l *MetadataLog) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Flush writes buffered records and syncs the file. It returns the number of records written.
func (l *MetadataLog) Flush() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return 0, nil
	}
	w := bufio.NewWriter(l.f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, rec := range l.pending {
		if err := enc.Encode(rec); err != nil {
			return 0, fmt.Errorf("encode metadata record %s: %w", rec.ChunkID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("write metadata log: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return 0, fmt.Errorf("sync metadata log: %w", err)
	}
	n := len(l.pending)
	l.pending = l.pending[:0]
	return n, nil
}

// Close flushes pending records and closes the file.
func (l *MetadataLog) Close() error {
	_, flushErr := l.Flush()
	l.mu.Lock()
	defer l.mu.Unlock()
	return errors.Join(flushErr, l.f.Close())
}

// ScanMetadata calls fn for each record of the log at path in append order until fn returns false.
// A missing log is treated as empty.
func ScanMetadata(path string, fn func(models.MetadataRecord) bool) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open metadata log: %w", err)
	}
	defer f.Close()
	return scanRecords(f, fn)
}

func scanRecords(r io.Reader, fn func(models.MetadataRecord) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxRecordSize)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec models.MetadataRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return fmt.Errorf("metadata log line %d: %w", line, err)
		}
		if !fn(rec) {
			return nil
		}
	}
	return sc.Err()
}

// FindMetadata returns the last record for chunkID in the log at path, or nil when absent.
func FindMetadata(path, chunkID string) (*models.MetadataRecord, error) {
	var found *models.MetadataRecord
	err := ScanMetadata(path, func(rec models.MetadataRecord) bool {
		if rec.ChunkID == chunkID {
			r := rec
			found = &r
		}
		return true
	})
	return found, err
}
