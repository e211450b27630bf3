package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/shiori/internal/models"
)

const nextSeqKey = "next_seq"

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL UNIQUE,
		text TEXT NOT NULL,
		source_file TEXT,
		title TEXT,
		url TEXT,
		snippet TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ingest_runs (
		id TEXT PRIMARY KEY,
		source TEXT,
		state TEXT NOT NULL,
		documents INTEGER NOT NULL DEFAULT 0,
		produced INTEGER NOT NULL DEFAULT 0,
		indexed INTEGER NOT NULL DEFAULT 0,
		batches INTEGER NOT NULL DEFAULT 0,
		skipped_batches INTEGER NOT NULL DEFAULT 0,
		skipped_chunks INTEGER NOT NULL DEFAULT 0,
		checkpoints INTEGER NOT NULL DEFAULT 0,
		first_chunk_id TEXT,
		last_chunk_id TEXT,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_ingest_runs_started_at ON ingest_runs(started_at);
	`
	_, err := db.Exec(schema)
	return err
}

// InsertChunks inserts chunks in one transaction. Either every chunk is stored or none is.
func (s *SQLiteStorage) InsertChunks(ctx context.Context, chunks []*models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, seq, text, source_file, title, url, snippet, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	var maxSeq int64 = -1
	for _, c := range chunks {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.Seq, c.Text, c.SourceFile, c.Title, c.URL, c.Snippet, c.CreatedAt); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
		maxSeq = max(maxSeq, c.Seq)
	}
	if err := advanceSeq(ctx, tx, maxSeq+1); err != nil {
		return err
	}
	return tx.Commit()
}

const chunkColumns = `id, seq, text, source_file, title, url, snippet, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*models.Chunk, error) {
	var c models.Chunk
	var sourceFile, title, url, snippet sql.NullString
	if err := row.Scan(&c.ID, &c.Seq, &c.Text, &sourceFile, &title, &url, &snippet, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.SourceFile = sourceFile.String
	c.Title = title.String
	c.URL = url.String
	c.Snippet = snippet.String
	return &c, nil
}

// GetChunk returns a chunk by ID.
func (s *SQLiteStorage) GetChunk(ctx context.Context, id string) (*models.Chunk, error) {
	c, err := scanChunk(s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListChunks returns every chunk ordered by sequence number.
func (s *SQLiteStorage) ListChunks(ctx context.Context) ([]*models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ChunkIDs returns every chunk id ordered by sequence number.
func (s *SQLiteStorage) ChunkIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chunks ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteChunks removes chunks by id in one transaction. The high-water mark is not lowered.
func (s *SQLiteStorage) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM chunks WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("delete chunk %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// CountChunks returns the total number of chunks.
func (s *SQLiteStorage) CountChunks(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count)
	return count, err
}

// NextSeq returns the next unused sequence number: the persisted high-water mark or one past
// the largest stored sequence, whichever is higher.
func (s *SQLiteStorage) NextSeq(ctx context.Context) (int64, error) {
	var mark int64
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, nextSeqKey).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, err
	default:
		mark, err = strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt %s: %w", nextSeqKey, err)
		}
	}
	var maxSeq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM chunks`).Scan(&maxSeq); err != nil {
		return 0, err
	}
	if maxSeq.Valid {
		mark = max(mark, maxSeq.Int64+1)
	}
	return mark, nil
}

// AdvanceSeq raises the high-water mark to next.
func (s *SQLiteStorage) AdvanceSeq(ctx context.Context, next int64) error {
	return advanceSeq(ctx, s.db, next)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func advanceSeq(ctx context.Context, db execer, next int64) error {
	if next <= 0 {
		return nil
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value
		 WHERE CAST(meta.value AS INTEGER) < CAST(excluded.value AS INTEGER)`,
		nextSeqKey, strconv.FormatInt(next, 10),
	)
	return err
}

// SaveRun inserts or updates an ingestion run record.
func (s *SQLiteStorage) SaveRun(ctx context.Context, r *models.IngestReport) error {
	var finished any
	if !r.FinishedAt.IsZero() {
		finished = r.FinishedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_runs (id, source, state, documents, produced, indexed, batches,
			skipped_batches, skipped_chunks, checkpoints, first_chunk_id, last_chunk_id, error,
			started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			state = excluded.state, documents = excluded.documents, produced = excluded.produced,
			indexed = excluded.indexed, batches = excluded.batches,
			skipped_batches = excluded.skipped_batches, skipped_chunks = excluded.skipped_chunks,
			checkpoints = excluded.checkpoints, first_chunk_id = excluded.first_chunk_id,
			last_chunk_id = excluded.last_chunk_id, error = excluded.error,
			finished_at = excluded.finished_at`,
		r.RunID, r.Source, r.State, r.Documents, r.Produced, r.Indexed, r.Batches,
		r.SkippedBatches, r.SkippedChunks, r.Checkpoints, r.FirstChunkID, r.LastChunkID, r.Error,
		r.StartedAt, finished,
	)
	return err
}

// ListRuns returns the most recent runs first. A non-positive limit returns every run.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit int) ([]*models.IngestReport, error) {
	query := `SELECT id, source, state, documents, produced, indexed, batches, skipped_batches,
		skipped_chunks, checkpoints, first_chunk_id, last_chunk_id, error, started_at, finished_at
		FROM ingest_runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.IngestReport
	for rows.Next() {
		var r models.IngestReport
		var source, first, last, errText sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&r.RunID, &source, &r.State, &r.Documents, &r.Produced, &r.Indexed,
			&r.Batches, &r.SkippedBatches, &r.SkippedChunks, &r.Checkpoints, &first, &last,
			&errText, &r.StartedAt, &finished); err != nil {
			return nil, err
		}
		r.Source = source.String
		r.FirstChunkID = first.String
		r.LastChunkID = last.String
		r.Error = errText.String
		if finished.Valid {
			r.FinishedAt = finished.Time
			r.Duration = r.FinishedAt.Sub(r.StartedAt)
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// Reset deletes every chunk and clears the high-water mark.
func (s *SQLiteStorage) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM chunks`,
		`DELETE FROM meta WHERE key = '` + nextSeqKey + `'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset: %s: %w", strings.Fields(stmt)[2], err)
		}
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
