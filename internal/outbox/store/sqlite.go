package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/irontracks/itsync/internal/outbox"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (kv, jobs)
// 1 - Added created_at index for replay-order listing
const currentSchemaVersion = 1

// SQLiteFile is the database filename inside the namespace directory.
const SQLiteFile = "outbox.db"

// SQLiteBackend is the primary backend: an embedded SQLite database in WAL mode.
// Every put and delete is a single statement, so readers never observe a
// partially written job.
type SQLiteBackend struct {
	conn *sql.DB
	path string
}

var _ Backend = (*SQLiteBackend)(nil)

// OpenSQLite creates or opens the database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//
// The caller MUST call Close() when done.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	b := &SQLiteBackend{conn: conn, path: path}

	if err := b.applyPragmas(); err != nil {
		_ = b.Close()
		return nil, err
	}
	if err := b.applySchema(); err != nil {
		_ = b.Close()
		return nil, err
	}

	return b, nil
}

func (b *SQLiteBackend) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := b.conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (b *SQLiteBackend) applySchema() error {
	if _, err := b.conn.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	var version int
	if err := b.conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if _, err := b.conn.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := b.conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Name implements Backend.
func (b *SQLiteBackend) Name() string { return BackendSQLite }

// Path returns the database file path.
func (b *SQLiteBackend) Path() string { return b.path }

// GetKV implements Backend.
func (b *SQLiteBackend) GetKV(ctx context.Context, key string) (json.RawMessage, error) {
	if b.conn == nil {
		return nil, ErrClosed
	}
	var value string
	err := b.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	if !json.Valid([]byte(value)) {
		return nil, fmt.Errorf("key %s: %w", key, ErrCorrupt)
	}
	return json.RawMessage(value), nil
}

// SetKV implements Backend.
func (b *SQLiteBackend) SetKV(ctx context.Context, key string, value json.RawMessage) error {
	if b.conn == nil {
		return ErrClosed
	}
	query := `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	if _, err := b.conn.ExecContext(ctx, query, key, string(value), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

// PutJob implements Backend.
func (b *SQLiteBackend) PutJob(ctx context.Context, job outbox.Job) error {
	if b.conn == nil {
		return ErrClosed
	}
	payload := job.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	query := `
	INSERT INTO jobs (
		id, payload, created_at, updated_at, attempts, next_attempt_at, last_error
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		payload = excluded.payload,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		attempts = excluded.attempts,
		next_attempt_at = excluded.next_attempt_at,
		last_error = excluded.last_error
	`
	_, err := b.conn.ExecContext(ctx, query,
		job.ID,
		string(payload),
		job.CreatedAt.UnixNano(),
		job.UpdatedAt.UnixNano(),
		job.Attempts,
		job.NextAttemptAt.UnixNano(),
		job.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job %s: %w", job.ID, err)
	}
	return nil
}

// DeleteJob implements Backend.
func (b *SQLiteBackend) DeleteJob(ctx context.Context, id string) error {
	if b.conn == nil {
		return ErrClosed
	}
	if _, err := b.conn.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

// ListJobs implements Backend. Rows come back by creation time, then in
// insertion order. An upsert keeps the row's rowid.
func (b *SQLiteBackend) ListJobs(ctx context.Context) ([]outbox.Job, error) {
	if b.conn == nil {
		return nil, ErrClosed
	}
	rows, err := b.conn.QueryContext(ctx, `
	SELECT id, payload, created_at, updated_at, attempts, next_attempt_at, last_error
	FROM jobs
	ORDER BY created_at, rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]outbox.Job, 0)
	for rows.Next() {
		var (
			j                            outbox.Job
			payload                      string
			createdAt, updatedAt, nextAt int64
		)
		if err := rows.Scan(&j.ID, &payload, &createdAt, &updatedAt, &j.Attempts, &nextAt, &j.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		j.Payload = json.RawMessage(payload)
		j.CreatedAt = time.Unix(0, createdAt).UTC()
		j.UpdatedAt = time.Unix(0, updatedAt).UTC()
		j.NextAttemptAt = time.Unix(0, nextAt).UTC()
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (b *SQLiteBackend) Close() error {
	if b.conn == nil {
		return nil
	}

	if _, err := b.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	b.conn = nil
	return nil
}
