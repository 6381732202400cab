package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/cam3ron2/bugfind/internal/record"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS issue_records (
	issue_key TEXT PRIMARY KEY,
	records   TEXT NOT NULL,
	saved_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_issue_records_saved_at ON issue_records(saved_at);
`

// SQLiteStore keeps per-issue records in a local SQLite database.
type SQLiteStore struct {
	db        *sql.DB
	path      string
	retention time.Duration
	now       func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, retention time.Duration) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer; the crawl is sequential.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStore{
		db:        db,
		path:      path,
		retention: retention,
		now:       time.Now,
	}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// SaveIssue upserts the records for key.
func (s *SQLiteStore) SaveIssue(ctx context.Context, key string, records []record.Record) error {
	if key == "" {
		return fmt.Errorf("issue key is required")
	}
	if records == nil {
		records = []record.Record{}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal issue records: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO issue_records (issue_key, records, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(issue_key) DO UPDATE SET records = excluded.records, saved_at = excluded.saved_at
	`, key, string(payload), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("saving issue records: %w", err)
	}
	return nil
}

// LoadIssue reads the records saved for key.
func (s *SQLiteStore) LoadIssue(ctx context.Context, key string) ([]record.Record, bool, error) {
	if key == "" {
		return nil, false, fmt.Errorf("issue key is required")
	}

	var payload string
	var savedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT records, saved_at FROM issue_records WHERE issue_key = ?`, key,
	).Scan(&payload, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading issue records: %w", err)
	}
	if expired(time.Unix(0, savedAt), s.retention, s.now()) {
		return nil, false, nil
	}

	var records []record.Record
	if err := json.Unmarshal([]byte(payload), &records); err != nil {
		return nil, false, fmt.Errorf("decode issue records: %w", err)
	}
	if records == nil {
		records = []record.Record{}
	}
	return records, true, nil
}

// GC deletes rows older than the retention window.
func (s *SQLiteStore) GC(ctx context.Context) error {
	if s.retention <= 0 {
		return nil
	}
	cutoff := s.now().Add(-s.retention).UnixNano()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM issue_records WHERE saved_at < ?`, cutoff); err != nil {
		return fmt.Errorf("pruning issue records: %w", err)
	}
	return nil
}

// Count returns the number of stored issues.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM issue_records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting issue records: %w", err)
	}
	return count, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
