// Package store owns the durable state of the sync engine: the canonical
// per-date entries, the timestamped cache of unfiled fragments, and the
// conflict log of diff chunks recorded when an overwrite diverges.
//
// The database is an embedded SQLite file opened in WAL mode so concurrent
// readers are never blocked by a sync pass in flight. All mutation goes
// through the methods here; replica adapters never touch rows directly.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// TimeLayout is the fixed-width UTC timestamp format used for database
// keys, the peer wire format, and result lines. Fixed width keeps
// lexicographic ordering in SQL identical to chronological ordering, and
// nanosecond precision keeps cache keys unique.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// Store wraps the SQLite connection.
type Store struct {
	conn *sql.DB
	path string

	// dateLocks serializes upserts per date. Concurrent upserts for the
	// same date must not interleave: one update has to fully land before
	// the next computes its diff.
	dateLocks keyedMutex
}

// Open creates or opens the database at path, creating parent directories
// as needed. The caller must Close when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+uriPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// uriPath escapes the characters the SQLite URI filename parser would
// otherwise read as query or fragment delimiters.
func uriPath(path string) string {
	return strings.NewReplacer("%", "%25", "?", "%3F", "#", "%23").Replace(path)
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// InitSchema creates the tables and indexes if they don't exist.
// Idempotent, safe to call on every startup.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS diary_entries (
		diary_date TEXT PRIMARY KEY,
		diary_text TEXT NOT NULL,
		last_modified TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS diary_cache (
		diary_datetime TEXT PRIMARY KEY,
		diary_text TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS diary_conflict (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sync_datetime TEXT NOT NULL,
		diary_date TEXT NOT NULL,
		diff_type TEXT NOT NULL CHECK (diff_type IN ('same', 'add', 'rem')),
		diff_text TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conflict_date ON diary_conflict(diary_date);
	CREATE INDEX IF NOT EXISTS idx_conflict_session ON diary_conflict(sync_datetime);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// keyedMutex hands out one mutex per key, created lazily.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}
