// Package finished keeps the record of completed downloads.
package finished

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bamsammich/chunkdl/internal/storage"
)

const schemaVersion = "1"

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("finished: store closed")

// Mission is a completed download.
type Mission struct {
	Timestamp  int64
	Name       string
	Kind       storage.Kind
	Length     int64
	Location   string // storage URI
	Source     string // download URL
	FinishedAt time.Time
}

// Store persists finished missions.
type Store interface {
	// LoadAll returns every record, most recently finished first.
	LoadAll() ([]Mission, error)
	Insert(m Mission) error
	Delete(m Mission) error
	Close() error
}

// SQLiteStore is a Store backed by a SQLite database.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	closed bool
}

// Open opens (or creates) the database at path.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create finished store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open finished store: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS finished (
			timestamp   INTEGER PRIMARY KEY,
			name        TEXT NOT NULL,
			kind        INTEGER NOT NULL,
			length      INTEGER NOT NULL,
			location    TEXT NOT NULL,
			source      TEXT NOT NULL,
			finished_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	var stored string
	err = s.db.QueryRow("SELECT value FROM meta WHERE key = 'schema'").Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec("INSERT INTO meta (key, value) VALUES ('schema', ?)", schemaVersion); err != nil {
			return fmt.Errorf("store meta: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read meta: %w", err)
	case stored != schemaVersion:
		return fmt.Errorf("finished store schema %s, want %s", stored, schemaVersion)
	}
	return nil
}

// LoadAll returns every record, most recently finished first.
func (s *SQLiteStore) LoadAll() ([]Mission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.Query(`SELECT timestamp, name, kind, length, location, source, finished_at
		FROM finished ORDER BY finished_at DESC, timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("query finished: %w", err)
	}
	defer rows.Close()

	var out []Mission
	for rows.Next() {
		var (
			m          Mission
			kind       int64
			finishedAt int64
		)
		if err := rows.Scan(&m.Timestamp, &m.Name, &kind, &m.Length, &m.Location, &m.Source, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan finished: %w", err)
		}
		m.Kind = storage.ParseKind(byte(kind))
		m.FinishedAt = time.UnixMilli(finishedAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query finished: %w", err)
	}
	return out, nil
}

// Insert records m, replacing a record with the same timestamp.
func (s *SQLiteStore) Insert(m Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if m.FinishedAt.IsZero() {
		m.FinishedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO finished
		(timestamp, name, kind, length, location, source, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.Timestamp, m.Name, int64(m.Kind), m.Length, m.Location, m.Source, m.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert finished %d: %w", m.Timestamp, err)
	}
	return nil
}

// Delete removes the record for m. Deleting a missing record is not an
// error.
func (s *SQLiteStore) Delete(m Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if _, err := s.db.Exec("DELETE FROM finished WHERE timestamp = ?", m.Timestamp); err != nil {
		return fmt.Errorf("delete finished %d: %w", m.Timestamp, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }
