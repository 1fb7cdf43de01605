// Package persistence stores jobs, their versioned artifacts, validation
// results, repair attempts and planning documents in SQLite.
package persistence

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"g3/pkg/logx"
)

// Store is the durable record of every job. It is safe for concurrent use;
// SQLite serialises writers on the single connection.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
	now    func() time.Time
}

// Open creates the parent directory of dbPath if needed and opens the store.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
	}
	db, err := InitializeDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	s := New(db)
	s.logger.Info("📦 Database initialized: %s (schema v%d)", dbPath, CurrentSchemaVersion)
	return s, nil
}

// New wraps an initialised database.
func New(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: logx.NewLogger("persistence"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// DB exposes the underlying connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
