// Package store persists the command audit journal in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// schema lists migration steps in order. PRAGMA user_version holds the
// number of steps already applied, so steps are append-only.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS command_audit (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		folder_key TEXT,
		comment TEXT,
		outcome TEXT NOT NULL,
		status_category TEXT,
		detail TEXT,
		actor TEXT,
		duration_ms INTEGER,
		created_at_ms INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_command_audit_instance ON command_audit(instance_id, created_at_ms)`,
	`CREATE INDEX IF NOT EXISTS idx_command_audit_created ON command_audit(created_at_ms)`,
}

type Store struct {
	db *sql.DB
}

// New opens the journal at path, creating its directory when needed.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &Store{db: db}, nil
}

// AutoMigrate applies the schema steps the database has not seen yet.
func (s *Store) AutoMigrate(ctx context.Context) error {
	var applied int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&applied); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if applied >= len(schema) {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for step := applied; step < len(schema); step++ {
		if _, err := tx.ExecContext(ctx, schema[step]); err != nil {
			return fmt.Errorf("migration step %d: %w", step+1, err)
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", len(schema))); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// optional maps zero values to SQL NULL.
func optional[T comparable](value T) any {
	var zero T
	if value == zero {
		return nil
	}
	if text, ok := any(value).(string); ok && strings.TrimSpace(text) == "" {
		return nil
	}
	return value
}
