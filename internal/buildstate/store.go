// SPDX-License-Identifier: MPL-2.0

package buildstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type (
	// Store persists records between envrun invocations.
	Store interface {
		// Load returns every persisted record.
		Load(ctx context.Context) ([]Record, error)
		// Save inserts or replaces the record of r.Environment.
		Save(ctx context.Context, r Record) error
		// Delete removes the record of env. Deleting a missing record is not an error.
		Delete(ctx context.Context, env string) error
		Close() error
	}

	// SQLiteStore implements Store using modernc.org/sqlite (pure Go).
	SQLiteStore struct {
		db *sql.DB
	}
)

const schema = `
CREATE TABLE IF NOT EXISTS build_records (
	environment   TEXT PRIMARY KEY,
	manifest_hash TEXT NOT NULL,
	image_ref     TEXT NOT NULL,
	built_at      TEXT NOT NULL
);`

// NewSQLiteStore opens or creates the database at path and ensures the
// schema exists.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state database %s: %w", path, err)
	}
	// Parallel envrun processes share the file; wait instead of failing on a busy lock.
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure state database %s: %w", path, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize state database %s: %w", path, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load returns every persisted record ordered by environment name.
func (s *SQLiteStore) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT environment, manifest_hash, image_ref, built_at FROM build_records ORDER BY environment`)
	if err != nil {
		return nil, fmt.Errorf("query build records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r       Record
			builtAt string
		)
		if err := rows.Scan(&r.Environment, &r.ManifestHash, &r.ImageRef, &builtAt); err != nil {
			return nil, fmt.Errorf("scan build record: %w", err)
		}
		r.BuiltAt, err = time.Parse(time.RFC3339Nano, builtAt)
		if err != nil {
			return nil, fmt.Errorf("build record %s: invalid built_at %q: %w", r.Environment, builtAt, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Save inserts or replaces the record of r.Environment.
func (s *SQLiteStore) Save(ctx context.Context, r Record) error {
	if r.Environment == "" {
		return errors.New("save build record: empty environment name")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO build_records (environment, manifest_hash, image_ref, built_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(environment) DO UPDATE SET
		   manifest_hash = excluded.manifest_hash,
		   image_ref     = excluded.image_ref,
		   built_at      = excluded.built_at`,
		r.Environment, r.ManifestHash, r.ImageRef, r.BuiltAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save build record %s: %w", r.Environment, err)
	}
	return nil
}

// Delete removes the record of env.
func (s *SQLiteStore) Delete(ctx context.Context, env string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM build_records WHERE environment = ?`, env); err != nil {
		return fmt.Errorf("delete build record %s: %w", env, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
