// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SQLITE STORE
// =============================================================================

// schema holds the single-row admin identity table. The CHECK constraint on
// the primary key makes a second row unrepresentable at the storage layer.
const schema = `
CREATE TABLE IF NOT EXISTS admin_identity (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	secret     TEXT    NOT NULL,
	registered INTEGER NOT NULL DEFAULT 1,
	created_at TEXT    NOT NULL
);`

// SQLiteStore is the durable AdminIdentityStore backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the identity database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Create persists the identity if and only if no row exists yet.
//
// INSERT OR IGNORE against the fixed primary key is a single conditional
// write: under a concurrent first-registration race exactly one statement
// inserts the row, every other statement affects zero rows and maps to
// ErrAlreadyRegistered.
func (s *SQLiteStore) Create(ctx context.Context, secret string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO admin_identity (id, secret, registered, created_at)
		 VALUES (1, ?, 1, ?)`,
		secret, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create admin identity: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if n == 0 {
		return ErrAlreadyRegistered
	}
	return nil
}

// Get returns the identity, or ErrNotRegistered if no row exists.
func (s *SQLiteStore) Get(ctx context.Context) (*AdminIdentity, error) {
	var (
		secret    string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT secret, created_at FROM admin_identity WHERE id = 1`,
	).Scan(&secret, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load admin identity: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		ts = time.Time{}
	}

	return &AdminIdentity{
		Secret:     secret,
		Registered: true,
		CreatedAt:  ts,
	}, nil
}

// Registered reports whether an identity row exists.
func (s *SQLiteStore) Registered(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM admin_identity WHERE id = 1`,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check admin identity: %w", err)
	}
	return n > 0, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
