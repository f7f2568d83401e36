// Package store persists small namespaced key-value preferences in sqlite.
// The station credentials live under the "wifi-creds" namespace.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const credentialsNamespace = "wifi-creds"

var ErrNotFound = errors.New("preference not found")

type Store struct {
	db *sql.DB
}

// Open opens the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer keeps :memory: databases coherent across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS preferences (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY (namespace, key)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, namespace, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM preferences WHERE namespace = ? AND key = ?`, namespace, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return v, nil
}

func (s *Store) Put(ctx context.Context, namespace, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (namespace, key, value, updated_at) VALUES (?, ?, ?, unixepoch())
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Credentials is the persisted station network record.
type Credentials struct {
	SSID     string
	Password string
}

// LoadCredentials returns the saved record. ok is false when no network
// has been saved yet.
func (s *Store) LoadCredentials(ctx context.Context) (c Credentials, ok bool, err error) {
	c.SSID, err = s.Get(ctx, credentialsNamespace, "ssid")
	if errors.Is(err, ErrNotFound) {
		return Credentials{}, false, nil
	}
	if err != nil {
		return Credentials{}, false, err
	}
	c.Password, err = s.Get(ctx, credentialsNamespace, "password")
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Credentials{}, false, err
	}
	return c, c.SSID != "", nil
}

// SaveCredentials writes both fields in one transaction.
func (s *Store) SaveCredentials(ctx context.Context, c Credentials) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt := `
		INSERT INTO preferences (namespace, key, value, updated_at) VALUES (?, ?, ?, unixepoch())
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	for key, value := range map[string]string{"ssid": c.SSID, "password": c.Password} {
		if _, err := tx.ExecContext(ctx, stmt, credentialsNamespace, key, value); err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}
	}
	return tx.Commit()
}
