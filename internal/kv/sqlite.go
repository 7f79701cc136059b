package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/timekeeper/internal/retry"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	policy retry.Policy
}

// NewSQLiteStore creates a new SQLite-backed key-value store with the
// default busy-retry policy.
// Use ":memory:" for an in-memory database, or a file path for persistent storage.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithPolicy(dbPath, retry.DefaultPolicy())
}

// NewSQLiteStoreWithPolicy creates a SQLite-backed store with a custom
// busy-retry policy (configured via the store's retry section).
func NewSQLiteStoreWithPolicy(dbPath string, policy retry.Policy) (*SQLiteStore, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &SQLiteStore{db: db, policy: policy}
	if err := store.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		scope TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (scope, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get retrieves the value under (scope, key).
func (s *SQLiteStore) Get(ctx context.Context, scope, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.withBusyRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			"SELECT value FROM kv WHERE scope = ? AND key = ?", scope, key)
		return row.Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound{Scope: scope, Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("query kv: %w", err)
	}
	return value, nil
}

// Set writes the value under (scope, key), replacing any prior value.
func (s *SQLiteStore) Set(ctx context.Context, scope, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO kv (scope, key, value, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (scope, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			scope, key, value, time.Now().UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert kv: %w", err)
	}
	return nil
}

// Remove deletes (scope, key). Absent keys are not an error.
func (s *SQLiteStore) Remove(ctx context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM kv WHERE scope = ? AND key = ?", scope, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete kv: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// withBusyRetry retries fn on SQLite lock contention per the store's
// backoff policy. Anything other than a busy/locked fault returns
// immediately.
func (s *SQLiteStore) withBusyRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) || attempt >= s.policy.MaxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.policy.Delay(attempt + 1)):
		}
	}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
