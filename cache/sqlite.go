package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore creates a new store with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", filename, err)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			generation TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER NOT NULL,
			bytes BLOB,
			PRIMARY KEY (generation, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite %s: %w", filename, err)
		}
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Open(ctx context.Context, name string) (Generation, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	return sqliteGeneration{store: s, name: name}, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE generation = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT generation FROM entries ORDER BY generation")
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

type sqliteGeneration struct {
	store *SQLiteStore
	name  string
}

func (g sqliteGeneration) Name() string {
	return g.name
}

func (g sqliteGeneration) Match(ctx context.Context, key string) (Entry, bool, error) {
	var storedAt int64
	entry := Entry{Key: key}
	err := g.store.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE generation = ? AND key = ?",
		g.name, key,
	).Scan(&storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry.StoredAt = time.Unix(0, storedAt)
	return entry, true, nil
}

func (g sqliteGeneration) Put(ctx context.Context, key string, entry Entry) error {
	g.store.writeMutex.Lock()
	defer g.store.writeMutex.Unlock()
	_, err := g.store.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (generation, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		g.name, key, entry.StoredAt.UnixNano(), entry.Bytes,
	)
	return err
}

func (g sqliteGeneration) Entries(ctx context.Context) ([]string, error) {
	rows, err := g.store.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE generation = ? ORDER BY key", g.name)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	values := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
