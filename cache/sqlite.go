package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteCache struct {
	db *sql.DB
}

// NewSQLiteCache creates a new cache provider with the given filename as the db.
// If file name is empty, a new private in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	// sqlite has a single writer, and an in-memory db lives only as long as its connection
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			key TEXT PRIMARY KEY,
			partition TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB
		)`,
		"CREATE INDEX IF NOT EXISTS entries_partition_idx ON entries (partition)",
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("could not initialize cache db: %w", err)
		}
	}
	return SQLiteCache{
		db: db,
	}, nil
}

// Close closes the underlying db.
func (s SQLiteCache) Close() error {
	return s.db.Close()
}

func (s SQLiteCache) CreatePartition(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO partitions (name, created_at) VALUES (?, ?)",
		name, time.Now().Unix())
	return err
}

func (s SQLiteCache) Partitions(ctx context.Context) ([]string, error) {
	names := make([]string, 0)
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM partitions ORDER BY id ASC")
	if err != nil {
		return names, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) HasPartition(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM partitions WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s SQLiteCache) DeletePartition(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	result, err := tx.ExecContext(ctx, "DELETE FROM partitions WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition = ?", name); err != nil {
		return false, err
	}
	return deleted > 0, tx.Commit()
}

func (s SQLiteCache) All(ctx context.Context, partition, prefix string) ([]CacheEntry, error) {
	entries := make([]CacheEntry, 0)
	// instr instead of LIKE: keys contain '_' and LIKE is case-insensitive
	rows, err := s.db.QueryContext(ctx, `SELECT
		key, stored_at, bytes
		FROM entries WHERE partition = ? AND instr(key, ?) = 1
		ORDER BY key ASC`, partition, prefix)
	if err != nil {
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry CacheEntry
		var storedAt int64
		if err := rows.Scan(&entry.Key, &storedAt, &entry.Bytes); err != nil {
			return entries, err
		}
		entry.StoredAt = time.Unix(storedAt, 0)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s SQLiteCache) PutAll(ctx context.Context, partition string, entries []CacheEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM partitions WHERE name = ?", partition).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrNotFound, partition)
	} else if err != nil {
		return err
	}
	for _, ce := range entries {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
			(key, partition, stored_at, bytes) VALUES (?, ?, ?, ?)`,
			ce.Key, partition, ce.StoredAt.Unix(), ce.Bytes)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s SQLiteCache) Purge(ctx context.Context, partition, key string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE partition = ? AND key = ?", partition, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}
