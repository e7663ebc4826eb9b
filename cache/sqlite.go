package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, fmt.Errorf("open cache db: %w", err)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (partition, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_key_idx ON entries (key)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("init cache db: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Close closes the underlying database.
func (s SQLiteCache) Close() error {
	return s.db.Close()
}

func (s SQLiteCache) Open(partition string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO partitions (name) VALUES (?)", partition)
	return err
}

func (s SQLiteCache) Partitions() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM partitions ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) DeletePartition(partition string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	result, err := tx.Exec("DELETE FROM partitions WHERE name = ?", partition)
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec("DELETE FROM entries WHERE partition = ?", partition); err != nil {
		return false, err
	}
	return deleted > 0, tx.Commit()
}

func (s SQLiteCache) Get(partition, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM entries WHERE partition = ? AND key = ?", partition, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteCache) Match(key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow(`SELECT e.bytes FROM entries e
		JOIN partitions p ON p.name = e.partition
		WHERE e.key = ? ORDER BY p.id ASC LIMIT 1`, key).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteCache) Put(partition, key string, bytes []byte) error {
	return s.PutAll(partition, []CacheEntry{{Key: key, Bytes: bytes}})
}

func (s SQLiteCache) PutAll(partition string, entries []CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("INSERT OR IGNORE INTO partitions (name) VALUES (?)", partition); err != nil {
		return err
	}
	now := time.Now()
	for _, ce := range entries {
		storedAt := ce.StoredAt
		if storedAt.IsZero() {
			storedAt = now
		}
		_, err := tx.Exec(`INSERT OR REPLACE INTO entries
			(partition, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
			partition, ce.Key, storedAt.Unix(), ce.Bytes)
		if err != nil {
			return fmt.Errorf("store %s: %w", ce.Key, err)
		}
	}
	return tx.Commit()
}

func (s SQLiteCache) Keys(partition string, cb func(string)) error {
	var exists int
	err := s.db.QueryRow("SELECT 1 FROM partitions WHERE name = ?", partition).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrPartitionNotFound
	}
	if err != nil {
		return err
	}
	rows, err := s.db.Query("SELECT key FROM entries WHERE partition = ?", partition)
	if err != nil {
		return err
	}
	// collect first, the callback might want to use the db
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	rows.Close()
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (s SQLiteCache) Has(partition, key string) bool {
	var exists int
	err := s.db.QueryRow("SELECT 1 FROM entries WHERE partition = ? AND key = ?", partition, key).Scan(&exists)
	return err == nil
}
