// Package store implements the schema-versioned relational store of
// sessions, events, recent repositories, and session repositories.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const defaultBusyTimeoutMillis = 5000

// openWriter opens the single-writer connection used for all mutations.
// SQLite under WAL mode tolerates many concurrent readers against one
// writer; capping MaxOpenConns at 1 serializes writes and avoids
// SQLITE_BUSY without an explicit in-process mutex.
func openWriter(dbPath string) (*sqlx.DB, error) {
	path := normalizePath(dbPath)
	if err := ensureDir(path); err != nil {
		return nil, fmt.Errorf("prepare database path: %w", err)
	}
	if err := ensureFile(path); err != nil {
		return nil, fmt.Errorf("create database file: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, defaultBusyTimeoutMillis,
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// openReader opens a read-only connection pool. Combined with WAL mode this
// lets readers proceed without blocking on, or being blocked by, the writer.
func openReader(dbPath string, maxConns int) (*sqlx.DB, error) {
	path := normalizePath(dbPath)
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path, defaultBusyTimeoutMillis,
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open read-only database: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	return db, nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(dbPath string) error {
	f, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

// Store is the persistent relational store (C1). It owns both the writer and
// reader connection pools; no database connection is held anywhere else in
// the daemon.
type Store struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open opens (creating if necessary) the database file at dbPath, applies
// any outstanding migrations, and returns a ready Store.
func Open(dbPath string, maxReaderConns int) (*Store, error) {
	writer, err := openWriter(dbPath)
	if err != nil {
		return nil, err
	}
	if err := migrate(writer.DB); err != nil {
		writer.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	reader, err := openReader(dbPath, maxReaderConns)
	if err != nil {
		writer.Close()
		return nil, err
	}
	return &Store{writer: writer, reader: reader}, nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	werr := s.writer.Close()
	rerr := s.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// now is a package-level seam so a test can substitute deterministic
// timestamps.
var now = func() time.Time { return time.Now().UTC() }
