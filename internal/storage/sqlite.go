// Package storage provides SQLite persistence for prowl.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DBFile is the database file name inside the data dir.
const DBFile = "prowl.db"

// DB wraps the SQLite database connection.
type DB struct {
	*sql.DB
	path string
}

// Initialize opens the database in dataDir and creates the schema.
func Initialize(dataDir string) (*DB, error) {
	return Open(filepath.Join(dataDir, DBFile))
}

// Open opens (or creates) the database at path. Every commit is synced to
// disk before it returns.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000&_sync=FULL&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)

	d := &DB{DB: db, path: path}
	if err := d.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return d, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

func (db *DB) createTables() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			network_id TEXT NOT NULL,
			scope TEXT,
			state TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			summary TEXT,
			error TEXT,
			discovery TEXT,
			discovery_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_network ON sessions(network_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at)`,

		`CREATE TABLE IF NOT EXISTS targets (
			network_id TEXT NOT NULL,
			mac TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ip TEXT,
			hostname TEXT,
			vendor TEXT,
			os_guess TEXT,
			ports TEXT,
			vulns TEXT,
			first_seen DATETIME NOT NULL,
			last_seen DATETIME NOT NULL,
			PRIMARY KEY (network_id, mac)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_targets_seq ON targets(network_id, seq)`,

		`CREATE TABLE IF NOT EXISTS stage_records (
			network_id TEXT NOT NULL,
			mac TEXT NOT NULL,
			stage TEXT NOT NULL,
			stage_seq INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER DEFAULT 0,
			partial INTEGER DEFAULT 0,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			payload TEXT,
			error TEXT,
			session_id TEXT,
			PRIMARY KEY (network_id, mac, stage),
			FOREIGN KEY (network_id, mac) REFERENCES targets(network_id, mac) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stage_records_status ON stage_records(status)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to execute: %s: %w", table, err)
		}
	}
	return nil
}

// Flush checkpoints the WAL into the main database file.
func (db *DB) Flush(ctx context.Context) error {
	_, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL)")
	return err
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// keyedMutex hands out one mutex per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
