// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/klingon-exchange/chaincoord/internal/ledger"
)

// DefaultFileName is the database file created inside Config.DataDir.
const DefaultFileName = "chaincoord.db"

// Storage is the SQLite implementation of ledger.Repository. All writes go
// through a single connection.
type Storage struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

var _ ledger.Repository = (*Storage)(nil)

// Config holds storage configuration. DataDir must already be expanded.
type Config struct {
	DataDir  string
	FileName string
}

func dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", "5000")
	return "file:" + path + "?" + q.Encode()
}

// New opens (creating if needed) the database under cfg.DataDir and
// brings the schema up to date.
func New(cfg *Config) (*Storage, error) {
	name := cfg.FileName
	if name == "" {
		name = DefaultFileName
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(cfg.DataDir, name)

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB exposes the connection pool for tests and maintenance.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.path
}

// schema is applied in order inside one transaction on every open.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tracked_accounts (
		network_key TEXT NOT NULL,
		address TEXT NOT NULL,
		network TEXT NOT NULL,               -- chain.Network JSON
		added_at INTEGER NOT NULL,
		PRIMARY KEY (network_key, address)
	)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		network_key TEXT NOT NULL,
		height INTEGER NOT NULL,
		hash TEXT,
		data TEXT NOT NULL,                  -- ledger.Block JSON
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (network_key, height)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_blocks_hash ON blocks(network_key, hash)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		network_key TEXT NOT NULL,
		hash TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		block_height INTEGER,
		data TEXT NOT NULL,                  -- ledger.Transaction JSON
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (network_key, hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(network_key, status)`,
	// covered transfer history per account
	`CREATE TABLE IF NOT EXISTS asset_transfer_lookups (
		network_key TEXT NOT NULL,
		address TEXT NOT NULL,
		oldest_height INTEGER NOT NULL,
		newest_height INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (network_key, address)
	)`,
	`CREATE TABLE IF NOT EXISTS retrieval_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		network_key TEXT NOT NULL,
		hash TEXT NOT NULL,
		network TEXT NOT NULL,               -- chain.Network JSON
		first_seen_at INTEGER NOT NULL,      -- unix nanos
		target_height INTEGER NOT NULL DEFAULT 0,
		prefetched TEXT,                     -- ledger.Transaction JSON
		UNIQUE (network_key, hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_retrieval_queue_age ON retrieval_queue(first_seen_at, id)`,
}

func (s *Storage) initSchema() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range schema {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}
