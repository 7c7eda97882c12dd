package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var sqliteDialect = dialect{
	name: "SQLite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS threads (
			thread_key TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			retired_into TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS thread_index (
			identifier TEXT PRIMARY KEY,
			thread_key TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS coordinations (
			id TEXT PRIMARY KEY,
			thread_key TEXT NOT NULL,
			active INTEGER NOT NULL,
			data TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_coordinations_thread ON coordinations(thread_key, active)`,
		`CREATE TABLE IF NOT EXISTS sequences (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS leases (
			lease_key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_leases_expires_at ON leases(expires_at)`,
	},
	upsertThread: `INSERT INTO threads (thread_key, data, retired_into, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_key) DO UPDATE SET data = excluded.data, retired_into = excluded.retired_into, updated_at = excluded.updated_at`,
	upsertIndex: `INSERT INTO thread_index (identifier, thread_key) VALUES (?, ?)
		ON CONFLICT(identifier) DO UPDATE SET thread_key = excluded.thread_key`,
	bumpSequence: `INSERT INTO sequences (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1`,
	insertLease: `INSERT OR IGNORE INTO leases (lease_key, owner, expires_at) VALUES (?, ?, ?)`,
}

// NewSQLiteStore opens a SQLite backed store. The path ":memory:" gives a
// private in-memory database.
func NewSQLiteStore(dbPath string, logger *zap.Logger, leaseTTL, leaseWait, cleanupFreq time.Duration) (*SQLStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", dbPath)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// one writer; also keeps a :memory: database on a single connection
	db.SetMaxOpenConns(1)

	logger.Info("Using SQLite store", zap.String("path", dbPath))
	return newSQLStore(db, sqliteDialect, leaseTTL, leaseWait, cleanupFreq, logger)
}
