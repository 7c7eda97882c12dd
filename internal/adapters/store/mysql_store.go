package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

var mysqlDialect = dialect{
	name: "MySQL",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS threads (
			thread_key VARCHAR(255) PRIMARY KEY,
			data LONGTEXT NOT NULL,
			retired_into VARCHAR(255) NOT NULL DEFAULT '',
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS thread_index (
			identifier VARCHAR(255) PRIMARY KEY,
			thread_key VARCHAR(255) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS coordinations (
			id VARCHAR(64) PRIMARY KEY,
			thread_key VARCHAR(255) NOT NULL,
			active TINYINT NOT NULL,
			data LONGTEXT NOT NULL,
			version BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			INDEX idx_coordinations_thread (thread_key, active)
		)`,
		`CREATE TABLE IF NOT EXISTS sequences (
			name VARCHAR(64) PRIMARY KEY,
			value BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS leases (
			lease_key VARCHAR(255) PRIMARY KEY,
			owner VARCHAR(64) NOT NULL,
			expires_at BIGINT NOT NULL,
			INDEX idx_leases_expires_at (expires_at)
		)`,
	},
	upsertThread: `INSERT INTO threads (thread_key, data, retired_into, updated_at) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE data = VALUES(data), retired_into = VALUES(retired_into), updated_at = VALUES(updated_at)`,
	upsertIndex: `INSERT INTO thread_index (identifier, thread_key) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE thread_key = VALUES(thread_key)`,
	bumpSequence: `INSERT INTO sequences (name, value) VALUES (?, 1)
		ON DUPLICATE KEY UPDATE value = value + 1`,
	insertLease: `INSERT IGNORE INTO leases (lease_key, owner, expires_at) VALUES (?, ?, ?)`,
}

// NewMySQLStore opens a MySQL backed store
func NewMySQLStore(dsn string, logger *zap.Logger, leaseTTL, leaseWait, cleanupFreq time.Duration) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid MySQL DSN: %w", err)
	}

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}

	logger.Info("Using MySQL store",
		zap.String("address", cfg.Addr),
		zap.String("database", cfg.DBName))
	return newSQLStore(db, mysqlDialect, leaseTTL, leaseWait, cleanupFreq, logger)
}
