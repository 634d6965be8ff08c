// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

// Package database implements the persistence layer on DuckDB.
//
// Telemetry records are keyed by (sender, ts); writes are idempotent
// upserts so transport redelivery never produces duplicate rows. The
// upsert is atomic per key, which is the only serialization the inbound
// pipeline relies on.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/meshtrack/meshtrack/internal/config"
	"github.com/meshtrack/meshtrack/internal/metrics"
)

// ErrNotFound is returned by queries that matched zero rows where the
// caller needs to distinguish "no data" from a query failure.
var ErrNotFound = errors.New("not found")

// DB wraps the DuckDB connection and provides data access methods.
type DB struct {
	conn *sql.DB
	cfg  *config.DatabaseConfig
}

// New opens the DuckDB database and initializes the schema.
func New(cfg *config.DatabaseConfig) (*DB, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		// Ensure the parent directory exists before DuckDB opens the file.
		dbDir := filepath.Dir(cfg.Path)
		if dbDir != "" && dbDir != "." {
			if err := os.MkdirAll(dbDir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory %s: %w", dbDir, err)
			}
		}
		connStr = fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
			cfg.Path, numThreads, cfg.MaxMemory)
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db := &DB{conn: conn, cfg: cfg}
	if err := db.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			sender TEXT NOT NULL,
			ts BIGINT NOT NULL,
			text TEXT NOT NULL,
			user_name TEXT NOT NULL,
			PRIMARY KEY (sender, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			sender TEXT NOT NULL,
			ts BIGINT NOT NULL,
			latitude_i BIGINT NOT NULL,
			longitude_i BIGINT NOT NULL,
			altitude BIGINT NOT NULL,
			user_name TEXT NOT NULL,
			PRIMARY KEY (sender, ts)
		)`,
	}

	for _, stmt := range schema {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// observe records query duration and errors for Prometheus.
func observe(operation, table string, start time.Time, err error) {
	metrics.DBQueryDuration.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, ErrNotFound) {
		metrics.DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}
