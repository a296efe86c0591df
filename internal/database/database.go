// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

// Package database manages the DuckDB store backing all four pipeline
// layers. DuckDB runs embedded; one process owns the file, and the pipeline
// serializes writes per layer, which suits DuckDB's single-writer model.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tomtom215/segue/internal/config"
	"github.com/tomtom215/segue/internal/logging"
	"github.com/tomtom215/segue/internal/metrics"
)

// DB wraps the DuckDB handle with Segue's query helpers.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the DuckDB database and applies the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	dsn := cfg.Path
	if dsn != ":memory:" && dsn != "" {
		dsn = fmt.Sprintf("%s?max_memory=%s&threads=%d", cfg.Path, cfg.MaxMemory, threads)
	}

	conn, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb at %s: %w", cfg.Path, err)
	}

	// DuckDB is embedded: a single connection avoids write contention.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.applySchema(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Int("threads", threads).Msg("duckdb opened")
	return db, nil
}

// Close closes the underlying handle.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the raw handle for layer stores.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// WithTx runs fn inside a transaction, rolling back on error.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.Error().Err(rbErr).Msg("transaction rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Exec runs a statement and records query metrics.
func (db *DB) Exec(ctx context.Context, operation, table, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := db.conn.ExecContext(ctx, query, args...)
	metrics.RecordDBQuery(operation, table, time.Since(start), err)
	return res, err
}

// Query runs a query and records query metrics.
func (db *DB) Query(ctx context.Context, operation, table, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, query, args...)
	metrics.RecordDBQuery(operation, table, time.Since(start), err)
	return rows, err
}

// QueryRow runs a single-row query and records query metrics.
func (db *DB) QueryRow(ctx context.Context, operation, table, query string, args ...any) *sql.Row {
	start := time.Now()
	row := db.conn.QueryRowContext(ctx, query, args...)
	metrics.RecordDBQuery(operation, table, time.Since(start), nil)
	return row
}

// CountRows returns the row count of a table, for /stats.
func (db *DB) CountRows(ctx context.Context, table string) (int64, error) {
	var count int64
	err := db.QueryRow(ctx, "count", table, "SELECT COUNT(*) FROM "+table).Scan(&count)
	return count, err
}
