// Edge Historian - MQTT Telemetry Historian for Azure IoT Operations
// Copyright 2026 Telemetryworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telemetryworks/edge-historian

// Package database is the storage manager: the sole owner of the PostgreSQL
// history table. All reads and writes go through it. Each public operation
// checks a connection out of the pool for its own duration, so the package
// is safe under concurrent invocation from the ingest pipeline, the query
// API, and the retention reaper.
package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/telemetryworks/edge-historian/internal/config"
	"github.com/telemetryworks/edge-historian/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned by GetLastValue when no record exists for a topic.
var ErrNotFound = fmt.Errorf("no record found")

// Query limit bounds per the API contract.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// storeProgressInterval controls the periodic ingest progress log.
const storeProgressInterval = 100

// DB wraps the pooled PostgreSQL connection and provides history access.
//
// Session counters are atomics: they are written by whichever goroutine
// executes the operation and read by the health and stats endpoints without
// further coordination.
type DB struct {
	conn *sql.DB
	cfg  *config.DatabaseConfig

	messagesStored  atomic.Int64
	messagesCleaned atomic.Int64
	errorCount      atomic.Int64

	closeOnce sync.Once
}

// New opens the connection pool and waits for the database to accept
// connections, retrying with a fixed delay. The bounded retry covers the
// startup race with a co-located database container; exhausting it is fatal
// to process startup. On success the embedded schema is applied.
func New(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	logging.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Name).
		Msg("Connecting to PostgreSQL")

	conn, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The pool is the shared-resource bound: never more than PoolSize
	// concurrent database sessions.
	conn.SetMaxOpenConns(cfg.PoolSize)
	conn.SetMaxIdleConns(cfg.PoolSize)
	conn.SetConnMaxLifetime(30 * time.Minute)

	db := &DB{conn: conn, cfg: cfg}

	if err := db.waitReady(ctx); err != nil {
		closeQuietly(conn)
		return nil, err
	}

	logging.Info().Int("pool_size", cfg.PoolSize).Msg("Database connection pool created")

	db.applySchema(ctx)
	return db, nil
}

// waitReady pings until the database accepts connections or retries are
// exhausted.
func (db *DB) waitReady(ctx context.Context) error {
	retries := db.cfg.ConnectRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, db.cfg.ConnectTimeout)
		lastErr = db.conn.PingContext(pingCtx)
		cancel()

		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < retries {
			logging.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Int("max_attempts", retries).
				Msg("Database not ready, retrying")

			select {
			case <-time.After(db.cfg.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("database not ready after %d attempts: %w", retries, lastErr)
}

// applySchema runs the embedded schema definition. Every statement tolerates
// "already exists", so failures are logged as warnings rather than treated
// as fatal: a pre-existing schema is the common case.
func (db *DB) applySchema(ctx context.Context) {
	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		logging.Warn().Err(err).Msg("Schema initialization warning (may already exist)")
		return
	}
	logging.Info().Msg("Database schema initialized")
}

// Ping reports whether the pool can currently reach the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// MessagesStored returns the session counter of successful inserts.
func (db *DB) MessagesStored() int64 { return db.messagesStored.Load() }

// ErrorCount returns the session counter of swallowed data-path errors.
func (db *DB) ErrorCount() int64 { return db.errorCount.Load() }

// Close releases the connection pool. Idempotent.
func (db *DB) Close() {
	db.closeOnce.Do(func() {
		closeQuietly(db.conn)
		logging.Info().Msg("Database connection pool closed")
	})
}

func closeQuietly(conn *sql.DB) {
	if err := conn.Close(); err != nil {
		logging.Warn().Err(err).Msg("Error closing database connection")
	}
}
