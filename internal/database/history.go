// Edge Historian - MQTT Telemetry Historian for Azure IoT Operations
// Copyright 2026 Telemetryworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telemetryworks/edge-historian

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/telemetryworks/edge-historian/internal/logging"
	"github.com/telemetryworks/edge-historian/internal/metrics"
	"github.com/telemetryworks/edge-historian/internal/models"
)

// Store records one inbound MQTT message. It never returns an error: a
// single failed insert must not stall the subscription loop, so database
// failures are rolled back, logged, and counted instead. The message is
// considered lost; at-least-once redelivery from the broker is the retry
// mechanism.
func (db *DB) Store(ctx context.Context, topic string, rawPayload []byte, qos int) {
	payload := decodePayload(rawPayload)
	eventTime := extractEventTimestamp(payload, time.Now().UTC())

	if err := db.insertRecord(ctx, eventTime, topic, payload, qos); err != nil {
		db.errorCount.Add(1)
		metrics.StoreErrors.Inc()
		logging.Error().Err(err).Str("topic", topic).Msg("Error storing message")
		return
	}

	stored := db.messagesStored.Add(1)
	metrics.MessagesStored.Inc()
	metrics.DBConnectionsInUse.Set(float64(db.conn.Stats().InUse))
	logging.Debug().Str("topic", topic).Int("qos", qos).Msg("Stored message")

	if stored%storeProgressInterval == 0 {
		logging.Info().Int64("messages_stored", stored).Msg("Ingest progress")
	}
}

// insertRecord commits a fully-formed row or nothing: the insert runs in
// its own transaction and any failure rolls back.
func (db *DB) insertRecord(ctx context.Context, eventTime time.Time, topic string, payload json.RawMessage, qos int) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert tx: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO mqtt_history (timestamp, topic, payload, qos, received_at)
		 VALUES ($1, $2, $3, $4, now())`,
		eventTime, topic, []byte(payload), qos,
	)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.Warn().Err(rbErr).Msg("Insert rollback failed")
		}
		return fmt.Errorf("insert history record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history record: %w", err)
	}
	return nil
}

// GetLastValue returns the most recent record for an exact topic match,
// ordered by event timestamp. Returns ErrNotFound when the topic has no
// history.
func (db *DB) GetLastValue(ctx context.Context, topic string) (*models.HistoryRecord, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, timestamp, topic, payload, qos, received_at
		 FROM mqtt_history
		 WHERE topic = $1
		 ORDER BY timestamp DESC
		 LIMIT 1`,
		topic,
	)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query last value for %q: %w", topic, err)
	}
	return record, nil
}

// QueryMessages returns records matching all supplied filters, newest event
// first, capped at the clamped limit. Zero-valued filters impose no
// constraint.
func (db *DB) QueryMessages(ctx context.Context, filter models.QueryFilter) ([]models.HistoryRecord, error) {
	query, args := buildHistoryQuery(filter)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Warn().Err(closeErr).Msg("Error closing query rows")
		}
	}()

	results := make([]models.HistoryRecord, 0, clampLimit(filter.Limit))
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		results = append(results, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return results, nil
}

// GetStats returns the aggregate view over the history table plus the
// session counters for this process.
func (db *DB) GetStats(ctx context.Context) (*models.Stats, error) {
	stats := &models.Stats{
		MessagesStoredSession: db.messagesStored.Load(),
		Errors:                db.errorCount.Load(),
	}

	var oldest, newest sql.NullTime
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT topic), MIN(timestamp), MAX(timestamp)
		 FROM mqtt_history`,
	).Scan(&stats.TotalMessages, &stats.UniqueTopics, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("query aggregate stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestMessage = &oldest.Time
	}
	if newest.Valid {
		stats.NewestMessage = &newest.Time
	}

	err = db.conn.QueryRowContext(ctx,
		`SELECT pg_database_size(current_database()) / (1024.0 * 1024.0)`,
	).Scan(&stats.DatabaseSizeMB)
	if err != nil {
		return nil, fmt.Errorf("query database size: %w", err)
	}

	return stats, nil
}

// CleanupOldMessages deletes every record whose event timestamp is older
// than now minus the retention window and returns the count deleted. On
// database error it rolls back and returns zero; a failed cycle is never
// fatal, the reaper simply tries again next interval.
func (db *DB) CleanupOldMessages(ctx context.Context, retentionHours int) int64 {
	cutoff := time.Now().UTC().Add(-time.Duration(retentionHours) * time.Hour)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		db.errorCount.Add(1)
		metrics.CleanupErrors.Inc()
		logging.Error().Err(err).Msg("Error during cleanup")
		return 0
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM mqtt_history WHERE timestamp < $1`, cutoff)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.Warn().Err(rbErr).Msg("Cleanup rollback failed")
		}
		db.errorCount.Add(1)
		metrics.CleanupErrors.Inc()
		logging.Error().Err(err).Msg("Error during cleanup")
		return 0
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		deleted = 0
	}

	if err := tx.Commit(); err != nil {
		db.errorCount.Add(1)
		metrics.CleanupErrors.Inc()
		logging.Error().Err(err).Msg("Error committing cleanup")
		return 0
	}

	if deleted > 0 {
		db.messagesCleaned.Add(deleted)
		metrics.MessagesReaped.Add(float64(deleted))
		logging.Info().
			Int64("deleted", deleted).
			Int("retention_hours", retentionHours).
			Msg("Cleaned up expired messages")
	}
	return deleted
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.HistoryRecord, error) {
	var record models.HistoryRecord
	var payload []byte
	if err := s.Scan(&record.ID, &record.Timestamp, &record.Topic, &payload, &record.QoS, &record.ReceivedAt); err != nil {
		return nil, err
	}
	record.Payload = json.RawMessage(payload)
	return &record, nil
}

// buildHistoryQuery assembles the filtered SELECT with positional
// parameters. Kept free of *sql.DB so the filter combinations are unit
// testable.
func buildHistoryQuery(filter models.QueryFilter) (string, []any) {
	var sb strings.Builder
	sb.WriteString(
		`SELECT id, timestamp, topic, payload, qos, received_at FROM mqtt_history WHERE 1=1`)

	args := make([]any, 0, 5)

	if filter.Topic != "" {
		args = append(args, filter.Topic)
		fmt.Fprintf(&sb, " AND topic = $%d", len(args))
	}
	if filter.MachineID != "" {
		args = append(args, filter.MachineID)
		fmt.Fprintf(&sb, " AND payload ->> 'machine_id' = $%d", len(args))
	}
	if filter.StartTime != nil {
		args = append(args, *filter.StartTime)
		fmt.Fprintf(&sb, " AND timestamp >= $%d", len(args))
	}
	if filter.EndTime != nil {
		args = append(args, *filter.EndTime)
		fmt.Fprintf(&sb, " AND timestamp <= $%d", len(args))
	}

	args = append(args, clampLimit(filter.Limit))
	fmt.Fprintf(&sb, " ORDER BY timestamp DESC LIMIT $%d", len(args))

	return sb.String(), args
}

// clampLimit applies the default and ceiling for query limits.
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultQueryLimit
	case limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return limit
	}
}
