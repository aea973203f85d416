// Edge Historian - MQTT Telemetry Historian for Azure IoT Operations
// Copyright 2026 Telemetryworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telemetryworks/edge-historian

// Package models defines the data types shared between the storage layer
// and the query API.
package models

import (
	"time"

	"github.com/goccy/go-json"
)

// HistoryRecord is one ingested MQTT message. Records form an append-mostly
// log: they are inserted once, never updated, and removed only by retention
// cleanup.
type HistoryRecord struct {
	// ID is the storage-assigned surrogate key; unique, never reused.
	ID int64 `json:"id"`

	// Timestamp is the event time the message claims to represent, taken
	// from a "timestamp" field inside the payload when present, otherwise
	// the ingestion time. Not monotonic across records.
	Timestamp time.Time `json:"timestamp"`

	// Topic is the MQTT topic the message arrived on.
	Topic string `json:"topic"`

	// Payload is the decoded message body. Non-JSON payloads are wrapped
	// as {"raw": "<best-effort string>"}.
	Payload json.RawMessage `json:"payload"`

	// QoS is the delivery quality level reported by the broker.
	QoS int `json:"qos"`

	// ReceivedAt is when the historian ingested the record; set exactly
	// once at insertion.
	ReceivedAt time.Time `json:"received_at"`
}

// QueryFilter holds the optional filters for a history range query.
// Zero-valued fields impose no constraint.
type QueryFilter struct {
	Topic     string
	MachineID string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
}

// Stats is the aggregate view over the history table plus session counters.
type Stats struct {
	TotalMessages         int64      `json:"total_messages"`
	UniqueTopics          int64      `json:"unique_topics"`
	OldestMessage         *time.Time `json:"oldest_message"`
	NewestMessage         *time.Time `json:"newest_message"`
	DatabaseSizeMB        float64    `json:"database_size_mb"`
	MessagesStoredSession int64      `json:"messages_stored_session"`
	Errors                int64      `json:"errors"`
}

// HealthStatus is the composite health report. Status is "healthy" only
// when both the bus subscription and the storage pool are live.
type HealthStatus struct {
	Status         string    `json:"status"`
	MQTTConnected  bool      `json:"mqtt_connected"`
	DBConnected    bool      `json:"db_connected"`
	MessagesStored int64     `json:"messages_stored"`
	Timestamp      time.Time `json:"timestamp"`
}
