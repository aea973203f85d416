// Edge Historian - MQTT Telemetry Historian for Azure IoT Operations
// Copyright 2026 Telemetryworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telemetryworks/edge-historian

// Package metrics provides Prometheus instrumentation for the historian:
// ingest throughput and errors, retention deletions, database pool usage,
// and API request latency. Exposed on GET /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest metrics
	MessagesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "historian_messages_stored_total",
			Help: "Total number of MQTT messages stored in the history table",
		},
	)

	StoreErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "historian_store_errors_total",
			Help: "Total number of failed history inserts",
		},
	)

	IngestQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "historian_ingest_queue_depth",
			Help: "Messages buffered between the MQTT callback and the storage writer",
		},
	)

	// Retention metrics
	MessagesReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "historian_messages_reaped_total",
			Help: "Total number of records deleted by retention cleanup",
		},
	)

	CleanupErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "historian_cleanup_errors_total",
			Help: "Total number of failed retention cleanup cycles",
		},
	)

	// Database metrics
	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "historian_db_connections_in_use",
			Help: "Database connections currently checked out of the pool",
		},
	)

	// Bus metrics
	MQTTConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "historian_mqtt_connected",
			Help: "1 while the MQTT subscription is live, 0 otherwise",
		},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "historian_api_requests_total",
			Help: "Total number of query API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "historian_api_request_duration_seconds",
			Help:    "Query API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordAPIRequest records one completed API request.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// SetMQTTConnected flips the connection gauge.
func SetMQTTConnected(connected bool) {
	if connected {
		MQTTConnected.Set(1)
	} else {
		MQTTConnected.Set(0)
	}
}
