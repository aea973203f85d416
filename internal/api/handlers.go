// Edge Historian - MQTT Telemetry Historian for Azure IoT Operations
// Copyright 2026 Telemetryworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telemetryworks/edge-historian

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/telemetryworks/edge-historian/internal/database"
	"github.com/telemetryworks/edge-historian/internal/models"
)

// Store is the storage-manager surface the handlers need. Implemented by
// *database.DB; narrowed so handler tests can use a fake.
type Store interface {
	Ping(ctx context.Context) error
	GetLastValue(ctx context.Context, topic string) (*models.HistoryRecord, error)
	QueryMessages(ctx context.Context, filter models.QueryFilter) ([]models.HistoryRecord, error)
	GetStats(ctx context.Context) (*models.Stats, error)
	MessagesStored() int64
}

// Bus exposes the subscriber's connection state.
type Bus interface {
	Connected() bool
}

// Handler serves the query API. store may be nil when storage failed to
// initialize and bus may be nil when the subscriber is disabled; handlers
// degrade rather than panic.
type Handler struct {
	store Store
	bus   Bus
}

// NewHandler creates the API handler set.
func NewHandler(store Store, bus Bus) *Handler {
	return &Handler{store: store, bus: bus}
}

// Health reports overall service health. It always returns 200 so liveness
// probes do not restart the pod while a dependency is briefly down; the body
// carries the per-dependency state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	mqttConnected := h.bus != nil && h.bus.Connected()

	dbConnected := false
	var stored int64
	if h.store != nil {
		dbConnected = h.store.Ping(r.Context()) == nil
		stored = h.store.MessagesStored()
	}

	status := "degraded"
	if mqttConnected && dbConnected {
		status = "healthy"
	}

	rw.Success(models.HealthStatus{
		Status:         status,
		MQTTConnected:  mqttConnected,
		DBConnected:    dbConnected,
		MessagesStored: stored,
		Timestamp:      time.Now().UTC(),
	})
}

// HealthLive is a bare liveness probe: the process is up and serving.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "alive"})
}

// LastValue returns the most recent record for an exact topic. The topic is
// the wildcard remainder of the path, so slashes need no escaping.
func (h *Handler) LastValue(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	topic := chi.URLParam(r, "*")
	if topic == "" {
		rw.BadRequest("Topic is required")
		return
	}

	if h.store == nil {
		rw.ServiceUnavailable("Storage is not initialized")
		return
	}

	record, err := h.store.GetLastValue(r.Context(), topic)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			rw.NotFound("No messages found for topic")
			return
		}
		rw.DatabaseError(err)
		return
	}

	rw.Success(record)
}

// Query returns records matching the filter parameters, newest first.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	filter, err := parseQueryFilter(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	if h.store == nil {
		rw.ServiceUnavailable("Storage is not initialized")
		return
	}

	records, err := h.store.QueryMessages(r.Context(), filter)
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.Success(map[string]interface{}{
		"results": records,
		"count":   len(records),
	})
}

// Stats returns aggregate statistics over the history table.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	if h.store == nil {
		rw.ServiceUnavailable("Storage is not initialized")
		return
	}

	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.Success(stats)
}

// parseQueryFilter validates and extracts query parameters. Validation
// happens before any storage access so a bad request never costs a query.
func parseQueryFilter(r *http.Request) (models.QueryFilter, error) {
	q := r.URL.Query()

	filter := models.QueryFilter{
		Topic:     q.Get("topic"),
		MachineID: q.Get("machine_id"),
		Limit:     database.DefaultQueryLimit,
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return filter, errors.New("limit must be an integer")
		}
		if limit < 1 || limit > database.MaxQueryLimit {
			return filter, errors.New("limit must be between 1 and 1000")
		}
		filter.Limit = limit
	}

	if raw := q.Get("start"); raw != "" {
		start, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("start must be an RFC 3339 timestamp")
		}
		filter.StartTime = &start
	}

	if raw := q.Get("end"); raw != "" {
		end, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("end must be an RFC 3339 timestamp")
		}
		filter.EndTime = &end
	}

	return filter, nil
}
