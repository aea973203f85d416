// Edge Historian - MQTT Telemetry Historian for Azure IoT Operations
// Copyright 2026 Telemetryworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telemetryworks/edge-historian

package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/telemetryworks/edge-historian/internal/database"
	"github.com/telemetryworks/edge-historian/internal/models"
)

// fakeStore is a scriptable Store implementation.
type fakeStore struct {
	pingErr    error
	lastValue  *models.HistoryRecord
	lastErr    error
	queryRes   []models.HistoryRecord
	queryErr   error
	stats      *models.Stats
	statsErr   error
	stored     int64
	lastFilter models.QueryFilter
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) GetLastValue(_ context.Context, topic string) (*models.HistoryRecord, error) {
	return f.lastValue, f.lastErr
}

func (f *fakeStore) QueryMessages(_ context.Context, filter models.QueryFilter) ([]models.HistoryRecord, error) {
	f.lastFilter = filter
	return f.queryRes, f.queryErr
}

func (f *fakeStore) GetStats(context.Context) (*models.Stats, error) { return f.stats, f.statsErr }

func (f *fakeStore) MessagesStored() int64 { return f.stored }

// fakeBus is a fixed connection flag.
type fakeBus struct{ connected bool }

func (f *fakeBus) Connected() bool { return f.connected }

func doRequest(t *testing.T, handler *Handler, path string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()

	router := NewRouter(handler)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not the standard envelope: %v\nbody: %s", err, rec.Body.String())
	}
	return rec, resp
}

func TestHealth_Matrix(t *testing.T) {
	tests := []struct {
		name       string
		store      Store
		bus        Bus
		wantStatus string
	}{
		{
			name:       "both up",
			store:      &fakeStore{},
			bus:        &fakeBus{connected: true},
			wantStatus: "healthy",
		},
		{
			name:       "mqtt down",
			store:      &fakeStore{},
			bus:        &fakeBus{connected: false},
			wantStatus: "degraded",
		},
		{
			name:       "db unreachable",
			store:      &fakeStore{pingErr: fmt.Errorf("connection refused")},
			bus:        &fakeBus{connected: true},
			wantStatus: "degraded",
		},
		{
			name:       "mqtt disabled",
			store:      &fakeStore{},
			bus:        nil,
			wantStatus: "degraded",
		},
		{
			name:       "storage missing",
			store:      nil,
			bus:        &fakeBus{connected: true},
			wantStatus: "degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := doRequest(t, NewHandler(tt.store, tt.bus), "/health")

			// Health never fails at the HTTP level.
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}

			data, err := json.Marshal(resp.Data)
			if err != nil {
				t.Fatal(err)
			}
			var health models.HealthStatus
			if err := json.Unmarshal(data, &health); err != nil {
				t.Fatal(err)
			}
			if health.Status != tt.wantStatus {
				t.Errorf("health status = %q, want %q", health.Status, tt.wantStatus)
			}
		})
	}
}

func TestHealthLive_AlwaysOK(t *testing.T) {
	rec, resp := doRequest(t, NewHandler(nil, nil), "/health/live")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !resp.Success {
		t.Error("liveness response should be successful")
	}
}

func TestLastValue_Found(t *testing.T) {
	record := &models.HistoryRecord{
		ID:        7,
		Timestamp: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		Topic:     "factory/line1/temp",
		Payload:   json.RawMessage(`{"v":21.5}`),
	}
	store := &fakeStore{lastValue: record}

	rec, resp := doRequest(t, NewHandler(store, &fakeBus{}), "/api/v1/last-value/factory/line1/temp")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}
	if !resp.Success {
		t.Error("expected success envelope")
	}
}

func TestLastValue_NotFound(t *testing.T) {
	store := &fakeStore{lastErr: database.ErrNotFound}

	rec, resp := doRequest(t, NewHandler(store, &fakeBus{}), "/api/v1/last-value/no/such/topic")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeNotFound {
		t.Errorf("error envelope = %+v, want code %s", resp.Error, ErrCodeNotFound)
	}
}

func TestLastValue_StorageUninitialized(t *testing.T) {
	rec, resp := doRequest(t, NewHandler(nil, &fakeBus{}), "/api/v1/last-value/some/topic")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeServiceUnavailable {
		t.Errorf("error envelope = %+v, want code %s", resp.Error, ErrCodeServiceUnavailable)
	}
}

func TestLastValue_DatabaseError(t *testing.T) {
	store := &fakeStore{lastErr: fmt.Errorf("connection reset")}

	rec, resp := doRequest(t, NewHandler(store, &fakeBus{}), "/api/v1/last-value/some/topic")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeDatabaseError {
		t.Errorf("error envelope = %+v, want code %s", resp.Error, ErrCodeDatabaseError)
	}
}

func TestQuery_ReturnsResultsAndCount(t *testing.T) {
	store := &fakeStore{
		queryRes: []models.HistoryRecord{
			{ID: 1, Topic: "a"},
			{ID: 2, Topic: "b"},
		},
	}

	rec, resp := doRequest(t, NewHandler(store, &fakeBus{}),
		"/api/v1/query?topic=a&machine_id=press-01&limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200\nbody: %s", rec.Code, rec.Body.String())
	}

	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data = %T, want object", resp.Data)
	}
	if count, _ := data["count"].(float64); count != 2 {
		t.Errorf("count = %v, want 2", data["count"])
	}

	if store.lastFilter.Topic != "a" {
		t.Errorf("topic filter = %q, want a", store.lastFilter.Topic)
	}
	if store.lastFilter.MachineID != "press-01" {
		t.Errorf("machine_id filter = %q, want press-01", store.lastFilter.MachineID)
	}
	if store.lastFilter.Limit != 10 {
		t.Errorf("limit = %d, want 10", store.lastFilter.Limit)
	}
}

func TestQuery_LimitValidation(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  int
	}{
		{name: "zero", query: "limit=0", want: http.StatusBadRequest},
		{name: "negative", query: "limit=-1", want: http.StatusBadRequest},
		{name: "too large", query: "limit=1001", want: http.StatusBadRequest},
		{name: "not a number", query: "limit=ten", want: http.StatusBadRequest},
		{name: "minimum", query: "limit=1", want: http.StatusOK},
		{name: "maximum", query: "limit=1000", want: http.StatusOK},
		{name: "absent uses default", query: "", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			rec, _ := doRequest(t, NewHandler(store, &fakeBus{}), "/api/v1/query?"+tt.query)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d\nbody: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestQuery_TimeRangeValidation(t *testing.T) {
	store := &fakeStore{}
	handler := NewHandler(store, &fakeBus{})

	rec, _ := doRequest(t, handler, "/api/v1/query?start=yesterday")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid start: status = %d, want 400", rec.Code)
	}

	rec, _ = doRequest(t, handler,
		"/api/v1/query?start=2026-08-01T00:00:00Z&end=2026-08-02T00:00:00Z")
	if rec.Code != http.StatusOK {
		t.Errorf("valid range: status = %d, want 200", rec.Code)
	}
	if store.lastFilter.StartTime == nil || store.lastFilter.EndTime == nil {
		t.Fatal("time range not passed to storage")
	}
	if !store.lastFilter.StartTime.Equal(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", store.lastFilter.StartTime)
	}
}

func TestQuery_StorageUninitialized(t *testing.T) {
	// Validation must run before the storage check yields a 503: a bad limit
	// is a client error regardless of backend state.
	rec, _ := doRequest(t, NewHandler(nil, &fakeBus{}), "/api/v1/query?limit=5000")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid limit without storage: status = %d, want 400", rec.Code)
	}

	rec, _ = doRequest(t, NewHandler(nil, &fakeBus{}), "/api/v1/query")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("valid query without storage: status = %d, want 503", rec.Code)
	}
}

func TestStats(t *testing.T) {
	oldest := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{
		stats: &models.Stats{
			TotalMessages: 1234,
			UniqueTopics:  17,
			OldestMessage: &oldest,
		},
	}

	rec, resp := doRequest(t, NewHandler(store, &fakeBus{}), "/api/v1/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !resp.Success {
		t.Error("expected success envelope")
	}

	rec, _ = doRequest(t, NewHandler(nil, &fakeBus{}), "/api/v1/stats")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("stats without storage: status = %d, want 503", rec.Code)
	}

	rec, _ = doRequest(t, NewHandler(&fakeStore{statsErr: fmt.Errorf("boom")}, &fakeBus{}), "/api/v1/stats")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("stats with database error: status = %d, want 500", rec.Code)
	}
}

func TestResponses_CarryRequestID(t *testing.T) {
	router := NewRouter(NewHandler(&fakeStore{}, &fakeBus{}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID header = %q, want req-42", got)
	}

	var resp APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Meta == nil || resp.Meta.RequestID != "req-42" {
		t.Errorf("meta = %+v, want request_id req-42", resp.Meta)
	}
}
