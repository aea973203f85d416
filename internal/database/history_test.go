// Edge Historian - MQTT Telemetry Historian for Azure IoT Operations
// Copyright 2026 Telemetryworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telemetryworks/edge-historian

package database

import (
	"strings"
	"testing"
	"time"

	"github.com/telemetryworks/edge-historian/internal/models"
)

func TestBuildHistoryQuery_NoFilters(t *testing.T) {
	query, args := buildHistoryQuery(models.QueryFilter{})

	if strings.Contains(query, "AND topic") {
		t.Errorf("unfiltered query should not constrain topic: %s", query)
	}
	if !strings.Contains(query, "ORDER BY timestamp DESC LIMIT $1") {
		t.Errorf("query missing ordering and limit: %s", query)
	}
	if len(args) != 1 {
		t.Fatalf("expected 1 arg (limit), got %d", len(args))
	}
	if args[0] != DefaultQueryLimit {
		t.Errorf("default limit = %v, want %d", args[0], DefaultQueryLimit)
	}
}

func TestBuildHistoryQuery_AllFilters(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)

	query, args := buildHistoryQuery(models.QueryFilter{
		Topic:     "factory/line1/temp",
		MachineID: "press-01",
		StartTime: &start,
		EndTime:   &end,
		Limit:     50,
	})

	wantClauses := []string{
		"AND topic = $1",
		"AND payload ->> 'machine_id' = $2",
		"AND timestamp >= $3",
		"AND timestamp <= $4",
		"ORDER BY timestamp DESC LIMIT $5",
	}
	for _, clause := range wantClauses {
		if !strings.Contains(query, clause) {
			t.Errorf("query missing %q: %s", clause, query)
		}
	}

	want := []any{"factory/line1/temp", "press-01", start, end, 50}
	if len(args) != len(want) {
		t.Fatalf("expected %d args, got %d", len(want), len(args))
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %v, want %v", i, args[i], want[i])
		}
	}
}

func TestBuildHistoryQuery_PositionalParamsStayDense(t *testing.T) {
	// With only machine_id set, it must bind to $1, not $2.
	query, args := buildHistoryQuery(models.QueryFilter{MachineID: "press-01"})

	if !strings.Contains(query, "payload ->> 'machine_id' = $1") {
		t.Errorf("machine_id should bind $1 when topic is absent: %s", query)
	}
	if !strings.Contains(query, "LIMIT $2") {
		t.Errorf("limit should bind $2: %s", query)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %d", len(args))
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		limit int
		want  int
	}{
		{limit: 0, want: DefaultQueryLimit},
		{limit: -5, want: DefaultQueryLimit},
		{limit: 1, want: 1},
		{limit: 500, want: 500},
		{limit: MaxQueryLimit, want: MaxQueryLimit},
		{limit: MaxQueryLimit + 1, want: MaxQueryLimit},
		{limit: 1000000, want: MaxQueryLimit},
	}

	for _, tt := range tests {
		if got := clampLimit(tt.limit); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.limit, got, tt.want)
		}
	}
}
