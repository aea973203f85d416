// Edge Historian - MQTT Telemetry Historian for Azure IoT Operations
// Copyright 2026 Telemetryworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telemetryworks/edge-historian

package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{input: "debug", want: zerolog.DebugLevel},
		{input: "info", want: zerolog.InfoLevel},
		{input: "warn", want: zerolog.WarnLevel},
		{input: "warning", want: zerolog.WarnLevel},
		{input: "error", want: zerolog.ErrorLevel},
		{input: "DEBUG", want: zerolog.DebugLevel},
		{input: "nonsense", want: zerolog.InfoLevel},
		{input: "", want: zerolog.InfoLevel},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestInit_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})
	defer Init(Config{Level: "info", Format: "json"})

	Info().Str("topic", "factory/line1").Msg("stored")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if entry["message"] != "stored" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["topic"] != "factory/line1" {
		t.Errorf("topic = %v", entry["topic"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("entry missing timestamp")
	}
}

func TestInit_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Format: "json", Output: &buf})
	defer Init(Config{Level: "info", Format: "json"})

	Debug().Msg("also suppressed")
	Info().Msg("should be suppressed")
	Warn().Msg("should appear")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Error("sub-warn message logged at warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn message missing")
	}
}

func TestNewTestLogger_WritesToGivenWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTestLogger(&buf)

	logger.Info().Str("topic", "factory/line1").Msg("captured")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if entry["message"] != "captured" {
		t.Errorf("message = %v", entry["message"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("entry missing timestamp")
	}
}

func TestContextRequestID(t *testing.T) {
	ctx := context.Background()
	if got := RequestIDFromContext(ctx); got != "" {
		t.Errorf("empty context returned %q", got)
	}

	ctx = ContextWithRequestID(ctx, "req-9")
	if got := RequestIDFromContext(ctx); got != "req-9" {
		t.Errorf("RequestIDFromContext = %q, want req-9", got)
	}
}

func TestSlogAdapter_ForwardsToZerolog(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer Init(Config{Level: "info", Format: "json"})

	logger := NewSlogLogger()
	logger.Info("service started", slog.String("service", "ingest-pipeline"))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("adapter output is not JSON: %v\n%s", err, buf.String())
	}
	if entry["message"] != "service started" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["service"] != "ingest-pipeline" {
		t.Errorf("service attr = %v", entry["service"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v", entry["level"])
	}
}

func TestSlogAdapter_GroupsFlattened(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer Init(Config{Level: "info", Format: "json"})

	logger := NewSlogLogger().WithGroup("supervisor")
	logger.Warn("service failed", slog.String("name", "retention-reaper"))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("adapter output is not JSON: %v\n%s", err, buf.String())
	}
	if entry["supervisor.name"] != "retention-reaper" {
		t.Errorf("grouped attr = %v, want supervisor.name=retention-reaper", entry["supervisor.name"])
	}
}
