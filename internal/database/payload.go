// Edge Historian - MQTT Telemetry Historian for Azure IoT Operations
// Copyright 2026 Telemetryworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telemetryworks/edge-historian

package database

import (
	"bytes"
	"time"

	"github.com/goccy/go-json"
)

// timestampLayouts are tried in order when a payload carries a string
// "timestamp" field. Device firmware in the field is not consistent.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// decodePayload normalizes raw MQTT bytes into a JSON document. Valid JSON
// is stored as-is; anything else is wrapped under a "raw" key with invalid
// UTF-8 replaced, so a malformed payload never rejects the message.
func decodePayload(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(append([]byte(nil), trimmed...))
	}

	wrapped, err := json.Marshal(map[string]string{
		"raw": string(bytes.ToValidUTF8(raw, []byte("�"))),
	})
	if err != nil {
		// Marshal of map[string]string cannot realistically fail; keep a
		// well-formed row regardless.
		return json.RawMessage(`{"raw":""}`)
	}
	return wrapped
}

// extractEventTimestamp pulls the event time from a decoded payload's
// "timestamp" field. String values are parsed against the known layouts;
// numeric values are treated as Unix seconds. Anything unparseable falls
// back to the ingestion time.
func extractEventTimestamp(payload json.RawMessage, fallback time.Time) time.Time {
	var probe struct {
		Timestamp any `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.Timestamp == nil {
		return fallback
	}

	switch v := probe.Timestamp.(type) {
	case string:
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts.UTC()
			}
		}
	case float64:
		sec := int64(v)
		nsec := int64((v - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC()
	}
	return fallback
}
