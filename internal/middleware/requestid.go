// Edge Historian - MQTT Telemetry Historian for Azure IoT Operations
// Copyright 2026 Telemetryworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telemetryworks/edge-historian

// Package middleware provides the HTTP middleware for the query API.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/telemetryworks/edge-historian/internal/logging"
)

// RequestID assigns each request a unique ID (honoring an upstream
// X-Request-ID when present), echoes it in the response header, and stores
// it in the request context for response metadata.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)
		ctx := logging.ContextWithRequestID(r.Context(), requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
