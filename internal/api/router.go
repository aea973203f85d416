// Edge Historian - MQTT Telemetry Historian for Azure IoT Operations
// Copyright 2026 Telemetryworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telemetryworks/edge-historian

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telemetryworks/edge-historian/internal/middleware"
)

// Rate limits. Health endpoints get a generous allowance since orchestrator
// probes poll them continuously.
const (
	healthRateLimit   = 300
	apiRateLimit      = 120
	rateLimitInterval = time.Minute
)

// NewRouter builds the HTTP route tree for the query API.
func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByRealIP(healthRateLimit, rateLimitInterval))

		r.Get("/health", handler.Health)
		r.Get("/health/live", handler.HealthLive)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByRealIP(apiRateLimit, rateLimitInterval))
		r.Use(middleware.Prometheus)

		r.Get("/last-value/*", handler.LastValue)
		r.Get("/query", handler.Query)
		r.Get("/stats", handler.Stats)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
