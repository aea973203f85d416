// Edge Historian - MQTT Telemetry Historian for Azure IoT Operations
// Copyright 2026 Telemetryworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telemetryworks/edge-historian

// Package main is the entry point for the Edge Historian service.
//
// Edge Historian subscribes to an MQTT broker (typically the Azure IoT
// Operations MQ broker inside a Kubernetes cluster), persists every message
// it receives into PostgreSQL, and serves the stored history over a REST
// query API.
//
// # Application Architecture
//
// The service initializes components in the following order:
//
//  1. Configuration: layered loading via Koanf v2 (defaults, config file,
//     environment variables)
//  2. Storage manager: PostgreSQL connection pool with a bounded readiness
//     retry loop, schema applied on startup
//  3. Ingest pipeline: buffered channel decoupling the bus callback from
//     storage writes
//  4. MQTT subscriber: paho.golang/autopaho connection manager with
//     Kubernetes service-account-token enhanced auth
//  5. Supervisor tree: ingest pipeline, retention reaper, and HTTP server
//     run as supervised services
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (MQTT_BROKER, POSTGRES_HOST, ...)
//   - Config file (config.yaml, or CONFIG_PATH)
//   - Built-in defaults targeting an Azure IoT Operations deployment
//
// # Degraded Mode
//
// With MQTT_ENABLED=false the subscriber is skipped entirely and the service
// runs as a read-only query API over previously stored history. /health
// reports "degraded" in this mode.
//
// # Signal Handling
//
// On SIGINT or SIGTERM the service shuts down in dependency order:
//   - Disconnects the MQTT subscriber (stops new messages arriving)
//   - Stops the supervisor tree (pipeline drains, reaper finishes its cycle,
//     HTTP server drains in-flight requests)
//   - Closes the storage pool last so in-flight writes can complete
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/telemetryworks/edge-historian/internal/api"
	"github.com/telemetryworks/edge-historian/internal/config"
	"github.com/telemetryworks/edge-historian/internal/database"
	"github.com/telemetryworks/edge-historian/internal/ingest"
	"github.com/telemetryworks/edge-historian/internal/logging"
	"github.com/telemetryworks/edge-historian/internal/mqtt"
	"github.com/telemetryworks/edge-historian/internal/retention"
	"github.com/telemetryworks/edge-historian/internal/supervisor"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("broker", cfg.MQTT.Broker).
		Int("broker_port", cfg.MQTT.Port).
		Str("topic", cfg.MQTT.Topic).
		Bool("mqtt_enabled", cfg.MQTT.Enabled).
		Str("postgres_host", cfg.Database.Host).
		Int("retention_hours", cfg.Retention.Hours).
		Msg("Starting Edge Historian")

	// Process context: canceled on SIGINT/SIGTERM. Used for startup waits so
	// an early signal aborts connection retries.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage is mandatory: the readiness loop tolerates the database
	// container starting after us, but exhausting the retries is fatal.
	db, err := database.New(ctx, &cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	logging.Info().Msg("Storage initialized")

	pipeline := ingest.NewPipeline(db, ingest.DefaultBufferSize)

	// The subscriber is optional; without it the service degrades to a
	// read-only query API over previously stored history.
	var subscriber *mqtt.Subscriber
	if cfg.MQTT.Enabled {
		subscriber = mqtt.New(&cfg.MQTT, pipeline)
		if err := subscriber.Initialize(); err != nil {
			db.Close()
			logging.Fatal().Err(err).Msg("Failed to initialize MQTT subscriber")
		}
		if err := subscriber.Connect(ctx); err != nil {
			db.Close()
			logging.Fatal().Err(err).Msg("Failed to connect to MQTT broker")
		}
	} else {
		logging.Warn().Msg("MQTT disabled - serving stored history only")
	}

	// Supervisor tree: ingest pipeline, retention reaper, HTTP server.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddIngestService(pipeline)

	reaper := retention.New(db, cfg.Retention.Hours,
		time.Duration(cfg.Retention.CleanupIntervalSeconds)*time.Second)
	tree.AddMaintenanceService(reaper)

	var bus api.Bus
	if subscriber != nil {
		bus = subscriber
	}
	handler := api.NewHandler(db, bus)
	server := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTP.Timeout,
		WriteTimeout:      cfg.HTTP.Timeout,
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(server, 10*time.Second))

	// The tree gets its own context so shutdown ordering is explicit: the
	// subscriber disconnects first, then the tree stops, then storage closes.
	treeCtx, treeCancel := context.WithCancel(context.Background())
	defer treeCancel()
	errCh := tree.ServeBackground(treeCtx)

	logging.Info().Str("addr", cfg.HTTP.Addr()).Msg("Edge Historian running")

	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logging.Error().Err(err).Msg("Supervisor tree stopped unexpectedly")
		}
	}

	if subscriber != nil {
		subscriber.Disconnect()
	}

	treeCancel()
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree shutdown error")
		}
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop in time")
		}
	}

	db.Close()
	logging.Info().Msg("Edge Historian stopped")
	os.Exit(0)
}
