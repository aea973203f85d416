// Edge Historian - MQTT Telemetry Historian for Azure IoT Operations
// Copyright 2026 Telemetryworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telemetryworks/edge-historian

// Package retention purges history records past the configured window.
package retention

import (
	"context"
	"time"

	"github.com/telemetryworks/edge-historian/internal/logging"
)

// Cleaner is the storage-manager surface the reaper calls. A failed cycle
// reports zero deletions; errors never surface here.
type Cleaner interface {
	CleanupOldMessages(ctx context.Context, retentionHours int) int64
}

// Reaper periodically deletes records older than the retention window. It
// implements suture.Service and sleeps in one-second slices so a shutdown
// signal is observed within a second even with a long cleanup interval.
type Reaper struct {
	store          Cleaner
	retentionHours int
	interval       time.Duration
}

// New creates a reaper. interval is the full period between cleanup runs.
func New(store Cleaner, retentionHours int, interval time.Duration) *Reaper {
	return &Reaper{
		store:          store,
		retentionHours: retentionHours,
		interval:       interval,
	}
}

// Serve implements suture.Service: sleep, clean, repeat until canceled.
// A cleanup in flight when shutdown arrives finishes naturally.
func (r *Reaper) Serve(ctx context.Context) error {
	logging.Info().
		Int("retention_hours", r.retentionHours).
		Dur("interval", r.interval).
		Msg("Retention reaper started")

	cleanupCtx := context.WithoutCancel(ctx)
	for {
		if err := sleepSliced(ctx, r.interval); err != nil {
			logging.Info().Msg("Retention reaper stopped")
			return err
		}
		r.store.CleanupOldMessages(cleanupCtx, r.retentionHours)
	}
}

// String implements fmt.Stringer for supervisor logging.
func (r *Reaper) String() string { return "retention-reaper" }

// sleepSliced waits for the full duration in one-second increments,
// returning early with ctx.Err() on cancellation.
func sleepSliced(ctx context.Context, d time.Duration) error {
	slice := time.Second
	if d < slice {
		slice = d
	}
	ticker := time.NewTicker(slice)
	defer ticker.Stop()

	for waited := time.Duration(0); waited < d; waited += slice {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
