// Edge Historian - MQTT Telemetry Historian for Azure IoT Operations
// Copyright 2026 Telemetryworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telemetryworks/edge-historian

// Package ingest decouples the MQTT client's network goroutine from storage
// latency. The subscriber enqueues (topic, payload, qos) onto a buffered
// channel; a supervised consumer drains it and calls the storage manager.
// Messages are drained in enqueue order, preserving broker delivery order
// on a single connection.
package ingest

import (
	"context"
	"sync/atomic"

	"github.com/telemetryworks/edge-historian/internal/logging"
	"github.com/telemetryworks/edge-historian/internal/metrics"
)

// DefaultBufferSize is the channel capacity between the MQTT callback and
// the storage writer. When the buffer is full, enqueue blocks the bus
// callback, which applies backpressure through the broker's flow control.
const DefaultBufferSize = 1024

// Storer is the storage-manager surface the pipeline writes to. Store never
// returns an error; insert failures are the storage manager's to count.
type Storer interface {
	Store(ctx context.Context, topic string, payload []byte, qos int)
}

// Message is one inbound bus message awaiting storage.
type Message struct {
	Topic   string
	Payload []byte
	QoS     int
}

// Pipeline is the channel between the bus subscriber and the storage
// manager. It implements suture.Service; the consumer loop runs under the
// supervision tree.
type Pipeline struct {
	store    Storer
	ch       chan Message
	enqueued atomic.Int64
	consumed atomic.Int64
}

// NewPipeline creates a pipeline with the given buffer capacity.
// A non-positive buffer falls back to DefaultBufferSize.
func NewPipeline(store Storer, buffer int) *Pipeline {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Pipeline{
		store: store,
		ch:    make(chan Message, buffer),
	}
}

// Enqueue hands a message to the consumer. It blocks while the buffer is
// full and gives up only when ctx is canceled (process shutdown), so the
// bus callback never drops messages during normal operation.
func (p *Pipeline) Enqueue(ctx context.Context, msg Message) {
	select {
	case p.ch <- msg:
		p.enqueued.Add(1)
		metrics.IngestQueueDepth.Set(float64(len(p.ch)))
	case <-ctx.Done():
		logging.Warn().Str("topic", msg.Topic).Msg("Dropping message, pipeline shutting down")
	}
}

// Depth returns the number of messages currently buffered.
func (p *Pipeline) Depth() int { return len(p.ch) }

// Consumed returns the count of messages handed to storage.
func (p *Pipeline) Consumed() int64 { return p.consumed.Load() }

// Serve implements suture.Service: it drains the channel and calls the
// storage manager until the context is canceled. In-flight stores are
// allowed to finish naturally on shutdown, so the store call runs on an
// uncancelable child context.
func (p *Pipeline) Serve(ctx context.Context) error {
	logging.Info().Int("buffer", cap(p.ch)).Msg("Ingest pipeline started")

	storeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case msg := <-p.ch:
			p.store.Store(storeCtx, msg.Topic, msg.Payload, msg.QoS)
			p.consumed.Add(1)
			metrics.IngestQueueDepth.Set(float64(len(p.ch)))

		case <-ctx.Done():
			if remaining := len(p.ch); remaining > 0 {
				logging.Warn().Int("remaining", remaining).Msg("Ingest pipeline stopping with buffered messages")
			}
			logging.Info().Msg("Ingest pipeline stopped")
			return ctx.Err()
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (p *Pipeline) String() string { return "ingest-pipeline" }
