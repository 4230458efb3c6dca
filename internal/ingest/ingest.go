// Package ingest implements C7: the orchestrator agents call to submit
// trace events. It validates synchronously, stamps missing id/timestamp,
// infers the causal relationship type, then fires two independent,
// unblocking operations — persistence via the storage batcher and
// publication onto the internal event bus for live subscribers.
package ingest

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentrace/engine/internal/bus"
	"github.com/agentrace/engine/internal/storage"
	"github.com/agentrace/engine/internal/trace"
)

// Metrics tracks counts the orchestrator maintains for operator visibility,
// since storage and publish are both fire-and-forget and need an
// independent way to surface failures.
type Metrics struct {
	Accepted        uint64
	Rejected        uint64
	StorageFailures uint64
	PublishFailures uint64
}

// Orchestrator is the ingest component (C7).
type Orchestrator struct {
	storage *storage.Engine
	bus     *bus.Bus
	log     zerolog.Logger
	metrics Metrics
}

// New builds an Orchestrator over the given storage engine and event bus.
func New(storageEngine *storage.Engine, eventBus *bus.Bus, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		storage: storageEngine,
		bus:     eventBus,
		log:     log.With().Str("component", "ingest").Logger(),
	}
}

// Submit validates ev, stamps missing fields, infers its relationship
// type, then dispatches storage and publish in parallel. Neither blocks
// on the other; a failure in either is logged and counted, never
// returned to the caller once validation has passed — only InvalidEvent
// is synchronous.
func (o *Orchestrator) Submit(ev *trace.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = trace.Now()
	}

	if err := storage.Validate(ev); err != nil {
		atomic.AddUint64(&o.metrics.Rejected, 1)
		return fmt.Errorf("%w", err)
	}

	if ev.Data.IsNull() {
		ev.Data = trace.Object(nil)
	}
	if ev.Metadata.IsNull() {
		ev.Metadata = trace.Object(nil)
	}
	if ev.Performance.IsNull() {
		ev.Performance = trace.Object(nil)
	}

	atomic.AddUint64(&o.metrics.Accepted, 1)

	go func() {
		if err := o.storage.StoreEvent(ev); err != nil {
			atomic.AddUint64(&o.metrics.StorageFailures, 1)
			o.log.Error().Err(err).Str("event_id", ev.ID).Msg("storage dispatch failed")
		}
	}()

	go func() {
		subject := bus.EventSubject(ev.SessionID)
		if err := o.bus.PublishJSON(subject, ev); err != nil {
			atomic.AddUint64(&o.metrics.PublishFailures, 1)
			o.log.Error().Err(err).Str("event_id", ev.ID).Msg("bus publish failed")
		}
	}()

	return nil
}

// Metrics returns a point-in-time snapshot of the orchestrator's counters.
func (o *Orchestrator) Metrics() Metrics {
	return Metrics{
		Accepted:        atomic.LoadUint64(&o.metrics.Accepted),
		Rejected:        atomic.LoadUint64(&o.metrics.Rejected),
		StorageFailures: atomic.LoadUint64(&o.metrics.StorageFailures),
		PublishFailures: atomic.LoadUint64(&o.metrics.PublishFailures),
	}
}
