package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/agentrace/engine/internal/trace"
)

// run is the batcher's main loop: flush when the accumulated batch reaches
// cfg.BatchSize, or every cfg.FlushInterval, whichever comes first. Events
// arriving exactly at the flush boundary are still part of the batch being
// flushed, not the next one, because the ticker case and the queue case
// both route through the same flush() call sequenced by the select.
func (e *Engine) run() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*trace.Event, 0, e.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		e.flushWithRetry(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-e.stopCh:
			drain := true
			for drain {
				select {
				case ev := <-e.queue:
					batch = append(batch, ev)
					if len(batch) >= e.cfg.BatchSize {
						flush()
					}
				default:
					drain = false
				}
			}
			flush()
			return

		case ev := <-e.queue:
			batch = append(batch, ev)
			if len(batch) >= e.cfg.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case done := <-e.flushReqCh:
			// Pull in anything already queued before committing, so a
			// caller waiting on done observes every event handed to
			// StoreEvent before the request was issued.
			drain := true
			for drain {
				select {
				case ev := <-e.queue:
					batch = append(batch, ev)
					if len(batch) >= e.cfg.BatchSize {
						flush()
					}
				default:
					drain = false
				}
			}
			flush()
			close(done)
		}
	}
}

// flushWithRetry commits batch in a single transaction, retrying with
// capped exponential backoff on transient "database is busy" errors.
//
// Resolution of the Open Question in spec.md §9: the source's retry path
// both re-queues dropped items and schedules a retry timer, risking a
// double-apply race. This implementation retries the same in-memory batch
// directly and never re-enqueues it through e.queue, so a batch is either
// retried in place or dropped exactly once — it can't race with newly
// arriving events for the same slots.
func (e *Engine) flushWithRetry(batch []*trace.Event) {
	var lastErr error

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 50 * time.Millisecond
			time.Sleep(backoff)
		}

		err := e.commitBatch(batch)
		if err == nil {
			return
		}
		lastErr = err

		if !isBusyErr(err) {
			// Non-transient error: surface immediately without burning
			// the retry budget on something that won't resolve itself.
			break
		}
	}

	e.log.Error().Err(lastErr).Int("count", len(batch)).Msg("batch dropped after exhausting retries")
	if e.onBatchDropped != nil {
		e.onBatchDropped(len(batch), fmt.Errorf("%w: %v", trace.ErrBatchDropped, lastErr))
	}
}

// commitBatch executes the batch's inserts inside a single transaction so
// readers never observe a partial batch.
func (e *Engine) commitBatch(batch []*trace.Event) error {
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	insertTrace, err := tx.Prepare(`
		INSERT OR IGNORE INTO traces (
			id, session_id, agent_id, type, phase, timestamp,
			correlation_id, parent_id, data, metadata, performance
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("storage: prepare trace insert: %w", err)
	}
	defer insertTrace.Close()

	insertRel, err := tx.Prepare(`
		INSERT OR IGNORE INTO trace_relationships (parent_id, child_id, type)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("storage: prepare relationship insert: %w", err)
	}
	defer insertRel.Close()

	for _, ev := range batch {
		dataBlob, err := e.codec.Encode(ev.Data.Native())
		if err != nil {
			return fmt.Errorf("storage: encode data: %w", err)
		}
		metaBlob, err := e.codec.Encode(ev.Metadata.Native())
		if err != nil {
			return fmt.Errorf("storage: encode metadata: %w", err)
		}
		perfBlob, err := e.codec.Encode(ev.Performance.Native())
		if err != nil {
			return fmt.Errorf("storage: encode performance: %w", err)
		}

		if _, err := insertTrace.Exec(
			ev.ID, ev.SessionID, nullableString(ev.AgentID), string(ev.Type),
			nullableString(string(ev.Phase)), ev.Timestamp, ev.CorrelationID,
			nullableString(ev.ParentID), dataBlob, metaBlob, perfBlob,
		); err != nil {
			return fmt.Errorf("storage: insert trace %s: %w", ev.ID, err)
		}

		if ev.ParentID != "" {
			relType := ev.InferRelationshipType()
			if _, err := insertRel.Exec(ev.ParentID, ev.ID, string(relType)); err != nil {
				return fmt.Errorf("storage: insert relationship %s->%s: %w", ev.ParentID, ev.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}
