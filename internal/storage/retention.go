package storage

import (
	"context"
	"fmt"
	"time"
)

// Archive deletes rows older than retention across every time-stamped
// table, matching spec.md §4.2's "a periodic task deletes rows where
// timestamp < now - retention". Relationship edges are pruned alongside
// their owning trace so orphans never accumulate.
func (e *Engine) Archive(ctx context.Context, olderThanHours int) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(olderThanHours) * time.Hour).UnixMilli()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: archive begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var total int64

	res, err := tx.ExecContext(ctx, `
		DELETE FROM trace_relationships
		WHERE child_id IN (SELECT id FROM traces WHERE timestamp < ?)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: archive relationships: %w", err)
	}

	for _, stmt := range []struct {
		table string
		col   string
	}{
		{"traces", "timestamp"},
		{"error_events", "timestamp"},
		{"agent_messages", "timestamp"},
		{"task_executions", "started_at"},
		{"resource_usage", "timestamp"},
		{"performance_snapshots", "timestamp"},
	} {
		res, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s < ?", stmt.table, stmt.col), cutoff)
		if err != nil {
			return 0, fmt.Errorf("storage: archive %s: %w", stmt.table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("storage: archive %s rows affected: %w", stmt.table, err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: archive commit: %w", err)
	}

	e.log.Info().Int64("rows_deleted", total).Int("older_than_hours", olderThanHours).Msg("retention sweep complete")
	return total, nil
}

// Compact flushes pending writes, then runs VACUUM to reclaim space freed
// by Archive. Must wait for the batcher to drain first — vacuuming under
// a live write queue would otherwise race the batcher's own transactions.
func (e *Engine) Compact(ctx context.Context) error {
	if err := e.flushPending(ctx); err != nil {
		return err
	}
	if _, err := e.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("storage: vacuum: %w", err)
	}
	return nil
}

// flushPending asks the batcher goroutine to drain its queue and commit
// its in-flight batch, blocking until that commit actually lands rather
// than until the intake channel merely empties — the batch the run loop
// already pulled off e.queue is still in memory, not yet durable, until
// this round-trip confirms it.
func (e *Engine) flushPending(ctx context.Context) error {
	for {
		done := make(chan struct{})
		select {
		case e.flushReqCh <- done:
		case <-ctx.Done():
			return fmt.Errorf("storage: flush pending: %w", ctx.Err())
		case <-e.stopCh:
			return nil
		}

		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("storage: flush pending: %w", ctx.Err())
		}

		if len(e.queue) == 0 {
			return nil
		}
	}
}
