package storage

import (
	"database/sql"
	"fmt"

	"github.com/agentrace/engine/internal/trace"
)

// RecordError persists an ErrorEvent outside the main trace stream so
// error-rate queries don't have to scan traces by type.
func (e *Engine) RecordError(ev trace.ErrorEvent) error {
	blob, err := e.codec.Encode(ev.Data.Native())
	if err != nil {
		return fmt.Errorf("storage: encode error data: %w", err)
	}
	_, err = e.db.Exec(`
		INSERT OR IGNORE INTO error_events (id, session_id, agent_id, event_id, message, timestamp, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.SessionID, nullableString(ev.AgentID), ev.EventID, ev.Message, ev.Timestamp, blob)
	if err != nil {
		return fmt.Errorf("storage: insert error event: %w", err)
	}
	return nil
}

// ErrorEvents returns a session's recorded errors, newest last.
func (e *Engine) ErrorEvents(sessionID string) ([]trace.ErrorEvent, error) {
	rows, err := e.db.Query(`
		SELECT id, session_id, agent_id, event_id, message, timestamp, data
		FROM error_events WHERE session_id = ? ORDER BY timestamp ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: query error events: %w", err)
	}
	defer rows.Close()

	var out []trace.ErrorEvent
	for rows.Next() {
		var ev trace.ErrorEvent
		var agentID sql.NullString
		var blob []byte
		if err := rows.Scan(&ev.ID, &ev.SessionID, &agentID, &ev.EventID, &ev.Message, &ev.Timestamp, &blob); err != nil {
			return nil, fmt.Errorf("storage: scan error event: %w", err)
		}
		ev.AgentID = agentID.String
		if ev.Data, err = e.decodeValue(blob); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecordAgentMessage persists an inter-agent communication record.
func (e *Engine) RecordAgentMessage(m trace.AgentMessage) error {
	_, err := e.db.Exec(`
		INSERT OR IGNORE INTO agent_messages (id, session_id, from_agent, to_agent, correlation_id, content, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.SessionID, m.FromAgent, m.ToAgent, nullableString(m.CorrelationID), m.Content, m.Timestamp)
	if err != nil {
		return fmt.Errorf("storage: insert agent message: %w", err)
	}
	return nil
}

// AgentMessages returns a session's recorded inter-agent messages.
func (e *Engine) AgentMessages(sessionID string) ([]trace.AgentMessage, error) {
	rows, err := e.db.Query(`
		SELECT id, session_id, from_agent, to_agent, correlation_id, content, timestamp
		FROM agent_messages WHERE session_id = ? ORDER BY timestamp ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: query agent messages: %w", err)
	}
	defer rows.Close()

	var out []trace.AgentMessage
	for rows.Next() {
		var m trace.AgentMessage
		var corr sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.FromAgent, &m.ToAgent, &corr, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("storage: scan agent message: %w", err)
		}
		m.CorrelationID = corr.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordTaskExecution persists or updates a task's execution lifecycle.
func (e *Engine) RecordTaskExecution(t trace.TaskExecution) error {
	var completedAt sql.NullInt64
	if t.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: *t.CompletedAt, Valid: true}
	}
	_, err := e.db.Exec(`
		INSERT INTO task_executions (id, session_id, agent_id, task_id, status, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, completed_at = excluded.completed_at
	`, t.ID, t.SessionID, nullableString(t.AgentID), t.TaskID, t.Status, t.StartedAt, completedAt)
	if err != nil {
		return fmt.Errorf("storage: upsert task execution: %w", err)
	}
	return nil
}

// TaskExecutions returns a session's recorded task executions.
func (e *Engine) TaskExecutions(sessionID string) ([]trace.TaskExecution, error) {
	rows, err := e.db.Query(`
		SELECT id, session_id, agent_id, task_id, status, started_at, completed_at
		FROM task_executions WHERE session_id = ? ORDER BY started_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: query task executions: %w", err)
	}
	defer rows.Close()

	var out []trace.TaskExecution
	for rows.Next() {
		var t trace.TaskExecution
		var agentID sql.NullString
		var completedAt sql.NullInt64
		if err := rows.Scan(&t.ID, &t.SessionID, &agentID, &t.TaskID, &t.Status, &t.StartedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("storage: scan task execution: %w", err)
		}
		t.AgentID = agentID.String
		if completedAt.Valid {
			v := completedAt.Int64
			t.CompletedAt = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordResourceUsage persists a resource consumption sample.
func (e *Engine) RecordResourceUsage(r trace.ResourceUsage) error {
	_, err := e.db.Exec(`
		INSERT OR IGNORE INTO resource_usage (id, session_id, agent_id, resource, amount, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.SessionID, nullableString(r.AgentID), r.Resource, r.Amount, r.Timestamp)
	if err != nil {
		return fmt.Errorf("storage: insert resource usage: %w", err)
	}
	return nil
}

// RecordPerformanceSnapshot persists a point-in-time performance sample.
// CriticalPath (C4) does not read these rows; it sums each trace event's
// own performance.duration field.
func (e *Engine) RecordPerformanceSnapshot(p trace.PerformanceSnapshot) error {
	_, err := e.db.Exec(`
		INSERT OR IGNORE INTO performance_snapshots (id, session_id, agent_id, duration, memory, cpu, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.SessionID, nullableString(p.AgentID), p.Duration, p.Memory, p.CPU, p.Timestamp)
	if err != nil {
		return fmt.Errorf("storage: insert performance snapshot: %w", err)
	}
	return nil
}

// PerformanceSnapshots returns a session's recorded performance samples.
func (e *Engine) PerformanceSnapshots(sessionID string) ([]trace.PerformanceSnapshot, error) {
	rows, err := e.db.Query(`
		SELECT id, session_id, agent_id, duration, memory, cpu, timestamp
		FROM performance_snapshots WHERE session_id = ? ORDER BY timestamp ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: query performance snapshots: %w", err)
	}
	defer rows.Close()

	var out []trace.PerformanceSnapshot
	for rows.Next() {
		var p trace.PerformanceSnapshot
		var agentID sql.NullString
		if err := rows.Scan(&p.ID, &p.SessionID, &agentID, &p.Duration, &p.Memory, &p.CPU, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("storage: scan performance snapshot: %w", err)
		}
		p.AgentID = agentID.String
		out = append(out, p)
	}
	return out, rows.Err()
}
