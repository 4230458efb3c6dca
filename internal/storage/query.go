package storage

import (
	"database/sql"
	"fmt"

	"github.com/agentrace/engine/internal/trace"
)

// Filter parameterizes GetTraces. Ordering is always ascending by
// timestamp; ties broken by id ascending (spec.md §4.2, §4.4).
type Filter struct {
	SessionID     string
	AgentID       string
	TimestampFrom *int64
	TimestampTo   *int64
	Types         []trace.EventType
	Limit         int
	Offset        int
}

// GetTraces runs a parameterized query over the traces table, decoding and
// decompressing each row's payload blobs.
func (e *Engine) GetTraces(filter Filter) ([]*trace.Event, error) {
	query := `
		SELECT id, session_id, agent_id, type, phase, timestamp,
		       correlation_id, parent_id, data, metadata, performance
		FROM traces
		WHERE 1=1
	`
	args := []interface{}{}

	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.TimestampFrom != nil {
		query += " AND timestamp >= ?"
		args = append(args, *filter.TimestampFrom)
	}
	if filter.TimestampTo != nil {
		query += " AND timestamp <= ?"
		args = append(args, *filter.TimestampTo)
	}
	if len(filter.Types) > 0 {
		query += " AND type IN (" + placeholders(len(filter.Types)) + ")"
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}

	query += " ORDER BY timestamp ASC, id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := e.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query traces: %w", err)
	}
	defer rows.Close()

	var events []*trace.Event
	for rows.Next() {
		ev, err := e.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func (e *Engine) scanEvent(row scanner) (*trace.Event, error) {
	var ev trace.Event
	var agentID, phase, parentID sql.NullString
	var dataBlob, metaBlob, perfBlob []byte
	var typ string

	if err := row.Scan(
		&ev.ID, &ev.SessionID, &agentID, &typ, &phase, &ev.Timestamp,
		&ev.CorrelationID, &parentID, &dataBlob, &metaBlob, &perfBlob,
	); err != nil {
		return nil, fmt.Errorf("storage: scan trace: %w", err)
	}

	ev.Type = trace.EventType(typ)
	ev.AgentID = agentID.String
	ev.Phase = trace.Phase(phase.String)
	ev.ParentID = parentID.String

	var err error
	if ev.Data, err = e.decodeValue(dataBlob); err != nil {
		return nil, fmt.Errorf("storage: decode data for %s: %w", ev.ID, err)
	}
	if ev.Metadata, err = e.decodeValue(metaBlob); err != nil {
		return nil, fmt.Errorf("storage: decode metadata for %s: %w", ev.ID, err)
	}
	if ev.Performance, err = e.decodeValue(perfBlob); err != nil {
		return nil, fmt.Errorf("storage: decode performance for %s: %w", ev.ID, err)
	}

	return &ev, nil
}

func (e *Engine) decodeValue(blob []byte) (trace.Value, error) {
	if len(blob) == 0 {
		return trace.Null(), nil
	}
	var native interface{}
	if err := e.codec.Decode(blob, &native); err != nil {
		return trace.Value{}, fmt.Errorf("%w: %v", trace.ErrDecodeError, err)
	}
	return trace.FromNative(native), nil
}

// StreamEvents walks events in (timestamp, id) order from a given
// timestamp (exclusive) through another (inclusive) without buffering the
// whole range in memory — the cursor the State Reconstructor (C4) needs to
// replay without an unbounded buffer (spec.md §5).
func (e *Engine) StreamEvents(sessionID string, fromExclusive, toInclusive int64, visit func(*trace.Event) error) error {
	rows, err := e.db.Query(`
		SELECT id, session_id, agent_id, type, phase, timestamp,
		       correlation_id, parent_id, data, metadata, performance
		FROM traces
		WHERE session_id = ? AND timestamp > ? AND timestamp <= ?
		ORDER BY timestamp ASC, id ASC
	`, sessionID, fromExclusive, toInclusive)
	if err != nil {
		return fmt.Errorf("storage: stream events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := e.scanEvent(rows)
		if err != nil {
			return err
		}
		if err := visit(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Relationships returns the causal edges recorded for a session's traces.
func (e *Engine) Relationships(sessionID string) ([]trace.Relationship, error) {
	rows, err := e.db.Query(`
		SELECT r.parent_id, r.child_id, r.type
		FROM trace_relationships r
		JOIN traces t ON t.id = r.child_id
		WHERE t.session_id = ?
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: query relationships: %w", err)
	}
	defer rows.Close()

	var rels []trace.Relationship
	for rows.Next() {
		var r trace.Relationship
		var typ string
		if err := rows.Scan(&r.ParentID, &r.ChildID, &typ); err != nil {
			return nil, fmt.Errorf("storage: scan relationship: %w", err)
		}
		r.Type = trace.RelationshipType(typ)
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// CreateSession inserts a new session row; sessions must be created before
// any event referencing them (spec.md §3 ownership rule).
func (e *Engine) CreateSession(s *trace.Session) error {
	blob, err := e.codec.Encode(s.Metadata.Native())
	if err != nil {
		return fmt.Errorf("storage: encode session metadata: %w", err)
	}
	_, err = e.db.Exec(`
		INSERT INTO sessions (id, name, start_time, end_time, status, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, s.Name, s.StartTime, s.EndTime, string(s.Status), blob)
	if err != nil {
		return fmt.Errorf("storage: insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (e *Engine) GetSession(id string) (*trace.Session, error) {
	row := e.db.QueryRow(`
		SELECT id, name, start_time, end_time, status, metadata
		FROM sessions WHERE id = ?
	`, id)

	var s trace.Session
	var endTime sql.NullInt64
	var status string
	var blob []byte

	if err := row.Scan(&s.ID, &s.Name, &s.StartTime, &endTime, &status, &blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.ErrNotFound
		}
		return nil, fmt.Errorf("storage: scan session: %w", err)
	}

	s.Status = trace.SessionStatus(status)
	if endTime.Valid {
		v := endTime.Int64
		s.EndTime = &v
	}
	meta, err := e.decodeValue(blob)
	if err != nil {
		return nil, err
	}
	s.Metadata = meta

	return &s, nil
}

// CloseSession sets end_time and marks the session completed or errored.
func (e *Engine) CloseSession(id string, endTime int64, status trace.SessionStatus) error {
	_, err := e.db.Exec(`UPDATE sessions SET end_time = ?, status = ? WHERE id = ?`, endTime, string(status), id)
	if err != nil {
		return fmt.Errorf("storage: close session: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
