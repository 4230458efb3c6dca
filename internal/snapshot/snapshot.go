// Package snapshot implements C3: persisted SystemState checkpoints used
// by the state reconstructor (internal/state) as replay starting points.
// Adapted from memory/operational.go's storage idiom — same
// modernc.org/sqlite setup, prepared statements, sql.Null* scanning — but
// built around snapshot rows instead of agent/task rows, with an
// incremental delta chain and an LRU-by-timestamp eviction policy for
// untagged entries.
package snapshot

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/agentrace/engine/internal/codec"
	"github.com/agentrace/engine/internal/trace"
)

//go:embed schema.sql
var schemaSQL string

// Config controls compression and eviction.
type Config struct {
	Path                 string
	CompressionThreshold int
	MaxSnapshots         int // untagged cap; LRU by timestamp
	MaxDeltaDepth        int // incremental chain length before forcing a full snapshot
}

// DefaultConfig mirrors spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		Path:                 "snapshots.db",
		CompressionThreshold: 1024,
		MaxSnapshots:         100,
		MaxDeltaDepth:        10,
	}
}

// CreateOptions parameterizes Create.
type CreateOptions struct {
	Tags        []string
	Description string
	Incremental bool
}

// Record is a stored snapshot's metadata and materialized state.
type Record struct {
	ID             string
	SessionID      string
	Timestamp      int64
	AgentCount     int
	TaskCount      int
	Size           int64
	CompressedSize int64
	Tags           []string
	Description    string
	State          *trace.SystemState

	// baseID is non-empty when this record is an incremental delta; its
	// state is only meaningful after baseID's chain has been replayed.
	baseID string
}

// SearchFilter narrows Search results.
type SearchFilter struct {
	SessionID string
	Tag       string
	From      *int64
	To        *int64
	Limit     int
}

// Store is the snapshot component (C3).
type Store struct {
	db    *sql.DB
	codec *codec.Codec
	cfg   Config
	log   zerolog.Logger
}

// Open creates (or opens) the snapshot store at cfg.Path.
func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = DefaultConfig().MaxSnapshots
	}
	if cfg.MaxDeltaDepth <= 0 {
		cfg.MaxDeltaDepth = DefaultConfig().MaxDeltaDepth
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("snapshot: set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: apply schema: %w", err)
	}

	cd, err := codec.New(cfg.CompressionThreshold)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: build codec: %w", err)
	}

	return &Store{db: db, codec: cd, cfg: cfg, log: log.With().Str("component", "snapshot").Logger()}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.codec.Close()
	return s.db.Close()
}

// Create persists state for session at its timestamp, returning the new
// snapshot's id. When opts.Incremental is set and a prior snapshot exists
// for the session within cfg.MaxDeltaDepth links of a full snapshot, only
// the delta from the immediately prior snapshot is stored.
func (s *Store) Create(session string, state *trace.SystemState, opts CreateOptions) (string, error) {
	id := uuid.NewString()
	full := state

	var baseID string
	var storedState *trace.SystemState = full
	isDelta := false

	if opts.Incremental {
		prior, depth, err := s.latestWithDepth(session)
		if err != nil {
			return "", err
		}
		if prior != nil && depth < s.cfg.MaxDeltaDepth {
			storedState = deltaState(prior.State, full)
			baseID = prior.ID
			isDelta = true
		}
	}

	raw, err := json.Marshal(storedState)
	if err != nil {
		return "", fmt.Errorf("snapshot: marshal state: %w", err)
	}
	blob, err := s.codec.Encode(storedState)
	if err != nil {
		return "", fmt.Errorf("snapshot: encode state: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO snapshots (
			id, session_id, timestamp, agent_count, task_count, size,
			compressed_size, tags, description, is_delta, base_id, state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, session, state.Timestamp, len(state.Agents), len(state.Tasks),
		len(raw), len(blob), strings.Join(opts.Tags, ","), opts.Description,
		isDelta, nullableString(baseID), blob)
	if err != nil {
		return "", fmt.Errorf("snapshot: insert: %w", err)
	}

	if err := s.evictUntagged(session); err != nil {
		s.log.Warn().Err(err).Msg("snapshot eviction sweep failed")
	}

	return id, nil
}

// latestWithDepth returns the most recent snapshot for session and how
// many delta links separate it from its nearest full-snapshot ancestor.
func (s *Store) latestWithDepth(session string) (*Record, int, error) {
	row := s.db.QueryRow(`
		SELECT id FROM snapshots WHERE session_id = ? ORDER BY timestamp DESC LIMIT 1
	`, session)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("snapshot: latest lookup: %w", err)
	}

	rec, err := s.materialize(id)
	if err != nil {
		return nil, 0, err
	}

	depth := 0
	cur := rec
	for cur.baseID != "" {
		depth++
		cur, err = s.loadRaw(cur.baseID)
		if err != nil {
			return nil, 0, err
		}
	}
	return rec, depth, nil
}

// Nearest returns the snapshot with the greatest timestamp <= t, fully
// materialized through its delta chain.
func (s *Store) Nearest(session string, t int64) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT id FROM snapshots
		WHERE session_id = ? AND timestamp <= ?
		ORDER BY timestamp DESC LIMIT 1
	`, session, t)

	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: nearest lookup: %w", err)
	}
	return s.materialize(id)
}

// loadRaw loads a record's own stored (possibly delta) state without
// resolving its chain.
func (s *Store) loadRaw(id string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, timestamp, agent_count, task_count, size,
		       compressed_size, tags, description, base_id, state
		FROM snapshots WHERE id = ?
	`, id)

	var rec Record
	var tags, desc sql.NullString
	var baseID sql.NullString
	var blob []byte

	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.Timestamp, &rec.AgentCount,
		&rec.TaskCount, &rec.Size, &rec.CompressedSize, &tags, &desc, &baseID, &blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.ErrNotFound
		}
		return nil, fmt.Errorf("snapshot: scan: %w", err)
	}

	if tags.String != "" {
		rec.Tags = strings.Split(tags.String, ",")
	}
	rec.Description = desc.String
	rec.baseID = baseID.String

	var state trace.SystemState
	if err := s.codec.Decode(blob, &state); err != nil {
		return nil, fmt.Errorf("snapshot: decode state %s: %w", id, err)
	}
	rec.State = &state

	return &rec, nil
}

// materialize loads id and, if it's an incremental delta, walks and
// applies its base chain up to a full snapshot.
func (s *Store) materialize(id string) (*Record, error) {
	rec, err := s.loadRaw(id)
	if err != nil {
		return nil, err
	}
	if rec.baseID == "" {
		return rec, nil
	}

	base, err := s.materialize(rec.baseID)
	if err != nil {
		return nil, err
	}

	merged := applyDelta(base.State, rec.State)
	rec.State = merged
	return rec, nil
}

// Search finds snapshots matching filter, sorted by timestamp descending.
func (s *Store) Search(filter SearchFilter) ([]*Record, error) {
	query := `
		SELECT id, session_id, timestamp, agent_count, task_count, size,
		       compressed_size, tags, description, base_id, state
		FROM snapshots WHERE 1=1
	`
	args := []interface{}{}

	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Tag != "" {
		query += " AND (',' || tags || ',') LIKE ?"
		args = append(args, "%,"+filter.Tag+",%")
	}
	if filter.From != nil {
		query += " AND timestamp >= ?"
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		query += " AND timestamp <= ?"
		args = append(args, *filter.To)
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("snapshot: search: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var rec Record
		var tags, desc, baseID sql.NullString
		var blob []byte
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Timestamp, &rec.AgentCount,
			&rec.TaskCount, &rec.Size, &rec.CompressedSize, &tags, &desc, &baseID, &blob); err != nil {
			return nil, fmt.Errorf("snapshot: scan search row: %w", err)
		}
		ids = append(ids, rec.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.materialize(id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// evictUntagged enforces cfg.MaxSnapshots as an LRU-by-timestamp cap over
// untagged snapshots; tagged snapshots are never auto-evicted.
func (s *Store) evictUntagged(session string) error {
	rows, err := s.db.Query(`
		SELECT id FROM snapshots
		WHERE session_id = ? AND (tags IS NULL OR tags = '')
		ORDER BY timestamp DESC
	`, session)
	if err != nil {
		return fmt.Errorf("snapshot: evict scan: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(ids) <= s.cfg.MaxSnapshots {
		return nil
	}

	stale := ids[s.cfg.MaxSnapshots:]
	for _, id := range stale {
		// Never evict a snapshot another entry's delta chain depends on.
		var refCount int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE base_id = ?`, id).Scan(&refCount); err != nil {
			return fmt.Errorf("snapshot: evict refcheck: %w", err)
		}
		if refCount > 0 {
			continue
		}
		if _, err := s.db.Exec(`DELETE FROM snapshots WHERE id = ?`, id); err != nil {
			return fmt.Errorf("snapshot: evict delete: %w", err)
		}
	}
	return nil
}

func nullableString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
