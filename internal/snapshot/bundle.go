package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Bundle is the JSON-exchangeable form of a set of snapshots. Checksum is a
// SHA-256 digest over the canonical JSON encoding of Entries, letting
// Import reject a corrupted or truncated bundle before touching the
// store — a supplement to spec.md §8's round-trip invariant
// (import(export(s)) = s), not part of its literal text.
type Bundle struct {
	Entries  []BundleEntry `json:"entries"`
	Checksum string        `json:"checksum"`
}

// BundleEntry is one exported snapshot, fully materialized (never a delta)
// so that import/export round-trips regardless of the source store's
// internal delta-chaining.
type BundleEntry struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	Timestamp   int64           `json:"timestamp"`
	AgentCount  int             `json:"agentCount"`
	TaskCount   int             `json:"taskCount"`
	Tags        []string        `json:"tags"`
	Description string          `json:"description"`
	State       json.RawMessage `json:"state"`
}

// ImportOutcome reports the per-entry result of Import.
type ImportOutcome struct {
	ID      string
	Stored  bool
	Skipped bool
	Error   string
}

// Export materializes every snapshot matching filter into a checksummed
// bundle. Exported entries are always fully materialized, never raw
// deltas, so a bundle is self-contained.
func (s *Store) Export(filter SearchFilter) (*Bundle, error) {
	records, err := s.Search(filter)
	if err != nil {
		return nil, fmt.Errorf("snapshot: export search: %w", err)
	}

	entries := make([]BundleEntry, 0, len(records))
	for _, rec := range records {
		stateJSON, err := json.Marshal(rec.State)
		if err != nil {
			return nil, fmt.Errorf("snapshot: export marshal state %s: %w", rec.ID, err)
		}
		entries = append(entries, BundleEntry{
			ID: rec.ID, SessionID: rec.SessionID, Timestamp: rec.Timestamp,
			AgentCount: rec.AgentCount, TaskCount: rec.TaskCount,
			Tags: rec.Tags, Description: rec.Description, State: stateJSON,
		})
	}

	canonical, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("snapshot: export canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)

	return &Bundle{Entries: entries, Checksum: hex.EncodeToString(sum[:])}, nil
}

// Import validates the bundle's checksum, then stores each entry as a
// full (non-delta) snapshot, returning a per-entry outcome. A checksum
// mismatch rejects the whole bundle before any row is written.
func (s *Store) Import(bundle *Bundle) ([]ImportOutcome, error) {
	canonical, err := json.Marshal(bundle.Entries)
	if err != nil {
		return nil, fmt.Errorf("snapshot: import canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	if hex.EncodeToString(sum[:]) != bundle.Checksum {
		return nil, fmt.Errorf("snapshot: bundle checksum mismatch")
	}

	outcomes := make([]ImportOutcome, 0, len(bundle.Entries))
	for _, entry := range bundle.Entries {
		outcome := ImportOutcome{ID: entry.ID}

		var existing int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE id = ?`, entry.ID).Scan(&existing); err != nil {
			outcome.Error = err.Error()
			outcomes = append(outcomes, outcome)
			continue
		}
		if existing > 0 {
			outcome.Skipped = true
			outcomes = append(outcomes, outcome)
			continue
		}

		var state interface{}
		if err := json.Unmarshal(entry.State, &state); err != nil {
			outcome.Error = fmt.Sprintf("invalid state payload: %v", err)
			outcomes = append(outcomes, outcome)
			continue
		}

		blob, err := s.codec.Encode(state)
		if err != nil {
			outcome.Error = err.Error()
			outcomes = append(outcomes, outcome)
			continue
		}

		_, err = s.db.Exec(`
			INSERT INTO snapshots (
				id, session_id, timestamp, agent_count, task_count, size,
				compressed_size, tags, description, is_delta, base_id, state
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?)
		`, entry.ID, entry.SessionID, entry.Timestamp, entry.AgentCount, entry.TaskCount,
			len(entry.State), len(blob), joinTags(entry.Tags), entry.Description, blob)
		if err != nil {
			outcome.Error = err.Error()
			outcomes = append(outcomes, outcome)
			continue
		}

		outcome.Stored = true
		outcomes = append(outcomes, outcome)
	}

	return outcomes, nil
}

func joinTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}
