package state

import "github.com/agentrace/engine/internal/trace"

// FieldChange describes one added, removed, or modified entry between two
// states, keyed by its section ("agents", "tasks", "memory", "resources")
// and entry id.
type FieldChange struct {
	Section string
	Key     string
	Kind    ChangeKind
	Before  interface{}
	After   interface{}
}

// ChangeKind discriminates a FieldChange.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// Diff computes the structured field-level differences between s1 and s2.
// Per spec.md §8, for t1 < t2, Diff(StateAt(t1), StateAt(t2)) must be a
// superset of the changes applied by events in (t1, t2].
func Diff(s1, s2 *trace.SystemState) []FieldChange {
	var changes []FieldChange

	for id, a2 := range s2.Agents {
		a1, ok := s1.Agents[id]
		switch {
		case !ok:
			changes = append(changes, FieldChange{Section: "agents", Key: id, Kind: ChangeAdded, After: a2})
		case !agentEqual(a1, a2):
			changes = append(changes, FieldChange{Section: "agents", Key: id, Kind: ChangeModified, Before: a1, After: a2})
		}
	}
	for id, a1 := range s1.Agents {
		if _, ok := s2.Agents[id]; !ok {
			changes = append(changes, FieldChange{Section: "agents", Key: id, Kind: ChangeRemoved, Before: a1})
		}
	}

	for id, t2 := range s2.Tasks {
		t1, ok := s1.Tasks[id]
		switch {
		case !ok:
			changes = append(changes, FieldChange{Section: "tasks", Key: id, Kind: ChangeAdded, After: t2})
		case !taskEqual(t1, t2):
			changes = append(changes, FieldChange{Section: "tasks", Key: id, Kind: ChangeModified, Before: t1, After: t2})
		}
	}
	for id, t1 := range s1.Tasks {
		if _, ok := s2.Tasks[id]; !ok {
			changes = append(changes, FieldChange{Section: "tasks", Key: id, Kind: ChangeRemoved, Before: t1})
		}
	}

	for key, m2 := range s2.Memory {
		m1, ok := s1.Memory[key]
		switch {
		case !ok:
			changes = append(changes, FieldChange{Section: "memory", Key: key, Kind: ChangeAdded, After: m2})
		case !memoryEqual(m1, m2):
			changes = append(changes, FieldChange{Section: "memory", Key: key, Kind: ChangeModified, Before: m1, After: m2})
		}
	}
	for key, m1 := range s1.Memory {
		if _, ok := s2.Memory[key]; !ok {
			changes = append(changes, FieldChange{Section: "memory", Key: key, Kind: ChangeRemoved, Before: m1})
		}
	}

	for k, v2 := range s2.Resources {
		v1, ok := s1.Resources[k]
		switch {
		case !ok:
			changes = append(changes, FieldChange{Section: "resources", Key: k, Kind: ChangeAdded, After: v2})
		case v1 != v2:
			changes = append(changes, FieldChange{Section: "resources", Key: k, Kind: ChangeModified, Before: v1, After: v2})
		}
	}
	for k, v1 := range s1.Resources {
		if _, ok := s2.Resources[k]; !ok {
			changes = append(changes, FieldChange{Section: "resources", Key: k, Kind: ChangeRemoved, Before: v1})
		}
	}

	return changes
}

func agentEqual(a, b *trace.AgentState) bool {
	if a.Status != b.Status || a.CurrentTask != b.CurrentTask {
		return false
	}
	if len(a.Resources) != len(b.Resources) {
		return false
	}
	for k, v := range a.Resources {
		if b.Resources[k] != v {
			return false
		}
	}
	return true
}

func taskEqual(a, b *trace.TaskState) bool {
	if a.Status != b.Status || a.Progress != b.Progress {
		return false
	}
	switch {
	case a.CompletedAt == nil && b.CompletedAt == nil:
		return true
	case a.CompletedAt == nil || b.CompletedAt == nil:
		return false
	default:
		return *a.CompletedAt == *b.CompletedAt
	}
}

func memoryEqual(a, b *trace.MemoryEntry) bool {
	return a.Timestamp == b.Timestamp && a.Type == b.Type
}
