package snapshot

import "github.com/agentrace/engine/internal/trace"

// deltaState computes the incremental difference from base to full: only
// entries that were added, changed, or removed relative to base are kept.
// A nil map value marks a removal. Communications and Errors are
// append-only logs, so the delta carries just the suffix beyond what base
// already held.
func deltaState(base, full *trace.SystemState) *trace.SystemState {
	d := trace.NewSystemState(full.SessionID, full.Timestamp)

	for id, agent := range full.Agents {
		if baseAgent, ok := base.Agents[id]; !ok || !agentEqual(baseAgent, agent) {
			d.Agents[id] = agent
		}
	}
	for id := range base.Agents {
		if _, ok := full.Agents[id]; !ok {
			d.Agents[id] = nil
		}
	}

	for id, task := range full.Tasks {
		if baseTask, ok := base.Tasks[id]; !ok || !taskEqual(baseTask, task) {
			d.Tasks[id] = task
		}
	}
	for id := range base.Tasks {
		if _, ok := full.Tasks[id]; !ok {
			d.Tasks[id] = nil
		}
	}

	for key, entry := range full.Memory {
		if baseEntry, ok := base.Memory[key]; !ok || !memoryEqual(baseEntry, entry) {
			d.Memory[key] = entry
		}
	}
	for key := range base.Memory {
		if _, ok := full.Memory[key]; !ok {
			d.Memory[key] = nil
		}
	}

	if len(full.Communications) > len(base.Communications) {
		d.Communications = append(d.Communications, full.Communications[len(base.Communications):]...)
	}
	if len(full.Errors) > len(base.Errors) {
		d.Errors = append(d.Errors, full.Errors[len(base.Errors):]...)
	}

	for k, v := range full.Resources {
		if baseV, ok := base.Resources[k]; !ok || baseV != v {
			d.Resources[k] = v
		}
	}

	return d
}

// applyDelta overlays delta onto a clone of base, producing the full
// materialized state at delta's timestamp.
func applyDelta(base, delta *trace.SystemState) *trace.SystemState {
	merged := base.Clone()
	merged.Timestamp = delta.Timestamp

	for id, agent := range delta.Agents {
		if agent == nil {
			delete(merged.Agents, id)
			continue
		}
		merged.Agents[id] = agent
	}
	for id, task := range delta.Tasks {
		if task == nil {
			delete(merged.Tasks, id)
			continue
		}
		merged.Tasks[id] = task
	}
	for key, entry := range delta.Memory {
		if entry == nil {
			delete(merged.Memory, key)
			continue
		}
		merged.Memory[key] = entry
	}

	merged.Communications = append(merged.Communications, delta.Communications...)
	merged.Errors = append(merged.Errors, delta.Errors...)

	for k, v := range delta.Resources {
		merged.Resources[k] = v
	}

	return merged
}

func agentEqual(a, b *trace.AgentState) bool {
	if a.Status != b.Status || a.CurrentTask != b.CurrentTask {
		return false
	}
	if len(a.Capabilities) != len(b.Capabilities) {
		return false
	}
	for i := range a.Capabilities {
		if a.Capabilities[i] != b.Capabilities[i] {
			return false
		}
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
	if a.AgentID != b.AgentID || a.Status != b.Status || a.Progress != b.Progress || a.StartedAt != b.StartedAt {
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
	return a.AgentID == b.AgentID && a.Type == b.Type && a.Timestamp == b.Timestamp
}
