package state

import (
	"errors"
	"fmt"

	"github.com/agentrace/engine/internal/storage"
	"github.com/agentrace/engine/internal/trace"
)

// PathStep is one hop in a critical path result.
type PathStep struct {
	EventID  string
	Duration float64
}

// CriticalPath finds the longest path through a session's causal DAG in
// the [from, to] range, weighted by each event's performance.duration
// field (spec.md §4.4).
func (r *Reconstructor) CriticalPath(session string, from, to int64) ([]PathStep, error) {
	events, err := r.storage.GetTraces(storage.Filter{SessionID: session, TimestampFrom: &from, TimestampTo: &to})
	if err != nil {
		return nil, fmt.Errorf("state: critical path load events: %w", err)
	}
	rels, err := r.storage.Relationships(session)
	if err != nil {
		return nil, fmt.Errorf("state: critical path load relationships: %w", err)
	}

	byID := make(map[string]*trace.Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}

	children := make(map[string][]string)
	hasParent := make(map[string]bool)
	for _, rel := range rels {
		if _, ok := byID[rel.ParentID]; !ok {
			continue
		}
		if _, ok := byID[rel.ChildID]; !ok {
			continue
		}
		children[rel.ParentID] = append(children[rel.ParentID], rel.ChildID)
		hasParent[rel.ChildID] = true
	}

	memo := make(map[string][]PathStep)
	onStack := make(map[string]bool)
	var longest []PathStep

	var walk func(id string) ([]PathStep, error)
	walk = func(id string) ([]PathStep, error) {
		if cached, ok := memo[id]; ok {
			return cached, nil
		}
		if onStack[id] {
			return nil, fmt.Errorf("state: critical path at %s: %w", id, trace.ErrCycleDetected)
		}
		onStack[id] = true
		defer delete(onStack, id)

		ev := byID[id]
		duration := 0.0
		if d, ok := ev.Performance.Field("duration"); ok {
			duration = d.Float()
		}
		step := PathStep{EventID: id, Duration: duration}

		best := []PathStep{step}
		bestTotal := duration
		for _, childID := range children[id] {
			childPath, err := walk(childID)
			if err != nil {
				if errors.Is(err, trace.ErrCycleDetected) {
					// The closing edge is excluded; continue over the
					// remaining children instead of failing the walk.
					continue
				}
				return nil, err
			}
			total := duration + pathTotal(childPath)
			if total > bestTotal {
				bestTotal = total
				best = append([]PathStep{step}, childPath...)
			}
		}
		memo[id] = best
		return best, nil
	}

	for id := range byID {
		if hasParent[id] {
			continue
		}
		path, err := walk(id)
		if err != nil {
			if errors.Is(err, trace.ErrCycleDetected) {
				continue
			}
			return nil, err
		}
		if pathTotal(path) > pathTotal(longest) {
			longest = path
		}
	}

	return longest, nil
}

func pathTotal(path []PathStep) float64 {
	total := 0.0
	for _, s := range path {
		total += s.Duration
	}
	return total
}
