package breakpoint

import (
	"fmt"

	"github.com/agentrace/engine/internal/trace"
)

// BundleEntry is the wire form of one breakpoint, with its condition
// flattened to primitive fields so it round-trips through JSON without
// exposing the compiled gval.Evaluable.
type BundleEntry struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Enabled         bool     `json:"enabled"`
	ConditionKind   string   `json:"conditionKind"`
	Expression      string   `json:"expression,omitempty"`
	Metric          string   `json:"metric,omitempty"`
	Operator        string   `json:"operator,omitempty"`
	Threshold       float64  `json:"threshold,omitempty"`
	ErrorPattern    string   `json:"errorPattern,omitempty"`
	Action          string   `json:"action,omitempty"`
	AgentFilter     string   `json:"agentFilter,omitempty"`
	EventTypeFilter []string `json:"eventTypeFilter,omitempty"`
	TimeWindowStart *int64   `json:"timeWindowStart,omitempty"`
	TimeWindowEnd   *int64   `json:"timeWindowEnd,omitempty"`
	SkipCount       int      `json:"skipCount,omitempty"`
	MaxHits         int      `json:"maxHits,omitempty"`
	DataPaths       []string `json:"dataPaths,omitempty"`
}

// Bundle is the whole configuration, exchangeable per spec.md §4.5's
// "Import/Export".
type Bundle struct {
	Entries []BundleEntry `json:"entries"`
}

// ImportOutcome reports the per-entry result of Import, as spec.md §4.5
// requires ("import validates each entry and returns per-entry outcomes").
type ImportOutcome struct {
	ID    string
	OK    bool
	Error string
}

// Export serializes every registered breakpoint into a bundle.
func (e *Evaluator) Export() Bundle {
	bundle := Bundle{}
	for _, bp := range e.breakpoints {
		bundle.Entries = append(bundle.Entries, toEntry(bp))
	}
	return bundle
}

// Import validates and registers each entry in bundle, returning a
// per-entry outcome; a failing entry does not block the rest.
func (e *Evaluator) Import(bundle Bundle) []ImportOutcome {
	outcomes := make([]ImportOutcome, 0, len(bundle.Entries))
	for _, entry := range bundle.Entries {
		bp, err := fromEntry(entry)
		if err != nil {
			outcomes = append(outcomes, ImportOutcome{ID: entry.ID, OK: false, Error: err.Error()})
			continue
		}
		e.Add(bp)
		outcomes = append(outcomes, ImportOutcome{ID: entry.ID, OK: true})
	}
	return outcomes
}

func toEntry(bp *Breakpoint) BundleEntry {
	entry := BundleEntry{
		ID: bp.ID, Name: bp.Name, Enabled: bp.Enabled,
		ConditionKind: string(bp.Condition.Kind),
		Action:        bp.Action,
		AgentFilter:   bp.AgentFilter,
		SkipCount:     bp.SkipCount,
		MaxHits:       bp.MaxHits,
		DataPaths:     bp.DataPaths,
	}
	for _, t := range bp.EventTypeFilter {
		entry.EventTypeFilter = append(entry.EventTypeFilter, string(t))
	}
	if bp.TimeWindow != nil {
		start, end := bp.TimeWindow.Start, bp.TimeWindow.End
		entry.TimeWindowStart = &start
		entry.TimeWindowEnd = &end
	}
	switch bp.Condition.Kind {
	case ConditionExpression:
		entry.Expression = bp.Condition.expr.source
	case ConditionPerformance:
		entry.Metric = bp.Condition.Metric
		entry.Operator = string(bp.Condition.Operator)
		entry.Threshold = bp.Condition.Threshold
	case ConditionError:
		entry.ErrorPattern = bp.Condition.ErrorPattern
	}
	return entry
}

func fromEntry(entry BundleEntry) (*Breakpoint, error) {
	if entry.ID == "" {
		return nil, fmt.Errorf("breakpoint: entry missing id")
	}

	var cond *Condition
	var err error
	switch ConditionKind(entry.ConditionKind) {
	case ConditionExpression:
		cond, err = CompileExpression(entry.Expression)
	case ConditionPerformance:
		cond, err = CompilePerformance(entry.Metric, PerfOperator(entry.Operator), entry.Threshold)
	case ConditionError:
		cond = CompileError(entry.ErrorPattern)
	default:
		err = fmt.Errorf("breakpoint: unknown condition kind %q", entry.ConditionKind)
	}
	if err != nil {
		return nil, err
	}

	bp := &Breakpoint{
		ID: entry.ID, Name: entry.Name, Enabled: entry.Enabled, Condition: cond,
		Action: entry.Action, AgentFilter: entry.AgentFilter,
		SkipCount: entry.SkipCount, MaxHits: entry.MaxHits, DataPaths: entry.DataPaths,
	}
	for _, t := range entry.EventTypeFilter {
		bp.EventTypeFilter = append(bp.EventTypeFilter, trace.EventType(t))
	}
	if entry.TimeWindowStart != nil && entry.TimeWindowEnd != nil {
		bp.TimeWindow = &TimeWindow{Start: *entry.TimeWindowStart, End: *entry.TimeWindowEnd}
	}
	return bp, nil
}
