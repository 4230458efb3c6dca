// Package breakpoint implements C5: a rule engine that evaluates
// conditions against (state, event) pairs delivered during replay,
// tracking hits with skip/max-hit/time-window/agent filters. The
// condition grammar is deliberately constrained (spec.md §4.5, §9): no
// I/O, no unbounded iteration, no unknown identifiers — an intentional
// divergence from looser source behavior, using github.com/PaesslerAG/gval
// (whitelisted expression grammar) and github.com/PaesslerAG/jsonpath for
// data_paths collection.
package breakpoint

import (
	"fmt"

	"github.com/agentrace/engine/internal/trace"
)

// ConditionKind discriminates the three condition variants of spec.md §4.5.
type ConditionKind string

const (
	ConditionExpression  ConditionKind = "expression"
	ConditionPerformance ConditionKind = "performance"
	ConditionError       ConditionKind = "error"
)

// PerfOperator enumerates the comparison operators a performance
// condition may use.
type PerfOperator string

const (
	OpLT PerfOperator = "<"
	OpLE PerfOperator = "<="
	OpGT PerfOperator = ">"
	OpGE PerfOperator = ">="
	OpEQ PerfOperator = "=="
	OpNE PerfOperator = "!="
)

// TimeWindow restricts a breakpoint to firing only within [Start, End].
type TimeWindow struct {
	Start int64
	End   int64
}

// Condition is the compiled, evaluable form of one of the three variants.
type Condition struct {
	Kind ConditionKind

	// ConditionExpression
	expr *compiledExpression

	// ConditionPerformance
	Metric    string
	Operator  PerfOperator
	Threshold float64

	// ConditionError
	ErrorPattern string
}

// Breakpoint is the full rule configuration of spec.md §4.5.
type Breakpoint struct {
	ID              string
	Name            string
	Enabled         bool
	Condition       *Condition
	Action          string
	AgentFilter     string
	EventTypeFilter []trace.EventType
	TimeWindow      *TimeWindow
	SkipCount       int
	MaxHits         int
	DataPaths       []string

	hits int
}

// Hits reports how many times bp has fired so far.
func (bp *Breakpoint) Hits() int { return bp.hits }

// Hit is the result of one successful breakpoint evaluation.
type Hit struct {
	BreakpointID   string
	EventID        string
	Timestamp      int64
	TriggerReason  string
	CollectedData  map[string]interface{}
}

// Evaluator holds the registered breakpoints for a session and runs them
// against each (state, event) pair delivered by replay.
type Evaluator struct {
	breakpoints map[string]*Breakpoint
}

// NewEvaluator returns an empty evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{breakpoints: make(map[string]*Breakpoint)}
}

// Add registers or replaces a breakpoint.
func (e *Evaluator) Add(bp *Breakpoint) {
	e.breakpoints[bp.ID] = bp
}

// Remove deletes a breakpoint by id.
func (e *Evaluator) Remove(id string) {
	delete(e.breakpoints, id)
}

// Get returns a breakpoint by id.
func (e *Evaluator) Get(id string) (*Breakpoint, bool) {
	bp, ok := e.breakpoints[id]
	return bp, ok
}

// All returns every registered breakpoint.
func (e *Evaluator) All() []*Breakpoint {
	out := make([]*Breakpoint, 0, len(e.breakpoints))
	for _, bp := range e.breakpoints {
		out = append(out, bp)
	}
	return out
}

// Evaluate runs every enabled breakpoint against (state, event), following
// spec.md §4.5's seven-step pipeline, and returns the hits produced.
func (e *Evaluator) Evaluate(st *trace.SystemState, ev *trace.Event) ([]Hit, error) {
	var hits []Hit
	var firstErr error

	for _, bp := range e.breakpoints {
		hit, err := e.evaluateOne(bp, st, ev)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: breakpoint %s: %v", trace.ErrBreakpointEval, bp.ID, err)
			}
			continue
		}
		if hit != nil {
			hits = append(hits, *hit)
		}
	}

	return hits, firstErr
}

func (e *Evaluator) evaluateOne(bp *Breakpoint, st *trace.SystemState, ev *trace.Event) (*Hit, error) {
	// Step 1: enabled check.
	if !bp.Enabled {
		return nil, nil
	}

	// Step 2: filters.
	if bp.AgentFilter != "" && bp.AgentFilter != ev.AgentID {
		return nil, nil
	}
	if len(bp.EventTypeFilter) > 0 && !containsType(bp.EventTypeFilter, ev.Type) {
		return nil, nil
	}
	if bp.TimeWindow != nil && (ev.Timestamp < bp.TimeWindow.Start || ev.Timestamp > bp.TimeWindow.End) {
		return nil, nil
	}

	// Step 3: evaluate condition.
	matched, reason, err := evaluateCondition(bp.Condition, st, ev)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, nil
	}

	// Step 4: skip_count.
	if bp.SkipCount > 0 {
		bp.SkipCount--
		return nil, nil
	}

	// Step 5: record hit, disable on max_hits.
	bp.hits++
	if bp.MaxHits > 0 && bp.hits >= bp.MaxHits {
		bp.Enabled = false
	}

	// Step 6: collect data_paths.
	collected := collectDataPaths(bp.DataPaths, st, ev)

	// Step 7: return Hit.
	return &Hit{
		BreakpointID:  bp.ID,
		EventID:       ev.ID,
		Timestamp:     ev.Timestamp,
		TriggerReason: reason,
		CollectedData: collected,
	}, nil
}

func containsType(types []trace.EventType, t trace.EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

