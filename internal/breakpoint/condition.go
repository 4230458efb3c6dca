package breakpoint

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"

	"github.com/agentrace/engine/internal/trace"
)

// language is gval's Full() expression grammar (arithmetic, comparison,
// boolean connectives, string and bitmask operators, regex match, ternary,
// JSON literals) plus a contains() builtin — no I/O, no loops, no function
// definitions. Referencing an identifier not present
// in the evaluation parameters surfaces as an error from gval itself,
// which evaluateCondition treats as a BreakpointEvalError rather than a
// silent false.
var language = gval.NewLanguage(
	gval.Full(),
	gval.Function("contains", func(haystack, needle string) bool {
		return strings.Contains(haystack, needle)
	}),
)

type compiledExpression struct {
	source    string
	evaluable gval.Evaluable
}

// CompileExpression parses src into a whitelisted evaluable. It is
// compiled once at breakpoint registration time, not per evaluation.
func CompileExpression(src string) (*Condition, error) {
	eval, err := language.NewEvaluable(src)
	if err != nil {
		return nil, fmt.Errorf("breakpoint: compile expression %q: %w", src, err)
	}
	return &Condition{Kind: ConditionExpression, expr: &compiledExpression{source: src, evaluable: eval}}, nil
}

// CompilePerformance builds a performance-threshold condition.
func CompilePerformance(metric string, op PerfOperator, threshold float64) (*Condition, error) {
	switch metric {
	case "duration", "memory", "cpu":
	default:
		return nil, fmt.Errorf("breakpoint: unknown performance metric %q", metric)
	}
	switch op {
	case OpLT, OpLE, OpGT, OpGE, OpEQ, OpNE:
	default:
		return nil, fmt.Errorf("breakpoint: unknown performance operator %q", op)
	}
	return &Condition{Kind: ConditionPerformance, Metric: metric, Operator: op, Threshold: threshold}, nil
}

// CompileError builds an error-trigger condition. ErrorPattern, if
// non-empty, is tried as a regular expression first; an invalid regex
// falls back to plain substring matching so operators can pass either a
// pattern or a literal snippet.
func CompileError(pattern string) *Condition {
	return &Condition{Kind: ConditionError, ErrorPattern: pattern}
}

// evaluateCondition dispatches on the condition's kind and returns
// whether it matched plus a human-readable trigger reason.
func evaluateCondition(c *Condition, st *trace.SystemState, ev *trace.Event) (bool, string, error) {
	switch c.Kind {
	case ConditionExpression:
		return evaluateExpression(c, st, ev)
	case ConditionPerformance:
		return evaluatePerformance(c, ev)
	case ConditionError:
		return evaluateError(c, ev)
	default:
		return false, "", fmt.Errorf("breakpoint: unknown condition kind %q", c.Kind)
	}
}

func evaluateExpression(c *Condition, st *trace.SystemState, ev *trace.Event) (bool, string, error) {
	params := map[string]interface{}{
		"event": eventParams(ev),
		"state": stateParams(st),
	}
	result, err := c.expr.evaluable(context.Background(), params)
	if err != nil {
		return false, "", fmt.Errorf("breakpoint: evaluate expression %q: %w", c.expr.source, err)
	}
	matched, ok := result.(bool)
	if !ok {
		return false, "", fmt.Errorf("breakpoint: expression %q did not evaluate to a boolean", c.expr.source)
	}
	return matched, "expression: " + c.expr.source, nil
}

func evaluatePerformance(c *Condition, ev *trace.Event) (bool, string, error) {
	field, ok := ev.Performance.Field(c.Metric)
	if !ok {
		return false, "", nil
	}
	value := field.Float()

	var matched bool
	switch c.Operator {
	case OpLT:
		matched = value < c.Threshold
	case OpLE:
		matched = value <= c.Threshold
	case OpGT:
		matched = value > c.Threshold
	case OpGE:
		matched = value >= c.Threshold
	case OpEQ:
		matched = value == c.Threshold
	case OpNE:
		matched = value != c.Threshold
	default:
		return false, "", fmt.Errorf("breakpoint: unknown performance operator %q", c.Operator)
	}

	reason := fmt.Sprintf("performance: %s %s %v (actual %v)", c.Metric, c.Operator, c.Threshold, value)
	return matched, reason, nil
}

func evaluateError(c *Condition, ev *trace.Event) (bool, string, error) {
	if ev.Phase != trace.PhaseError && ev.Type != trace.EventError && ev.Type != trace.EventTaskFail {
		return false, "", nil
	}

	message := errorMessage(ev)
	if c.ErrorPattern == "" {
		return true, "error: phase/type match", nil
	}

	if re, err := regexp.Compile(c.ErrorPattern); err == nil {
		if re.MatchString(message) {
			return true, "error: pattern " + c.ErrorPattern + " matched", nil
		}
		return false, "", nil
	}

	if strings.Contains(message, c.ErrorPattern) {
		return true, "error: substring " + c.ErrorPattern + " matched", nil
	}
	return false, "", nil
}

func errorMessage(ev *trace.Event) string {
	if errField, ok := ev.Data.Field("error"); ok {
		if msg, ok := errField.Field("message"); ok {
			return msg.Str()
		}
	}
	return ""
}

// eventParams and stateParams expose just the fields breakpoint
// expressions and data_paths are allowed to see, as plain maps gval and
// jsonpath can walk without reflection into internal types.
func eventParams(ev *trace.Event) map[string]interface{} {
	return map[string]interface{}{
		"id":             ev.ID,
		"sessionId":      ev.SessionID,
		"agentId":        ev.AgentID,
		"type":           string(ev.Type),
		"phase":          string(ev.Phase),
		"timestamp":      ev.Timestamp,
		"correlationId":  ev.CorrelationID,
		"parentId":       ev.ParentID,
		"data":           ev.Data.Native(),
		"metadata":       ev.Metadata.Native(),
		"performance":    ev.Performance.Native(),
	}
}

func stateParams(st *trace.SystemState) map[string]interface{} {
	if st == nil {
		return map[string]interface{}{}
	}
	agents := make(map[string]interface{}, len(st.Agents))
	for id, a := range st.Agents {
		agents[id] = map[string]interface{}{
			"status":      string(a.Status),
			"currentTask": a.CurrentTask,
		}
	}
	tasks := make(map[string]interface{}, len(st.Tasks))
	for id, t := range st.Tasks {
		tasks[id] = map[string]interface{}{
			"status":   string(t.Status),
			"progress": t.Progress,
			"agentId":  t.AgentID,
		}
	}
	return map[string]interface{}{
		"timestamp": st.Timestamp,
		"agents":    agents,
		"tasks":     tasks,
	}
}

// collectDataPaths resolves each dotted/jsonpath accessor against
// {event, state}, skipping any path that fails to resolve rather than
// failing the whole hit.
func collectDataPaths(paths []string, st *trace.SystemState, ev *trace.Event) map[string]interface{} {
	if len(paths) == 0 {
		return nil
	}
	root := map[string]interface{}{
		"event": eventParams(ev),
		"state": stateParams(st),
	}

	collected := make(map[string]interface{}, len(paths))
	for _, path := range paths {
		expr := path
		if !strings.HasPrefix(expr, "$") {
			expr = "$." + expr
		}
		value, err := jsonpath.Get(expr, root)
		if err != nil {
			continue
		}
		collected[path] = value
	}
	return collected
}
