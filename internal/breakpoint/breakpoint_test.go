package breakpoint

import (
	"testing"

	"github.com/agentrace/engine/internal/trace"
)

func taskFailEvent(id string, ts int64) *trace.Event {
	return &trace.Event{
		ID: id, SessionID: "s1", Type: trace.EventTaskFail, Timestamp: ts,
		CorrelationID: "c1",
		Data:          trace.Object(map[string]trace.Value{"error": trace.Object(map[string]trace.Value{"message": trace.String("boom")})}),
		Metadata:      trace.Null(),
		Performance:   trace.Null(),
	}
}

func TestSkipCountAndMaxHits(t *testing.T) {
	cond, err := CompileExpression(`event.type == "task_fail"`)
	if err != nil {
		t.Fatalf("CompileExpression failed: %v", err)
	}

	bp := &Breakpoint{ID: "bp1", Enabled: true, Condition: cond, SkipCount: 1, MaxHits: 2}
	eval := NewEvaluator()
	eval.Add(bp)

	st := trace.NewSystemState("s1", 0)

	var hitCount int
	for i := 1; i <= 4; i++ {
		hits, err := eval.Evaluate(st, taskFailEvent("e", int64(i)))
		if err != nil {
			t.Fatalf("Evaluate event %d failed: %v", i, err)
		}
		hitCount += len(hits)
	}

	if hitCount != 2 {
		t.Fatalf("expected exactly 2 hits, got %d", hitCount)
	}
	if bp.Enabled {
		t.Error("expected breakpoint disabled after reaching max_hits")
	}
}

func TestExpressionRejectsUnknownIdentifier(t *testing.T) {
	cond, err := CompileExpression(`nonexistent.field == 1`)
	if err != nil {
		t.Fatalf("CompileExpression should succeed at parse time: %v", err)
	}
	bp := &Breakpoint{ID: "bp2", Enabled: true, Condition: cond}
	eval := NewEvaluator()
	eval.Add(bp)

	st := trace.NewSystemState("s1", 0)
	_, err = eval.Evaluate(st, taskFailEvent("e1", 1))
	if err == nil {
		t.Fatal("expected evaluation error for unknown identifier")
	}
}

func TestPerformanceCondition(t *testing.T) {
	cond, err := CompilePerformance("duration", OpGT, 100)
	if err != nil {
		t.Fatalf("CompilePerformance failed: %v", err)
	}
	bp := &Breakpoint{ID: "bp3", Enabled: true, Condition: cond, MaxHits: 10}
	eval := NewEvaluator()
	eval.Add(bp)

	st := trace.NewSystemState("s1", 0)
	slow := &trace.Event{
		ID: "slow", SessionID: "s1", Type: trace.EventTaskComplete, Timestamp: 1, CorrelationID: "c",
		Data: trace.Null(), Metadata: trace.Null(),
		Performance: trace.Object(map[string]trace.Value{"duration": trace.Float(250)}),
	}
	fast := &trace.Event{
		ID: "fast", SessionID: "s1", Type: trace.EventTaskComplete, Timestamp: 2, CorrelationID: "c",
		Data: trace.Null(), Metadata: trace.Null(),
		Performance: trace.Object(map[string]trace.Value{"duration": trace.Float(50)}),
	}

	hits, err := eval.Evaluate(st, slow)
	if err != nil || len(hits) != 1 {
		t.Fatalf("expected 1 hit for slow event, got %d (err=%v)", len(hits), err)
	}
	hits, err = eval.Evaluate(st, fast)
	if err != nil || len(hits) != 0 {
		t.Fatalf("expected 0 hits for fast event, got %d (err=%v)", len(hits), err)
	}
}

func TestErrorConditionWithPattern(t *testing.T) {
	cond := CompileError("boom")
	bp := &Breakpoint{ID: "bp4", Enabled: true, Condition: cond, MaxHits: 10}
	eval := NewEvaluator()
	eval.Add(bp)

	st := trace.NewSystemState("s1", 0)
	hits, err := eval.Evaluate(st, taskFailEvent("e1", 1))
	if err != nil || len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d (err=%v)", len(hits), err)
	}
}

func TestAgentFilterExcludesMismatch(t *testing.T) {
	cond := CompileError("")
	bp := &Breakpoint{ID: "bp5", Enabled: true, Condition: cond, AgentFilter: "agent-x", MaxHits: 10}
	eval := NewEvaluator()
	eval.Add(bp)

	st := trace.NewSystemState("s1", 0)
	ev := taskFailEvent("e1", 1)
	ev.AgentID = "agent-y"

	hits, err := eval.Evaluate(st, ev)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected 0 hits for mismatched agent filter, got %d", len(hits))
	}
}

func TestImportExportRoundTrip(t *testing.T) {
	eval := NewEvaluator()
	cond, _ := CompilePerformance("cpu", OpGE, 0.9)
	eval.Add(&Breakpoint{ID: "bp6", Name: "cpu-hot", Enabled: true, Condition: cond, MaxHits: 5, DataPaths: []string{"event.id"}})

	bundle := eval.Export()
	if len(bundle.Entries) != 1 {
		t.Fatalf("expected 1 exported entry, got %d", len(bundle.Entries))
	}

	fresh := NewEvaluator()
	outcomes := fresh.Import(bundle)
	if len(outcomes) != 1 || !outcomes[0].OK {
		t.Fatalf("expected successful import, got %+v", outcomes)
	}

	bp, ok := fresh.Get("bp6")
	if !ok {
		t.Fatal("expected bp6 to be registered after import")
	}
	if bp.Condition.Metric != "cpu" {
		t.Errorf("expected metric cpu, got %s", bp.Condition.Metric)
	}
}

func TestImportReportsInvalidEntry(t *testing.T) {
	eval := NewEvaluator()
	outcomes := eval.Import(Bundle{Entries: []BundleEntry{{ID: "bad", ConditionKind: "expression", Expression: "("}}})
	if len(outcomes) != 1 || outcomes[0].OK {
		t.Fatalf("expected a failed outcome for malformed expression, got %+v", outcomes)
	}
}

func TestDataPathsCollection(t *testing.T) {
	cond := CompileError("")
	bp := &Breakpoint{ID: "bp7", Enabled: true, Condition: cond, MaxHits: 10, DataPaths: []string{"event.id", "event.agentId"}}
	eval := NewEvaluator()
	eval.Add(bp)

	st := trace.NewSystemState("s1", 0)
	ev := taskFailEvent("e42", 1)
	ev.AgentID = "agent-z"

	hits, err := eval.Evaluate(st, ev)
	if err != nil || len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d (err=%v)", len(hits), err)
	}
	if hits[0].CollectedData["event.id"] != "e42" {
		t.Errorf("expected collected event.id = e42, got %v", hits[0].CollectedData["event.id"])
	}
}
