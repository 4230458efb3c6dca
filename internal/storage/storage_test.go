package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentrace/engine/internal/trace"
)

func setupTestEngine(t *testing.T) (*Engine, func()) {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	cfg := DefaultConfig()
	cfg.Path = dbPath
	cfg.BatchSize = 4
	cfg.FlushInterval = 20 * time.Millisecond

	e, err := Open(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	return e, func() {
		e.Close()
		os.RemoveAll(tmpDir)
	}
}

func waitForCount(t *testing.T, e *Engine, sessionID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := e.GetTraces(Filter{SessionID: sessionID})
		if err != nil {
			t.Fatalf("GetTraces failed: %v", err)
		}
		if len(events) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events in session %s", want, sessionID)
}

func TestStoreEventAndGetTraces(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	session := &trace.Session{ID: "sess-1", Name: "run", StartTime: trace.Now(), Status: trace.SessionActive, Metadata: trace.Null()}
	if err := e.CreateSession(session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		ev := &trace.Event{
			ID:            "ev-" + string(rune('a'+i)),
			SessionID:     "sess-1",
			AgentID:       "agent-1",
			Type:          trace.EventTaskStart,
			Phase:         trace.PhaseStart,
			Timestamp:     trace.Now() + int64(i),
			CorrelationID: "corr-1",
			Data:          trace.Object(map[string]trace.Value{"n": trace.Int(int64(i))}),
			Metadata:      trace.Null(),
			Performance:   trace.Null(),
		}
		if err := e.StoreEvent(ev); err != nil {
			t.Fatalf("StoreEvent failed: %v", err)
		}
	}

	waitForCount(t, e, "sess-1", 3)

	events, err := e.GetTraces(Filter{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("GetTraces failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp < events[i-1].Timestamp {
			t.Errorf("events not in ascending timestamp order")
		}
	}
}

func TestStoreEventRejectsInvalid(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	err := e.StoreEvent(&trace.Event{SessionID: "sess-1", Type: trace.EventTaskStart, Timestamp: trace.Now()})
	if err == nil {
		t.Fatal("expected error for missing id, got nil")
	}
}

func TestGetTracesFiltersByType(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	types := []trace.EventType{trace.EventTaskStart, trace.EventTaskComplete, trace.EventError}
	for i, typ := range types {
		ev := &trace.Event{
			ID: "ev-" + string(rune('a'+i)), SessionID: "sess-2", Type: typ,
			Timestamp: trace.Now() + int64(i), CorrelationID: "c",
			Data: trace.Null(), Metadata: trace.Null(), Performance: trace.Null(),
		}
		if err := e.StoreEvent(ev); err != nil {
			t.Fatalf("StoreEvent failed: %v", err)
		}
	}

	waitForCount(t, e, "sess-2", 3)

	events, err := e.GetTraces(Filter{SessionID: "sess-2", Types: []trace.EventType{trace.EventError}})
	if err != nil {
		t.Fatalf("GetTraces failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != trace.EventError {
		t.Fatalf("expected exactly 1 error event, got %d", len(events))
	}
}

func TestRelationshipInference(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	parent := &trace.Event{
		ID: "parent-1", SessionID: "sess-3", Type: trace.EventTaskStart, Phase: trace.PhaseStart,
		Timestamp: trace.Now(), CorrelationID: "c", Data: trace.Null(), Metadata: trace.Null(), Performance: trace.Null(),
	}
	child := &trace.Event{
		ID: "child-1", SessionID: "sess-3", ParentID: "parent-1", Type: trace.EventCommunication,
		Timestamp: trace.Now() + 1, CorrelationID: "c", Data: trace.Null(), Metadata: trace.Null(), Performance: trace.Null(),
	}

	if err := e.StoreEvent(parent); err != nil {
		t.Fatalf("StoreEvent parent failed: %v", err)
	}
	if err := e.StoreEvent(child); err != nil {
		t.Fatalf("StoreEvent child failed: %v", err)
	}

	waitForCount(t, e, "sess-3", 2)

	rels, err := e.Relationships("sess-3")
	if err != nil {
		t.Fatalf("Relationships failed: %v", err)
	}
	if len(rels) != 1 {
		t.Fatalf("expected 1 relationship, got %d", len(rels))
	}
	if rels[0].Type != trace.RelCommunication {
		t.Errorf("expected communication edge, got %s", rels[0].Type)
	}
}

func TestArchiveDeletesOldRows(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	old := &trace.Event{
		ID: "old-1", SessionID: "sess-4", Type: trace.EventTaskStart,
		Timestamp: time.Now().Add(-48 * time.Hour).UnixMilli(), CorrelationID: "c",
		Data: trace.Null(), Metadata: trace.Null(), Performance: trace.Null(),
	}
	fresh := &trace.Event{
		ID: "fresh-1", SessionID: "sess-4", Type: trace.EventTaskStart,
		Timestamp: trace.Now(), CorrelationID: "c",
		Data: trace.Null(), Metadata: trace.Null(), Performance: trace.Null(),
	}

	if err := e.StoreEvent(old); err != nil {
		t.Fatalf("StoreEvent old failed: %v", err)
	}
	if err := e.StoreEvent(fresh); err != nil {
		t.Fatalf("StoreEvent fresh failed: %v", err)
	}

	waitForCount(t, e, "sess-4", 2)

	deleted, err := e.Archive(context.Background(), 24)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 row deleted, got %d", deleted)
	}

	events, err := e.GetTraces(Filter{SessionID: "sess-4"})
	if err != nil {
		t.Fatalf("GetTraces failed: %v", err)
	}
	if len(events) != 1 || events[0].ID != "fresh-1" {
		t.Fatalf("expected only fresh-1 to survive, got %v", events)
	}
}

func TestCompact(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	ev := &trace.Event{
		ID: "compact-1", SessionID: "sess-5", Type: trace.EventTaskStart,
		Timestamp: trace.Now(), CorrelationID: "c",
		Data: trace.Null(), Metadata: trace.Null(), Performance: trace.Null(),
	}
	if err := e.StoreEvent(ev); err != nil {
		t.Fatalf("StoreEvent failed: %v", err)
	}
	waitForCount(t, e, "sess-5", 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Compact(ctx); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
}

func TestCompactFlushesInFlightBatch(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(tmpDir, "test.db")
	cfg.BatchSize = 100
	cfg.FlushInterval = 5 * time.Second

	e, err := Open(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		e.Close()
		os.RemoveAll(tmpDir)
	}()

	ev := &trace.Event{
		ID: "compact-inflight-1", SessionID: "sess-8", Type: trace.EventTaskStart,
		Timestamp: trace.Now(), CorrelationID: "c",
		Data: trace.Null(), Metadata: trace.Null(), Performance: trace.Null(),
	}
	if err := e.StoreEvent(ev); err != nil {
		t.Fatalf("StoreEvent failed: %v", err)
	}

	// BatchSize and FlushInterval are both set too large to have flushed
	// this event on their own yet; Compact must force the commit itself.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Compact(ctx); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	events, err := e.GetTraces(Filter{SessionID: "sess-8"})
	if err != nil {
		t.Fatalf("GetTraces failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected Compact to flush the in-flight event, got %d rows", len(events))
	}
}

func TestStats(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	stats, err := e.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if _, ok := stats.TableCounts["traces"]; !ok {
		t.Error("expected traces table count in stats")
	}
	if stats.SizeHuman == "" {
		t.Error("expected non-empty SizeHuman")
	}
}

func TestAuxiliaryRecords(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	if err := e.RecordError(trace.ErrorEvent{ID: "err-1", SessionID: "sess-6", EventID: "ev-1", Message: "boom", Timestamp: trace.Now(), Data: trace.Null()}); err != nil {
		t.Fatalf("RecordError failed: %v", err)
	}
	errs, err := e.ErrorEvents("sess-6")
	if err != nil || len(errs) != 1 {
		t.Fatalf("ErrorEvents failed: err=%v len=%d", err, len(errs))
	}

	if err := e.RecordAgentMessage(trace.AgentMessage{ID: "msg-1", SessionID: "sess-6", FromAgent: "a", ToAgent: "b", Content: "hi", Timestamp: trace.Now()}); err != nil {
		t.Fatalf("RecordAgentMessage failed: %v", err)
	}
	msgs, err := e.AgentMessages("sess-6")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("AgentMessages failed: err=%v len=%d", err, len(msgs))
	}

	if err := e.RecordTaskExecution(trace.TaskExecution{ID: "task-1", SessionID: "sess-6", TaskID: "t1", Status: "running", StartedAt: trace.Now()}); err != nil {
		t.Fatalf("RecordTaskExecution failed: %v", err)
	}
	tasks, err := e.TaskExecutions("sess-6")
	if err != nil || len(tasks) != 1 {
		t.Fatalf("TaskExecutions failed: err=%v len=%d", err, len(tasks))
	}

	if err := e.RecordResourceUsage(trace.ResourceUsage{ID: "res-1", SessionID: "sess-6", Resource: "tokens", Amount: 42, Timestamp: trace.Now()}); err != nil {
		t.Fatalf("RecordResourceUsage failed: %v", err)
	}

	if err := e.RecordPerformanceSnapshot(trace.PerformanceSnapshot{ID: "perf-1", SessionID: "sess-6", Duration: 1.5, Timestamp: trace.Now()}); err != nil {
		t.Fatalf("RecordPerformanceSnapshot failed: %v", err)
	}
	perfs, err := e.PerformanceSnapshots("sess-6")
	if err != nil || len(perfs) != 1 {
		t.Fatalf("PerformanceSnapshots failed: err=%v len=%d", err, len(perfs))
	}
}

func TestSessionLifecycle(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	session := &trace.Session{ID: "sess-7", Name: "lifecycle", StartTime: trace.Now(), Status: trace.SessionActive, Metadata: trace.Object(map[string]trace.Value{"k": trace.String("v")})}
	if err := e.CreateSession(session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := e.GetSession("sess-7")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != trace.SessionActive {
		t.Errorf("expected active status, got %s", got.Status)
	}

	endTime := trace.Now()
	if err := e.CloseSession("sess-7", endTime, trace.SessionCompleted); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}

	got, err = e.GetSession("sess-7")
	if err != nil {
		t.Fatalf("GetSession after close failed: %v", err)
	}
	if got.Status != trace.SessionCompleted {
		t.Errorf("expected completed status, got %s", got.Status)
	}
	if got.EndTime == nil {
		t.Error("expected EndTime to be set")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	_, err := e.GetSession("does-not-exist")
	if err != trace.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
