package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"

	"github.com/agentrace/engine/internal/bus"
	"github.com/agentrace/engine/internal/storage"
	"github.com/agentrace/engine/internal/trace"
)

func setupOrchestrator(t *testing.T) (*Orchestrator, *storage.Engine, func()) {
	t.Helper()
	tmpDir := t.TempDir()

	natsSrv, err := server.NewServer(&server.Options{Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("start embedded nats failed: %v", err)
	}
	go natsSrv.Start()
	if !natsSrv.ReadyForConnections(2 * time.Second) {
		t.Fatal("embedded nats server not ready")
	}

	b, err := bus.Connect(natsSrv.ClientURL(), "ingest-test", zerolog.Nop())
	if err != nil {
		t.Fatalf("bus.Connect failed: %v", err)
	}

	cfg := storage.DefaultConfig()
	cfg.Path = filepath.Join(tmpDir, "traces.db")
	cfg.BatchSize = 1
	cfg.FlushInterval = 10 * time.Millisecond

	eng, err := storage.Open(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}

	orch := New(eng, b, zerolog.Nop())

	return orch, eng, func() {
		eng.Close()
		b.Close()
		natsSrv.Shutdown()
		os.RemoveAll(tmpDir)
	}
}

func TestSubmitStampsIDAndTimestamp(t *testing.T) {
	orch, eng, cleanup := setupOrchestrator(t)
	defer cleanup()

	if err := eng.CreateSession(&trace.Session{ID: "sess-1", Name: "r", StartTime: trace.Now(), Status: trace.SessionActive, Metadata: trace.Null()}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	ev := &trace.Event{SessionID: "sess-1", Type: trace.EventTaskStart, CorrelationID: "c1", Data: trace.Null(), Metadata: trace.Null(), Performance: trace.Null()}
	if err := orch.Submit(ev); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if ev.ID == "" {
		t.Error("expected id to be stamped")
	}
	if ev.Timestamp == 0 {
		t.Error("expected timestamp to be stamped")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m := orch.Metrics()
		if m.Accepted == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if orch.Metrics().Accepted != 1 {
		t.Fatal("expected 1 accepted event")
	}
}

func TestSubmitRejectsInvalid(t *testing.T) {
	orch, _, cleanup := setupOrchestrator(t)
	defer cleanup()

	ev := &trace.Event{Type: trace.EventTaskStart, CorrelationID: "c1"}
	if err := orch.Submit(ev); err == nil {
		t.Fatal("expected error for missing session_id")
	}
	if orch.Metrics().Rejected != 1 {
		t.Fatalf("expected 1 rejected event, got %d", orch.Metrics().Rejected)
	}
}

func TestSubmitPublishesToSubscriber(t *testing.T) {
	orch, eng, cleanup := setupOrchestrator(t)
	defer cleanup()

	if err := eng.CreateSession(&trace.Session{ID: "sess-2", Name: "r", StartTime: trace.Now(), Status: trace.SessionActive, Metadata: trace.Null()}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	received := make(chan trace.Event, 1)
	sub, err := bus.SubscribeJSON(orch.bus, bus.EventSubject("sess-2"), func(ev trace.Event) {
		received <- ev
	})
	if err != nil {
		t.Fatalf("SubscribeJSON failed: %v", err)
	}
	defer sub.Unsubscribe()

	ev := &trace.Event{SessionID: "sess-2", Type: trace.EventTaskStart, CorrelationID: "c1", Data: trace.Null(), Metadata: trace.Null(), Performance: trace.Null()}
	if err := orch.Submit(ev); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case got := <-received:
		if got.SessionID != "sess-2" {
			t.Errorf("expected session sess-2, got %s", got.SessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}
