package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/agentrace/engine/internal/trace"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(tmpDir, "snap.db")

	s, err := Open(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s, func() {
		s.Close()
		os.RemoveAll(tmpDir)
	}
}

func basicState(sessionID string, ts int64) *trace.SystemState {
	st := trace.NewSystemState(sessionID, ts)
	a := st.EnsureAgent("agent-1")
	a.Status = trace.AgentBusy
	a.CurrentTask = "t1"
	st.Tasks["t1"] = &trace.TaskState{TaskID: "t1", AgentID: "agent-1", Status: trace.TaskRunning, StartedAt: ts}
	return st
}

func TestCreateAndNearest(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	state := basicState("sess-1", 100)
	id, err := s.Create("sess-1", state, CreateOptions{Tags: []string{"a"}, Description: "first"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty id")
	}

	rec, err := s.Nearest("sess-1", 150)
	if err != nil {
		t.Fatalf("Nearest failed: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record, got nil")
	}
	if rec.State.Agents["agent-1"].Status != trace.AgentBusy {
		t.Errorf("expected agent-1 busy, got %s", rec.State.Agents["agent-1"].Status)
	}
}

func TestNearestReturnsNilWhenAbsent(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	rec, err := s.Nearest("sess-none", 100)
	if err != nil {
		t.Fatalf("Nearest failed: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %v", rec)
	}
}

func TestIncrementalDeltaChain(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	s1 := basicState("sess-2", 100)
	if _, err := s.Create("sess-2", s1, CreateOptions{}); err != nil {
		t.Fatalf("Create full failed: %v", err)
	}

	s2 := s1.Clone()
	s2.Timestamp = 200
	s2.EnsureAgent("agent-2").Status = trace.AgentIdle
	s2.Tasks["t1"].Status = trace.TaskCompleted
	completedAt := int64(200)
	s2.Tasks["t1"].CompletedAt = &completedAt

	id2, err := s.Create("sess-2", s2, CreateOptions{Incremental: true})
	if err != nil {
		t.Fatalf("Create delta failed: %v", err)
	}

	rec, err := s.Nearest("sess-2", 200)
	if err != nil {
		t.Fatalf("Nearest failed: %v", err)
	}
	if rec.ID != id2 {
		t.Fatalf("expected nearest to resolve to %s, got %s", id2, rec.ID)
	}
	if rec.State.Tasks["t1"].Status != trace.TaskCompleted {
		t.Errorf("expected task completed after delta materialization, got %s", rec.State.Tasks["t1"].Status)
	}
	if _, ok := rec.State.Agents["agent-2"]; !ok {
		t.Error("expected agent-2 present after delta materialization")
	}
	if rec.State.Agents["agent-1"].Status != trace.AgentBusy {
		t.Error("expected agent-1 to carry over unchanged from base")
	}
}

func TestTaggedSnapshotsNeverEvicted(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	s.cfg.MaxSnapshots = 2

	taggedID, err := s.Create("sess-3", basicState("sess-3", 1), CreateOptions{Tags: []string{"milestone"}})
	if err != nil {
		t.Fatalf("Create tagged failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := s.Create("sess-3", basicState("sess-3", int64(100+i)), CreateOptions{}); err != nil {
			t.Fatalf("Create untagged failed: %v", err)
		}
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE id = ?`, taggedID).Scan(&count); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if count != 1 {
		t.Fatal("expected tagged snapshot to survive eviction")
	}

	var untaggedCount int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE session_id = ? AND (tags IS NULL OR tags = '')`, "sess-3").Scan(&untaggedCount); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if untaggedCount > s.cfg.MaxSnapshots {
		t.Errorf("expected at most %d untagged snapshots, got %d", s.cfg.MaxSnapshots, untaggedCount)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src, cleanupSrc := setupTestStore(t)
	defer cleanupSrc()

	if _, err := src.Create("sess-4", basicState("sess-4", 1), CreateOptions{Tags: []string{"a"}}); err != nil {
		t.Fatalf("Create a failed: %v", err)
	}
	if _, err := src.Create("sess-4", basicState("sess-4", 2), CreateOptions{Tags: []string{"b", "milestone"}}); err != nil {
		t.Fatalf("Create b failed: %v", err)
	}

	bundle, err := src.Export(SearchFilter{SessionID: "sess-4", Tag: "milestone"})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if len(bundle.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(bundle.Entries))
	}

	dst, cleanupDst := setupTestStore(t)
	defer cleanupDst()

	outcomes, err := dst.Import(bundle)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Stored {
		t.Fatalf("expected 1 stored outcome, got %+v", outcomes)
	}

	got, err := dst.Search(SearchFilter{SessionID: "sess-4"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 snapshot in destination, got %d", len(got))
	}
	if got[0].ID != bundle.Entries[0].ID {
		t.Errorf("expected id %s, got %s", bundle.Entries[0].ID, got[0].ID)
	}
}

func TestImportRejectsBadChecksum(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	bundle := &Bundle{Entries: nil, Checksum: "not-a-real-checksum"}
	if _, err := s.Import(bundle); err == nil {
		t.Fatal("expected checksum mismatch error, got nil")
	}
}
