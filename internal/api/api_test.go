package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentrace/engine/internal/ingest"
	"github.com/agentrace/engine/internal/snapshot"
	"github.com/agentrace/engine/internal/state"
	"github.com/agentrace/engine/internal/storage"
	"github.com/agentrace/engine/internal/stream"
	"github.com/agentrace/engine/internal/trace"
)

func setupServer(t *testing.T) (*httptest.Server, *storage.Engine, func()) {
	t.Helper()
	tmpDir := t.TempDir()

	storageCfg := storage.DefaultConfig()
	storageCfg.Path = filepath.Join(tmpDir, "traces.db")
	storageCfg.BatchSize = 1
	storageCfg.FlushInterval = 10 * time.Millisecond

	storageEngine, err := storage.Open(storageCfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}

	snapshotCfg := snapshot.DefaultConfig()
	snapshotCfg.Path = filepath.Join(tmpDir, "snapshots.db")
	snapshotStore, err := snapshot.Open(snapshotCfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("snapshot.Open failed: %v", err)
	}

	reconstructor := state.New(storageEngine, snapshotStore, zerolog.Nop())
	orchestrator := ingest.New(storageEngine, nil, zerolog.Nop())
	hub := stream.NewHub(nil, storageEngine, reconstructor, stream.DefaultConfig(), zerolog.Nop())

	srv := New(storageEngine, snapshotStore, reconstructor, orchestrator, hub, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())

	return ts, storageEngine, func() {
		ts.Close()
		storageEngine.Close()
		snapshotStore.Close()
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, _, cleanup := setupServer(t)
	defer cleanup()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestCreateAndGetSession(t *testing.T) {
	ts, _, cleanup := setupServer(t)
	defer cleanup()

	payload := `{"id":"sess-api-1","startTime":1000}`
	resp, err := http.Post(ts.URL+"/api/v1/sessions/", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /sessions failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/api/v1/sessions/sess-api-1")
	if err != nil {
		t.Fatalf("GET /sessions/{id} failed: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}

	var sess trace.Session
	if err := json.NewDecoder(getResp.Body).Decode(&sess); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if sess.ID != "sess-api-1" {
		t.Errorf("expected session id sess-api-1, got %s", sess.ID)
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts, _, cleanup := setupServer(t)
	defer cleanup()

	resp, err := http.Get(ts.URL + "/api/v1/stats")
	if err != nil {
		t.Fatalf("GET /stats failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
