// Package api exposes the ambient HTTP query/admin surface: historical
// trace queries, state reconstruction, snapshot export/import, storage
// stats, and health, routed with github.com/go-chi/chi/v5 the way
// other_examples' agent handler mounts its chat/stream endpoints under
// chi.Router, generalized here from one route group to the engine's full
// admin surface.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/agentrace/engine/internal/ingest"
	"github.com/agentrace/engine/internal/snapshot"
	"github.com/agentrace/engine/internal/state"
	"github.com/agentrace/engine/internal/storage"
	"github.com/agentrace/engine/internal/stream"
)

// Server bundles the components the HTTP surface reads from. It never
// owns a listener itself; callers mount Router() alongside the streaming
// server's routes on one http.Server, matching the habit of one
// process serving every concern off a single port.
type Server struct {
	storage       *storage.Engine
	snapshots     *snapshot.Store
	reconstructor *state.Reconstructor
	ingest        *ingest.Orchestrator
	hub           *stream.Hub
	log           zerolog.Logger
	startedAt     time.Time
}

// New builds the query/admin API over the engine's core components.
func New(storageEngine *storage.Engine, snapshots *snapshot.Store, reconstructor *state.Reconstructor, orchestrator *ingest.Orchestrator, hub *stream.Hub, log zerolog.Logger) *Server {
	return &Server{
		storage:       storageEngine,
		snapshots:     snapshots,
		reconstructor: reconstructor,
		ingest:        orchestrator,
		hub:           hub,
		log:           log.With().Str("component", "api").Logger(),
		startedAt:     time.Now(),
	}
}

// Router builds the chi router for the admin surface. Callers mount the
// streaming WebSocket route onto the same instance before serving.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/{sessionID}", s.handleGetSession)
		})
		r.Get("/traces", s.handleQueryTraces)
		r.Get("/state", s.handleStateAt)
		r.Get("/relationships/{sessionID}", s.handleRelationships)
		r.Route("/snapshots", func(r chi.Router) {
			r.Get("/", s.handleSearchSnapshots)
			r.Post("/", s.handleCreateSnapshot)
			r.Get("/export", s.handleExportSnapshots)
			r.Post("/import", s.handleImportSnapshots)
		})
		r.Get("/stats", s.handleStats)
		r.Get("/metrics", s.handleMetrics)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func parseInt64Query(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func parseIntQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
