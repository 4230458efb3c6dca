package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentrace/engine/internal/snapshot"
	"github.com/agentrace/engine/internal/storage"
	"github.com/agentrace/engine/internal/trace"
)

type createSessionRequest struct {
	ID        string `json:"id"`
	StartTime int64  `json:"startTime"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.StartTime == 0 {
		req.StartTime = time.Now().UnixMilli()
	}

	sess := &trace.Session{ID: req.ID, StartTime: req.StartTime, Status: trace.SessionActive}
	if err := s.storage.CreateSession(sess); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.storage.GetSession(id)
	if err != nil {
		if errors.Is(err, trace.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleQueryTraces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.Filter{
		SessionID: q.Get("sessionId"),
		AgentID:   q.Get("agentId"),
		Limit:     parseIntQuery(r, "limit", 100),
		Offset:    parseIntQuery(r, "offset", 0),
	}

	if from, err := parseInt64Query(r, "from"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	} else {
		filter.TimestampFrom = from
	}
	if to, err := parseInt64Query(r, "to"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	} else {
		filter.TimestampTo = to
	}
	if types := q.Get("types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			filter.Types = append(filter.Types, trace.EventType(strings.TrimSpace(t)))
		}
	}

	events, err := s.storage.GetTraces(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleStateAt(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("api: sessionId is required"))
		return
	}
	ts, err := parseInt64Query(r, "timestamp")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	at := time.Now().UnixMilli()
	if ts != nil {
		at = *ts
	}

	st, err := s.reconstructor.StateAt(sessionID, at)
	if err != nil {
		var recErr *trace.ReconstructionError
		if errors.As(err, &recErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":  recErr.Error(),
				"cursor": recErr.Cursor,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRelationships(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	rels, err := s.storage.Relationships(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rels)
}

func (s *Server) handleSearchSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := snapshot.SearchFilter{
		SessionID: q.Get("sessionId"),
		Tag:       q.Get("tag"),
		Limit:     parseIntQuery(r, "limit", 50),
	}
	if from, err := parseInt64Query(r, "from"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	} else {
		filter.From = from
	}
	if to, err := parseInt64Query(r, "to"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	} else {
		filter.To = to
	}

	records, err := s.snapshots.Search(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type createSnapshotRequest struct {
	SessionID   string   `json:"sessionId"`
	Timestamp   int64    `json:"timestamp"`
	Tags        []string `json:"tags"`
	Description string   `json:"description"`
	Incremental bool     `json:"incremental"`
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req createSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("api: sessionId is required"))
		return
	}
	ts := req.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	st, err := s.reconstructor.StateAt(req.SessionID, ts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	id, err := s.snapshots.Create(req.SessionID, st, snapshot.CreateOptions{
		Tags:        req.Tags,
		Description: req.Description,
		Incremental: req.Incremental,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleExportSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := snapshot.SearchFilter{SessionID: q.Get("sessionId"), Tag: q.Get("tag")}

	bundle, err := s.snapshots.Export(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleImportSnapshots(w http.ResponseWriter, r *http.Request) {
	var bundle snapshot.Bundle
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	outcomes, err := s.snapshots.Import(&bundle)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.storage.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ingest":           s.ingest.Metrics(),
		"connectedClients": s.hub.ConnectedClients(),
	})
}
