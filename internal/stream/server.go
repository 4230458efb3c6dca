package stream

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agentrace/engine/internal/breakpoint"
	"github.com/agentrace/engine/internal/storage"
	"github.com/agentrace/engine/internal/trace"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes the streaming fan-out over a single chi-routed listener,
// matching the habit of mounting one bare handler per concern on
// its http.ServeMux, generalized to chi's Router since the ambient HTTP
// surface now carries both the query API and this WebSocket endpoint.
type Server struct {
	hub  *Hub
	cfg  Config
	auth AuthValidator
	log  zerolog.Logger
}

// NewServer builds the streaming HTTP handler. auth may be nil, in which
// case every connection is treated as pre-authenticated (single-operator
// deployments per spec.md's auth defaults).
func NewServer(hub *Hub, cfg Config, auth AuthValidator, log zerolog.Logger) *Server {
	return &Server{hub: hub, cfg: cfg, auth: auth, log: log.With().Str("component", "stream-server").Logger()}
}

// Routes mounts the WebSocket upgrade endpoint onto r.
func (srv *Server) Routes(r chi.Router) {
	r.Get("/ws", srv.handleUpgrade)
}

func (srv *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	sess, err := newSession(id, conn, srv.cfg, srv.hub, srv.log)
	if err != nil {
		srv.log.Warn().Err(err).Msg("session setup failed")
		conn.Close()
		return
	}
	if srv.auth == nil {
		sess.mu.Lock()
		sess.authenticated = true
		sess.status = StatusAuthenticated
		sess.mu.Unlock()
	}

	srv.hub.register(sess)
	srv.log.Info().Str("session", id).Msg("client connected")

	go sess.writePump()
	sess.readPump(srv.auth)
}

// readPump reads client frames until the connection closes, dispatching
// each to its handler and enforcing the inbound rate-limit quota of
// spec.md §4.6.
func (s *Session) readPump(auth AuthValidator) {
	defer func() {
		s.hub.unregister(s)
		s.Close()
	}()

	s.conn.SetReadLimit(int64(s.cfg.RateLimitBytes))
	s.resetReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.resetReadDeadline()
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		if !s.limiter.Allow() {
			s.offenseCount++
			_ = s.send(Frame{Type: "error", Code: "rate_limit_exceeded", Message: trace.ErrRateLimitExceeded.Error()})
			if s.offenseCount > 3 {
				time.Sleep(s.cfg.RateLimitGrace)
				return
			}
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.offenseCount++
			_ = s.send(Frame{Type: "error", Code: "malformed_message", Message: err.Error()})
			if s.offenseCount > 3 {
				return
			}
			continue
		}

		if err := s.dispatch(auth, &msg); err != nil {
			s.log.Warn().Err(err).Str("type", msg.Type).Msg("dispatch failed")
		}
	}
}

func (s *Session) resetReadDeadline() {
	d := s.cfg.HeartbeatInterval * 2
	if d <= 0 {
		d = 60 * time.Second
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(d))
}

// writePump drains the outbound queue and fires heartbeats, closing the
// connection once the session transitions to Closed.
func (s *Session) writePump() {
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-heartbeat.C:
			metrics := Metrics{
				QueueDepth:       s.queueDepth(),
				EventsDropped:    s.EventsDropped(),
				ConnectedClients: s.hub.ConnectedClients(),
			}
			if err := s.writeFrame(Frame{Type: "heartbeat", Timestamp: trace.Now(), Metrics: metrics}); err != nil {
				return
			}
		case <-s.writeCh:
			if !s.drainOutbound() {
				return
			}
		}
	}
}

// drainOutbound writes every currently queued frame, returning false if
// the connection failed and the session should close.
func (s *Session) drainOutbound() bool {
	for {
		s.mu.Lock()
		if len(s.outbound) == 0 {
			s.mu.Unlock()
			return true
		}
		next := s.outbound[0]
		s.outbound = s.outbound[1:]
		s.outboundLen -= next.size
		s.mu.Unlock()

		if err := s.writeFrame(next.frame); err != nil {
			return false
		}
	}
}

func (s *Session) writeFrame(f Frame) error {
	raw, err := s.marshalFrame(f)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(wsMessageType(raw), raw)
}

func (s *Session) queueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbound)
}

// admitsAgent reports whether ev from agentID should be delivered to s,
// honoring an optional filter_agents subscription narrowing.
func (s *Session) admitsAgent(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentFilter == nil {
		return true
	}
	return s.agentFilter[agentID]
}

// dispatch routes one decoded client message to its handler, matching the
// client-in message types of spec.md §6.
func (s *Session) dispatch(auth AuthValidator, msg *ClientMessage) error {
	switch msg.Type {
	case "auth":
		return s.handleAuth(auth, msg)
	case "subscribe_session":
		return s.handleSubscribe(msg)
	case "filter_agents":
		return s.handleFilterAgents(msg)
	case "request_history":
		return s.handleRequestHistory(msg)
	case "time_travel":
		return s.handleTimeTravel(msg)
	case "set_breakpoint":
		return s.handleSetBreakpoint(msg)
	case "remove_breakpoint":
		return s.handleRemoveBreakpoint(msg)
	case "ack":
		return nil
	default:
		return s.send(Frame{Type: "error", Code: "unknown_message", Message: "unrecognized message type: " + msg.Type})
	}
}

func (s *Session) handleAuth(auth AuthValidator, msg *ClientMessage) error {
	if auth == nil || auth.Validate(msg.Token) {
		s.mu.Lock()
		s.authenticated = true
		s.status = StatusAuthenticated
		s.mu.Unlock()
		return s.send(Frame{Type: "authenticated"})
	}

	s.mu.Lock()
	s.status = StatusRejected
	s.mu.Unlock()
	_ = s.send(Frame{Type: "error", Code: "auth_failed", Message: trace.ErrAuthFailure.Error()})
	s.Close()
	return trace.ErrAuthFailure
}

func (s *Session) requireAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *Session) handleSubscribe(msg *ClientMessage) error {
	if !s.requireAuthenticated() {
		return s.send(Frame{Type: "error", Code: "not_authenticated", Message: "subscribe requires auth"})
	}
	if err := s.hub.subscribeSession(s, msg.SessionID); err != nil {
		return s.send(Frame{Type: "error", Code: "subscribe_failed", Message: err.Error()})
	}

	s.mu.Lock()
	s.sessionID = msg.SessionID
	s.status = StatusSubscribed
	s.mu.Unlock()
	return s.send(Frame{Type: "subscribed", Data: msg.SessionID})
}

func (s *Session) handleFilterAgents(msg *ClientMessage) error {
	filter := make(map[string]bool, len(msg.AgentIDs))
	for _, id := range msg.AgentIDs {
		filter[id] = true
	}
	s.mu.Lock()
	s.agentFilter = filter
	s.mu.Unlock()
	return s.send(Frame{Type: "filter_applied", Data: msg.AgentIDs})
}

// handleRequestHistory serves a bounded historical query, chunked into
// frames of at most cfg.HistoricalLimit events each, matching the
// {seq,total,events[]} shape of spec.md §6.
func (s *Session) handleRequestHistory(msg *ClientMessage) error {
	if msg.SessionID == "" {
		return s.send(Frame{Type: "error", Code: "bad_request", Message: "request_history requires sessionId"})
	}

	filter := storage.Filter{SessionID: msg.SessionID, Limit: s.cfg.HistoricalLimit}
	if msg.TimeRange != nil {
		filter.TimestampFrom = &msg.TimeRange.Start
		filter.TimestampTo = &msg.TimeRange.End
	}

	events, err := s.hub.storage.GetTraces(filter)
	if err != nil {
		return s.send(Frame{Type: "error", Code: "history_failed", Message: err.Error()})
	}

	limit := s.cfg.HistoricalLimit
	if limit <= 0 {
		limit = len(events)
	}
	total := 1
	if limit > 0 && len(events) > limit {
		total = (len(events) + limit - 1) / limit
	}
	if total == 0 {
		total = 1
	}

	for i := 0; i*limit < len(events) || i == 0; i++ {
		start := i * limit
		if start > len(events) {
			break
		}
		end := start + limit
		if end > len(events) || limit <= 0 {
			end = len(events)
		}
		if err := s.send(Frame{Type: "history_chunk", Seq: i + 1, Total: total, Traces: events[start:end]}); err != nil {
			return err
		}
		if end == len(events) {
			break
		}
	}
	return nil
}

// handleTimeTravel reconstructs session state at msg.Timestamp and sends
// it as a state_snapshot frame, generalizing a snapshot
// restore into a live client-facing time-travel call.
func (s *Session) handleTimeTravel(msg *ClientMessage) error {
	if msg.SessionID == "" {
		msg.SessionID = s.currentSessionID()
	}
	st, err := s.hub.reconstructor.StateAt(msg.SessionID, msg.Timestamp)
	if err != nil {
		return s.send(Frame{Type: "error", Code: "reconstruction_failed", Message: err.Error()})
	}
	return s.send(Frame{Type: "state_snapshot", Timestamp: msg.Timestamp, State: st})
}

func (s *Session) currentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) handleSetBreakpoint(msg *ClientMessage) error {
	traceSession := s.currentSessionID()
	if traceSession == "" {
		return s.send(Frame{Type: "error", Code: "not_subscribed", Message: "set_breakpoint requires an active subscription"})
	}

	cond, err := breakpoint.CompileExpression(msg.Condition)
	if err != nil {
		return s.send(Frame{Type: "error", Code: "bad_condition", Message: err.Error()})
	}

	id := msg.BreakpointID
	if id == "" {
		id = uuid.NewString()
	}
	bp := &breakpoint.Breakpoint{ID: id, Name: id, Enabled: true, Condition: cond, Action: "pause"}
	s.hub.setBreakpoint(traceSession, bp)
	return s.send(Frame{Type: "breakpoint_set", Data: id})
}

func (s *Session) handleRemoveBreakpoint(msg *ClientMessage) error {
	traceSession := s.currentSessionID()
	if traceSession == "" || msg.BreakpointID == "" {
		return s.send(Frame{Type: "error", Code: "bad_request", Message: "remove_breakpoint requires an active subscription and id"})
	}
	s.hub.removeBreakpoint(traceSession, msg.BreakpointID)
	return s.send(Frame{Type: "breakpoint_removed", Data: msg.BreakpointID})
}
