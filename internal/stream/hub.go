package stream

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentrace/engine/internal/breakpoint"
	"github.com/agentrace/engine/internal/bus"
	"github.com/agentrace/engine/internal/state"
	"github.com/agentrace/engine/internal/storage"
	"github.com/agentrace/engine/internal/trace"
)

// liveSession tracks the running SystemState and breakpoint evaluator for
// one session being streamed, folded forward one event at a time as the
// bus delivers them — the cheap alternative to calling state.StateAt on
// every live frame.
type liveSession struct {
	mu    sync.Mutex
	state *trace.SystemState
	eval  *breakpoint.Evaluator
	subs  map[string]*Session
}

// Hub fans out live trace events from the internal bus (published by C7)
// to every subscribed streaming Session, evaluating breakpoints inline and
// serving historical/time-travel requests from storage and the state
// reconstructor.
type Hub struct {
	bus           *bus.Bus
	storage       *storage.Engine
	reconstructor *state.Reconstructor
	log           zerolog.Logger
	cfg           Config

	mu       sync.Mutex
	sessions map[string]*Session
	live     map[string]*liveSession
}

// NewHub wires the streaming fan-out over the given bus, storage, and
// state reconstructor.
func NewHub(eventBus *bus.Bus, storageEngine *storage.Engine, reconstructor *state.Reconstructor, cfg Config, log zerolog.Logger) *Hub {
	return &Hub{
		bus:           eventBus,
		storage:       storageEngine,
		reconstructor: reconstructor,
		cfg:           cfg,
		log:           log.With().Str("component", "stream").Logger(),
		sessions:      make(map[string]*Session),
		live:          make(map[string]*liveSession),
	}
}

// register tracks a new connected session for heartbeat/metrics reporting.
func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
}

// unregister removes a closed session and, if it held the last
// subscription to a trace session, tears down that session's live tracker
// and bus subscription.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID)
	h.mu.Unlock()

	s.mu.Lock()
	traceSession := s.sessionID
	s.mu.Unlock()
	if traceSession == "" {
		return
	}

	h.mu.Lock()
	live, ok := h.live[traceSession]
	h.mu.Unlock()
	if !ok {
		return
	}

	live.mu.Lock()
	delete(live.subs, s.ID)
	empty := len(live.subs) == 0
	live.mu.Unlock()

	if empty {
		h.mu.Lock()
		delete(h.live, traceSession)
		h.mu.Unlock()
	}
}

// ConnectedClients reports the current connection count for heartbeats.
func (h *Hub) ConnectedClients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// subscribeSession attaches s to traceSession's live fan-out, starting its
// bus subscription and live state tracker on first subscriber.
func (h *Hub) subscribeSession(s *Session, traceSession string) error {
	h.mu.Lock()
	live, ok := h.live[traceSession]
	if !ok {
		sess, err := h.storage.GetSession(traceSession)
		if err != nil {
			h.mu.Unlock()
			return fmt.Errorf("stream: subscribe session: %w", err)
		}
		live = &liveSession{
			state: trace.NewSystemState(traceSession, sess.StartTime),
			eval:  breakpoint.NewEvaluator(),
			subs:  make(map[string]*Session),
		}
		h.live[traceSession] = live
		h.mu.Unlock()

		sub, err := bus.SubscribeJSON(h.bus, bus.EventSubject(traceSession), func(ev trace.Event) {
			h.handleEvent(traceSession, &ev)
		})
		if err != nil {
			h.mu.Lock()
			delete(h.live, traceSession)
			h.mu.Unlock()
			return fmt.Errorf("stream: bus subscribe: %w", err)
		}
		_ = sub // lifetime tied to the process; torn down with the bus itself
	} else {
		h.mu.Unlock()
	}

	live.mu.Lock()
	live.subs[s.ID] = s
	live.mu.Unlock()
	return nil
}

// handleEvent folds ev into traceSession's live state, evaluates
// breakpoints, and fans the resulting frames out to every subscriber whose
// agent filter admits ev.
func (h *Hub) handleEvent(traceSession string, ev *trace.Event) {
	h.mu.Lock()
	live, ok := h.live[traceSession]
	h.mu.Unlock()
	if !ok {
		return
	}

	live.mu.Lock()
	state.ApplyEvent(live.state, ev)
	hits, err := live.eval.Evaluate(live.state, ev)
	if err != nil {
		h.log.Warn().Err(err).Str("session", traceSession).Msg("breakpoint evaluation error")
	}
	subs := make([]*Session, 0, len(live.subs))
	for _, s := range live.subs {
		subs = append(subs, s)
	}
	live.mu.Unlock()

	for _, s := range subs {
		if !s.admitsAgent(ev.AgentID) {
			continue
		}
		if err := s.queueEvent(ev); err != nil {
			h.log.Warn().Err(err).Str("client", s.ID).Msg("frame send failed")
		}
	}

	for _, hit := range hits {
		for _, s := range subs {
			if err := s.send(Frame{Type: "breakpoint_hit", Timestamp: hit.Timestamp, Data: hit}); err != nil {
				h.log.Warn().Err(err).Str("client", s.ID).Msg("breakpoint frame send failed")
			}
		}
	}
}

// setBreakpoint registers bp against traceSession's live evaluator so
// subsequent events are checked against it.
func (h *Hub) setBreakpoint(traceSession string, bp *breakpoint.Breakpoint) {
	h.mu.Lock()
	live, ok := h.live[traceSession]
	h.mu.Unlock()
	if !ok {
		return
	}
	live.mu.Lock()
	live.eval.Add(bp)
	live.mu.Unlock()
}

// removeBreakpoint unregisters a breakpoint by id from traceSession's live
// evaluator.
func (h *Hub) removeBreakpoint(traceSession, id string) {
	h.mu.Lock()
	live, ok := h.live[traceSession]
	h.mu.Unlock()
	if !ok {
		return
	}
	live.mu.Lock()
	live.eval.Remove(id)
	live.mu.Unlock()
}
