// Package stream implements C6: per-connection streaming sessions over
// WebSocket, with a batcher, rate limiter, backpressure queue, and
// heartbeats. Transport is github.com/gorilla/websocket (pack:
// r3e-network-service_layer go.mod); rate limiting generalizes
// infrastructure/ratelimit's golang.org/x/time/rate wrapping from that
// same repo to the inbound sliding-window quota of spec.md §4.6.
package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agentrace/engine/internal/codec"
	"github.com/agentrace/engine/internal/trace"
)

// SessionStatus is the server-side client state machine of spec.md §4.6:
//
//	Connecting -> Authenticated -> Subscribed <-> Streaming -> Closing -> Closed
//	                  |                  |
//	                  +-> Rejected       +-> Backpressured -> Streaming (on drain)
type SessionStatus string

const (
	StatusConnecting     SessionStatus = "connecting"
	StatusAuthenticated  SessionStatus = "authenticated"
	StatusSubscribed     SessionStatus = "subscribed"
	StatusStreaming      SessionStatus = "streaming"
	StatusBackpressured  SessionStatus = "backpressured"
	StatusClosing        SessionStatus = "closing"
	StatusClosed         SessionStatus = "closed"
	StatusRejected       SessionStatus = "rejected"
)

// Config bundles the batcher, rate-limit, backpressure, and auth knobs of
// spec.md §6.
type Config struct {
	HeartbeatInterval  time.Duration
	BatchSize          int
	BatchTimeout       time.Duration
	HistoricalLimit    int
	RateLimitWindow    time.Duration
	RateLimitMessages  int
	RateLimitBytes     int
	RateLimitGrace     time.Duration
	HighWatermark      int
	LowWatermark       int
	MaxQueueSize       int
	DropOldest         bool

	// FrameCompressionThreshold is the serialized frame size (bytes) above
	// which marshalFrame applies block compression, mirroring C1's
	// threshold scheme for the outbound wire format.
	FrameCompressionThreshold int
}

// DefaultConfig mirrors spec.md §6's streaming defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:         30 * time.Second,
		BatchSize:                 50,
		BatchTimeout:               time.Second,
		HistoricalLimit:           500,
		RateLimitWindow:           time.Second,
		RateLimitMessages:         100,
		RateLimitBytes:            1 << 20,
		RateLimitGrace:            5 * time.Second,
		HighWatermark:             1 << 20,
		LowWatermark:              1 << 18,
		MaxQueueSize:              1000,
		DropOldest:                true,
		FrameCompressionThreshold: codec.DefaultCompressionThreshold,
	}
}

// AuthValidator checks a client-supplied bearer token or API key.
type AuthValidator interface {
	Validate(token string) bool
}

// Frame is one server-to-client message, matching the wire shapes of
// spec.md §6.
type Frame struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Seq       int         `json:"seq,omitempty"`
	Total     int         `json:"total,omitempty"`
	Traces    interface{} `json:"traces,omitempty"`
	Metrics   interface{} `json:"metrics,omitempty"`
	State     interface{} `json:"state,omitempty"`
	Code      string      `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// ClientMessage is one client-to-server message, matching spec.md §6's
// client-in types.
type ClientMessage struct {
	Type      string          `json:"type"`
	Token     string          `json:"token,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	AgentIDs  []string        `json:"agentIds,omitempty"`
	TimeRange *TimeRange      `json:"timeRange,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	TraceID   string          `json:"traceId,omitempty"`
	Condition string          `json:"condition,omitempty"`
	BreakpointID string       `json:"breakpointId,omitempty"`
	Seq       int             `json:"seq,omitempty"`
}

// TimeRange bounds a request_history call.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Metrics is the periodic heartbeat payload of spec.md's "Supplemented
// Features": queue depth, dropped-event count, connected-client count —
// generalized from a SergeantStatusMessage-shaped status report.
type Metrics struct {
	QueueDepth       int   `json:"queueDepth"`
	EventsDropped    int64 `json:"eventsDropped"`
	ConnectedClients int   `json:"connectedClients"`
}

// outboundFrame pairs a frame with its serialized byte size for
// watermark accounting.
type outboundFrame struct {
	frame Frame
	size  int
}

// Session is one client's streaming connection state.
type Session struct {
	ID     string
	conn   *websocket.Conn
	log    zerolog.Logger
	cfg    Config
	hub    *Hub

	mu             sync.Mutex
	status         SessionStatus
	sessionID      string
	agentFilter    map[string]bool
	authenticated  bool

	outbound    []outboundFrame
	outboundLen int
	eventsDropped int64

	limiter *rate.Limiter
	offenseCount int

	writeCh chan struct{}
	closeCh chan struct{}
	closeOnce sync.Once

	batchMu    sync.Mutex
	batch      []*trace.Event
	batchTimer *time.Timer

	codec *codec.Codec
}

// newSession wraps an accepted WebSocket connection.
func newSession(id string, conn *websocket.Conn, cfg Config, hub *Hub, log zerolog.Logger) (*Session, error) {
	frameCodec, err := codec.New(cfg.FrameCompressionThreshold)
	if err != nil {
		return nil, fmt.Errorf("stream: build frame codec: %w", err)
	}
	return &Session{
		ID:      id,
		conn:    conn,
		log:     log.With().Str("component", "stream").Str("session", id).Logger(),
		cfg:     cfg,
		hub:     hub,
		status:  StatusConnecting,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitMessages)/cfg.RateLimitWindow.Seconds()), cfg.RateLimitMessages),
		writeCh: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		codec:   frameCodec,
	}, nil
}

// Status reports the session's current state-machine position.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Close transitions the session to Closed and releases the connection.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.status = StatusClosed
		s.mu.Unlock()
		close(s.closeCh)
		s.conn.Close()
		s.codec.Close()
	})
}

// queueEvent buffers ev for batched delivery, flushing immediately once
// cfg.BatchSize events are buffered or cfg.BatchTimeout elapses since the
// first buffered event, matching spec.md §6's events-out batcher.
func (s *Session) queueEvent(ev *trace.Event) error {
	s.batchMu.Lock()
	s.batch = append(s.batch, ev)
	full := s.cfg.BatchSize > 0 && len(s.batch) >= s.cfg.BatchSize
	first := len(s.batch) == 1
	if first && !full && s.cfg.BatchTimeout > 0 {
		s.batchTimer = time.AfterFunc(s.cfg.BatchTimeout, func() { _ = s.flushBatch() })
	}
	s.batchMu.Unlock()

	if full {
		return s.flushBatch()
	}
	return nil
}

// flushBatch sends any currently buffered trace events as a single
// trace_event_batch frame.
func (s *Session) flushBatch() error {
	s.batchMu.Lock()
	if s.batchTimer != nil {
		s.batchTimer.Stop()
		s.batchTimer = nil
	}
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return nil
	}
	batch := s.batch
	s.batch = nil
	s.batchMu.Unlock()

	return s.send(Frame{Type: "trace_event_batch", Timestamp: batch[len(batch)-1].Timestamp, Data: batch})
}

// marshalFrame serializes f for size accounting and wire transmission,
// compressing it above cfg.FrameCompressionThreshold the same way
// internal/codec compresses stored payloads.
func (s *Session) marshalFrame(f Frame) ([]byte, error) {
	return s.codec.Encode(f)
}

// send enqueues a frame for delivery, applying the backpressure policy of
// spec.md §4.6 when the outbound queue exceeds its watermarks.
func (s *Session) send(f Frame) error {
	raw, err := s.marshalFrame(f)
	if err != nil {
		return fmt.Errorf("stream: marshal frame: %w", err)
	}

	s.mu.Lock()
	if s.outboundLen+len(raw) > s.cfg.HighWatermark || len(s.outbound) >= s.cfg.MaxQueueSize {
		s.status = StatusBackpressured
		if s.cfg.DropOldest && len(s.outbound) > 0 {
			dropped := s.outbound[0]
			s.outbound = s.outbound[1:]
			s.outboundLen -= dropped.size
			s.eventsDropped++
		} else {
			s.mu.Unlock()
			return fmt.Errorf("%w: queue full", trace.ErrBackpressure)
		}
	}

	s.outbound = append(s.outbound, outboundFrame{frame: f, size: len(raw)})
	s.outboundLen += len(raw)

	if s.outboundLen < s.cfg.LowWatermark && s.status == StatusBackpressured {
		s.status = StatusStreaming
	}
	s.mu.Unlock()

	select {
	case s.writeCh <- struct{}{}:
	default:
	}
	return nil
}

// EventsDropped returns the running drop counter for heartbeat metrics.
func (s *Session) EventsDropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventsDropped
}
