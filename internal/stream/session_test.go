package stream

import (
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentrace/engine/internal/codec"
	"github.com/agentrace/engine/internal/trace"
)

func newTestSession(cfg Config) *Session {
	frameCodec, err := codec.New(cfg.FrameCompressionThreshold)
	if err != nil {
		panic(err)
	}
	return &Session{
		ID:      "test-session",
		cfg:     cfg,
		status:  StatusStreaming,
		limiter: rate.NewLimiter(rate.Inf, 1),
		writeCh: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		codec:   frameCodec,
	}
}

func TestSendDropsOldestUnderHighWatermark(t *testing.T) {
	s0 := newTestSession(DefaultConfig())
	raw, err := s0.marshalFrame(Frame{Type: "trace_event"})
	if err != nil {
		t.Fatalf("marshalFrame failed: %v", err)
	}
	frameSize := len(raw)

	cfg := DefaultConfig()
	cfg.HighWatermark = frameSize + frameSize/2 // room for ~1.5 frames
	cfg.LowWatermark = 1
	cfg.MaxQueueSize = 1000
	cfg.DropOldest = true

	s := newTestSession(cfg)

	for i := 0; i < 5; i++ {
		if err := s.send(Frame{Type: "trace_event"}); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}

	if s.EventsDropped() == 0 {
		t.Error("expected at least one dropped event once the high watermark is exceeded")
	}
	if s.Status() != StatusBackpressured && s.Status() != StatusStreaming {
		t.Errorf("unexpected status after drops: %s", s.Status())
	}
}

func TestSendRejectsWhenQueueFullAndNotDropOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HighWatermark = 1 << 20
	cfg.MaxQueueSize = 2
	cfg.DropOldest = false

	s := newTestSession(cfg)

	for i := 0; i < 2; i++ {
		if err := s.send(Frame{Type: "trace_event"}); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}

	if err := s.send(Frame{Type: "trace_event"}); err == nil {
		t.Fatal("expected backpressure error once max queue size is reached")
	}
}

func TestSendRecoversFromBackpressureBelowLowWatermark(t *testing.T) {
	s0 := newTestSession(DefaultConfig())
	raw, err := s0.marshalFrame(Frame{Type: "trace_event"})
	if err != nil {
		t.Fatalf("marshalFrame failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.HighWatermark = 1 << 20
	cfg.LowWatermark = len(raw) + 10
	cfg.MaxQueueSize = 1000
	cfg.DropOldest = true

	s := newTestSession(cfg)
	s.status = StatusBackpressured
	s.outboundLen = 0

	if err := s.send(Frame{Type: "trace_event"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if s.Status() != StatusStreaming {
		t.Errorf("expected status to recover to streaming, got %s", s.Status())
	}
}

func TestQueueEventFlushesAtBatchSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	cfg.BatchTimeout = time.Hour // long enough to never fire in this test
	cfg.HighWatermark = 1 << 20
	cfg.MaxQueueSize = 1000

	s := newTestSession(cfg)

	for i := 0; i < 2; i++ {
		if err := s.queueEvent(&trace.Event{ID: "ev", Timestamp: int64(i)}); err != nil {
			t.Fatalf("queueEvent %d failed: %v", i, err)
		}
	}
	if s.queueDepth() != 0 {
		t.Fatalf("expected no frame queued before batch_size is reached, got depth %d", s.queueDepth())
	}

	if err := s.queueEvent(&trace.Event{ID: "ev", Timestamp: 2}); err != nil {
		t.Fatalf("queueEvent 2 failed: %v", err)
	}
	if s.queueDepth() != 1 {
		t.Fatalf("expected exactly one batched frame once batch_size is reached, got depth %d", s.queueDepth())
	}
}

func TestQueueEventFlushesOnTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 1000
	cfg.BatchTimeout = 20 * time.Millisecond
	cfg.HighWatermark = 1 << 20
	cfg.MaxQueueSize = 1000

	s := newTestSession(cfg)

	if err := s.queueEvent(&trace.Event{ID: "ev", Timestamp: 0}); err != nil {
		t.Fatalf("queueEvent failed: %v", err)
	}
	if s.queueDepth() != 0 {
		t.Fatalf("expected no frame queued immediately after one event, got depth %d", s.queueDepth())
	}

	deadline := time.Now().Add(time.Second)
	for s.queueDepth() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.queueDepth() != 1 {
		t.Fatalf("expected batch_timeout to flush the buffered event, got depth %d", s.queueDepth())
	}
}

func TestAdmitsAgentWithNoFilter(t *testing.T) {
	s := newTestSession(DefaultConfig())
	if !s.admitsAgent("agent-1") {
		t.Error("expected no filter to admit every agent")
	}
}

func TestAdmitsAgentWithFilter(t *testing.T) {
	s := newTestSession(DefaultConfig())
	s.agentFilter = map[string]bool{"agent-1": true}

	if !s.admitsAgent("agent-1") {
		t.Error("expected agent-1 to be admitted")
	}
	if s.admitsAgent("agent-2") {
		t.Error("expected agent-2 to be filtered out")
	}
}

func TestStaticTokenValidator(t *testing.T) {
	v := NewStaticTokenValidator("secret-token")
	if !v.Validate("secret-token") {
		t.Error("expected matching token to validate")
	}
	if v.Validate("wrong-token") {
		t.Error("expected mismatched token to fail")
	}
}

func TestAPIKeyValidator(t *testing.T) {
	hash, err := HashAPIKey("my-api-key")
	if err != nil {
		t.Fatalf("HashAPIKey failed: %v", err)
	}

	v := NewAPIKeyValidator([]string{hash})
	if !v.Validate("my-api-key") {
		t.Error("expected matching key to validate")
	}
	if v.Validate("wrong-key") {
		t.Error("expected mismatched key to fail")
	}
	if v.Validate("") {
		t.Error("expected empty token to fail")
	}
}
