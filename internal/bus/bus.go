// Package bus wraps an embedded NATS connection as the engine's internal
// event bus: the Ingest Orchestrator (C7) publishes trace events here and
// the Streaming Fan-out (C6) subscribes, replacing the EventEmitter-style
// cross-component hooks flagged in spec.md §9 with an explicit,
// many-producer/single-consumer channel per subject.
//
// Adapted from the same daemon's internal/nats/client.go connection-management
// idiom (reconnect handlers, JSON publish/subscribe helpers); the subject
// taxonomy is rebuilt around sessions and trace events instead of agent
// status/command/output topics.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	nc "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subject patterns. %s is a session id.
const (
	SubjectSessionEvents      = "trace.%s.events"
	SubjectAllSessionEvents   = "trace.*.events"
	SubjectSessionBreakpoints = "trace.%s.breakpoint_hits"
	SubjectSessionControl     = "trace.%s.control"
)

// EventSubject formats the per-session event subject.
func EventSubject(sessionID string) string {
	return fmt.Sprintf("trace.%s.events", sessionID)
}

// BreakpointSubject formats the per-session breakpoint-hit subject.
func BreakpointSubject(sessionID string) string {
	return fmt.Sprintf("trace.%s.breakpoint_hits", sessionID)
}

// Bus wraps a NATS connection with JSON publish/subscribe helpers.
type Bus struct {
	conn *nc.Conn
	log  zerolog.Logger
}

// Connect dials the embedded (or external) NATS server at url.
func Connect(url, clientID string, log zerolog.Logger) (*Bus, error) {
	opts := []nc.Option{
		nc.Name(clientID),
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Str("client", clientID).Msg("bus disconnected")
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			log.Info().Str("client", clientID).Str("url", conn.ConnectedUrl()).Msg("bus reconnected")
		}),
	}

	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	return &Bus{conn: conn, log: log.With().Str("component", "bus").Logger()}, nil
}

// Close closes the underlying connection without draining it first.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// PublishJSON marshals v and publishes it to subject.
func (b *Bus) PublishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: marshal: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// Subscription wraps a NATS subscription so callers don't need to import
// nats.go directly.
type Subscription struct {
	sub *nc.Subscription
}

// Unsubscribe cancels the subscription.
func (s *Subscription) Unsubscribe() error {
	if s == nil || s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// SubscribeJSON subscribes to subject, decoding each message body as T and
// invoking handler. Decode failures are logged and dropped rather than
// propagated, matching the same tolerant handling of malformed NATS
// payloads.
func SubscribeJSON[T any](b *Bus, subject string, handler func(T)) (*Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nc.Msg) {
		var payload T
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			b.log.Warn().Err(err).Str("subject", subject).Msg("discarding malformed bus message")
			return
		}
		handler(payload)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}
	return &Subscription{sub: sub}, nil
}

// Flush blocks until buffered data has been sent to the server.
func (b *Bus) Flush() error {
	return b.conn.Flush()
}

// IsConnected reports the connection's liveness.
func (b *Bus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
