// Package storage implements C2: a transactional embedded store for trace
// events with a bounded write-behind batcher, secondary indexes, and a
// retention sweeper. Adapted from
// memory/operational.go — same modernc.org/sqlite + WAL + busy_timeout
// setup, same "WHERE 1=1" dynamic filter building and sql.Null* scanning
// idiom — generalized from agents/tasks/sessions rows to the trace schema
// of spec.md §3/§4.2.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/agentrace/engine/internal/codec"
	"github.com/agentrace/engine/internal/trace"
)

//go:embed schema.sql
var schemaSQL string

// Config controls the write batcher and retention sweep.
type Config struct {
	Path                 string
	BatchSize            int
	FlushInterval        time.Duration
	MaxRetries           int
	CompressionThreshold int
	RetentionDays        int
	ConnectionPoolSize   int
}

// DefaultConfig mirrors spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		Path:                 "traces.db",
		BatchSize:            1000,
		FlushInterval:        time.Second,
		MaxRetries:           3,
		CompressionThreshold: 1024,
		RetentionDays:        30,
		ConnectionPoolSize:   4,
	}
}

// BatchDroppedFunc is invoked whenever a batch exhausts its retry budget
// and is dropped, per spec.md §7 (ErrBatchDropped).
type BatchDroppedFunc func(count int, err error)

// Engine is the storage component (C2).
type Engine struct {
	db    *sql.DB
	codec *codec.Codec
	cfg   Config
	log   zerolog.Logger

	queue      chan *trace.Event
	flushReqCh chan chan struct{}

	stopCh chan struct{}
	doneCh chan struct{}

	onBatchDropped BatchDroppedFunc
}

// Open creates (or opens) the SQLite-backed store at cfg.Path, enables WAL
// mode, and starts the write batcher.
func Open(cfg Config, log zerolog.Logger) (*Engine, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	db.SetMaxOpenConns(maxInt(1, cfg.ConnectionPoolSize))

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}

	cd, err := codec.New(cfg.CompressionThreshold)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: build codec: %w", err)
	}

	e := &Engine{
		db:         db,
		codec:      cd,
		cfg:        cfg,
		log:        log.With().Str("component", "storage").Logger(),
		queue:      make(chan *trace.Event, cfg.BatchSize),
		flushReqCh: make(chan chan struct{}),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	go e.run()

	return e, nil
}

// OnBatchDropped registers a callback invoked when a batch is dropped
// after exhausting retries.
func (e *Engine) OnBatchDropped(fn BatchDroppedFunc) {
	e.onBatchDropped = fn
}

// Close flushes pending writes and releases the database handle.
func (e *Engine) Close() error {
	close(e.stopCh)
	<-e.doneCh
	e.codec.Close()
	return e.db.Close()
}

// Validate checks an event against the synchronous invariants of
// spec.md §4.2: non-empty id/type/session_id, a finite timestamp, and
// payloads within the 1 MiB ceiling.
func Validate(e *trace.Event) error {
	if e.ID == "" {
		return fmt.Errorf("%w: empty id", trace.ErrInvalidEvent)
	}
	if e.SessionID == "" {
		return fmt.Errorf("%w: empty session_id", trace.ErrInvalidEvent)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: empty type", trace.ErrInvalidEvent)
	}
	if e.Timestamp == 0 || math.IsNaN(float64(e.Timestamp)) {
		return fmt.Errorf("%w: invalid timestamp", trace.ErrInvalidEvent)
	}
	for name, v := range map[string]trace.Value{"data": e.Data, "metadata": e.Metadata, "performance": e.Performance} {
		raw, err := codec.Canonical(v)
		if err != nil {
			return fmt.Errorf("%w: %s payload not serializable: %v", trace.ErrInvalidEvent, name, err)
		}
		if len(raw) > trace.MaxPayloadBytes {
			return fmt.Errorf("%w: %s payload exceeds %d bytes", trace.ErrInvalidEvent, name, trace.MaxPayloadBytes)
		}
	}
	return nil
}

// StoreEvent validates and enqueues e for the next batch flush. It returns
// synchronously on validation failure (ErrInvalidEvent); otherwise the
// actual persistence happens asynchronously on the batcher's schedule.
func (e *Engine) StoreEvent(ev *trace.Event) error {
	if err := Validate(ev); err != nil {
		return err
	}
	select {
	case e.queue <- ev:
		return nil
	case <-e.stopCh:
		return fmt.Errorf("storage: closed")
	}
}

// maxInt is a tiny helper kept local to avoid pulling in a generics utility
// package for one comparison.
func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Stats reports per-table row counts and the on-disk size, both raw and
// humanized (spec.md §4.2's "Storage stats", generalized with go-humanize
// for the operator-facing surface per SPEC_FULL.md's supplemented
// features).
type Stats struct {
	TableCounts map[string]int64
	PageCount   int64
	PageSize    int64
	SizeBytes   int64
	SizeHuman   string
}

var statsTables = []string{
	"traces", "trace_relationships", "sessions", "performance_snapshots",
	"error_events", "agent_messages", "task_executions", "resource_usage",
}

// Stats computes table counts and on-disk size synchronously.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	s.TableCounts = make(map[string]int64, len(statsTables))

	for _, table := range statsTables {
		var count int64
		row := e.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table))
		if err := row.Scan(&count); err != nil {
			return Stats{}, fmt.Errorf("storage: count %s: %w", table, err)
		}
		s.TableCounts[table] = count
	}

	if err := e.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&s.PageCount); err != nil {
		return Stats{}, fmt.Errorf("storage: page_count: %w", err)
	}
	if err := e.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&s.PageSize); err != nil {
		return Stats{}, fmt.Errorf("storage: page_size: %w", err)
	}
	s.SizeBytes = s.PageCount * s.PageSize
	s.SizeHuman = humanize.Bytes(uint64(s.SizeBytes))

	return s, nil
}
