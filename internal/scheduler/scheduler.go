// Package scheduler runs the engine's periodic maintenance jobs —
// retention sweeps and automatic snapshot cadence — on cron schedules
// rather than bare time.Ticker loops, generalizing the Start/Stop/loop
// shape of a Config/Scheduler/Start/Stop cron runner (zkoranges-go-claw
// internal/cron/scheduler.go) onto github.com/robfig/cron/v3's own Cron
// runner instead of a custom ticker, since robfig/cron already parses and
// schedules standard 5-field expressions for us.
package scheduler

import (
	"context"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/agentrace/engine/internal/snapshot"
	"github.com/agentrace/engine/internal/state"
	"github.com/agentrace/engine/internal/storage"
	"github.com/agentrace/engine/internal/trace"
)

// Config controls the retention sweep and auto-snapshot cadence.
type Config struct {
	// RetentionCron is the cron expression the retention sweep runs on.
	// Defaults to once a day at 03:17 (an off-hour minute, never :00).
	RetentionCron string
	RetentionDays int

	// SnapshotIntervalMS is spec.md §6's auto-snapshot cadence. When it
	// divides evenly into whole seconds, it is translated into an
	// equivalent "@every" cron schedule; otherwise the scheduler falls
	// back to a plain time.Ticker so sub-second cadences are still
	// honored.
	SnapshotIntervalMS int
	SnapshotSessions    func() []string
}

// DefaultConfig mirrors spec.md's retention default with an off-hour
// sweep time.
func DefaultConfig() Config {
	return Config{
		RetentionCron: "17 3 * * *",
		RetentionDays: 30,
	}
}

// Scheduler drives the retention sweep and auto-snapshot jobs.
type Scheduler struct {
	cfg       Config
	storage   *storage.Engine
	snapshots *snapshot.Store
	reconstr  *state.Reconstructor
	log       zerolog.Logger

	cron   *cronlib.Cron
	ticker *time.Ticker
	done   chan struct{}
}

// New builds a Scheduler over the engine's storage, snapshot store, and
// state reconstructor.
func New(cfg Config, storageEngine *storage.Engine, snapshots *snapshot.Store, reconstructor *state.Reconstructor, log zerolog.Logger) *Scheduler {
	if cfg.RetentionCron == "" {
		cfg.RetentionCron = DefaultConfig().RetentionCron
	}
	return &Scheduler{
		cfg:       cfg,
		storage:   storageEngine,
		snapshots: snapshots,
		reconstr:  reconstructor,
		log:       log.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the retention and snapshot jobs and begins running
// them in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cronlib.New(cronlib.WithParser(cronlib.NewParser(
		cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
	)))

	if _, err := s.cron.AddFunc(s.cfg.RetentionCron, func() { s.runRetention(ctx) }); err != nil {
		return fmt.Errorf("scheduler: add retention job: %w", err)
	}

	if everyExpr, ok := snapshotCronExpr(s.cfg.SnapshotIntervalMS); ok {
		if _, err := s.cron.AddFunc(everyExpr, func() { s.runAutoSnapshot(ctx) }); err != nil {
			return fmt.Errorf("scheduler: add snapshot job: %w", err)
		}
	} else if s.cfg.SnapshotIntervalMS > 0 {
		s.ticker = time.NewTicker(time.Duration(s.cfg.SnapshotIntervalMS) * time.Millisecond)
		s.done = make(chan struct{})
		go s.tickerLoop(ctx)
	}

	s.cron.Start()
	s.log.Info().Str("retention_cron", s.cfg.RetentionCron).Msg("scheduler started")
	return nil
}

// Stop halts the cron runner and any fallback ticker, waiting for
// in-flight jobs to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}
	if s.ticker != nil {
		s.ticker.Stop()
		close(s.done)
	}
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) tickerLoop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.ticker.C:
			s.runAutoSnapshot(ctx)
		}
	}
}

// runRetention archives events older than cfg.RetentionDays.
func (s *Scheduler) runRetention(ctx context.Context) {
	hours := s.cfg.RetentionDays * 24
	n, err := s.storage.Archive(ctx, hours)
	if err != nil {
		s.log.Error().Err(err).Msg("retention sweep failed")
		return
	}
	s.log.Info().Int64("archived", n).Msg("retention sweep complete")
}

// runAutoSnapshot creates a fresh incremental snapshot for every active
// session the caller's SnapshotSessions hook reports.
func (s *Scheduler) runAutoSnapshot(ctx context.Context) {
	if s.cfg.SnapshotSessions == nil {
		return
	}
	now := trace.Now()
	for _, sessionID := range s.cfg.SnapshotSessions() {
		st, err := s.reconstr.StateAt(sessionID, now)
		if err != nil {
			s.log.Warn().Err(err).Str("session", sessionID).Msg("auto-snapshot reconstruction failed")
			continue
		}
		if _, err := s.snapshots.Create(sessionID, st, snapshot.CreateOptions{
			Description: "auto",
			Incremental: true,
		}); err != nil {
			s.log.Warn().Err(err).Str("session", sessionID).Msg("auto-snapshot create failed")
		}
	}
}

// snapshotCronExpr translates a millisecond interval into an "@every"
// cron expression when it divides evenly into whole seconds, signaling
// the ticker fallback with ok=false otherwise.
func snapshotCronExpr(intervalMS int) (string, bool) {
	if intervalMS <= 0 || intervalMS%1000 != 0 {
		return "", false
	}
	return fmt.Sprintf("@every %ds", intervalMS/1000), true
}
