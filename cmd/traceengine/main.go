// Command traceengine runs the trace observability engine: ingest,
// storage, snapshotting, state reconstruction, breakpoint evaluation, and
// the streaming/query HTTP surface, wired together the way a daemon's
// cmd/cliairmonitor/main.go wires its memory databases, embedded NATS
// server, and HTTP dashboard into one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"

	"github.com/agentrace/engine/internal/api"
	"github.com/agentrace/engine/internal/bus"
	"github.com/agentrace/engine/internal/config"
	"github.com/agentrace/engine/internal/ingest"
	"github.com/agentrace/engine/internal/scheduler"
	"github.com/agentrace/engine/internal/snapshot"
	"github.com/agentrace/engine/internal/state"
	"github.com/agentrace/engine/internal/storage"
	"github.com/agentrace/engine/internal/stream"
)

func main() {
	configPath := flag.String("config", "configs/engine.yaml", "Path to configuration file")
	natsPort := flag.Int("nats-port", 4225, "Embedded NATS server port")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", "traceengine").Logger()

	cfg, err := loadConfig(*configPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve configuration")
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("failed to create data directory")
		}
	}

	natsServer, natsURL, err := startEmbeddedNATS(*natsPort, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start embedded NATS server")
	}
	defer natsServer.Shutdown()

	eventBus, err := bus.Connect(natsURL, "traceengine", log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to event bus")
	}
	defer eventBus.Close()

	storageEngine, err := storage.Open(storageConfig(cfg), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage engine")
	}
	defer storageEngine.Close()

	snapshotStore, err := snapshot.Open(snapshotConfig(cfg), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open snapshot store")
	}
	defer snapshotStore.Close()

	reconstructor := state.New(storageEngine, snapshotStore, log)
	orchestrator := ingest.New(storageEngine, eventBus, log)
	hub := stream.NewHub(eventBus, storageEngine, reconstructor, streamConfig(cfg), log)

	var authValidator stream.AuthValidator
	if cfg.Auth.Enabled {
		var hashes []string
		for _, hash := range cfg.Auth.APIKeys {
			hashes = append(hashes, hash)
		}
		authValidator = stream.NewAPIKeyValidator(hashes)
	}
	streamServer := stream.NewServer(hub, streamConfig(cfg), authValidator, log)

	apiServer := api.New(storageEngine, snapshotStore, reconstructor, orchestrator, hub, log)
	router := apiServer.Router()
	streamServer.Routes(router)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Streaming.Port),
		Handler: router,
	}

	sched := scheduler.New(scheduler.Config{
		RetentionDays:      cfg.RetentionDays,
		SnapshotIntervalMS: cfg.SnapshotIntervalMS,
		SnapshotSessions:   func() []string { return nil },
	}, storageEngine, snapshotStore, reconstructor, log)

	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	defer cancelScheduler()
	if err := sched.Start(schedulerCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}
	defer sched.Stop()

	go func() {
		log.Info().Int("port", cfg.Streaming.Port).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	log.Info().Msg("traceengine ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sched.Stop()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("traceengine shutdown complete")
}

func loadConfig(path string, log zerolog.Logger) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		log.Warn().Str("path", path).Msg("config file not found, using defaults")
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Msg("configuration loaded")
	return cfg, nil
}

func startEmbeddedNATS(port int, log zerolog.Logger) (*server.Server, string, error) {
	natsServer, err := server.NewServer(&server.Options{
		Port:     port,
		HTTPPort: -1,
		NoLog:    true,
		NoSigs:   true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("create nats server: %w", err)
	}

	go natsServer.Start()
	if !natsServer.ReadyForConnections(5 * time.Second) {
		return nil, "", fmt.Errorf("nats server did not become ready in time")
	}
	log.Info().Int("port", port).Msg("embedded nats server started")
	return natsServer, fmt.Sprintf("nats://127.0.0.1:%d", port), nil
}

func storageConfig(cfg *config.Config) storage.Config {
	sc := storage.DefaultConfig()
	sc.Path = cfg.DatabasePath
	sc.FlushInterval = time.Duration(cfg.FlushIntervalMS) * time.Millisecond
	sc.BatchSize = cfg.BatchSize
	sc.CompressionThreshold = cfg.CompressionThreshold
	sc.ConnectionPoolSize = cfg.ConnectionPoolSize
	sc.MaxRetries = cfg.MaxRetries
	return sc
}

func snapshotConfig(cfg *config.Config) snapshot.Config {
	sc := snapshot.DefaultConfig()
	sc.Path = cfg.SnapshotPath
	sc.CompressionThreshold = cfg.CompressionThreshold
	sc.MaxSnapshots = cfg.MaxSnapshots
	return sc
}

func streamConfig(cfg *config.Config) stream.Config {
	return stream.Config{
		HeartbeatInterval: time.Duration(cfg.Streaming.HeartbeatInterval) * time.Millisecond,
		BatchSize:         cfg.Streaming.BatchSize,
		BatchTimeout:      time.Duration(cfg.Streaming.BatchTimeoutMS) * time.Millisecond,
		HistoricalLimit:   cfg.Streaming.HistoricalLimit,
		RateLimitWindow:   time.Duration(cfg.RateLimit.WindowMS) * time.Millisecond,
		RateLimitMessages: cfg.RateLimit.MaxMessages,
		RateLimitBytes:    cfg.RateLimit.MaxBytes,
		RateLimitGrace:    time.Duration(cfg.RateLimit.GracePeriodMS) * time.Millisecond,
		HighWatermark:     cfg.Backpressure.HighWatermark,
		LowWatermark:      cfg.Backpressure.LowWatermark,
		MaxQueueSize:      cfg.Backpressure.MaxQueueSize,
		DropOldest:        cfg.Backpressure.DropOldest,

		FrameCompressionThreshold: cfg.CompressionThreshold,
	}
}
