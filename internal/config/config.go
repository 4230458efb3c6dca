// Package config holds the engine's single configuration structure,
// loaded from YAML the same way aider/agent config is loaded:
// read file, unmarshal, validate, or fall back to defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure enumerated in spec.md §6.
type Config struct {
	DatabasePath         string `yaml:"database_path" json:"database_path"`
	SnapshotPath         string `yaml:"snapshot_path" json:"snapshot_path"`
	FlushIntervalMS      int    `yaml:"flush_interval_ms" json:"flush_interval_ms"`
	BatchSize            int    `yaml:"batch_size" json:"batch_size"`
	CompressionThreshold int    `yaml:"compression_threshold" json:"compression_threshold"`
	RetentionDays        int    `yaml:"retention_days" json:"retention_days"`
	ConnectionPoolSize   int    `yaml:"connection_pool_size" json:"connection_pool_size"`
	MaxSnapshots         int    `yaml:"max_snapshots" json:"max_snapshots"`
	SnapshotIntervalMS   int    `yaml:"snapshot_interval_ms" json:"snapshot_interval_ms"`
	MaxRetries           int    `yaml:"max_retries" json:"max_retries"`

	Streaming    StreamingConfig    `yaml:"streaming" json:"streaming"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" json:"rate_limit"`
	Backpressure BackpressureConfig `yaml:"backpressure" json:"backpressure"`
	Auth         AuthConfig         `yaml:"auth" json:"auth"`
}

// StreamingConfig holds the streaming fan-out (C6) parameters.
type StreamingConfig struct {
	Port              int `yaml:"port" json:"port"`
	MaxConnections    int `yaml:"max_connections" json:"max_connections"`
	HeartbeatInterval int `yaml:"heartbeat_interval_ms" json:"heartbeat_interval_ms"`
	BatchSize         int `yaml:"batch_size" json:"batch_size"`
	BatchTimeoutMS    int `yaml:"batch_timeout_ms" json:"batch_timeout_ms"`
	HistoricalLimit   int `yaml:"historical_data_limit" json:"historical_data_limit"`
}

// RateLimitConfig holds the inbound sliding-window quota.
type RateLimitConfig struct {
	WindowMS    int `yaml:"window_ms" json:"window_ms"`
	MaxMessages int `yaml:"max_messages" json:"max_messages"`
	MaxBytes    int `yaml:"max_bytes" json:"max_bytes"`
	GracePeriodMS int `yaml:"grace_period_ms" json:"grace_period_ms"`
}

// BackpressureConfig holds the outbound queue policy.
type BackpressureConfig struct {
	HighWatermark int  `yaml:"high" json:"high"`
	LowWatermark  int  `yaml:"low" json:"low"`
	MaxQueueSize  int  `yaml:"max_queue" json:"max_queue"`
	DropOldest    bool `yaml:"drop_oldest" json:"drop_oldest"`
}

// AuthConfig toggles client authentication for the streaming surface.
type AuthConfig struct {
	Enabled  bool              `yaml:"enabled" json:"enabled"`
	APIKeys  map[string]string `yaml:"api_keys" json:"-"` // key id -> bcrypt hash
}

// Default returns the engine's default configuration, mirroring the
// DefaultConfig/DefaultAiderConfig pair.
func Default() *Config {
	return &Config{
		DatabasePath:         "data/traces.db",
		SnapshotPath:         "data/snapshots.db",
		FlushIntervalMS:      1000,
		BatchSize:            1000,
		CompressionThreshold: 1024,
		RetentionDays:        30,
		ConnectionPoolSize:   4,
		MaxSnapshots:         50,
		SnapshotIntervalMS:   0,
		MaxRetries:           3,
		Streaming: StreamingConfig{
			Port:              7420,
			MaxConnections:    256,
			HeartbeatInterval: 30000,
			BatchSize:         50,
			BatchTimeoutMS:    1000,
			HistoricalLimit:   500,
		},
		RateLimit: RateLimitConfig{
			WindowMS:      1000,
			MaxMessages:   100,
			MaxBytes:      1 << 20,
			GracePeriodMS: 5000,
		},
		Backpressure: BackpressureConfig{
			HighWatermark: 4 << 20,
			LowWatermark:  1 << 20,
			MaxQueueSize:  1000,
			DropOldest:    true,
		},
		Auth: AuthConfig{Enabled: false},
	}
}

// Load reads and parses a YAML configuration file, validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for internally consistent values.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.FlushIntervalMS <= 0 {
		return fmt.Errorf("flush_interval_ms must be positive")
	}
	if c.Streaming.Port <= 0 || c.Streaming.Port > 65535 {
		return fmt.Errorf("invalid streaming port: %d", c.Streaming.Port)
	}
	if c.Backpressure.LowWatermark > 0 && c.Backpressure.HighWatermark > 0 &&
		c.Backpressure.LowWatermark >= c.Backpressure.HighWatermark {
		return fmt.Errorf("backpressure.low must be less than backpressure.high")
	}
	return nil
}
