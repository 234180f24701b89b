// Package config defines auomsd's on-disk configuration, directly
// modeled on node/config.go's Config/DefaultConfig/ValidateConfig shape,
// extended with the fields this daemon's pipeline needs: the input
// socket, the queue's on-disk location and band count, the aggregation
// rule/state file paths, process-inventory intervals, and one entry per
// downstream output.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// OutputConfig configures one downstream output worker (component F).
type OutputConfig struct {
	Name string `json:"name"`

	// SocketPath is the Unix-domain peer address; a leading '@' selects
	// Linux's abstract namespace, matching input.Config.Path.
	SocketPath string `json:"socket_path"`

	AckMode bool `json:"ack_mode"`

	AckTimeoutSeconds         int `json:"ack_timeout_seconds"`
	WriteTimeoutSeconds       int `json:"write_timeout_seconds"`
	AckQueueSize              int `json:"ack_queue_size"`
	ReconnectMinBackoffMillis int `json:"reconnect_min_backoff_millis"`
	ReconnectMaxBackoffMillis int `json:"reconnect_max_backoff_millis"`
}

// Config is auomsd's full configuration.
type Config struct {
	// Input socket (component: input).
	InputSocketPath string `json:"input_socket_path"`
	InputSocketMode uint32 `json:"input_socket_mode"`

	// Accumulator (component A) tuning. AccumulatorMaxCacheEntries is
	// validated but not passed to the accumulator, whose entry cap is the
	// fixed accumulator.MaxCacheEntry.
	AccumulatorMaxCacheEntries int `json:"accumulator_max_cache_entries"`
	AccumulatorFlushIntervalMS int `json:"accumulator_flush_interval_ms"`
	AccumulatorFlushMaxAgeMS   int `json:"accumulator_flush_max_age_ms"`

	// Enricher (component C) process-inventory intervals, in seconds,
	// matching spec.md §4.3's named constants.
	ProcessInventoryFetchIntervalSeconds int `json:"process_inventory_fetch_interval_seconds"`
	ProcessInventoryEventIntervalSeconds int `json:"process_inventory_event_interval_seconds"`

	// Aggregator (component D) persistence.
	AggregationRulesPath string `json:"aggregation_rules_path"`
	AggregationStatePath string `json:"aggregation_state_path"`

	// Queue (component E) on-disk location and shape.
	QueueDir          string `json:"queue_dir"`
	QueueBands        int    `json:"queue_bands"`
	QueueBandCapacity int    `json:"queue_band_capacity"`

	// Outputs (component F), one per downstream peer.
	Outputs []OutputConfig `json:"outputs"`

	LogLevel          string `json:"log_level"`
	MetricsListenAddr string `json:"metrics_listen_addr"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// DefaultConfig returns the daemon's out-of-the-box configuration.
func DefaultConfig() Config {
	return Config{
		InputSocketPath: "/var/run/auomsd/auomsd.sock",
		InputSocketMode: 0o600,

		AccumulatorMaxCacheEntries: 256,
		AccumulatorFlushIntervalMS: 1000,
		AccumulatorFlushMaxAgeMS:   2000,

		ProcessInventoryFetchIntervalSeconds: 300,
		ProcessInventoryEventIntervalSeconds: 3600,

		AggregationRulesPath: "/etc/opt/microsoft/auoms/rules.json",
		AggregationStatePath: "/var/opt/microsoft/auoms/data/auomsaggregate.state",

		QueueDir:          "/var/opt/microsoft/auoms/data/queue",
		QueueBands:        3,
		QueueBandCapacity: 10240,

		Outputs: nil,

		LogLevel:          "info",
		MetricsListenAddr: "127.0.0.1:9980",
	}
}

// Load reads and parses a JSON config file on top of DefaultConfig, so
// every field the file omits keeps its default value; call
// ValidateConfig after Load to catch invalid values.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ValidateConfig checks a Config for internal consistency, following the
// same field-by-field style as node/config.go's ValidateConfig.
func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.InputSocketPath) == "" {
		return errors.New("input_socket_path is required")
	}
	if strings.TrimSpace(cfg.QueueDir) == "" {
		return errors.New("queue_dir is required")
	}
	if cfg.QueueBands <= 0 {
		return errors.New("queue_bands must be > 0")
	}
	if cfg.QueueBandCapacity <= 0 {
		return errors.New("queue_band_capacity must be > 0")
	}
	if cfg.AccumulatorMaxCacheEntries <= 0 {
		return errors.New("accumulator_max_cache_entries must be > 0")
	}
	if cfg.AccumulatorFlushIntervalMS <= 0 {
		return errors.New("accumulator_flush_interval_ms must be > 0")
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}

	seen := make(map[string]struct{}, len(cfg.Outputs))
	for _, o := range cfg.Outputs {
		if strings.TrimSpace(o.Name) == "" {
			return errors.New("output name is required")
		}
		if _, dup := seen[o.Name]; dup {
			return fmt.Errorf("duplicate output name %q", o.Name)
		}
		seen[o.Name] = struct{}{}
		if strings.TrimSpace(o.SocketPath) == "" {
			return fmt.Errorf("output %q: socket_path is required", o.Name)
		}
	}
	return nil
}

// AccumulatorFlushInterval returns the configured flush-ticker period as
// a time.Duration, for the accumulator flush goroutine in cmd/auomsd.
func (c Config) AccumulatorFlushInterval() time.Duration {
	return time.Duration(c.AccumulatorFlushIntervalMS) * time.Millisecond
}

// AccumulatorFlushMaxAge returns the configured max-age bound passed to
// Accumulator.Flush on each tick.
func (c Config) AccumulatorFlushMaxAge() time.Duration {
	return time.Duration(c.AccumulatorFlushMaxAgeMS) * time.Millisecond
}

// AckTimeout, WriteTimeout, and the reconnect backoff bounds: zero in the
// config file means "let output.Config.setDefaults choose", so these
// return 0 rather than synthesizing a default here (single source of
// defaults).
func (o OutputConfig) AckTimeout() time.Duration {
	return time.Duration(o.AckTimeoutSeconds) * time.Second
}

func (o OutputConfig) WriteTimeout() time.Duration {
	return time.Duration(o.WriteTimeoutSeconds) * time.Second
}

func (o OutputConfig) ReconnectMinBackoff() time.Duration {
	return time.Duration(o.ReconnectMinBackoffMillis) * time.Millisecond
}

func (o OutputConfig) ReconnectMaxBackoff() time.Duration {
	return time.Duration(o.ReconnectMaxBackoffMillis) * time.Millisecond
}
