// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/netsim/ratelimit"
	"github.com/absmach/netsim/simconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the network simulator.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Simulation SimulationConfig `yaml:"simulation"`
	Engine     EngineConfig     `yaml:"engine"`
	Log        LogConfig        `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	RateLimit  ratelimit.Config `yaml:"rate_limit"`
}

// ServerConfig holds listener and transport settings.
type ServerConfig struct {
	WSAddr          string        `yaml:"ws_addr"`
	WSPath          string        `yaml:"ws_path"`
	APIAddr         string        `yaml:"api_addr"`
	TCPAddr         string        `yaml:"tcp_addr"` // Newline-delimited JSON transport
	HealthAddr      string        `yaml:"health_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP endpoint
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	SendBuffer      int           `yaml:"send_buffer"` // Outbound frames queued per connection
	APIEnabled      bool          `yaml:"api_enabled"`
	TCPEnabled      bool          `yaml:"tcp_enabled"`
	MaxConnections  int           `yaml:"max_connections"` // TCP only; 0 is unlimited
	TLSCertFile     string        `yaml:"tls_cert_file"`   // Used by the TCP and API listeners
	TLSKeyFile      string        `yaml:"tls_key_file"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"` // Enables OTel
	// Prometheus collectors are served on the health listener at /metrics.
	PrometheusEnabled bool `yaml:"prometheus_enabled"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// SimulationConfig is the initial network configuration. Clients change it
// at runtime with update_config.
type SimulationConfig struct {
	LossRate   float64       `yaml:"loss_rate"`
	LatencyMin time.Duration `yaml:"latency_min"`
	LatencyMax time.Duration `yaml:"latency_max"`
	MaxRetries int           `yaml:"max_retries"`
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

// Network converts the section to a simulation config.
func (s SimulationConfig) Network() simconfig.Config {
	return simconfig.Config{
		LossRate:   s.LossRate,
		LatencyMin: s.LatencyMin,
		LatencyMax: s.LatencyMax,
		MaxRetries: s.MaxRetries,
		AckTimeout: s.AckTimeout,
	}
}

// EngineConfig holds delivery engine settings.
type EngineConfig struct {
	NodeID          string        `yaml:"node_id"` // Instance id in webhooks and telemetry
	Seed            int64         `yaml:"seed"`    // Outcome RNG seed; 0 seeds from time
	MetricsInterval time.Duration `yaml:"metrics_interval"`
	// Topics every node is subscribed to when it registers.
	DefaultTopics []string `yaml:"default_topics"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds the delivery journal backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// Memory settings
	HistorySize int `yaml:"history_size"`

	// BadgerDB settings
	BadgerDir   string        `yaml:"badger_dir"`
	Compression string        `yaml:"compression"` // none, s2, zstd
	Retention   time.Duration `yaml:"retention"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	IncludeContent  bool              `yaml:"include_content"`  // Include message content in events
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name         string            `yaml:"name"`
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`        // Event type filter (empty = all)
	TopicFilters []string          `yaml:"topic_filters"` // Destination filter (empty = all)
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry        *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	network := simconfig.Default()

	return &Config{
		Server: ServerConfig{
			WSAddr:            ":8765",
			WSPath:            "/ws",
			APIAddr:           ":8080",
			APIEnabled:        true,
			TCPAddr:           ":8766",
			TCPEnabled:        false,
			HealthAddr:        ":8081",
			HealthEnabled:     true,
			PrometheusEnabled: true,
			MetricsAddr:       "localhost:4317",
			MetricsEnabled:    false,
			ShutdownTimeout:   30 * time.Second,
			WriteTimeout:      10 * time.Second,
			PingInterval:      30 * time.Second,
			SendBuffer:        256,

			OtelServiceName:     "netsim",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Simulation: SimulationConfig{
			LossRate:   network.LossRate,
			LatencyMin: network.LatencyMin,
			LatencyMax: network.LatencyMax,
			MaxRetries: network.MaxRetries,
			AckTimeout: network.AckTimeout,
		},
		Engine: EngineConfig{
			NodeID:          "netsim-1",
			MetricsInterval: 500 * time.Millisecond,
			DefaultTopics:   []string{"chat"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:        "memory",
			HistorySize: 1000,
			BadgerDir:   "/tmp/netsim/data",
			Compression: "s2",
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			IncludeContent:  false,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
		RateLimit: ratelimit.DefaultConfig(),
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.WSAddr == "" {
		return fmt.Errorf("server.ws_addr cannot be empty")
	}
	if c.Server.WSPath == "" || c.Server.WSPath[0] != '/' {
		return fmt.Errorf("server.ws_path must start with '/'")
	}
	if c.Server.APIEnabled && c.Server.APIAddr == "" {
		return fmt.Errorf("server.api_addr required when API is enabled")
	}
	if c.Server.TCPEnabled && c.Server.TCPAddr == "" {
		return fmt.Errorf("server.tcp_addr required when TCP is enabled")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections cannot be negative")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.SendBuffer < 1 {
		return fmt.Errorf("server.send_buffer must be at least 1")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}

	if err := c.Simulation.Network().Validate(); err != nil {
		return fmt.Errorf("simulation: %w", err)
	}

	if c.Engine.MetricsInterval < 10*time.Millisecond {
		return fmt.Errorf("engine.metrics_interval must be at least 10ms")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}
	validCompression := map[string]bool{"": true, "none": true, "s2": true, "zstd": true}
	if !validCompression[c.Storage.Compression] {
		return fmt.Errorf("storage.compression must be one of: none, s2, zstd")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	// Webhook validation (only if enabled)
	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Connection.Enabled && (c.RateLimit.Connection.Rate <= 0 || c.RateLimit.Connection.Burst < 1) {
			return fmt.Errorf("rate_limit.connection requires a positive rate and burst")
		}
		if c.RateLimit.Send.Enabled && (c.RateLimit.Send.Rate <= 0 || c.RateLimit.Send.Burst < 1) {
			return fmt.Errorf("rate_limit.send requires a positive rate and burst")
		}
		if c.RateLimit.Subscribe.Enabled && (c.RateLimit.Subscribe.Rate <= 0 || c.RateLimit.Subscribe.Burst < 1) {
			return fmt.Errorf("rate_limit.subscribe requires a positive rate and burst")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
