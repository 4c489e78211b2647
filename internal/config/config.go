// Package config provides hierarchical configuration loading for Conductor.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the Conductor server.
type Config struct {
	Server   Server   `yaml:"server"`
	Database Database `yaml:"database"`
	NATS     NATS     `yaml:"nats"`
	Agent    Agent    `yaml:"agent"`
	Engine   Engine   `yaml:"engine"`
	Preview  Preview  `yaml:"preview"`
	Logging  Logging  `yaml:"logging"`
	Breaker  Breaker  `yaml:"breaker"`
	Otel     Otel     `yaml:"otel"`
	MCP      MCP      `yaml:"mcp"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// MemoryDSN is the sentinel DSN selecting the in-memory store.
const MemoryDSN = "memory"

// Database holds store configuration. DSN is a PostgreSQL connection string
// or the "memory" sentinel for the in-memory store.
type Database struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// InMemory reports whether the memory sentinel is configured.
func (d Database) InMemory() bool { return d.DSN == MemoryDSN }

// NATS holds the optional JetStream event mirror configuration.
// An empty URL disables the mirror.
type NATS struct {
	URL string `yaml:"url"`
}

// Agent selects and configures the coding-agent backend adapter. A non-empty
// BaseURL selects the live adapter; otherwise the deterministic mock is used.
type Agent struct {
	BaseURL       string `yaml:"base_url"`
	Secret        string `yaml:"secret"`
	Directory     string `yaml:"directory"`
	AllowMockRuns bool   `yaml:"allow_mock_runs"`
}

// Engine holds run engine configuration.
type Engine struct {
	MaxConcurrentRuns int64         `yaml:"max_concurrent_runs"`
	CancelGrace       time.Duration `yaml:"cancel_grace"`
}

// Preview holds preview supervisor defaults.
type Preview struct {
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	StopGrace    time.Duration `yaml:"stop_grace"`
	LogRingLines int           `yaml:"log_ring_lines"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// Breaker holds circuit breaker configuration for the live adapter.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Otel holds OpenTelemetry exporter configuration.
type Otel struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// MCP holds the Model Context Protocol surface configuration. APIKey
// protects the HTTP transport; empty disables auth.
type MCP struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8080",
			CORSOrigin: "*",
		},
		Database: Database{
			DSN:             MemoryDSN,
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 30 * time.Minute,
			HealthCheck:     time.Minute,
		},
		Agent: Agent{
			AllowMockRuns: false,
		},
		Engine: Engine{
			MaxConcurrentRuns: 8,
			CancelGrace:       2 * time.Second,
		},
		Preview: Preview{
			ReadyTimeout: 45 * time.Second,
			ProbeTimeout: 2500 * time.Millisecond,
			PollInterval: 500 * time.Millisecond,
			StopGrace:    2 * time.Second,
			LogRingLines: 200,
		},
		Logging: Logging{
			Level:   "info",
			Service: "conductor",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Otel: Otel{
			Enabled:  false,
			Endpoint: "localhost:4317",
		},
	}
}
