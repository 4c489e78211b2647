package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "conductor.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CONDUCTOR_PORT")
	setString(&cfg.Server.CORSOrigin, "CONDUCTOR_CORS_ORIGIN")
	setString(&cfg.Database.DSN, "DATABASE_URL")
	setInt32(&cfg.Database.MaxConns, "CONDUCTOR_DB_MAX_CONNS")
	setInt32(&cfg.Database.MinConns, "CONDUCTOR_DB_MIN_CONNS")
	setDuration(&cfg.Database.MaxConnLifetime, "CONDUCTOR_DB_MAX_CONN_LIFETIME")
	setDuration(&cfg.Database.MaxConnIdleTime, "CONDUCTOR_DB_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Database.HealthCheck, "CONDUCTOR_DB_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Agent.BaseURL, "CONDUCTOR_AGENT_URL")
	setString(&cfg.Agent.Secret, "CONDUCTOR_AGENT_SECRET")
	setString(&cfg.Agent.Directory, "CONDUCTOR_AGENT_DIR")
	setBool(&cfg.Agent.AllowMockRuns, "CONDUCTOR_ALLOW_MOCK_RUNS")
	setInt64(&cfg.Engine.MaxConcurrentRuns, "CONDUCTOR_MAX_CONCURRENT_RUNS")
	setDuration(&cfg.Engine.CancelGrace, "CONDUCTOR_CANCEL_GRACE")
	setDuration(&cfg.Preview.ReadyTimeout, "CONDUCTOR_PREVIEW_READY_TIMEOUT")
	setDuration(&cfg.Preview.ProbeTimeout, "CONDUCTOR_PREVIEW_PROBE_TIMEOUT")
	setDuration(&cfg.Preview.PollInterval, "CONDUCTOR_PREVIEW_POLL_INTERVAL")
	setDuration(&cfg.Preview.StopGrace, "CONDUCTOR_PREVIEW_STOP_GRACE")
	setInt(&cfg.Preview.LogRingLines, "CONDUCTOR_PREVIEW_LOG_LINES")
	setString(&cfg.Logging.Level, "CONDUCTOR_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CONDUCTOR_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "CONDUCTOR_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CONDUCTOR_BREAKER_TIMEOUT")
	setBool(&cfg.Otel.Enabled, "CONDUCTOR_OTEL_ENABLED")
	setString(&cfg.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.MCP.Enabled, "CONDUCTOR_MCP_ENABLED")
	setString(&cfg.MCP.APIKey, "CONDUCTOR_MCP_API_KEY")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if !cfg.Database.InMemory() && cfg.Database.MaxConns < 1 {
		return errors.New("database.max_conns must be >= 1")
	}
	if cfg.Engine.MaxConcurrentRuns < 1 {
		return errors.New("engine.max_concurrent_runs must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Preview.LogRingLines < 1 {
		return errors.New("preview.log_ring_lines must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
