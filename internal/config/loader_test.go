package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("port = %q, want 8080", cfg.Server.Port)
	}
	if !cfg.Database.InMemory() {
		t.Errorf("default DSN should be the memory sentinel, got %q", cfg.Database.DSN)
	}
	if cfg.Preview.ReadyTimeout != 45*time.Second {
		t.Errorf("ready timeout = %v", cfg.Preview.ReadyTimeout)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	doc := `
server:
  port: "9090"
agent:
  allow_mock_runs: true
engine:
  max_concurrent_runs: 3
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("port = %q, want 9090", cfg.Server.Port)
	}
	if !cfg.Agent.AllowMockRuns {
		t.Error("allow_mock_runs should be true")
	}
	if cfg.Engine.MaxConcurrentRuns != 3 {
		t.Errorf("max_concurrent_runs = %d, want 3", cfg.Engine.MaxConcurrentRuns)
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONDUCTOR_PORT", "7070")
	t.Setenv("CONDUCTOR_AGENT_URL", "http://agentd:9400")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("port = %q, want 7070 (env wins)", cfg.Server.Port)
	}
	if cfg.Agent.BaseURL != "http://agentd:9400" {
		t.Errorf("agent base url = %q", cfg.Agent.BaseURL)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("CONDUCTOR_MAX_CONCURRENT_RUNS", "0")
	if _, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected validation error for zero max_concurrent_runs")
	}
}
