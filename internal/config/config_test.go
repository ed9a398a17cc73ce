package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.BaseURL != "http://127.0.0.1:8091" {
		t.Errorf("expected http://127.0.0.1:8091, got %s", cfg.BaseURL)
	}
	if cfg.MaxRetry != 5*time.Second {
		t.Errorf("expected 5s max retry, got %s", cfg.MaxRetry)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected info, got %s", cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rmwatch.yaml")
	os.WriteFile(path, []byte(`
base_url: https://arw.example.com
models: [models_metrics, route_stats]
routes:
  route_stats: /state/route_stats
prefixes:
  - state.read.model.patch
replay: 25
max_retry: 10s
stale_after: 30s
resync_schedule: "@every 5m"
`), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.BaseURL != "https://arw.example.com" {
		t.Errorf("expected https://arw.example.com, got %s", cfg.BaseURL)
	}
	if len(cfg.Models) != 2 || cfg.Models[1] != "route_stats" {
		t.Errorf("unexpected models %v", cfg.Models)
	}
	if cfg.Replay != 25 {
		t.Errorf("expected replay 25, got %d", cfg.Replay)
	}
	if cfg.MaxRetry != 10*time.Second || cfg.StaleAfter != 30*time.Second {
		t.Errorf("unexpected durations %s %s", cfg.MaxRetry, cfg.StaleAfter)
	}
	if cfg.ResyncSchedule != "@every 5m" {
		t.Errorf("unexpected schedule %q", cfg.ResyncSchedule)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level to survive, got %s", cfg.LogLevel)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rmwatch.yaml")
	os.WriteFile(path, []byte("base_url: http://file:1\nreplay: 3\n"), 0644)

	t.Setenv("RMSYNC_BASE_URL", "http://env:2")
	t.Setenv("RMSYNC_REPLAY", "7")
	t.Setenv("RMSYNC_MODELS", "a, b,,c")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.BaseURL != "http://env:2" {
		t.Errorf("env should override file: got %s", cfg.BaseURL)
	}
	if cfg.Replay != 7 {
		t.Errorf("expected replay 7, got %d", cfg.Replay)
	}
	if len(cfg.Models) != 3 || cfg.Models[2] != "c" {
		t.Errorf("unexpected models %v", cfg.Models)
	}
}

func TestAdminTokenEnvPrecedence(t *testing.T) {
	t.Setenv("ARW_ADMIN_TOKEN", "shared")
	if cfg := LoadFromEnv(); cfg.AdminToken != "shared" || !cfg.HasAuth() {
		t.Errorf("expected ARW_ADMIN_TOKEN to be used, got %q", cfg.AdminToken)
	}

	t.Setenv("RMSYNC_ADMIN_TOKEN", "specific")
	if cfg := LoadFromEnv(); cfg.AdminToken != "specific" {
		t.Errorf("expected RMSYNC_ADMIN_TOKEN to win, got %q", cfg.AdminToken)
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")

	cfg := Default()
	cfg.Models = []string{"models_metrics"}
	cfg.StaleAfter = time.Minute

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if len(loaded.Models) != 1 || loaded.Models[0] != "models_metrics" {
		t.Errorf("unexpected models %v", loaded.Models)
	}
	if loaded.StaleAfter != time.Minute {
		t.Errorf("expected 1m, got %s", loaded.StaleAfter)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.BaseURL = "ws://nope"
	if err := cfg.Validate(); err == nil {
		t.Error("expected unsupported scheme to fail")
	}

	cfg = Default()
	cfg.Replay = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected negative replay to fail")
	}
}
