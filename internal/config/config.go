// Package config provides configuration loading for rmwatch.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all client configuration.
type Config struct {
	// Service base URL (default "http://127.0.0.1:8091")
	BaseURL string `yaml:"base_url"`
	// Admin token; empty selects the unauthenticated stream
	AdminToken string `yaml:"admin_token,omitempty"`

	// Read models to seed and keep in sync
	Models []string `yaml:"models,omitempty"`
	// Per-model snapshot path overrides, e.g. route_stats: /state/route_stats
	Routes map[string]string `yaml:"routes,omitempty"`

	// Stream settings
	Prefixes   []string      `yaml:"prefixes,omitempty"`
	Replay     int           `yaml:"replay"`
	MaxRetry   time.Duration `yaml:"max_retry"`
	StaleAfter time.Duration `yaml:"stale_after"`

	// Cron schedule for full snapshot resyncs; empty disables
	ResyncSchedule string `yaml:"resync_schedule,omitempty"`

	// Listen addresses for rmwatch serve
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	BridgeAddr  string `yaml:"bridge_addr,omitempty"`

	// OTLP gRPC endpoint; empty disables tracing
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		BaseURL:     "http://127.0.0.1:8091",
		MaxRetry:    5 * time.Second,
		StaleAfter:  15 * time.Second,
		MetricsAddr: "127.0.0.1:9464",
		BridgeAddr:  "127.0.0.1:8092",
		LogLevel:    "info",
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("RMSYNC_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("ARW_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := os.Getenv("RMSYNC_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := os.Getenv("RMSYNC_MODELS"); v != "" {
		cfg.Models = splitList(v)
	}
	if v := os.Getenv("RMSYNC_PREFIXES"); v != "" {
		cfg.Prefixes = splitList(v)
	}
	if v := os.Getenv("RMSYNC_REPLAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Replay = n
		}
	}
	if v := os.Getenv("RMSYNC_MAX_RETRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MaxRetry = d
		}
	}
	if v := os.Getenv("RMSYNC_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StaleAfter = d
		}
	}
	if v := os.Getenv("RMSYNC_RESYNC_SCHEDULE"); v != "" {
		cfg.ResyncSchedule = v
	}
	if v := os.Getenv("RMSYNC_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("RMSYNC_BRIDGE_ADDR"); v != "" {
		cfg.BridgeAddr = v
	}
	if v := os.Getenv("RMSYNC_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("RMSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url: unsupported scheme %q", u.Scheme)
	}
	if c.Replay < 0 {
		return fmt.Errorf("replay: must not be negative")
	}
	if c.MaxRetry < 0 || c.StaleAfter < 0 {
		return fmt.Errorf("max_retry and stale_after must not be negative")
	}
	return nil
}

// HasAuth returns true if an admin token is configured.
func (c Config) HasAuth() bool {
	return c.AdminToken != ""
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
