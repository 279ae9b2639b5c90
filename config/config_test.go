package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `perpflow:
  name: "TestApp"
  version: "1.0"
source:
  binance:
    enabled: true
fetcher:
  timeout: 5s
  retry:
    max_attempts: 2
    base_delay: 100ms
    max_delay: 1s
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Perpflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Perpflow.Name)
	}
	if cfg.Fetcher.Retry.MaxAttempts != 2 {
		t.Errorf("unexpected max attempts: %d", cfg.Fetcher.Retry.MaxAttempts)
	}
	if cfg.Fetcher.Timeout != 5*time.Second {
		t.Errorf("unexpected fetcher timeout: %s", cfg.Fetcher.Timeout)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Cache.RatesTTL != time.Minute {
		t.Errorf("rates ttl default not applied: %s", cfg.Cache.RatesTTL)
	}
	if cfg.Cache.OpenInterestTTL != 5*time.Minute {
		t.Errorf("open interest ttl default not applied: %s", cfg.Cache.OpenInterestTTL)
	}
	if cfg.Server.Address != "0.0.0.0:8080" {
		t.Errorf("server address default not applied: %s", cfg.Server.Address)
	}
	if cfg.Aggregator.LargeOrderThreshold != 100000 {
		t.Errorf("large order threshold default not applied: %f", cfg.Aggregator.LargeOrderThreshold)
	}
}

func TestLoadConfigMissingName(t *testing.T) {
	content := `perpflow:
  version: "1.0"
source:
  binance:
    enabled: true
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	defer os.Remove(f.Name())

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatal("expected validation error for missing name")
	}
}

func TestLoadConfigNoSources(t *testing.T) {
	content := `perpflow:
  name: "TestApp"
  version: "1.0"
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	defer os.Remove(f.Name())

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatal("expected validation error when no exchange is enabled")
	}
}

func TestResolveEnvSpecificPath(t *testing.T) {
	envPaths := map[string]string{
		environmentProduction: "config/config.production.yml",
		environmentStaging:    "config/config.staging.yml",
	}

	cases := []struct {
		appEnv string
		path   string
		want   string
	}{
		{"", "", defaultConfigPath},
		{"", "custom.yml", "custom.yml"},
		{"production", "", "config/config.production.yml"},
		{"prod", "", "config/config.production.yml"},
		{"stagging", "", "config/config.staging.yml"},
		{"production", "custom.yml", "custom.yml"},
		{"production", "config/config.production.yml", "config/config.production.yml"},
	}
	for _, tc := range cases {
		t.Setenv("APP_ENV", tc.appEnv)
		if got := resolveEnvSpecificPath(tc.path, defaultConfigPath, envPaths); got != tc.want {
			t.Errorf("APP_ENV=%q path=%q: got %q, want %q", tc.appEnv, tc.path, got, tc.want)
		}
	}
}
