package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("TIDEMARK_DIR", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("expected default interval, got %v", cfg.Sync.Interval)
	}
	if cfg.Sync.RetryAttempts != 3 {
		t.Errorf("expected default retry attempts, got %d", cfg.Sync.RetryAttempts)
	}
	if cfg.Database.Path == "" {
		t.Error("expected default database path")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadReadsFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TIDEMARK_DIR", dir)

	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  url: https://records.example.com
  token: secret
sync:
  interval: 90s
  grace_window: 2m
dashboard:
  enabled: true
  port: 9000
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.URL != "https://records.example.com" {
		t.Errorf("expected server url from file, got %q", cfg.Server.URL)
	}
	if cfg.Sync.Interval != 90*time.Second {
		t.Errorf("expected 90s interval, got %v", cfg.Sync.Interval)
	}
	if cfg.Sync.GraceWindow != 2*time.Minute {
		t.Errorf("expected 2m grace window, got %v", cfg.Sync.GraceWindow)
	}
	if !cfg.Dashboard.Enabled || cfg.Dashboard.Port != 9000 {
		t.Errorf("expected dashboard settings from file, got %+v", cfg.Dashboard)
	}
	// Untouched keys keep their defaults.
	if cfg.Sync.RetryAttempts != 3 {
		t.Errorf("expected default retry attempts, got %d", cfg.Sync.RetryAttempts)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TIDEMARK_DIR", dir)
	t.Setenv("TIDEMARK_SERVER_TOKEN", "from-env")

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  token: from-file\n"), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Token != "from-env" {
		t.Errorf("expected env to win, got %q", cfg.Server.Token)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("TIDEMARK_DIR", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cfg.Sync.RetryAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected zero retry attempts to be rejected")
	}

	cfg.Sync.RetryAttempts = 3
	cfg.Dashboard.Enabled = true
	cfg.Dashboard.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("expected out-of-range port to be rejected")
	}
}

func TestMalformedFileRejected(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TIDEMARK_DIR", dir)

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected malformed config to be rejected")
	}
}
