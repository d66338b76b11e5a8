package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Collection.MaxAttempts != 5 {
		t.Errorf("expected maxAttempts 5, got %d", cfg.Collection.MaxAttempts)
	}
	if cfg.Collection.LockTTL != 15*time.Minute {
		t.Errorf("expected lockTTL 15m, got %v", cfg.Collection.LockTTL)
	}
	if cfg.Scoring.EligibilityThreshold != 0.15 {
		t.Errorf("expected threshold 0.15, got %v", cfg.Scoring.EligibilityThreshold)
	}
	if cfg.Pool.RISPoolPercent != 0.60 || cfg.Pool.TotalAllocationPercent != 0.20 {
		t.Errorf("unexpected pool defaults: %+v", cfg.Pool)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9999
collection:
  maxAttempts: 3
libraries:
  - owner: pmndrs
    repo: zustand
    name: zustand
`)
	t.Setenv("GITHUB_WEBHOOK_SECRET", "shh")
	t.Setenv("ADMIN_EMAILS", "a@example.com, b@example.com")
	t.Setenv("RIS_COLLECTION_MAX_ATTEMPTS", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected port from file, got %d", cfg.Server.Port)
	}
	if cfg.Collection.MaxAttempts != 7 {
		t.Errorf("expected env override 7, got %d", cfg.Collection.MaxAttempts)
	}
	if cfg.GitHub.WebhookSecret != "shh" {
		t.Errorf("expected webhook secret from env")
	}
	if len(cfg.Admin.Emails) != 2 || cfg.Admin.Emails[1] != "b@example.com" {
		t.Errorf("unexpected admin emails: %v", cfg.Admin.Emails)
	}
	if len(cfg.Libraries) != 1 || cfg.Libraries[0].Name != "zustand" {
		t.Errorf("unexpected libraries: %+v", cfg.Libraries)
	}
	// Untouched sections keep their defaults.
	if cfg.Queue.MaxEvents != 100 {
		t.Errorf("expected default maxEvents, got %d", cfg.Queue.MaxEvents)
	}
}

func TestLoadRejectsBadPoolSplit(t *testing.T) {
	path := writeConfig(t, `
pool:
  risPoolPercent: 0.5
  cisPoolPercent: 0.3
  coisPoolPercent: 0.3
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "pool percentages") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
