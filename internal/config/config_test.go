package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Recovery.FailureThreshold != 20 {
		t.Errorf("expected failure threshold 20, got %d", cfg.Recovery.FailureThreshold)
	}
	if cfg.Rules.MatchOrder != "global_first" {
		t.Errorf("expected global_first match order, got %q", cfg.Rules.MatchOrder)
	}
	if got := cfg.Browser.NavigationTimeout(); got != 60*time.Second {
		t.Errorf("expected 60s navigation timeout, got %v", got)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Dispatch.NoncePoolSize != 5000 {
		t.Errorf("expected default pool size, got %d", cfg.Dispatch.NoncePoolSize)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	content := `
data_dir: /tmp/relay-test
platform:
  app_url: https://chat.example.com/
  api_url: https://api.example.com
recovery:
  failure_threshold: 5
tenants:
  - id: server-alpha
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/tmp/relay-test" {
		t.Errorf("data_dir not applied: %q", cfg.DataDir)
	}
	if cfg.Platform.AppURL != "https://chat.example.com/" {
		t.Errorf("app_url not applied: %q", cfg.Platform.AppURL)
	}
	if cfg.Recovery.FailureThreshold != 5 {
		t.Errorf("failure_threshold not applied: %d", cfg.Recovery.FailureThreshold)
	}
	// Untouched sections keep defaults.
	if cfg.Dispatch.NonceLowWater != 500 {
		t.Errorf("expected default low water, got %d", cfg.Dispatch.NonceLowWater)
	}
	if len(cfg.Tenants) != 1 || cfg.Tenants[0].ID != "server-alpha" {
		t.Errorf("tenants not parsed: %+v", cfg.Tenants)
	}
}

func TestValidateRejectsBadMatchOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules.MatchOrder = "alphabetical"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bad match_order")
	}
}

func TestValidateRejectsLowWaterAbovePoolSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dispatch.NoncePoolSize = 10
	cfg.Dispatch.NonceLowWater = 100
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for low water above pool size")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CHATRELAY_DATA_DIR", "/srv/relay")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/srv/relay" {
		t.Errorf("env override not applied: %q", cfg.DataDir)
	}
}

func TestLoggingCategoryToggles(t *testing.T) {
	lc := LoggingConfig{DebugMode: true, Categories: map[string]bool{"session": false}}
	if lc.IsCategoryEnabled("session") {
		t.Error("session should be disabled")
	}
	if !lc.IsCategoryEnabled("router") {
		t.Error("unlisted categories default to enabled")
	}
	lc.DebugMode = false
	if lc.IsCategoryEnabled("router") {
		t.Error("debug_mode off disables everything")
	}
}
