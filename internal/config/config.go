// Package config loads and validates chatrelay configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all chatrelay configuration.
type Config struct {
	// DataDir is the root for per-tenant state (documents DB, browser profiles).
	DataDir string `yaml:"data_dir"`

	Platform PlatformConfig `yaml:"platform"`
	Browser  BrowserConfig  `yaml:"browser"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Rules    RulesConfig    `yaml:"rules"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Tenants started by `relay run` when no --user flag is given.
	Tenants []TenantConfig `yaml:"tenants"`
}

// PlatformConfig describes the chat platform endpoints.
type PlatformConfig struct {
	AppURL    string   `yaml:"app_url"`    // entry page loaded by the browser
	APIURL    string   `yaml:"api_url"`    // REST endpoint for outbound messages
	LoginPath string   `yaml:"login_path"` // path prefix that signals lost auth
	// BlockedMarkers are lowercase substrings of rendered page content that
	// indicate an anti-bot interstitial.
	BlockedMarkers []string `yaml:"blocked_markers"`
}

// BrowserConfig configures the controlled browser.
type BrowserConfig struct {
	Bin                 string   `yaml:"bin"`
	Launch              []string `yaml:"launch"` // extra chromium flags
	Headless            bool     `yaml:"headless"`
	ViewportWidth       int      `yaml:"viewport_width"`
	ViewportHeight      int      `yaml:"viewport_height"`
	NavigationTimeoutMs int      `yaml:"navigation_timeout_ms"`
}

// RecoveryConfig tunes session restart behaviour.
type RecoveryConfig struct {
	RestartDelayMs   int `yaml:"restart_delay_ms"`   // teardown -> relaunch gap
	AuthCooldownMs   int `yaml:"auth_cooldown_ms"`   // headful -> headless restart gap
	FailureThreshold int `yaml:"failure_threshold"`  // close-signal count before fatal
}

// DispatchConfig tunes the nonce pool and outbound sender.
type DispatchConfig struct {
	NoncePoolSize int `yaml:"nonce_pool_size"`
	NonceLowWater int `yaml:"nonce_low_water"`
	SendTimeoutMs int `yaml:"send_timeout_ms"`
}

// RulesConfig holds engine-wide rule options.
type RulesConfig struct {
	// MatchOrder decides whether global keywords are checked before
	// per-server ones: "global_first" (default) or "server_first".
	MatchOrder string `yaml:"match_order"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	Level      string          `yaml:"level"`       // debug, info, warn, error
	DebugMode  bool            `yaml:"debug_mode"`  // master toggle - false = no file logging
	JSONFormat bool            `yaml:"json_format"` // structured JSON entries
	Categories map[string]bool `yaml:"categories"`  // per-category toggles
}

// TenantConfig declares a tenant to start at boot.
type TenantConfig struct {
	ID       string `yaml:"id"`
	Headless *bool  `yaml:"headless"` // nil = browser default
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir: ".relay",
		Platform: PlatformConfig{
			AppURL:         "https://revolt.onech.at/",
			APIURL:         "https://revolt-api.onech.at",
			LoginPath:      "/login",
			BlockedMarkers: []string{"security of your connection", "blocked"},
		},
		Browser: BrowserConfig{
			Headless:            true,
			ViewportWidth:       1280,
			ViewportHeight:      800,
			NavigationTimeoutMs: 60000,
		},
		Recovery: RecoveryConfig{
			RestartDelayMs:   500,
			AuthCooldownMs:   1000,
			FailureThreshold: 20,
		},
		Dispatch: DispatchConfig{
			NoncePoolSize: 5000,
			NonceLowWater: 500,
			SendTimeoutMs: 10000,
		},
		Rules: RulesConfig{
			MatchOrder: "global_first",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads YAML config from path over the defaults. A missing file is
// not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, cfg.Validate()
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// applyEnv applies environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("CHATRELAY_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CHATRELAY_APP_URL"); v != "" {
		c.Platform.AppURL = v
	}
	if v := os.Getenv("CHATRELAY_API_URL"); v != "" {
		c.Platform.APIURL = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Platform.AppURL == "" {
		return fmt.Errorf("platform.app_url is required")
	}
	if c.Platform.APIURL == "" {
		return fmt.Errorf("platform.api_url is required")
	}
	switch c.Rules.MatchOrder {
	case "", "global_first", "server_first":
	default:
		return fmt.Errorf("rules.match_order must be global_first or server_first, got %q", c.Rules.MatchOrder)
	}
	if c.Dispatch.NonceLowWater > c.Dispatch.NoncePoolSize {
		return fmt.Errorf("dispatch.nonce_low_water (%d) exceeds pool size (%d)", c.Dispatch.NonceLowWater, c.Dispatch.NoncePoolSize)
	}
	if c.Recovery.FailureThreshold <= 0 {
		return fmt.Errorf("recovery.failure_threshold must be positive")
	}
	return nil
}

// NavigationTimeout returns the navigation timeout.
func (c BrowserConfig) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// GetViewportWidth returns viewport width.
func (c BrowserConfig) GetViewportWidth() int {
	if c.ViewportWidth <= 0 {
		return 1280
	}
	return c.ViewportWidth
}

// GetViewportHeight returns viewport height.
func (c BrowserConfig) GetViewportHeight() int {
	if c.ViewportHeight <= 0 {
		return 800
	}
	return c.ViewportHeight
}

// RestartDelay returns the teardown-to-relaunch delay.
func (c RecoveryConfig) RestartDelay() time.Duration {
	if c.RestartDelayMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.RestartDelayMs) * time.Millisecond
}

// AuthCooldown returns the delay before restarting headless after a
// supervised login.
func (c RecoveryConfig) AuthCooldown() time.Duration {
	if c.AuthCooldownMs <= 0 {
		return time.Second
	}
	return time.Duration(c.AuthCooldownMs) * time.Millisecond
}

// SendTimeout returns the outbound request timeout.
func (c DispatchConfig) SendTimeout() time.Duration {
	if c.SendTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.SendTimeoutMs) * time.Millisecond
}

// TenantDir returns the state directory for one tenant.
func (c Config) TenantDir(tenantID string) string {
	return filepath.Join(c.DataDir, tenantID)
}

// DocumentsPath returns the document store path.
func (c Config) DocumentsPath() string {
	return filepath.Join(c.DataDir, "documents.db")
}

// IsCategoryEnabled returns whether logging is enabled for a category.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if !c.DebugMode {
		return false
	}
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}
