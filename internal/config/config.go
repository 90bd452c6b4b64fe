// Package config holds parley's typed configuration: one struct per
// concern, loaded from YAML with environment overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all parley configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Decision service connection.
	API APIConfig `yaml:"api"`

	// Engine behavior (debounce, progress gating).
	Engine EngineConfig `yaml:"engine"`

	// Local rules-engine evaluation.
	Rules RulesConfig `yaml:"rules"`

	// Session history persistence.
	Store StoreConfig `yaml:"store"`

	// Logging.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the decision-service client.
type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

// RequestTimeout parses the configured timeout, defaulting to 30s.
func (c APIConfig) RequestTimeout() time.Duration {
	if d, err := time.ParseDuration(c.Timeout); err == nil && d > 0 {
		return d
	}
	return 30 * time.Second
}

// EngineConfig configures the session state machine.
type EngineConfig struct {
	// DebounceInterval batches remote recomputation while the user is
	// actively typing. The local leg always runs immediately.
	DebounceInterval string `yaml:"debounce_interval"`
}

// Debounce parses the configured interval, defaulting to 400ms.
func (c EngineConfig) Debounce() time.Duration {
	if d, err := time.ParseDuration(c.DebounceInterval); err == nil && d >= 0 {
		return d
	}
	return 400 * time.Millisecond
}

// RulesConfig configures local rules-engine evaluation.
type RulesConfig struct {
	// ScriptOverridePath, when set, names a local rules-engine script
	// that replaces the server-fetched one (development only).
	ScriptOverridePath string `yaml:"script_override_path"`

	// WatchOverride hot-reloads the override script on change.
	WatchOverride bool `yaml:"watch_override"`
}

// StoreConfig configures session history persistence.
type StoreConfig struct {
	// DatabasePath enables checkpointing when non-empty.
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures the categorized debug logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "parley",
		Version: "1.0.0",

		API: APIConfig{
			Timeout: "30s",
		},
		Engine: EngineConfig{
			DebounceInterval: "400ms",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides always apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides layers PARLEY_* environment variables over the
// file-loaded values. Environment always wins.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("PARLEY_API_URL"); url != "" {
		c.API.BaseURL = url
	}
	if key := os.Getenv("PARLEY_API_KEY"); key != "" {
		c.API.APIKey = key
	}
	if timeout := os.Getenv("PARLEY_API_TIMEOUT"); timeout != "" {
		c.API.Timeout = timeout
	}
	if interval := os.Getenv("PARLEY_DEBOUNCE"); interval != "" {
		c.Engine.DebounceInterval = interval
	}
	if path := os.Getenv("PARLEY_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if path := os.Getenv("PARLEY_RULES_OVERRIDE"); path != "" {
		c.Rules.ScriptOverridePath = path
	}
}
