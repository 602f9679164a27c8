// Package config loads Niffler's model catalog and runtime settings from a
// YAML or JSON5 file, resolving $include directives and environment
// variable references before decoding into typed structs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ReasoningLevel is the reasoning-token budget tier requested from a model.
type ReasoningLevel string

const (
	ReasoningNone ReasoningLevel = "none"
	ReasoningLow  ReasoningLevel = "low"
	ReasoningMed  ReasoningLevel = "med"
	ReasoningHigh ReasoningLevel = "high"
)

// ReasoningBudget returns the maximum accumulated thinking tokens retained
// for a request at this level, per spec §4.2.
func (r ReasoningLevel) ReasoningBudget() int {
	switch r {
	case ReasoningLow:
		return 2048
	case ReasoningMed:
		return 4096
	case ReasoningHigh:
		return 8192
	default:
		return 0
	}
}

// ModelEntry describes one nicknamed model in the catalog.
type ModelEntry struct {
	Nickname       string         `yaml:"nickname"`
	BaseURL        string         `yaml:"base_url"`
	APIEnvVar      string         `yaml:"api_env_var"`
	Model          string         `yaml:"model"`
	Reasoning      ReasoningLevel `yaml:"reasoning"`
	InputCostPerM  float64        `yaml:"input_cost_per_mtoken"`
	OutputCostPerM float64        `yaml:"output_cost_per_mtoken"`
}

// APIKey resolves the model's API key from its configured environment
// variable. Returns an error (Config-class, fatal at startup) if unset.
func (m ModelEntry) APIKey() (string, error) {
	if m.APIEnvVar == "" {
		return "", fmt.Errorf("model %q has no api_env_var configured", m.Nickname)
	}
	key := os.Getenv(m.APIEnvVar)
	if key == "" {
		return "", fmt.Errorf("environment variable %s is not set for model %q", m.APIEnvVar, m.Nickname)
	}
	return key, nil
}

// Config is the root decoded configuration document.
type Config struct {
	Version      int          `yaml:"version"`
	DefaultModel string       `yaml:"default_model"`
	Models       []ModelEntry `yaml:"models"`
	DatabasePath string       `yaml:"database_path"`
	LogLevel     string       `yaml:"log_level"`
	Tools        ToolsConfig  `yaml:"tools"`
}

// ToolsConfig carries tool-level defaults shared by the registry and worker.
type ToolsConfig struct {
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
	BashTimeoutCeilingSec int `yaml:"bash_timeout_ceiling_seconds"`
	MaxOutputBytes        int `yaml:"max_output_bytes"`
}

// DefaultDatabasePath returns the platform-appropriate niffler.db location.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "niffler.db"
	}
	return filepath.Join(home, ".niffler", "niffler.db")
}

// Load reads, resolves includes for, and decodes the config file at path.
// An empty path falls back to sane defaults with no configured models.
func Load(path string) (*Config, error) {
	if path == "" {
		return &Config{
			Version:      CurrentVersion,
			DatabasePath: DefaultDatabasePath(),
			LogLevel:     "info",
			Tools: ToolsConfig{
				DefaultTimeoutSeconds: 30,
				BashTimeoutCeilingSec: 300,
				MaxOutputBytes:        64 * 1024,
			},
		}, nil
	}

	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = DefaultDatabasePath()
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Tools.DefaultTimeoutSeconds == 0 {
		cfg.Tools.DefaultTimeoutSeconds = 30
	}
	if cfg.Tools.BashTimeoutCeilingSec == 0 {
		cfg.Tools.BashTimeoutCeilingSec = 300
	}
	if cfg.Tools.MaxOutputBytes == 0 {
		cfg.Tools.MaxOutputBytes = 64 * 1024
	}
	return cfg, nil
}

// ModelByNickname resolves a catalog entry, falling back to DefaultModel
// when nickname is empty.
func (c *Config) ModelByNickname(nickname string) (ModelEntry, error) {
	if nickname == "" {
		nickname = c.DefaultModel
	}
	for _, m := range c.Models {
		if m.Nickname == nickname {
			return m, nil
		}
	}
	return ModelEntry{}, fmt.Errorf("no model configured with nickname %q", nickname)
}
