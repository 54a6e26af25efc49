// Package config loads the hub's yaml configuration file and applies
// defaults and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes yaml duration notation ("30s", "5m") into a
// time.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("config: duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the hub configuration document.
type Config struct {
	// DataDir holds the session, permission, user, and agent files.
	DataDir string `yaml:"data_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// SyncInterval is the session checkpoint period.
	SyncInterval Duration `yaml:"sync_interval"`

	Providers   ProvidersConfig   `yaml:"providers"`
	Selector    SelectorConfig    `yaml:"selector"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Requests    RequestsConfig    `yaml:"requests"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ProviderConfig configures one LLM provider. APIKey wins over APIKeyEnv.
type ProviderConfig struct {
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
}

// Key resolves the API key, falling back to the named environment variable.
func (p ProviderConfig) Key() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

// ProvidersConfig lists the configured providers. A nil entry disables it.
type ProvidersConfig struct {
	OpenAI    *ProviderConfig `yaml:"openai"`
	Anthropic *ProviderConfig `yaml:"anthropic"`
}

// SelectorConfig configures the agent selector. An empty Provider disables
// routing of unaddressed messages.
type SelectorConfig struct {
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	MaxTokens    int    `yaml:"max_tokens"`
	Instructions string `yaml:"instructions"`
}

// PermissionsConfig selects the permission store backend.
type PermissionsConfig struct {
	// Backend is "file" (JSON document) or "sqlite".
	Backend string `yaml:"backend"`
}

// RequestsConfig configures the remote request channel.
type RequestsConfig struct {
	// Listen is the websocket listen address; empty disables the server and
	// requests fall back to the console.
	Listen string `yaml:"listen"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	// Listen is the /metrics listen address; empty disables it.
	Listen string `yaml:"listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataDir:      filepath.Join(home, ".grouphub"),
		LogLevel:     "info",
		SyncInterval: Duration(30 * time.Second),
		Providers: ProvidersConfig{
			OpenAI:    &ProviderConfig{APIKeyEnv: "OPENAI_API_KEY"},
			Anthropic: &ProviderConfig{APIKeyEnv: "ANTHROPIC_API_KEY"},
		},
		Permissions: PermissionsConfig{Backend: "file"},
	}
}

// Load reads the configuration file at path over the defaults. A missing file
// yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	switch c.Permissions.Backend {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("config: unknown permissions backend %q", c.Permissions.Backend)
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("config: negative sync_interval")
	}
	return nil
}
