// Package config loads server settings from an optional YAML file, with
// COEDIT_* environment variables taking precedence over both the file and
// the defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultListen       = ":8081"
	DefaultStorePath    = "coedit.db"
	DefaultRedisChannel = "coedit.broadcast"
	DefaultProvider     = "openai"
	DefaultModel        = "gpt-4o-mini"
)

// Duration wraps time.Duration so YAML can carry values like "1s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Completion tunes the AI pipeline.
type Completion struct {
	// Provider is "openai" or "anthropic".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// MaxAttempts bounds the retry loop; observed deployments use 3 or 100.
	MaxAttempts uint     `yaml:"max_attempts"`
	Interval    Duration `yaml:"retry_interval"`
	// IndentPolicy is "legacy" or "cursor".
	IndentPolicy string `yaml:"indent_policy"`
	// PromptTemplate optionally points at a template file that overrides
	// the built-in prompt and is hot-reloaded on change.
	PromptTemplate string `yaml:"prompt_template"`
}

// Telemetry configures trace export.
type Telemetry struct {
	Endpoint    string `yaml:"endpoint"`
	Environment string `yaml:"environment"`
}

// Config is the full server configuration.
type Config struct {
	Listen    string `yaml:"listen"`
	StorePath string `yaml:"store_path"`
	// RedisAddr enables the cross-instance broadcast bridge when set.
	RedisAddr    string     `yaml:"redis_addr"`
	RedisChannel string     `yaml:"redis_channel"`
	Completion   Completion `yaml:"completion"`
	Telemetry    Telemetry  `yaml:"telemetry"`
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when empty), then the environment.
func Load(path string) (Config, error) {
	cfg := Config{
		Listen:       DefaultListen,
		StorePath:    DefaultStorePath,
		RedisChannel: DefaultRedisChannel,
		Completion: Completion{
			Provider:     DefaultProvider,
			Model:        DefaultModel,
			MaxAttempts:  3,
			Interval:     Duration(time.Second),
			IndentPolicy: "legacy",
		},
		Telemetry: Telemetry{Environment: "dev"},
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Listen, "COEDIT_LISTEN")
	setString(&cfg.StorePath, "COEDIT_STORE_PATH")
	setString(&cfg.RedisAddr, "COEDIT_REDIS_ADDR")
	setString(&cfg.RedisChannel, "COEDIT_REDIS_CHANNEL")
	setString(&cfg.Completion.Provider, "COEDIT_PROVIDER")
	setString(&cfg.Completion.Model, "COEDIT_MODEL")
	setString(&cfg.Completion.IndentPolicy, "COEDIT_INDENT_POLICY")
	setString(&cfg.Completion.PromptTemplate, "COEDIT_PROMPT_TEMPLATE")
	setString(&cfg.Telemetry.Endpoint, "COEDIT_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.Environment, "COEDIT_ENVIRONMENT")
	if v := os.Getenv("COEDIT_RETRY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Completion.Interval = Duration(d)
		}
	}
	if v := os.Getenv("COEDIT_MAX_ATTEMPTS"); v != "" {
		var n uint
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.Completion.MaxAttempts = n
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c Config) validate() error {
	switch c.Completion.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("config: unknown provider %q", c.Completion.Provider)
	}
	switch c.Completion.IndentPolicy {
	case "legacy", "cursor":
	default:
		return fmt.Errorf("config: unknown indent policy %q", c.Completion.IndentPolicy)
	}
	return nil
}
