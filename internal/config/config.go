// Package config loads the server configuration from YAML, TOML or JSON.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from strings like "30s" in
// every supported config format.
type Duration time.Duration

// UnmarshalText satisfies encoding.TextUnmarshaler (used by the TOML and
// YAML decoders).
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalJSON accepts either a duration string or integer nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		return d.UnmarshalText([]byte(v))
	case float64:
		*d = Duration(time.Duration(v))
		return nil
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds everything the serve command needs to start.
type Config struct {
	// Addr is the listen address for the HTTP API.
	Addr string `yaml:"addr" toml:"addr" json:"addr"`

	// Store selects the persistence backend: "memory" or "redis".
	Store string `yaml:"store" toml:"store" json:"store"`

	Redis RedisConfig `yaml:"redis" toml:"redis" json:"redis"`

	// HandlerTimeout bounds each handler invocation.
	HandlerTimeout Duration `yaml:"handler_timeout" toml:"handler_timeout" json:"handler_timeout"`

	// RecoveryInterval is how often the sweep reconciles abandoned PENDING
	// executions. Zero disables the sweep.
	RecoveryInterval Duration `yaml:"recovery_interval" toml:"recovery_interval" json:"recovery_interval"`

	// RecoveryMaxAge is how long a PENDING execution may sit before the
	// sweep declares it abandoned.
	RecoveryMaxAge Duration `yaml:"recovery_max_age" toml:"recovery_max_age" json:"recovery_max_age"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" toml:"log_level" json:"log_level"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr" json:"addr"`
	Password string `yaml:"password" toml:"password" json:"password"`
	DB       int    `yaml:"db" toml:"db" json:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix" json:"prefix"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:             ":8080",
		Store:            "memory",
		Redis:            RedisConfig{Addr: "localhost:6379", Prefix: "espalier:"},
		HandlerTimeout:   Duration(30 * time.Second),
		RecoveryInterval: Duration(time.Minute),
		RecoveryMaxAge:   Duration(5 * time.Minute),
		LogLevel:         "info",
	}
}

// Load reads a configuration file, dispatching on extension. A missing path
// (empty string) yields the defaults; a named file that does not exist is an
// error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		// Default to YAML
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	return cfg, cfg.validate()
}

// SlogLevel maps the configured log level onto slog's scale. Unknown values
// fall back to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c Config) validate() error {
	switch c.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown store %q (want memory or redis)", c.Store)
	}
	if c.HandlerTimeout < 0 || c.RecoveryInterval < 0 || c.RecoveryMaxAge < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}
