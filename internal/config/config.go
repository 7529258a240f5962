// Package config handles loading, validating, and writing the audit log
// configuration from ~/.auditlog/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - Event store backend and its directory
//   - HTTP API and live feed toggles
//   - Log level and output format
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level audit log configuration.
// Loaded from ~/.auditlog/config.yaml, with defaults for fields that are
// not explicitly set.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	API     APIConfig     `yaml:"api"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig defines where `auditlog serve` listens.
// Default: 127.0.0.1:3110 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig selects the event store.
//
// Backend is one of memory, journal or sqlite. Dir is where the journal
// files or the SQLite database live; a relative path is resolved against
// the config directory. Default: journal in <config-dir>/events.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

// APIConfig controls the HTTP surface served by `auditlog serve`.
type APIConfig struct {
	Enabled  bool `yaml:"enabled"`
	LiveFeed bool `yaml:"liveFeed"`
}

// LoggingConfig controls the process logger. Level is reloaded live when
// config.yaml changes; Format applies at startup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// StorageDir returns the absolute store directory for a config loaded from
// configDir.
func (c *Config) StorageDir(configDir string) string {
	if filepath.IsAbs(c.Storage.Dir) {
		return c.Storage.Dir
	}
	return filepath.Join(configDir, c.Storage.Dir)
}

// Level returns the parsed log level.
func (c *Config) Level() slog.Level {
	lvl, _ := ParseLevel(c.Logging.Level)
	return lvl
}

// ParseLevel maps debug, info, warn or error to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file yet; `auditlog config init` creates one.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `auditlog config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# Audit Log Configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3110)
#
# storage:
#   backend: memory | journal | sqlite (default: journal)
#   dir: Store directory, relative to this file's directory (default: events)
#
# api:
#   enabled: Serve the REST API under /api
#   liveFeed: Stream appended events over /api/ws
#
# logging:
#   level: debug | info | warn | error (reloaded without restart)
#   format: text | json

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3110,
		},
		Storage: StorageConfig{
			Backend: "journal",
			Dir:     "events",
		},
		API: APIConfig{
			Enabled:  true,
			LiveFeed: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

var (
	backends   = []string{"memory", "journal", "sqlite"}
	logFormats = []string{"text", "json"}
)

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	if !slices.Contains(backends, cfg.Storage.Backend) {
		return fmt.Errorf("storage.backend %q must be one of %s", cfg.Storage.Backend, strings.Join(backends, ", "))
	}
	if cfg.Storage.Backend != "memory" && cfg.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is required for the %s backend", cfg.Storage.Backend)
	}

	if _, err := ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if !slices.Contains(logFormats, cfg.Logging.Format) {
		return fmt.Errorf("logging.format %q must be text or json", cfg.Logging.Format)
	}

	return nil
}
