// Package config handles eatguard configuration.
//
// Configuration is loaded with overlay semantics:
//
//  1. Start with built-in defaults (embedded via go:embed from default.toml)
//  2. Overlay with config file values (if file exists)
//  3. CLI flags and environment variables override at runtime (handled by CLI layer)
//
// The TOML decoder only sets fields present in the file, leaving
// unspecified fields at their default values. If the config file exists
// but is invalid, Load returns an error rather than silently falling back
// to defaults.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed default.toml
var defaultConfigTOML string

// DefaultConfigPath returns the default path of the config file.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(DefaultRuntimeBase(), "eatguard.toml")
	}
	return "/etc/eatguard/eatguard.toml"
}

// Config is the top-level eatguard configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Store   StoreConfig   `toml:"store"`
	Agent   AgentConfig   `toml:"agent"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig controls the classifier daemon.
type ServerConfig struct {
	RuntimeDir string `toml:"runtime_dir"`
	Socket     string `toml:"socket"`
	SocketMode string `toml:"socket_mode"`
}

// StoreConfig controls the event database.
type StoreConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
	Retain  int    `toml:"retain"`
}

// AgentConfig controls the in-process agent.
type AgentConfig struct {
	Module   string   `toml:"module"`
	Endpoint string   `toml:"endpoint"`
	Timeout  Duration `toml:"timeout"`
}

// LoggingConfig controls logging behaviour.
type LoggingConfig struct {
	// Level is the log spec (e.g., "info" or "info,server=debug").
	Level string `toml:"level"`
	// Format is the output format: "text" or "json".
	Format string `toml:"format"`
	// Components provides an alternative way to specify per-component levels.
	Components map[string]string `toml:"components"`
}

// Duration is a time.Duration decoded from a TOML string like "2s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ToSpec converts the LoggingConfig to a log spec string. Components
// become per-component overrides on top of Level.
func (c *LoggingConfig) ToSpec() string {
	if len(c.Components) == 0 {
		return c.Level
	}
	base := c.Level
	if base == "" {
		base = "info"
	}
	names := make([]string, 0, len(c.Components))
	for name := range c.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := []string{base}
	for _, name := range names {
		parts = append(parts, name+"="+c.Components[name])
	}
	return strings.Join(parts, ",")
}

// DefaultConfig returns the default configuration from the embedded default.toml.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		// default.toml is embedded at build time; a decode failure is a
		// build defect, so fall back to a minimal safe config.
		return Config{
			Server:  ServerConfig{SocketMode: "0660"},
			Store:   StoreConfig{Enabled: true, Retain: 10000},
			Agent:   AgentConfig{Module: "kernel32.dll", Timeout: Duration{2 * time.Second}},
			Logging: LoggingConfig{Level: "info", Format: "text"},
		}
	}
	return cfg
}

// Load reads configuration from a file path with overlay semantics.
//
// Behaviour:
//   - File missing: returns default configuration (no error)
//   - File exists and valid: overlays file values onto defaults
//   - File exists but invalid: returns error (fail fast)
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if _, err := c.Server.FileMode(); err != nil {
		return err
	}
	if c.Store.Retain < 0 {
		return fmt.Errorf("store.retain must not be negative, got %d", c.Store.Retain)
	}
	if c.Agent.Timeout.Duration < 0 {
		return fmt.Errorf("agent.timeout must not be negative, got %s", c.Agent.Timeout)
	}
	if c.Server.RuntimeDir != "" && !filepath.IsAbs(c.Server.RuntimeDir) {
		return fmt.Errorf("server.runtime_dir must be absolute, got %q", c.Server.RuntimeDir)
	}
	return nil
}

// FileMode parses SocketMode as an octal permission.
func (c *ServerConfig) FileMode() (os.FileMode, error) {
	if c.SocketMode == "" {
		return 0660, nil
	}
	v, err := strconv.ParseUint(c.SocketMode, 8, 32)
	if err != nil || v > 0777 {
		return 0, fmt.Errorf("server.socket_mode %q is not an octal permission", c.SocketMode)
	}
	return os.FileMode(v), nil
}

// RuntimeDirs returns the runtime directories the config selects.
func (c *Config) RuntimeDirs() (RuntimeDirs, error) {
	if c.Server.RuntimeDir == "" {
		return DefaultRuntimeDirs(), nil
	}
	return NewRuntimeDirs(c.Server.RuntimeDir)
}

// SocketPath returns the configured socket, or the one under dirs.
func (c *Config) SocketPath(dirs RuntimeDirs) string {
	if c.Server.Socket != "" {
		return c.Server.Socket
	}
	return dirs.SocketPath()
}

// StorePath returns the configured database path, or the one under dirs.
func (c *Config) StorePath(dirs RuntimeDirs) string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return dirs.DBPath()
}

// Endpoint returns the address the agent dials.
func (c *Config) Endpoint() (string, error) {
	if c.Agent.Endpoint != "" {
		return c.Agent.Endpoint, nil
	}
	dirs, err := c.RuntimeDirs()
	if err != nil {
		return "", err
	}
	return c.SocketPath(dirs), nil
}
