// Package config provides layered configuration loading for the worker process.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete worker configuration.
type Config struct {
	Project ProjectConfig `yaml:"project"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Metrics MetricsConfig `yaml:"metrics"`
	Watch   WatchConfig   `yaml:"watch"`
}

// ProjectConfig configures the project the worker operates against.
type ProjectConfig struct {
	// Path is the project root path (defaults to the current working directory).
	Path string `yaml:"path"`
	// LogLevel controls slog verbosity: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// BridgeConfig configures the Python bridge subprocess.
type BridgeConfig struct {
	// PythonPath is the interpreter binary used to run the bridge script.
	PythonPath string `yaml:"python_path"`
	// CallTimeout bounds a single bridge request/response round trip.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// HeartbeatInterval is loaded and merged like the other settings, but no
	// component reads it: no heartbeat notifications are emitted.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// MetricsConfig configures the optional Prometheus metrics listener.
type MetricsConfig struct {
	// Addr, when non-empty, is the address an HTTP listener serving /metrics
	// binds to.
	Addr string `yaml:"addr"`
}

// WatchConfig configures the optional fsnotify-driven re-discovery loop.
type WatchConfig struct {
	Enabled        bool          `yaml:"enabled"`
	DebounceWindow time.Duration `yaml:"debounce_window"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Project: ProjectConfig{
			Path:     "",
			LogLevel: "info",
		},
		Bridge: BridgeConfig{
			PythonPath:        "python3",
			CallTimeout:       30 * time.Second,
			HeartbeatInterval: 0,
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
		Watch: WatchConfig{
			Enabled:        false,
			DebounceWindow: 500 * time.Millisecond,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Bridge.PythonPath == "" {
		return fmt.Errorf("bridge.python_path is required")
	}
	if c.Bridge.CallTimeout <= 0 {
		return fmt.Errorf("bridge.call_timeout must be positive")
	}
	switch c.Project.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("project.log_level must be one of debug, info, warn, error")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one; other takes precedence for
// non-zero values.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Project.Path != "" {
		c.Project.Path = other.Project.Path
	}
	if other.Project.LogLevel != "" {
		c.Project.LogLevel = other.Project.LogLevel
	}

	if other.Bridge.PythonPath != "" {
		c.Bridge.PythonPath = other.Bridge.PythonPath
	}
	if other.Bridge.CallTimeout != 0 {
		c.Bridge.CallTimeout = other.Bridge.CallTimeout
	}
	if other.Bridge.HeartbeatInterval != 0 {
		c.Bridge.HeartbeatInterval = other.Bridge.HeartbeatInterval
	}

	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}

	if other.Watch.Enabled {
		c.Watch.Enabled = other.Watch.Enabled
	}
	if other.Watch.DebounceWindow != 0 {
		c.Watch.DebounceWindow = other.Watch.DebounceWindow
	}
}
