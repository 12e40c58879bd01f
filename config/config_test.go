package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "python3", cfg.Bridge.PythonPath)
	assert.Equal(t, 30*time.Second, cfg.Bridge.CallTimeout)
	assert.Equal(t, "info", cfg.Project.LogLevel)
	assert.False(t, cfg.Watch.Enabled)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid default config", modify: func(c *Config) {}, wantErr: false},
		{name: "missing python path", modify: func(c *Config) { c.Bridge.PythonPath = "" }, wantErr: true},
		{name: "non-positive call timeout", modify: func(c *Config) { c.Bridge.CallTimeout = 0 }, wantErr: true},
		{name: "unrecognized log level", modify: func(c *Config) { c.Project.LogLevel = "verbose" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
project:
  path: "/test/path"
  log_level: "debug"
bridge:
  python_path: "/usr/bin/python3.11"
  call_timeout: 45s
metrics:
  addr: "127.0.0.1:9090"
watch:
  enabled: true
  debounce_window: 1s
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/test/path", cfg.Project.Path)
	assert.Equal(t, "debug", cfg.Project.LogLevel)
	assert.Equal(t, "/usr/bin/python3.11", cfg.Bridge.PythonPath)
	assert.Equal(t, 45*time.Second, cfg.Bridge.CallTimeout)
	assert.Equal(t, "127.0.0.1:9090", cfg.Metrics.Addr)
	assert.True(t, cfg.Watch.Enabled)
	assert.Equal(t, time.Second, cfg.Watch.DebounceWindow)
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Project: ProjectConfig{Path: "/override/path"},
		Bridge:  BridgeConfig{PythonPath: "override-python"},
	}

	base.Merge(override)

	assert.Equal(t, "/override/path", base.Project.Path)
	assert.Equal(t, "override-python", base.Bridge.PythonPath)
	// CallTimeout wasn't set on override, so it should remain the default.
	assert.Equal(t, 30*time.Second, base.Bridge.CallTimeout)
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Bridge.PythonPath = "saved-python"

	require.NoError(t, cfg.SaveToFile(configPath))
	_, err := os.Stat(configPath)
	require.NoError(t, err)

	loaded, err := LoadFromFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, "saved-python", loaded.Bridge.PythonPath)
}
