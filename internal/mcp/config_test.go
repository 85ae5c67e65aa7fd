package mcp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/toolgate/internal/connectors"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Health.MaxMissed)
	require.Empty(t, cfg.Servers)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
servers:
  fs-tools:
    command: npx
    args: ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
    env: {B: "2", A: "1"}
    tools: [read_file]
  search:
    transport: http
    url: http://localhost:8931/mcp
    disallowed_tools: [delete_index]
priority:
  fs-tools: 100
health:
  interval: 10s
  max_missed: 5
call_timeout: 2m
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, []string{"fs-tools", "search"}, cfg.ServerNames())
	require.Equal(t, 10*time.Second, cfg.Health.Interval)
	require.Equal(t, 5*time.Second, cfg.Health.Timeout)
	require.Equal(t, 5, cfg.Health.MaxMissed)
	require.Equal(t, 2*time.Minute, cfg.CallTimeout)
	require.Equal(t, 100, cfg.GetPriority("fs-tools"))
	require.Equal(t, DefaultPriority, cfg.GetPriority("search"))

	ep := cfg.Endpoint("fs-tools")
	require.Equal(t, connectors.TransportStdio, ep.Transport)
	require.Equal(t, []string{"A=1", "B=2"}, ep.Env)
	require.Equal(t, connectors.TransportHTTP, cfg.Endpoint("search").Transport)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero interval", func(c *Config) { c.Health.Interval = 0 }},
		{"zero max missed", func(c *Config) { c.Health.MaxMissed = 0 }},
		{"zero call timeout", func(c *Config) { c.CallTimeout = 0 }},
		{"stdio without command", func(c *Config) { c.Servers["x"] = ServerConfig{} }},
		{"sse without url", func(c *Config) { c.Servers["x"] = ServerConfig{Transport: connectors.TransportSSE} }},
		{"unknown priority server", func(c *Config) { c.Priority["ghost"] = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "servers.yaml")
	cfg := DefaultConfig()
	cfg.Servers["git"] = ServerConfig{Command: "git-mcp"}
	cfg.Priority["git"] = 70

	require.NoError(t, SaveConfig(path, cfg))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 70, loaded.GetPriority("git"))
	require.Equal(t, "git-mcp", loaded.Servers["git"].Command)

	require.Error(t, SaveConfig(path, nil))
}
