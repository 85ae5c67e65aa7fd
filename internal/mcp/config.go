package mcp

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fentz26/toolgate/internal/connectors"
	"gopkg.in/yaml.v3"
)

// DefaultPriority is used for servers without an explicit priority.
const DefaultPriority = 50

// Config holds the tool server configuration.
type Config struct {
	// Servers maps server name to how it is launched or reached.
	Servers map[string]ServerConfig `yaml:"servers"`
	// Priority assigns importance scores to servers (higher wins when
	// several servers advertise the same tool).
	Priority map[string]int `yaml:"priority"`
	// Health controls periodic liveness checks.
	Health HealthConfig `yaml:"health"`
	// HandshakeTimeout bounds connect plus the initial tool listing.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// CallTimeout applies to invocations whose context has no deadline.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// ServerConfig describes one tool server.
type ServerConfig struct {
	// Disabled servers are known but not started by StartAll.
	Disabled  bool                 `yaml:"disabled,omitempty"`
	Transport connectors.Transport `yaml:"transport,omitempty"`
	Command   string               `yaml:"command,omitempty"`
	Args      []string             `yaml:"args,omitempty"`
	Env       map[string]string    `yaml:"env,omitempty"`
	URL       string               `yaml:"url,omitempty"`
	// Tools optionally names tools the server is expected to provide, so
	// calls can be attributed to it before its catalog was ever listed.
	Tools []string `yaml:"tools,omitempty"`
	// AllowedTools, when set, limits which advertised tools are exposed.
	AllowedTools []string `yaml:"allowed_tools,omitempty"`
	// DisallowedTools are never exposed.
	DisallowedTools []string `yaml:"disallowed_tools,omitempty"`
}

// HealthConfig controls the per-server health loop.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	// MaxMissed consecutive failed checks move a server to failed.
	MaxMissed int `yaml:"max_missed"`
}

// DefaultConfig returns a configuration with no servers and default
// timings.
func DefaultConfig() *Config {
	return &Config{
		Servers:  map[string]ServerConfig{},
		Priority: map[string]int{},
		Health: HealthConfig{
			Interval:  15 * time.Second,
			Timeout:   5 * time.Second,
			MaxMissed: 3,
		},
		HandshakeTimeout: 30 * time.Second,
		CallTimeout:      60 * time.Second,
	}
}

// LoadConfig loads configuration from a YAML file. A missing file yields
// the default configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves configuration to a YAML file, creating parent directories if needed.
func SaveConfig(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be positive")
	}
	if c.Health.Timeout <= 0 {
		return fmt.Errorf("health.timeout must be positive")
	}
	if c.Health.MaxMissed < 1 {
		return fmt.Errorf("health.max_missed must be at least 1")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be positive")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be positive")
	}
	for name := range c.Servers {
		if name == "" {
			return fmt.Errorf("server name cannot be empty")
		}
		if err := c.Endpoint(name).Validate(); err != nil {
			return err
		}
	}
	for name := range c.Priority {
		if _, ok := c.Servers[name]; !ok {
			return fmt.Errorf("priority set for unknown server %q", name)
		}
	}
	return nil
}

// GetPriority returns the priority for a server (higher = more important).
func (c *Config) GetPriority(name string) int {
	if p, ok := c.Priority[name]; ok {
		return p
	}
	return DefaultPriority
}

// ServerNames returns all configured server names, sorted.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Endpoint builds the connection endpoint for a configured server.
func (c *Config) Endpoint(name string) connectors.Endpoint {
	sc := c.Servers[name]
	ep := connectors.Endpoint{
		Name:      name,
		Transport: sc.Transport,
		Command:   sc.Command,
		Args:      append([]string(nil), sc.Args...),
		URL:       sc.URL,
	}
	if ep.Transport == "" {
		ep.Transport = connectors.TransportStdio
	}
	keys := make([]string, 0, len(sc.Env))
	for k := range sc.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ep.Env = append(ep.Env, k+"="+sc.Env[k])
	}
	return ep
}
