// Package config loads daemon settings from defaults, an optional
// settings file, TOOLGATE_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "TOOLGATE"

// Config holds daemon settings.
type Config struct {
	ListenAddr  string    `mapstructure:"listen_addr"`
	DataDir     string    `mapstructure:"data_dir"`
	DBPath      string    `mapstructure:"db_path"`
	ModelsFile  string    `mapstructure:"models_file"`
	ServersFile string    `mapstructure:"servers_file"`
	Log         LogConfig `mapstructure:"log"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultDataDir returns ~/.toolgate, or .toolgate when there is no home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".toolgate"
	}
	return filepath.Join(home, ".toolgate")
}

// Load resolves settings. Flags in fs, when changed, override everything
// else; flag names use dashes where keys use underscores (db-path).
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()

	dataDir := DefaultDataDir()
	v.SetDefault("listen_addr", "127.0.0.1:7466")
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("db_path", "")
	v.SetDefault("models_file", "")
	v.SetDefault("servers_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetConfigType("yaml")
	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(dataDir)
		v.SetConfigName("config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if f.Name == "log-level" || f.Name == "log-format" {
				key = "log." + strings.TrimPrefix(f.Name, "log-")
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return Config{}, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read settings file: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	c.applyDerived()
	return c, nil
}

// applyDerived fills paths that default relative to the data directory.
func (c *Config) applyDerived() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "toolgate.db")
	}
	if c.ModelsFile == "" {
		c.ModelsFile = filepath.Join(c.DataDir, "models.yaml")
	}
	if c.ServersFile == "" {
		c.ServersFile = filepath.Join(c.DataDir, "mcp.yaml")
	}
}
