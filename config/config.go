// Package config loads rendezvous server configuration through viper:
// defaults, an optional yaml file, WORMHOLE_* environment variables and
// command-line flags, in increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Listen   string `mapstructure:"listen"`
	Database string `mapstructure:"database"`
	LogLevel string `mapstructure:"log_level"`

	// BlurUsage coarsens usage-record timestamps for anonymity and, when
	// set, disables per-request logging. Zero disables blurring.
	BlurUsage time.Duration `mapstructure:"blur_usage"`

	Welcome WelcomeConfig `mapstructure:"welcome"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// WelcomeConfig feeds the welcome blob sent to every client.
type WelcomeConfig struct {
	MOTD              string `mapstructure:"motd"`
	CurrentCLIVersion string `mapstructure:"current_cli_version"`
	Error             string `mapstructure:"error"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":4000")
	v.SetDefault("database", "rendezvous.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("blur_usage", time.Duration(0))
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9712")
	v.SetDefault("metrics.path", "/metrics")
}

// BindFlags registers the command-line overrides on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("listen", ":4000", "rendezvous listen address")
	fs.String("database", "rendezvous.db", "path to the sqlite database")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Duration("blur-usage", 0, "quantize usage timestamps to this interval")
}

// Load reads configuration. file may be empty, in which case only
// defaults, environment and flags apply. The returned viper handle is
// used by Watch.
func Load(file string, fs *pflag.FlagSet) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WORMHOLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		bind := map[string]string{
			"listen":     "listen",
			"database":   "database",
			"log-level":  "log_level",
			"blur-usage": "blur_usage",
		}
		for flag, key := range bind {
			if f := fs.Lookup(flag); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, nil, fmt.Errorf("config: bind flag %s: %w", flag, err)
				}
			}
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	if c.Database == "" {
		return fmt.Errorf("config: database path must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	if c.BlurUsage < 0 {
		return fmt.Errorf("config: blur_usage must not be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("config: metrics.address required when metrics enabled")
	}
	return nil
}

// Watch re-reads the config file on change and hands the parsed result
// to fn. Only reloadable fields (the welcome blob) should be consumed
// from it; listener and database changes require a restart.
func Watch(v *viper.Viper, fn func(Config)) {
	v.OnConfigChange(func(_ fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			return
		}
		if err := cfg.Validate(); err != nil {
			return
		}
		fn(cfg)
	})
	v.WatchConfig()
}
