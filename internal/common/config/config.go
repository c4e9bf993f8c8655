// Package config provides configuration management for Jelly J.
// It supports loading configuration from environment variables, a config
// file, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Jelly J.
type Config struct {
	StateDir  string          `mapstructure:"state_dir"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Model     ModelConfig     `mapstructure:"model"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	History   HistoryConfig   `mapstructure:"history"`
	Zellij    ZellijConfig    `mapstructure:"zellij"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
}

// DaemonConfig holds daemon-side switches.
type DaemonConfig struct {
	// Trace enables the frame/executor trace log next to the state dir.
	Trace bool `mapstructure:"trace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// ModelConfig selects the conversation model.
type ModelConfig struct {
	// Default is the model alias used until a set_model arrives.
	Default string `mapstructure:"default"`
}

// HeartbeatConfig controls the background workspace probe.
type HeartbeatConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
}

// HistoryConfig controls history replay.
type HistoryConfig struct {
	// SnapshotLimit bounds the suffix replayed on client registration.
	SnapshotLimit int `mapstructure:"snapshot_limit"`
}

// ZellijConfig points at the multiplexer and its butler plugin.
type ZellijConfig struct {
	// Bin overrides the zellij binary; empty means PATH lookup, and the
	// per-connection env context can override both.
	Bin string `mapstructure:"bin"`
	// PluginURL is the butler plugin address for pipe RPC.
	PluginURL string `mapstructure:"plugin_url"`
}

// RuntimeConfig points at the model runtime CLI.
type RuntimeConfig struct {
	// Bin is the model runtime binary (default: claude on PATH).
	Bin string `mapstructure:"bin"`
	// WorkspaceTools mounts the workspace-control tool server into turns.
	WorkspaceTools bool `mapstructure:"workspace_tools"`
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", "")
	v.SetDefault("daemon.trace", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stderr")

	v.SetDefault("model.default", "opus")

	v.SetDefault("heartbeat.enabled", true)
	v.SetDefault("heartbeat.interval", 5*time.Minute)
	v.SetDefault("heartbeat.initial_delay", 2*time.Minute)

	v.SetDefault("history.snapshot_limit", 80)

	v.SetDefault("zellij.bin", "")
	v.SetDefault("zellij.plugin_url", "file:~/.config/zellij/plugins/jelly-j-butler.wasm")

	v.SetDefault("runtime.bin", "claude")
	v.SetDefault("runtime.workspace_tools", true)
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the JELLY_J_ prefix with snake_case
// naming (JELLY_J_STATE_DIR, JELLY_J_DAEMON_TRACE, ...).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("JELLY_J")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// JELLY_J_DAEMON_TRACE historically accepts "1"; viper's bool cast
	// handles it, but bind explicitly so the key exists without a file.
	_ = v.BindEnv("state_dir", "JELLY_J_STATE_DIR")
	_ = v.BindEnv("daemon.trace", "JELLY_J_DAEMON_TRACE")
	_ = v.BindEnv("zellij.bin", "JELLY_J_ZELLIJ_BIN")
	_ = v.BindEnv("runtime.bin", "JELLY_J_RUNTIME_BIN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "jelly-j"))
	}

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	if cfg.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true, "console": true}
		if !validFormats[strings.ToLower(cfg.Logging.Format)] {
			errs = append(errs, "logging.format must be one of: json, text")
		}
	}

	if cfg.Model.Default != "opus" && cfg.Model.Default != "haiku" {
		errs = append(errs, "model.default must be one of: opus, haiku")
	}

	if cfg.Heartbeat.Interval <= 0 {
		errs = append(errs, "heartbeat.interval must be positive")
	}
	if cfg.Heartbeat.InitialDelay < 0 {
		errs = append(errs, "heartbeat.initial_delay must not be negative")
	}

	if cfg.History.SnapshotLimit <= 0 {
		errs = append(errs, "history.snapshot_limit must be positive")
	}

	if cfg.Runtime.Bin == "" {
		errs = append(errs, "runtime.bin must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
