// Copyright 2026 The Conclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Conclave
// components.
//
// Configuration is loaded from a single YAML file specified by the
// CONCLAVE_CONFIG environment variable or an explicit path (typically
// a --config flag). There are no fallbacks or automatic discovery —
// deterministic, auditable configuration with no hidden overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "CONCLAVE_CONFIG"

// Config is the master configuration for a Conclave participant.
type Config struct {
	// Storage configures the durable group store.
	Storage StorageConfig `yaml:"storage"`

	// Invitations configures invitation housekeeping.
	Invitations InvitationConfig `yaml:"invitations"`

	// Groups configures defaults applied when a group is created
	// without an explicit policy.
	Groups GroupDefaults `yaml:"groups"`

	// Logging configures the slog level.
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	// Path is the database file. Required for durable operation;
	// empty selects the in-memory store (state lost on exit).
	Path string `yaml:"path"`

	// PoolSize is the SQLite connection pool size. Zero uses the
	// pool default.
	PoolSize int `yaml:"pool_size"`
}

// InvitationConfig configures invitation housekeeping. Expiry itself is
// evaluated lazily on every access; the sweep only tidies records.
type InvitationConfig struct {
	// SweepInterval is how often the background sweep flips expired
	// pending invitations. Zero disables the sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// GroupDefaults are applied when a group is created without an
// explicit policy.
type GroupDefaults struct {
	// MaxMembers caps group size. Must be at least 1 (the creator).
	MaxMembers int `yaml:"max_members"`

	// AllowMemberInvites lets plain members send invitations.
	AllowMemberInvites bool `yaml:"allow_member_invites"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
}

// Default returns the built-in configuration: in-memory store, hourly
// sweep, 50-member groups with member invites allowed (the historical
// defaults), info logging.
func Default() Config {
	return Config{
		Invitations: InvitationConfig{SweepInterval: time.Hour},
		Groups: GroupDefaults{
			MaxMembers:         50,
			AllowMemberInvites: true,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the configuration file at path. If path is empty, the
// CONCLAVE_CONFIG environment variable is consulted; if that is also
// empty, Load fails — configuration is always explicit.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Config{}, fmt.Errorf("config: no path given and %s is not set", EnvVar)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks invariants that YAML parsing cannot express.
func (c Config) Validate() error {
	if c.Groups.MaxMembers < 1 {
		return fmt.Errorf("groups.max_members must be at least 1, got %d", c.Groups.MaxMembers)
	}
	if c.Invitations.SweepInterval < 0 {
		return fmt.Errorf("invitations.sweep_interval must not be negative, got %s", c.Invitations.SweepInterval)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel converts the configured level name to a slog.Level.
func (c Config) SlogLevel() (slog.Level, error) {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
}
