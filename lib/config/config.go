// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// systemPath is the optional system-wide configuration file. Load
// falls back to it when REMEMD_CONFIG is unset.
const systemPath = "/etc/rememd.yaml"

// Config is the rememd daemon configuration.
type Config struct {
	// PoolDir is the pool database directory: the root under which
	// pool set files and their part files live. Every descriptor in a
	// control request resolves relative to it.
	PoolDir string `yaml:"pool_dir"`

	// Log configures the daemon's log output.
	Log LogConfig `yaml:"log"`

	// Fabric configures the data-plane listener.
	Fabric FabricConfig `yaml:"fabric"`

	// Persist selects which durability methods the daemon offers.
	Persist PersistConfig `yaml:"persist"`

	// Threads caps the data-plane worker count per pool.
	// Zero means the host's online processor count.
	Threads int `yaml:"threads"`
}

// LogConfig configures daemon logging. The daemon's stdout carries
// protocol bytes and its stderr is the client's diagnostic channel, so
// routine records go to a file; only errors are mirrored to stderr.
type LogConfig struct {
	// File is the log file path. Empty disables file logging; errors
	// still reach the client through stderr.
	File string `yaml:"file"`

	// Level is the minimum record level written to the file:
	// debug, info, warn or error. Default: info.
	Level string `yaml:"level"`
}

// FabricConfig configures the in-band data plane.
type FabricConfig struct {
	// Node is the address the data-plane listener binds to. Empty
	// means the local address the ssh connection arrived on (from
	// SSH_CONNECTION), falling back to all interfaces.
	Node string `yaml:"node"`

	// MaxLanes caps the lane count negotiated with clients.
	// Zero applies no cap.
	MaxLanes uint32 `yaml:"max_lanes"`

	// AcceptTimeout bounds the wait for a client's in-band connection
	// after a successful create or open, as a duration string.
	// Empty or "0" waits forever. Default: 30s.
	AcceptTimeout string `yaml:"accept_timeout"`
}

// PersistConfig selects the durability methods the daemon may offer.
// At least one must be enabled.
type PersistConfig struct {
	// Appliance acknowledges each write only after it is durable,
	// with no separate persist round trip.
	Appliance bool `yaml:"appliance"`

	// GeneralPurpose flushes on explicit persist messages from the
	// client. Works on any storage; the safe default.
	GeneralPurpose bool `yaml:"general_purpose"`
}

// Default returns the default configuration. These are complete enough
// to run a daemon with no config file at all, which is the common case
// for ssh-spawned sessions.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		PoolDir: filepath.Join(homeDir, ".remem", "pools"),
		Log: LogConfig{
			File:  "",
			Level: "info",
		},
		Fabric: FabricConfig{
			Node:          "",
			MaxLanes:      0,
			AcceptTimeout: "30s",
		},
		Persist: PersistConfig{
			Appliance:      false,
			GeneralPurpose: true,
		},
		Threads: 0,
	}
}

// Load resolves and loads the daemon configuration: the file named by
// REMEMD_CONFIG if set (which must then exist), else /etc/rememd.yaml
// if present, else built-in defaults.
func Load() (*Config, error) {
	if path := os.Getenv("REMEMD_CONFIG"); path != "" {
		return LoadFile(path)
	}

	if _, err := os.Stat(systemPath); err == nil {
		return LoadFile(systemPath)
	}

	cfg := Default()
	cfg.expandVariables()
	return cfg, nil
}

// LoadFile loads configuration from a specific file path, merging it
// over the defaults. The file is the single source of truth;
// environment variables do not override config values. The only
// expansion performed is ${HOME} and similar path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()

	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in the
// path fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.PoolDir = expandVars(c.PoolDir, vars)
	c.Log.File = expandVars(c.Log.File, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.PoolDir == "" {
		errs = append(errs, fmt.Errorf("pool_dir is required"))
	}

	levels := []string{"", "debug", "info", "warn", "error"}
	if !contains(levels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: debug, info, warn, error"))
	}

	if c.Fabric.AcceptTimeout != "" {
		if _, err := time.ParseDuration(c.Fabric.AcceptTimeout); err != nil {
			errs = append(errs, fmt.Errorf("fabric.accept_timeout: %w", err))
		}
	}

	if !c.Persist.Appliance && !c.Persist.GeneralPurpose {
		errs = append(errs, fmt.Errorf("persist: at least one of appliance, general_purpose must be enabled"))
	}

	if c.Threads < 0 {
		errs = append(errs, fmt.Errorf("threads must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SlogLevel returns the slog level for the configured level name.
// Unknown or empty names mean info.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Timeout returns the parsed accept timeout. Zero (wait forever) when
// the field is empty or "0"; Validate rejects anything unparseable.
func (f FabricConfig) Timeout() time.Duration {
	if f.AcceptTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(f.AcceptTimeout)
	if err != nil {
		return 0
	}
	return d
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
