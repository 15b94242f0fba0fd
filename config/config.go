// Copyright (c) 2025 Seafarer Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and persists helmgate settings. Settings come from
// defaults, then the TOML config file, then HELMGATE_* environment
// overrides, in that order.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/seafarer-labs/helmgate/internal/util"
)

// Config is the injected settings object shared by the privacy core and
// its components. There is no ambient global; the orchestrator owns one
// instance and passes it to each constructor.
type Config struct {
	Privacy PrivacyConfig `toml:"privacy"`
	Prompt  PromptConfig  `toml:"prompt"`
	Storage StorageConfig `toml:"storage"`
}

// PrivacyConfig holds the operator-facing privacy switches. Changing any
// of these through the core is an audited configuration change.
type PrivacyConfig struct {
	// EdgeOnlyMode disables every transfer path except explicit
	// operator-approved ones. Trusted-partner simplification is off.
	EdgeOnlyMode bool `toml:"edge_only_mode"`

	// CloudSyncEnabled gates backup ciphertext leaving the device. Off
	// until the operator turns it on.
	CloudSyncEnabled bool `toml:"cloud_sync_enabled"`

	// RetainRotatedKeys keeps superseded device keys so old backups stay
	// restorable after a key rotation. Defaults to false: rotation
	// destroys access to prior backups.
	RetainRotatedKeys bool `toml:"retain_rotated_keys"`

	// AuditHaltOnFailure latches the audit log into refusing all appends
	// after a storage failure. Leave this on.
	AuditHaltOnFailure bool `toml:"audit_halt_on_failure"`
}

// PromptConfig controls the captain-prompt flow.
type PromptConfig struct {
	// TimeoutSeconds is how long a prompt waits for the operator before
	// the request is treated as denied.
	TimeoutSeconds int `toml:"timeout_seconds"`

	// Language selects the prompt wording: "en", "tr" or "el".
	Language string `toml:"language"`

	// RatePerMinute and Burst throttle how often an operator can be
	// interrupted with prompts.
	RatePerMinute int `toml:"rate_per_minute"`
	Burst         int `toml:"burst"`
}

// StorageConfig holds on-device paths.
type StorageConfig struct {
	// DataDir is the root of helmgate's on-device state.
	DataDir string `toml:"data_dir"`
}

// DatabasePath is the SQLite file under the data directory.
func (s StorageConfig) DatabasePath() string {
	return filepath.Join(s.DataDir, "helmgate.db")
}

// KeystoreDir is the key-material directory under the data directory.
func (s StorageConfig) KeystoreDir() string {
	return filepath.Join(s.DataDir, "keys")
}

// PromptTimeout returns the prompt timeout as a duration.
func (c *Config) PromptTimeout() time.Duration {
	return time.Duration(c.Prompt.TimeoutSeconds) * time.Second
}

// Default returns the built-in settings.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Privacy: PrivacyConfig{
			EdgeOnlyMode:       false,
			CloudSyncEnabled:   false,
			RetainRotatedKeys:  false,
			AuditHaltOnFailure: true,
		},
		Prompt: PromptConfig{
			TimeoutSeconds: 90,
			Language:       "en",
			RatePerMinute:  6,
			Burst:          3,
		},
		Storage: StorageConfig{
			DataDir: filepath.Join(home, ".helmgate"),
		},
	}
}

// Load reads the config file at path over the defaults and applies
// environment overrides. A missing file is not an error: defaults plus
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HELMGATE_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("HELMGATE_LANGUAGE"); v != "" {
		c.Prompt.Language = v
	}
	if v := os.Getenv("HELMGATE_PROMPT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Prompt.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("HELMGATE_EDGE_ONLY"); v != "" {
		c.Privacy.EdgeOnlyMode = v == "1" || v == "true"
	}
}

// Validate rejects settings the core cannot run with.
func (c *Config) Validate() error {
	if c.Prompt.TimeoutSeconds <= 0 {
		return fmt.Errorf("prompt timeout must be positive, got %d", c.Prompt.TimeoutSeconds)
	}
	switch c.Prompt.Language {
	case "en", "tr", "el":
	default:
		return fmt.Errorf("unsupported prompt language %q", c.Prompt.Language)
	}
	if c.Prompt.RatePerMinute <= 0 || c.Prompt.Burst <= 0 {
		return fmt.Errorf("prompt rate and burst must be positive")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("data directory must not be empty")
	}
	return nil
}

// Save writes the config atomically with owner-only permissions.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, buf.Bytes(), 0o600, 0o700); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
