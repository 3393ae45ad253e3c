// Package config loads the process configuration for knot from a YAML file
// with environment variable expansion.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Environment variables
const (
	EnvVaultDir = "KNOT_VAULT_DIR"
	EnvConfig   = "KNOT_CONFIG"
	EnvPassword = "KNOT_PASSWORD"
)

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config represents the process configuration.
type Config struct {
	VaultDir               string        `yaml:"vault_dir"`
	LogLevel               slog.Level    `yaml:"log_level"`
	LogFormat              string        `yaml:"log_format"`
	Debounce               time.Duration `yaml:"debounce"`
	ActivityWindow         time.Duration `yaml:"activity_window"`
	ClipboardClear         time.Duration `yaml:"clipboard_clear"`
	HTTPAddr               string        `yaml:"http_addr"`
	HTTPToken              string        `yaml:"http_token"`
	DefaultAutoLockMinutes int           `yaml:"default_auto_lock_minutes"`
}

// NewDefault returns the configuration used when no file is present.
func NewDefault() *Config {
	return &Config{
		VaultDir:               DefaultVaultDir(),
		LogLevel:               slog.LevelInfo,
		LogFormat:              LogFormatText,
		Debounce:               500 * time.Millisecond,
		ActivityWindow:         time.Second,
		ClipboardClear:         30 * time.Second,
		HTTPAddr:               "127.0.0.1:7420",
		DefaultAutoLockMinutes: 5,
	}
}

// DefaultVaultDir returns $KNOT_VAULT_DIR, or ~/.knot.
func DefaultVaultDir() string {
	if dir := os.Getenv(EnvVaultDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".knot"
	}
	return filepath.Join(home, ".knot")
}

// DefaultPath returns $KNOT_CONFIG, or config.yaml inside the default vault
// directory.
func DefaultPath() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return filepath.Join(DefaultVaultDir(), "config.yaml")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.VaultDir, validation.Required),
		validation.Field(&c.LogFormat, validation.Required, validation.In(LogFormatText, LogFormatJSON)),
		validation.Field(&c.Debounce, validation.Required, validation.Min(10*time.Millisecond)),
		validation.Field(&c.ActivityWindow, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.ClipboardClear, validation.Min(time.Duration(0))),
		validation.Field(&c.HTTPAddr, validation.Required),
		validation.Field(&c.DefaultAutoLockMinutes, validation.Min(0), validation.Max(24*60)),
	)
}

// Load reads the configuration from filename over the defaults. A missing
// file is not an error.
func Load(filename string) (*Config, error) {
	cfg := NewDefault()

	data, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// NewLogger builds the slog logger described by the configuration.
func (c *Config) NewLogger(w *os.File) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
