// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// EnvVar names the environment variable that [Load] reads the
// configuration file path from.
const EnvVar = "ASSETCACHE_CONFIG"

// Config is the configuration of an asset cache server.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Server configures the listener and connection limits.
	Server ServerConfig `yaml:"server"`

	// Store configures the on-disk cache.
	Store StoreConfig `yaml:"store"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	// Per-environment overrides, applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains the sections an environment block may
// override. Empty fields leave the base value alone.
type ConfigOverrides struct {
	Server *ServerConfig `yaml:"server,omitempty"`
	Store  *StoreConfig  `yaml:"store,omitempty"`
	Log    *LogConfig    `yaml:"log,omitempty"`
}

// ServerConfig configures the cache server's network side.
type ServerConfig struct {
	// ListenAddress is the TCP address clients connect to.
	ListenAddress string `yaml:"listen_address"`

	// MetricsAddress serves Prometheus metrics on /metrics. Empty
	// disables the endpoint.
	MetricsAddress string `yaml:"metrics_address"`

	// ReadTimeout closes a connection that sends no request for this
	// long, as a Go duration string. Empty or "0" disables it.
	ReadTimeout string `yaml:"read_timeout"`

	// WriteTimeout bounds sending one response.
	WriteTimeout string `yaml:"write_timeout"`

	// MaxMessageSize bounds the file payload of one message, as a
	// human readable size ("512MiB").
	MaxMessageSize string `yaml:"max_message_size"`
}

// StoreConfig configures the on-disk cache.
type StoreConfig struct {
	// Root is the store directory. Supports ${VAR} expansion.
	Root string `yaml:"root"`

	// MaxSize is the budget for stored entries, as a human readable
	// size ("10GiB", "500 MB").
	MaxSize string `yaml:"max_size"`

	// Compression is one of: auto, none, lz4, zstd.
	Compression string `yaml:"compression"`

	// FlushInterval is how often recency updates are persisted.
	FlushInterval string `yaml:"flush_interval"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of: debug, info, warn, error.
	Level string `yaml:"level"`
}

var (
	compressionNames = []string{"auto", "none", "lz4", "zstd"}
	logLevels        = []string{"debug", "info", "warn", "error"}
)

// Default returns a configuration with development defaults.
func Default() *Config {
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			ListenAddress:  "127.0.0.1:7420",
			MetricsAddress: "127.0.0.1:7421",
			ReadTimeout:    "5m",
			WriteTimeout:   "1m",
			MaxMessageSize: "1GiB",
		},
		Store: StoreConfig{
			Root:          "${HOME}/.cache/assetcache",
			MaxSize:       "10GiB",
			Compression:   "auto",
			FlushInterval: "30s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the file named by ASSETCACHE_CONFIG.
// Returns an error if the variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; use --config or set %s", EnvVar, EnvVar)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path on top of [Default], applies
// the matching environment block, and expands variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: quieter logs, no public metrics listener.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Log: &LogConfig{Level: "warn"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if server := overrides.Server; server != nil {
		override(&c.Server.ListenAddress, server.ListenAddress)
		override(&c.Server.MetricsAddress, server.MetricsAddress)
		override(&c.Server.ReadTimeout, server.ReadTimeout)
		override(&c.Server.WriteTimeout, server.WriteTimeout)
		override(&c.Server.MaxMessageSize, server.MaxMessageSize)
	}

	if store := overrides.Store; store != nil {
		override(&c.Store.Root, store.Root)
		override(&c.Store.MaxSize, store.MaxSize)
		override(&c.Store.Compression, store.Compression)
		override(&c.Store.FlushInterval, store.FlushInterval)
	}

	if overrides.Log != nil {
		override(&c.Log.Level, overrides.Log.Level)
	}
}

func override(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Server.ListenAddress = expandVars(c.Server.ListenAddress, vars)
	c.Server.MetricsAddress = expandVars(c.Server.MetricsAddress, vars)
	c.Store.Root = expandVars(c.Store.Root, vars)
	c.Store.MaxSize = expandVars(c.Store.MaxSize, vars)
}

// varPattern matches ${VAR} and ${VAR:-default}.
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

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("environment must be one of: development, staging, production (got %q)", c.Environment))
	}

	if c.Server.ListenAddress == "" {
		errs = append(errs, fmt.Errorf("server.listen_address is required"))
	}
	if _, err := parseDuration(c.Server.ReadTimeout); err != nil {
		errs = append(errs, fmt.Errorf("server.read_timeout: %w", err))
	}
	if _, err := parseDuration(c.Server.WriteTimeout); err != nil {
		errs = append(errs, fmt.Errorf("server.write_timeout: %w", err))
	}
	if c.Server.MaxMessageSize != "" {
		if _, err := humanize.ParseBytes(c.Server.MaxMessageSize); err != nil {
			errs = append(errs, fmt.Errorf("server.max_message_size: %w", err))
		}
	}

	if c.Store.Root == "" {
		errs = append(errs, fmt.Errorf("store.root is required"))
	}
	if size, err := humanize.ParseBytes(c.Store.MaxSize); err != nil {
		errs = append(errs, fmt.Errorf("store.max_size: %w", err))
	} else if size == 0 {
		errs = append(errs, fmt.Errorf("store.max_size must be greater than zero"))
	}
	if !slices.Contains(compressionNames, c.Store.Compression) {
		errs = append(errs, fmt.Errorf("store.compression must be one of: %v", compressionNames))
	}
	if interval, err := parseDuration(c.Store.FlushInterval); err != nil {
		errs = append(errs, fmt.Errorf("store.flush_interval: %w", err))
	} else if interval <= 0 {
		errs = append(errs, fmt.Errorf("store.flush_interval must be positive"))
	}

	if !slices.Contains(logLevels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", logLevels))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// MaxBytes returns store.max_size in bytes.
func (c *Config) MaxBytes() (int64, error) {
	return parseSize(c.Store.MaxSize)
}

// MaxMessageBytes returns server.max_message_size in bytes, or zero
// when unset.
func (c *Config) MaxMessageBytes() (int64, error) {
	if c.Server.MaxMessageSize == "" {
		return 0, nil
	}
	return parseSize(c.Server.MaxMessageSize)
}

// ReadTimeout returns server.read_timeout. Zero means no timeout.
func (c *Config) ReadTimeout() (time.Duration, error) {
	return parseDuration(c.Server.ReadTimeout)
}

// WriteTimeout returns server.write_timeout. Zero means no timeout.
func (c *Config) WriteTimeout() (time.Duration, error) {
	return parseDuration(c.Server.WriteTimeout)
}

// FlushInterval returns store.flush_interval.
func (c *Config) FlushInterval() (time.Duration, error) {
	return parseDuration(c.Store.FlushInterval)
}

// EnsureRoot creates the store directory if it does not exist.
func (c *Config) EnsureRoot() error {
	if err := os.MkdirAll(c.Store.Root, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", c.Store.Root, err)
	}
	return nil
}

func parseSize(value string) (int64, error) {
	size, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, err
	}
	if size > uint64(1<<63-1) {
		return 0, fmt.Errorf("size %q is too large", value)
	}
	return int64(size), nil
}

func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if duration < 0 {
		return 0, fmt.Errorf("duration %q is negative", value)
	}
	return duration, nil
}
