// Package config loads server settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every server setting.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	NATSURL     string `yaml:"nats_url"`
	LogLevel    string `yaml:"log_level"`

	// AddressNamespace separates address spaces of independent deployments.
	AddressNamespace string `yaml:"address_namespace"`

	Ledger struct {
		BootstrapAdmin       string `yaml:"bootstrap_admin"`
		StartingBalanceMicro int64  `yaml:"starting_balance_micro"`
	} `yaml:"ledger"`

	Rollup struct {
		// ExecutorID names the rollup executor; empty disables delegation.
		ExecutorID     string        `yaml:"executor_id"`
		CommitInterval time.Duration `yaml:"commit_interval"`
		SchedulerTick  time.Duration `yaml:"scheduler_tick"`
	} `yaml:"rollup"`

	Oracle struct {
		MaxAge time.Duration `yaml:"max_age"`
		// Prices seeds the static price table, e.g. SOL: "50.00".
		Prices map[string]string `yaml:"prices"`
	} `yaml:"oracle"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	cfg := &Config{
		Port:             "8080",
		LogLevel:         "info",
		AddressNamespace: "arena-ledger",
	}
	cfg.Rollup.CommitInterval = 30 * time.Second
	cfg.Rollup.SchedulerTick = time.Second
	return cfg
}

// Load reads the file named by CONFIG_FILE, if any, then applies environment
// overrides and validates the result.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func overrideWithEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("PORT", &cfg.Port)
	setString("DATABASE_URL", &cfg.DatabaseURL)
	setString("REDIS_URL", &cfg.RedisURL)
	setString("NATS_URL", &cfg.NATSURL)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("ADDRESS_NAMESPACE", &cfg.AddressNamespace)
	setString("BOOTSTRAP_ADMIN", &cfg.Ledger.BootstrapAdmin)
	setString("ROLLUP_EXECUTOR_ID", &cfg.Rollup.ExecutorID)

	if v := os.Getenv("STARTING_BALANCE_MICRO"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("STARTING_BALANCE_MICRO: %w", err)
		}
		cfg.Ledger.StartingBalanceMicro = n
	}
	if v := os.Getenv("COMMIT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("COMMIT_INTERVAL: %w", err)
		}
		cfg.Rollup.CommitInterval = d
	}
	if v := os.Getenv("ORACLE_MAX_AGE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ORACLE_MAX_AGE: %w", err)
		}
		cfg.Oracle.MaxAge = d
	}
	return nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.Ledger.StartingBalanceMicro < 0 {
		return fmt.Errorf("starting balance must not be negative")
	}
	if c.Rollup.CommitInterval <= 0 {
		return fmt.Errorf("commit interval must be positive")
	}
	if c.Rollup.ExecutorID == "base" {
		return fmt.Errorf("rollup executor id %q is reserved", c.Rollup.ExecutorID)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}
