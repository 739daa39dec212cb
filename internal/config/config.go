// Package config loads the engine's process-level configuration from a YAML
// file and applies defaults. Job definitions are not configured here; they
// come from HCL job files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// StoreConfig selects and configures the state store backend.
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `yaml:"driver"`
	// URL is the connection string for the postgres driver.
	URL string `yaml:"url"`
}

// NotifierConfig configures the socket.io transition notifier. An empty URL
// disables it.
type NotifierConfig struct {
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
	Event     string `yaml:"event"`
}

// BreakerConfig tunes the per-target circuit breakers.
type BreakerConfig struct {
	Threshold int      `yaml:"threshold"`
	CoolDown  Duration `yaml:"cool_down"`
}

// RecoveryConfig tunes the background recovery processor.
type RecoveryConfig struct {
	Interval       Duration `yaml:"interval"`
	StallThreshold Duration `yaml:"stall_threshold"`
}

// Config is the engine's process-level configuration.
type Config struct {
	// Workers is the per-job worker pool size.
	Workers int `yaml:"workers"`
	// GlobalLimit caps concurrently running nodes across all jobs.
	GlobalLimit int `yaml:"global_limit"`
	// NodeTimeout bounds a node attempt when the node declares none.
	NodeTimeout Duration `yaml:"node_timeout"`

	Store    StoreConfig    `yaml:"store"`
	Notifier NotifierConfig `yaml:"notifier"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Recovery RecoveryConfig `yaml:"recovery"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Workers:     4,
		NodeTimeout: Duration(5 * time.Minute),
		Store:       StoreConfig{Driver: "memory"},
		Notifier:    NotifierConfig{Event: "node_state_changed"},
		Breaker:     BreakerConfig{Threshold: 5, CoolDown: Duration(30 * time.Second)},
		Recovery: RecoveryConfig{
			Interval:       Duration(10 * time.Second),
			StallThreshold: Duration(30 * time.Second),
		},
	}
}

// Load reads a YAML config file and fills gaps with defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.URL == "" {
			return fmt.Errorf("store.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Workers < 0 || c.GlobalLimit < 0 {
		return fmt.Errorf("workers and global_limit must not be negative")
	}
	return nil
}
