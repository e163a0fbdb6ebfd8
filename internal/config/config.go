// Package config loads Senpuki's process-level settings, grounded on
// the teacher's pkg/config/loader.go (YAML-to-struct via
// gopkg.in/yaml.v3, falling back to defaults if the file is absent)
// and pkg/config/framework_config.go's ApplyDefaults shape.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is Senpuki's full process configuration.
type Config struct {
	Instance string `yaml:"instance_name"`
	LogLevel string `yaml:"log_level"`
	Env      string `yaml:"env"`

	Storage struct {
		DSN             string        `yaml:"dsn"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	} `yaml:"storage"`

	Notify struct {
		RedisURL string `yaml:"redis_url"`
	} `yaml:"notify"`

	Worker struct {
		Count          int           `yaml:"count"`
		Concurrency    int           `yaml:"concurrency"`
		Queues         []string      `yaml:"queues"`
		LeaseDuration  time.Duration `yaml:"lease_duration"`
		HeartbeatEvery time.Duration `yaml:"heartbeat_every"`
	} `yaml:"worker"`

	Retry struct {
		MaxAttempts int           `yaml:"max_attempts"`
		BaseDelay   time.Duration `yaml:"base_delay"`
		MaxDelay    time.Duration `yaml:"max_delay"`
		Multiplier  float64       `yaml:"multiplier"`
		Jitter      float64       `yaml:"jitter"`
	} `yaml:"retry"`

	Cleanup struct {
		Enabled  bool          `yaml:"enabled"`
		Interval time.Duration `yaml:"interval"`
		OlderThan time.Duration `yaml:"older_than"`
	} `yaml:"cleanup"`
}

// These constants name the environment variables that override secrets
// and connection strings rather than requiring them in a checked-in
// YAML file. These take precedence over whatever Load reads from disk.
const (
	envStorageDSN = "SENPUKI_STORAGE_DSN"
	envRedisURL   = "SENPUKI_REDIS_URL"
)

// Load reads path as YAML into a Config, applying defaults for
// anything left zero and environment overrides for secrets. A missing
// file is not an error: it yields a default configuration, matching
// the teacher's Load behavior of falling back rather than failing a
// fresh checkout with no config file yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	cfg.applyEnvOverrides()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(envStorageDSN); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv(envRedisURL); v != "" {
		c.Notify.RedisURL = v
	}
}

// ApplyDefaults fills every zero-valued field with a sane default,
// mirroring EngineConfig.ApplyDefaults' one-field-at-a-time style.
func (c *Config) ApplyDefaults() {
	if c.Instance == "" {
		c.Instance = "senpuki"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "senpuki.sqlite"
	}
	if c.Storage.MaxOpenConns <= 0 {
		c.Storage.MaxOpenConns = 10
	}
	if c.Storage.ConnMaxLifetime <= 0 {
		c.Storage.ConnMaxLifetime = 2 * time.Hour
	}
	if c.Worker.Count <= 0 {
		c.Worker.Count = 1
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.LeaseDuration <= 0 {
		c.Worker.LeaseDuration = 30 * time.Second
	}
	if c.Worker.HeartbeatEvery <= 0 {
		c.Worker.HeartbeatEvery = 10 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = 2.0
	}
	if c.Retry.Jitter <= 0 {
		c.Retry.Jitter = 0.2
	}
	if c.Cleanup.Interval <= 0 {
		c.Cleanup.Interval = time.Hour
	}
	if c.Cleanup.OlderThan <= 0 {
		c.Cleanup.OlderThan = 7 * 24 * time.Hour
	}
}
