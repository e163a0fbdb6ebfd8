package config

import "fmt"

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks a Config for internal consistency, in the same
// sequential-explicit-check style as ValidateFrameworkConfig.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: must not be nil")
	}
	if cfg.Instance == "" {
		return fmt.Errorf("config: instance_name must not be empty")
	}
	if cfg.LogLevel != "" && !validLevels[cfg.LogLevel] {
		return fmt.Errorf("config: log_level must be one of debug/info/warn/error, got %q", cfg.LogLevel)
	}
	if cfg.Storage.DSN == "" {
		return fmt.Errorf("config: storage.dsn must not be empty")
	}
	if cfg.Storage.MaxOpenConns <= 0 {
		return fmt.Errorf("config: storage.max_open_conns must be positive")
	}
	if cfg.Worker.Count <= 0 {
		return fmt.Errorf("config: worker.count must be positive")
	}
	if cfg.Worker.Concurrency <= 0 {
		return fmt.Errorf("config: worker.concurrency must be positive")
	}
	if cfg.Worker.LeaseDuration <= 0 {
		return fmt.Errorf("config: worker.lease_duration must be positive")
	}
	if cfg.Retry.MaxAttempts < 0 {
		return fmt.Errorf("config: retry.max_attempts must not be negative")
	}
	if cfg.Retry.BaseDelay < 0 {
		return fmt.Errorf("config: retry.base_delay must not be negative")
	}
	if cfg.Retry.MaxDelay > 0 && cfg.Retry.BaseDelay > cfg.Retry.MaxDelay {
		return fmt.Errorf("config: retry.base_delay must not exceed retry.max_delay")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		return fmt.Errorf("config: retry.jitter must be within [0,1], got %v", cfg.Retry.Jitter)
	}
	if cfg.Cleanup.Enabled && cfg.Cleanup.Interval <= 0 {
		return fmt.Errorf("config: cleanup.interval must be positive when cleanup.enabled is true")
	}
	return nil
}
