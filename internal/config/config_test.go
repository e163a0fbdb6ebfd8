package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/senpuki/senpuki/internal/config"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, "senpuki", cfg.Instance)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 1, cfg.Worker.Count)
}

func TestLoadParsesYAMLAndKeepsExplicitValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "senpuki.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
instance_name: my-fleet
log_level: debug
storage:
  dsn: postgres://localhost/senpuki
worker:
  count: 3
  concurrency: 8
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "my-fleet", cfg.Instance)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "postgres://localhost/senpuki", cfg.Storage.DSN)
	require.Equal(t, 3, cfg.Worker.Count)
	require.Equal(t, 8, cfg.Worker.Concurrency)
}

func TestLoadOverridesDSNFromEnv(t *testing.T) {
	t.Setenv("SENPUKI_STORAGE_DSN", "sqlite:///tmp/env-override.db")
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, "sqlite:///tmp/env-override.db", cfg.Storage.DSN)
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.LogLevel = "verbose"
	require.Error(t, config.Validate(cfg))
}

func TestValidateRejectsRetryDelayAboveMax(t *testing.T) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Retry.MaxDelay = cfg.Retry.BaseDelay - 1
	require.Error(t, config.Validate(cfg))
}
