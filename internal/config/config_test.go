package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/autoprune/internal/logging"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Metadata.Backend != "memory" {
		t.Errorf("expected default backend memory, got %s", cfg.Metadata.Backend)
	}
	if cfg.Enforcement.SweepInterval != 6*time.Hour {
		t.Errorf("expected default sweep interval 6h, got %s", cfg.Enforcement.SweepInterval)
	}
	if cfg.Trigger.Transport != "inprocess" {
		t.Errorf("expected inprocess trigger transport, got %s", cfg.Trigger.Transport)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autoprune.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromPath(t *testing.T) {
	path := writeFile(t, `
metadata:
  backend: redis
  redisAddr: redis:6379
enforcement:
  workers: 8
  repositoryTimeout: 45s
trigger:
  transport: kafka
  brokers: [k1:9092, k2:9092]
`)
	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Metadata.Backend)
	assert.Equal(t, "redis:6379", cfg.Metadata.RedisAddr)
	assert.Equal(t, 8, cfg.Enforcement.Workers)
	assert.Equal(t, 45*time.Second, cfg.Enforcement.RepositoryTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Trigger.Brokers)
	// Untouched fields keep their defaults.
	assert.Equal(t, 4, cfg.Enforcement.RepositoryConcurrency)
}

func TestEmptyFileMeansDefaults(t *testing.T) {
	cfg, err := LoadFromPath(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestUnknownFieldRejected(t *testing.T) {
	_, err := LoadFromPath(writeFile(t, "enforcement:\n  wrokers: 3\n"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AUTOPRUNE_METADATA_BACKEND", "bolt")
	t.Setenv("AUTOPRUNE_BOLT_PATH", "/var/lib/autoprune/meta.db")
	t.Setenv("AUTOPRUNE_WORKERS", "3")
	t.Setenv("AUTOPRUNE_SWEEP_INTERVAL", "30m")
	t.Setenv("AUTOPRUNE_DELETE_RATE", "2.5")
	t.Setenv("AUTOPRUNE_LEASE_ENABLED", "false")
	t.Setenv("AUTOPRUNE_KAFKA_BROKERS", "a:9092, b:9092")

	cfg, err := LoadFromPath(writeFile(t, "enforcement:\n  workers: 9\n"))
	require.NoError(t, err)

	assert.Equal(t, "bolt", cfg.Metadata.Backend)
	assert.Equal(t, "/var/lib/autoprune/meta.db", cfg.Metadata.BoltPath)
	assert.Equal(t, 3, cfg.Enforcement.Workers)
	assert.Equal(t, 30*time.Minute, cfg.Enforcement.SweepInterval)
	assert.Equal(t, 2.5, cfg.Enforcement.DeleteRatePerSecond)
	assert.False(t, cfg.Enforcement.LeaseEnabled)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Trigger.Brokers)
}

func TestEnvOverrideInvalid(t *testing.T) {
	t.Setenv("AUTOPRUNE_WORKERS", "many")
	_, err := LoadFromPath(writeFile(t, ""))
	assert.ErrorContains(t, err, "AUTOPRUNE_WORKERS")
}

func TestLoadUsesPathEnv(t *testing.T) {
	t.Setenv(PathEnv, writeFile(t, "observability:\n  logLevel: debug\n"))
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown backend", func(c *Config) { c.Metadata.Backend = "etcd" }, "metadata.backend"},
		{"bolt without path", func(c *Config) { c.Metadata.Backend = "bolt"; c.Metadata.BoltPath = "" }, "boltPath"},
		{"oxia without namespace", func(c *Config) { c.Metadata.Backend = "oxia"; c.Metadata.OxiaNamespace = "" }, "oxiaNamespace"},
		{"sqlite without dsn", func(c *Config) { c.Registry.Driver = "sqlite" }, "registry.dsn"},
		{"zero workers", func(c *Config) { c.Enforcement.Workers = 0 }, "workers"},
		{"negative rate", func(c *Config) { c.Enforcement.DeleteRatePerSecond = -1 }, "deleteRatePerSecond"},
		{"kafka without brokers", func(c *Config) { c.Trigger.Transport = "kafka" }, "trigger.brokers"},
		{"reports without bucket", func(c *Config) { c.Reports.Enabled = true; c.Reports.Location = "s3://" }, "reports.location"},
		{"bad log format", func(c *Config) { c.Observability.LogFormat = "xml" }, "logFormat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestWatchReloadsLogLevel(t *testing.T) {
	path := writeFile(t, "observability:\n  logLevel: info\n")
	logger := logging.Discard()
	logger.SetLevel(logging.LevelInfo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, logger, ApplyLogLevel(logger)) }()

	// Writes within reloadDebounce of each other coalesce, so only rewrite
	// after a full quiet period in case the watcher was not yet registered.
	reloaded := func() bool { return logger.GetLevel() == logging.LevelDebug }
	for attempt := 0; attempt < 5 && !reloaded(); attempt++ {
		require.NoError(t, os.WriteFile(path, []byte("observability:\n  logLevel: debug\n"), 0o600))
		deadline := time.Now().Add(5 * reloadDebounce)
		for time.Now().Before(deadline) && !reloaded() {
			time.Sleep(20 * time.Millisecond)
		}
	}
	require.Equal(t, logging.LevelDebug, logger.GetLevel())

	cancel()
	assert.NoError(t, <-done)
}
