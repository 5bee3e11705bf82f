package main

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/autoprune/internal/config"
	"github.com/dray-io/autoprune/internal/logging"
	"github.com/dray-io/autoprune/internal/policy"
	"github.com/dray-io/autoprune/internal/registry"
	"github.com/dray-io/autoprune/internal/registry/sqlcatalog"
)

func TestWorkerEnforcesNewPolicy(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dsn := filepath.Join(dir, "registry.db")

	catalog, err := sqlcatalog.Open(ctx, sqlcatalog.Config{Driver: sqlcatalog.DriverSQLite, DSN: dsn, Migrate: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = catalog.Close() })
	require.NoError(t, catalog.AddNamespace(ctx, "acme", true))
	repo, err := catalog.AddRepository(ctx, "acme", "api")
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, catalog.PutTags(ctx, repo,
		registry.Tag{Name: "old", CreatedAt: now.Add(-2 * time.Hour)},
		registry.Tag{Name: "new", CreatedAt: now.Add(-1 * time.Hour)},
	))

	cfg := config.Default()
	cfg.Metadata.Backend = "bolt"
	cfg.Metadata.BoltPath = filepath.Join(dir, "meta.db")
	cfg.Registry.Driver = "sqlite"
	cfg.Registry.DSN = dsn
	cfg.Observability.HealthAddr = "127.0.0.1:0"
	require.NoError(t, cfg.Validate())

	w := NewWorker(WorkerOptions{Config: cfg, Logger: logging.Discard(), WorkerID: "test-worker"})
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Shutdown(sctx)
	})

	_, err = w.store.Create(ctx, "acme", string(policy.MethodNumberOfTags), policy.IntValue(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tags, err := catalog.ListTags(ctx, repo)
		return err == nil && len(tags) == 1 && tags[0].Name == "new"
	}, 5*time.Second, 20*time.Millisecond)

	base := "http://" + w.health.Addr()
	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "autoprune_enforcement_runs_total")
	assert.Contains(t, string(body), "autoprune_metadata_")
}

func TestWorkerStartTwice(t *testing.T) {
	cfg := config.Default()
	cfg.Observability.HealthAddr = "127.0.0.1:0"

	w := NewWorker(WorkerOptions{Config: cfg, Logger: logging.Discard(), WorkerID: "w"})
	require.NoError(t, w.Start(context.Background()))
	defer w.Shutdown(context.Background())

	assert.Error(t, w.Start(context.Background()))
}

func TestWorkerShutdownWithoutStart(t *testing.T) {
	w := NewWorker(WorkerOptions{Config: config.Default(), Logger: logging.Discard()})
	assert.NoError(t, w.Shutdown(context.Background()))
}
