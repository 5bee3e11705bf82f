package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dray-io/autoprune/internal/config"
	"github.com/dray-io/autoprune/internal/enforce"
	"github.com/dray-io/autoprune/internal/logging"
	"github.com/dray-io/autoprune/internal/metadata"
	boltstore "github.com/dray-io/autoprune/internal/metadata/bolt"
	oxiastore "github.com/dray-io/autoprune/internal/metadata/oxia"
	redisstore "github.com/dray-io/autoprune/internal/metadata/redis"
	"github.com/dray-io/autoprune/internal/metrics"
	"github.com/dray-io/autoprune/internal/objectstore"
	"github.com/dray-io/autoprune/internal/objectstore/s3"
	"github.com/dray-io/autoprune/internal/registry"
	"github.com/dray-io/autoprune/internal/registry/sqlcatalog"
	"github.com/dray-io/autoprune/internal/server"
)

// backends holds the external dependencies shared by every command.
type backends struct {
	meta    metadata.MetadataStore
	catalog registry.Catalog

	// catalogPing is set for catalogs with a native connectivity check.
	catalogPing server.Pinger

	reports objectstore.Store

	closers []func() error
}

func openBackends(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *logging.Logger) (*backends, error) {
	b := &backends{}

	meta, err := openMetadata(ctx, cfg.Metadata)
	if err != nil {
		return nil, err
	}
	b.meta = metadata.NewInstrumentedStore(meta, metrics.NewMetadataMetricsWithRegistry(reg, cfg.Metadata.Backend))
	b.closers = append(b.closers, b.meta.Close)

	if err := b.openCatalog(ctx, cfg.Registry); err != nil {
		b.Close()
		return nil, err
	}

	if cfg.Reports.Enabled {
		if err := b.openReports(ctx, cfg.Reports, reg); err != nil {
			b.Close()
			return nil, err
		}
	}

	logger.Infof("backends ready", map[string]any{
		"metadata": cfg.Metadata.Backend,
		"registry": cfg.Registry.Driver,
		"reports":  cfg.Reports.Enabled,
	})
	return b, nil
}

func openMetadata(ctx context.Context, cfg config.MetadataConfig) (metadata.MetadataStore, error) {
	switch cfg.Backend {
	case "memory":
		return metadata.NewMemoryStore(), nil
	case "bolt":
		return boltstore.Open(boltstore.Config{Path: cfg.BoltPath})
	case "redis":
		return redisstore.New(ctx, redisstore.Config{
			Addr:           cfg.RedisAddr,
			Username:       cfg.RedisUsername,
			Password:       cfg.RedisPassword,
			DB:             cfg.RedisDB,
			SessionTimeout: cfg.SessionTimeout,
		})
	case "oxia":
		return oxiastore.New(ctx, oxiastore.Config{
			ServiceAddress: cfg.OxiaEndpoint,
			Namespace:      cfg.OxiaNamespace,
			RequestTimeout: cfg.RequestTimeout,
			SessionTimeout: cfg.SessionTimeout,
		})
	default:
		return nil, fmt.Errorf("unsupported metadata backend %q", cfg.Backend)
	}
}

func (b *backends) openCatalog(ctx context.Context, cfg config.RegistryConfig) error {
	var driver string
	switch cfg.Driver {
	case "memory":
		b.catalog = registry.NewMemoryCatalog()
		return nil
	case "sqlite":
		driver = sqlcatalog.DriverSQLite
	case "postgres":
		driver = sqlcatalog.DriverPostgres
	default:
		return fmt.Errorf("unsupported registry driver %q", cfg.Driver)
	}

	c, err := sqlcatalog.Open(ctx, sqlcatalog.Config{Driver: driver, DSN: cfg.DSN, Migrate: cfg.Migrate})
	if err != nil {
		return err
	}
	b.catalog = c
	b.catalogPing = c
	b.closers = append(b.closers, c.Close)
	return nil
}

func (b *backends) openReports(ctx context.Context, cfg config.ReportsConfig, reg prometheus.Registerer) error {
	bucket, prefix, err := objectstore.ParseLocation(cfg.Location)
	if err != nil {
		return err
	}
	store, err := s3.New(ctx, s3.Config{
		Bucket:          bucket,
		Prefix:          prefix,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKey,
		SecretAccessKey: cfg.SecretKey,
		UsePathStyle:    cfg.UsePathStyle,
		// S3-compatible endpoints often reject streaming checksums.
		ChecksumWhenRequired: cfg.Endpoint != "",
	})
	if err != nil {
		return err
	}
	b.reports = objectstore.NewInstrumentedStore(store, metrics.NewObjectStoreMetricsWithRegistry(reg))
	b.closers = append(b.closers, b.reports.Close)
	return nil
}

// reportSink returns nil when reports are disabled.
func (b *backends) reportSink() enforce.ReportSink {
	if b.reports == nil {
		return nil
	}
	return enforce.NewObjectStoreReports(b.reports, "")
}

// Close releases backends in reverse order of opening.
func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func executorConfig(cfg config.EnforcementConfig) enforce.ExecutorConfig {
	ec := enforce.DefaultExecutorConfig()
	ec.RepositoryConcurrency = cfg.RepositoryConcurrency
	ec.RepositoryTimeout = cfg.RepositoryTimeout
	ec.DeleteTimeout = cfg.DeleteTimeout
	ec.DeleteRatePerSecond = cfg.DeleteRatePerSecond
	ec.DryRun = cfg.DryRun
	return ec
}

func schedulerConfig(cfg config.EnforcementConfig) enforce.SchedulerConfig {
	sc := enforce.DefaultSchedulerConfig()
	sc.Workers = cfg.Workers
	sc.MaxRetries = cfg.MaxRetries
	return sc
}
