package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dray-io/autoprune/internal/objectstore"
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Metadata.Backend {
	case "memory":
	case "bolt":
		if c.Metadata.BoltPath == "" {
			add("metadata.boltPath is required for the bolt backend")
		}
	case "redis":
		if c.Metadata.RedisAddr == "" {
			add("metadata.redisAddr is required for the redis backend")
		}
	case "oxia":
		if c.Metadata.OxiaEndpoint == "" {
			add("metadata.oxiaEndpoint is required for the oxia backend")
		}
		if c.Metadata.OxiaNamespace == "" {
			add("metadata.oxiaNamespace is required for the oxia backend")
		}
	default:
		add("metadata.backend %q is not one of memory, bolt, redis, oxia", c.Metadata.Backend)
	}
	if c.Metadata.SessionTimeout < 0 || c.Metadata.RequestTimeout < 0 {
		add("metadata timeouts must not be negative")
	}

	switch c.Registry.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Registry.DSN == "" {
			add("registry.dsn is required for the %s driver", c.Registry.Driver)
		}
	default:
		add("registry.driver %q is not one of memory, sqlite, postgres", c.Registry.Driver)
	}

	e := c.Enforcement
	if e.Workers <= 0 {
		add("enforcement.workers must be positive")
	}
	if e.SweepInterval < 0 {
		add("enforcement.sweepInterval must not be negative")
	}
	if e.RepositoryConcurrency <= 0 {
		add("enforcement.repositoryConcurrency must be positive")
	}
	if e.RepositoryTimeout <= 0 || e.DeleteTimeout <= 0 {
		add("enforcement timeouts must be positive")
	}
	if e.DeleteRatePerSecond < 0 {
		add("enforcement.deleteRatePerSecond must not be negative")
	}
	if e.MaxRetries < 0 {
		add("enforcement.maxRetries must not be negative")
	}

	switch c.Trigger.Transport {
	case "inprocess":
	case "kafka":
		if len(c.Trigger.Brokers) == 0 {
			add("trigger.brokers is required for the kafka transport")
		}
		if c.Trigger.Topic == "" || c.Trigger.Group == "" {
			add("trigger.topic and trigger.group are required for the kafka transport")
		}
	default:
		add("trigger.transport %q is not one of inprocess, kafka", c.Trigger.Transport)
	}

	if c.Reports.Enabled {
		if _, _, err := objectstore.ParseLocation(c.Reports.Location); err != nil {
			add("reports.location: %v", err)
		}
	}

	switch strings.ToLower(c.Observability.LogFormat) {
	case "json", "text":
	default:
		add("observability.logFormat %q is not one of json, text", c.Observability.LogFormat)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
}
