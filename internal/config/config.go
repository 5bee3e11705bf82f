// Package config provides configuration loading and validation for
// autoprune. Supports YAML files with environment variable overrides.
package config

import "time"

// Config holds all configuration for an autoprune process.
type Config struct {
	Metadata      MetadataConfig      `yaml:"metadata"`
	Registry      RegistryConfig      `yaml:"registry"`
	Enforcement   EnforcementConfig   `yaml:"enforcement"`
	Trigger       TriggerConfig       `yaml:"trigger"`
	Reports       ReportsConfig       `yaml:"reports"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type MetadataConfig struct {
	// Backend is one of memory, bolt, redis, oxia.
	Backend string `yaml:"backend" env:"AUTOPRUNE_METADATA_BACKEND"`

	BoltPath string `yaml:"boltPath" env:"AUTOPRUNE_BOLT_PATH"`

	RedisAddr     string `yaml:"redisAddr" env:"AUTOPRUNE_REDIS_ADDR"`
	RedisUsername string `yaml:"redisUsername" env:"AUTOPRUNE_REDIS_USERNAME"`
	RedisPassword string `yaml:"redisPassword" env:"AUTOPRUNE_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redisDb" env:"AUTOPRUNE_REDIS_DB"`

	OxiaEndpoint  string `yaml:"oxiaEndpoint" env:"AUTOPRUNE_OXIA_ENDPOINT"`
	OxiaNamespace string `yaml:"oxiaNamespace" env:"AUTOPRUNE_OXIA_NAMESPACE"`

	// SessionTimeout bounds ephemeral keys (enforcement leases) after the
	// process stops renewing them.
	SessionTimeout time.Duration `yaml:"sessionTimeout" env:"AUTOPRUNE_SESSION_TIMEOUT"`
	RequestTimeout time.Duration `yaml:"requestTimeout" env:"AUTOPRUNE_REQUEST_TIMEOUT"`
}

type RegistryConfig struct {
	// Driver is one of memory, sqlite, postgres.
	Driver  string `yaml:"driver" env:"AUTOPRUNE_REGISTRY_DRIVER"`
	DSN     string `yaml:"dsn" env:"AUTOPRUNE_REGISTRY_DSN"`
	Migrate bool   `yaml:"migrate" env:"AUTOPRUNE_REGISTRY_MIGRATE"`
}

type EnforcementConfig struct {
	Workers               int           `yaml:"workers" env:"AUTOPRUNE_WORKERS"`
	SweepInterval         time.Duration `yaml:"sweepInterval" env:"AUTOPRUNE_SWEEP_INTERVAL"`
	RepositoryConcurrency int           `yaml:"repositoryConcurrency" env:"AUTOPRUNE_REPOSITORY_CONCURRENCY"`
	RepositoryTimeout     time.Duration `yaml:"repositoryTimeout" env:"AUTOPRUNE_REPOSITORY_TIMEOUT"`
	DeleteTimeout         time.Duration `yaml:"deleteTimeout" env:"AUTOPRUNE_DELETE_TIMEOUT"`
	DeleteRatePerSecond   float64       `yaml:"deleteRatePerSecond" env:"AUTOPRUNE_DELETE_RATE"`
	MaxRetries            int           `yaml:"maxRetries" env:"AUTOPRUNE_MAX_RETRIES"`
	LeaseEnabled          bool          `yaml:"leaseEnabled" env:"AUTOPRUNE_LEASE_ENABLED"`
	DryRun                bool          `yaml:"dryRun" env:"AUTOPRUNE_DRY_RUN"`
}

type TriggerConfig struct {
	// Transport is inprocess or kafka.
	Transport string   `yaml:"transport" env:"AUTOPRUNE_TRIGGER_TRANSPORT"`
	Brokers   []string `yaml:"brokers" env:"AUTOPRUNE_KAFKA_BROKERS"`
	Topic     string   `yaml:"topic" env:"AUTOPRUNE_KAFKA_TOPIC"`
	Group     string   `yaml:"group" env:"AUTOPRUNE_KAFKA_GROUP"`
}

type ReportsConfig struct {
	Enabled bool `yaml:"enabled" env:"AUTOPRUNE_REPORTS_ENABLED"`

	// Location is s3://bucket/prefix.
	Location     string `yaml:"location" env:"AUTOPRUNE_REPORTS_LOCATION"`
	Endpoint     string `yaml:"endpoint" env:"AUTOPRUNE_S3_ENDPOINT"`
	Region       string `yaml:"region" env:"AUTOPRUNE_S3_REGION"`
	AccessKey    string `yaml:"accessKey" env:"AUTOPRUNE_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secretKey" env:"AUTOPRUNE_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"usePathStyle" env:"AUTOPRUNE_S3_PATH_STYLE"`
}

type ObservabilityConfig struct {
	HealthAddr     string `yaml:"healthAddr" env:"AUTOPRUNE_HEALTH_ADDR"`
	MetricsEnabled bool   `yaml:"metricsEnabled" env:"AUTOPRUNE_METRICS_ENABLED"`
	LogLevel       string `yaml:"logLevel" env:"AUTOPRUNE_LOG_LEVEL"`
	LogFormat      string `yaml:"logFormat" env:"AUTOPRUNE_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Metadata: MetadataConfig{
			Backend:        "memory",
			BoltPath:       "data/autoprune.db",
			RedisAddr:      "localhost:6379",
			OxiaEndpoint:   "localhost:6648",
			OxiaNamespace:  "autoprune",
			SessionTimeout: 15 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Registry: RegistryConfig{
			Driver: "memory",
		},
		Enforcement: EnforcementConfig{
			Workers:               2,
			SweepInterval:         6 * time.Hour,
			RepositoryConcurrency: 4,
			RepositoryTimeout:     2 * time.Minute,
			DeleteTimeout:         30 * time.Second,
			MaxRetries:            5,
			LeaseEnabled:          true,
		},
		Trigger: TriggerConfig{
			Transport: "inprocess",
			Topic:     "autoprune-triggers",
			Group:     "autoprune-workers",
		},
		Reports: ReportsConfig{
			Region: "us-east-1",
		},
		Observability: ObservabilityConfig{
			HealthAddr:     ":9090",
			MetricsEnabled: true,
			LogLevel:       "info",
			LogFormat:      "json",
		},
	}
}
