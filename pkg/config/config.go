package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/stores"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

// DefaultConfigFile is read when no --config flag is given and the file exists.
const DefaultConfigFile = "wsm.yaml"

// EnvPrefix prefixes environment overrides, e.g. WSM_DATABASE_DRIVER.
const EnvPrefix = "WSM"

// Config is the service configuration.
type Config struct {
	Database  DatabaseConfig      `mapstructure:"database"`
	Engine    EngineConfig        `mapstructure:"engine"`
	Janitor   JanitorConfig       `mapstructure:"janitor"`
	Policy    PolicyConfig        `mapstructure:"policy"`
	Server    ServerConfig        `mapstructure:"server"`
	Providers ProvidersConfig     `mapstructure:"providers"`
	Regions   map[string][]string `mapstructure:"regions" validate:"dive,keys,oneof=gcp azure aws,endkeys,min=1,dive,required"`

	// Superusers pass every authorization check.
	Superusers []string `mapstructure:"superusers"`

	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// DatabaseConfig selects and sizes the store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"required,oneof=sqlite postgres"`
	Path            string        `mapstructure:"path" validate:"required_if=Driver sqlite"`
	DSN             string        `mapstructure:"dsn" validate:"required_if=Driver postgres"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

// EngineConfig sizes the run engine.
type EngineConfig struct {
	Workers        int           `mapstructure:"workers" validate:"min=1,max=256"`
	QueueSize      int           `mapstructure:"queue_size" validate:"min=1"`
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	RecoverOnStart bool          `mapstructure:"recover_on_start"`

	// FanOutLimit bounds the child runs a workspace delete executes at once.
	FanOutLimit int `mapstructure:"fan_out_limit" validate:"min=1,max=64"`
}

// JanitorConfig schedules the orphan janitor.
type JanitorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"`
}

// PolicyConfig locates operator rules.
type PolicyConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// ServerConfig configures the submission API.
type ServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// ProvidersConfig configures the cloud collaborators.
type ProvidersConfig struct {
	// CallTimeout bounds every provider call. Zero disables the deadline.
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"gte=0"`
}

// StoreConfig converts the database section.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{
		Driver:          c.Database.Driver,
		Path:            c.Database.Path,
		DSN:             c.Database.DSN,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
	}
}

// EngineConfig converts the engine section.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Workers:      c.Engine.Workers,
		QueueSize:    c.Engine.QueueSize,
		PollInterval: c.Engine.PollInterval,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Janitor.Enabled && c.Janitor.Interval < time.Second {
		return fmt.Errorf("invalid configuration: janitor interval must be at least 1s, got %s", c.Janitor.Interval)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// Defaults returns the default configuration.
func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:       stores.DriverSQLite,
			Path:         "wsm.db",
			MaxOpenConns: 4,
			MaxIdleConns: 2,
		},
		Engine: EngineConfig{
			Workers:        4,
			QueueSize:      256,
			PollInterval:   100 * time.Millisecond,
			RecoverOnStart: true,
			FanOutLimit:    4,
		},
		Janitor: JanitorConfig{
			Enabled:  true,
			Interval: 5 * time.Minute,
		},
		Policy: PolicyConfig{Watch: true},
		Server: ServerConfig{
			ListenAddress:   "127.0.0.1:8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Providers: ProvidersConfig{CallTimeout: time.Minute},
		Regions: map[string][]string{
			"gcp":   {"us-central1", "us-east1", "us-west1", "europe-west1", "asia-east1"},
			"azure": {"eastus", "westus2", "westeurope", "northeurope"},
			"aws":   {"us-east-1", "us-west-2", "eu-west-1", "ap-southeast-1"},
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads path (or DefaultConfigFile when path is empty and the file
// exists), applies WSM_ environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultConfigFile, ".yaml"))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides apply to keys
// absent from the file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)

	v.SetDefault("engine.workers", d.Engine.Workers)
	v.SetDefault("engine.queue_size", d.Engine.QueueSize)
	v.SetDefault("engine.poll_interval", d.Engine.PollInterval)
	v.SetDefault("engine.recover_on_start", d.Engine.RecoverOnStart)
	v.SetDefault("engine.fan_out_limit", d.Engine.FanOutLimit)

	v.SetDefault("janitor.enabled", d.Janitor.Enabled)
	v.SetDefault("janitor.interval", d.Janitor.Interval)

	v.SetDefault("policy.dir", d.Policy.Dir)
	v.SetDefault("policy.watch", d.Policy.Watch)

	v.SetDefault("server.listen_address", d.Server.ListenAddress)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("providers.call_timeout", d.Providers.CallTimeout)
	v.SetDefault("regions", d.Regions)
	v.SetDefault("superusers", d.Superusers)

	t := d.Telemetry
	v.SetDefault("telemetry.service_name", t.ServiceName)
	v.SetDefault("telemetry.service_version", t.ServiceVersion)
	v.SetDefault("telemetry.environment", t.Environment)
	v.SetDefault("telemetry.logging.level", t.Logging.Level)
	v.SetDefault("telemetry.logging.format", t.Logging.Format)
	v.SetDefault("telemetry.logging.output", t.Logging.Output)
	v.SetDefault("telemetry.logging.enable_caller", t.Logging.EnableCaller)
	v.SetDefault("telemetry.logging.enable_sampling", t.Logging.EnableSampling)
	v.SetDefault("telemetry.logging.sampling_thereafter", t.Logging.SamplingThereafter)
	v.SetDefault("telemetry.logging.time_format", t.Logging.TimeFormat)
	v.SetDefault("telemetry.tracing.enabled", t.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", t.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", t.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.sampling_rate", t.Tracing.SamplingRate)
	v.SetDefault("telemetry.tracing.max_export_batch_size", t.Tracing.MaxExportBatchSize)
	v.SetDefault("telemetry.tracing.export_timeout", t.Tracing.ExportTimeout)
	v.SetDefault("telemetry.tracing.insecure", t.Tracing.Insecure)
	v.SetDefault("telemetry.metrics.enabled", t.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", t.Metrics.ListenAddress)
	v.SetDefault("telemetry.metrics.path", t.Metrics.Path)
	v.SetDefault("telemetry.metrics.namespace", t.Metrics.Namespace)
	v.SetDefault("telemetry.metrics.histogram_buckets", t.Metrics.DefaultHistogramBuckets)
	v.SetDefault("telemetry.events.enabled", t.Events.Enabled)
	v.SetDefault("telemetry.events.buffer_size", t.Events.BufferSize)
	v.SetDefault("telemetry.events.enable_async", t.Events.EnableAsync)
}
