// Package config manages application configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "development"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "production"
)

// DatabaseURLEnvVar overrides the configured DSN when set.
const DatabaseURLEnvVar = "TRADESTORE_DATABASE_URL"

// StorageDriver selects the persistence backend.
type StorageDriver string

const (
	// DriverPostgres persists trades, audit entries, and the outbox in PostgreSQL.
	DriverPostgres StorageDriver = "postgres"
	// DriverMemory keeps all state in process memory; intended for tests and local runs.
	DriverMemory StorageDriver = "memory"
)

// ServerConfig controls the request-facing HTTP listener.
type ServerConfig struct {
	Addr                string        `yaml:"addr"`
	ReadHeaderTimeout   time.Duration `yaml:"readHeaderTimeout"`
	SubmitRatePerSecond float64       `yaml:"submitRatePerSecond"`
	SubmitBurst         int           `yaml:"submitBurst"`
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	Driver         StorageDriver `yaml:"driver"`
	DSN            string        `yaml:"dsn"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	QueryTimeout   time.Duration `yaml:"queryTimeout"`
}

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int `yaml:"bufferSize"`
	FanoutWorkers int `yaml:"fanoutWorkers"`
}

// OutboxConfig tunes durable event publishing.
type OutboxConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ReplayInterval  time.Duration `yaml:"replayInterval"`
	ReplayBatchSize int           `yaml:"replayBatchSize"`
	Retention       time.Duration `yaml:"retention"`
}

// SweepConfig schedules the expiry sweep.
type SweepConfig struct {
	Interval   time.Duration `yaml:"interval"`
	RunOnStart bool          `yaml:"runOnStart"`
	Workers    int           `yaml:"workers"`
}

// TelemetryConfig wires the OTLP metric exporter.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	ServiceName   string `yaml:"serviceName"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the root application configuration.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Storage     StorageConfig   `yaml:"storage"`
	Eventbus    EventbusConfig  `yaml:"eventbus"`
	Outbox      OutboxConfig    `yaml:"outbox"`
	Sweep       SweepConfig     `yaml:"sweep"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns the built-in configuration used when no file is present.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Server: ServerConfig{
			Addr:                ":8080",
			ReadHeaderTimeout:   5 * time.Second,
			SubmitRatePerSecond: 0,
			SubmitBurst:         1,
		},
		Storage: StorageConfig{
			Driver:         DriverPostgres,
			DSN:            "",
			ConnectTimeout: 30 * time.Second,
			QueryTimeout:   5 * time.Second,
		},
		Eventbus: EventbusConfig{
			BufferSize:    64,
			FanoutWorkers: 4,
		},
		Outbox: OutboxConfig{
			Enabled:         true,
			ReplayInterval:  5 * time.Second,
			ReplayBatchSize: 128,
			Retention:       7 * 24 * time.Hour,
		},
		Sweep: SweepConfig{
			Interval:   24 * time.Hour,
			RunOnStart: false,
			Workers:    4,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "",
			OTLPInsecure:  false,
			ServiceName:   "tradestore",
			EnableMetrics: true,
		},
	}
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(configPath string) (AppConfig, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return AppConfig{}, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = file.Close() }()

	raw, err := io.ReadAll(file)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from configPath, falling back to defaults
// when the file does not exist. The second return reports whether a file was read.
func LoadOrDefault(configPath string) (AppConfig, bool, error) {
	cfg, err := Load(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fallback := Default()
			fallback.normalise()
			return fallback, false, nil
		}
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Storage.Driver = StorageDriver(strings.ToLower(strings.TrimSpace(string(c.Storage.Driver))))
	c.Storage.DSN = strings.TrimSpace(c.Storage.DSN)
	if env := strings.TrimSpace(os.Getenv(DatabaseURLEnvVar)); env != "" {
		c.Storage.DSN = env
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if c.Server.SubmitBurst <= 0 {
		c.Server.SubmitBurst = 1
	}
	if c.Storage.ConnectTimeout <= 0 {
		c.Storage.ConnectTimeout = 30 * time.Second
	}
	if c.Storage.QueryTimeout <= 0 {
		c.Storage.QueryTimeout = 5 * time.Second
	}
	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 64
	}
	if c.Eventbus.FanoutWorkers <= 0 {
		c.Eventbus.FanoutWorkers = 4
	}
	if c.Outbox.ReplayInterval <= 0 {
		c.Outbox.ReplayInterval = 5 * time.Second
	}
	if c.Outbox.ReplayBatchSize <= 0 {
		c.Outbox.ReplayBatchSize = 128
	}
	if c.Outbox.Retention <= 0 {
		c.Outbox.Retention = 7 * 24 * time.Hour
	}
	if c.Sweep.Interval <= 0 {
		c.Sweep.Interval = 24 * time.Hour
	}
	if c.Sweep.Workers <= 0 {
		c.Sweep.Workers = 4
	}
}

// Validate reports configuration errors that cannot be repaired by defaulting.
func (c *AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment: unknown value %q", c.Environment)
	}
	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage: dsn required for postgres driver (or set %s)", DatabaseURLEnvVar)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}
	if c.Server.Addr == "" {
		return errors.New("server: addr required")
	}
	if c.Server.SubmitRatePerSecond < 0 {
		return errors.New("server: submitRatePerSecond must be >= 0")
	}
	return nil
}
