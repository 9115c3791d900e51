package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openmoor/moor/pkg/apiclient"
	"github.com/openmoor/moor/pkg/stores"
	"github.com/openmoor/moor/pkg/telemetry"
)

var validate = validator.New()

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Runner: RunnerConfig{
			Environment:      "development",
			DefaultNamespace: "default",
			Lease: LeaseConfig{
				Name: "runner",
				TTL:  Duration(2 * time.Minute),
			},
		},
		Store: StoreConfig{
			Path:            "moor.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(5 * time.Minute),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Caller: true,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9090",
			Path:          "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "stdout",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: Duration(5 * time.Second),
			MaxBatchSize:  100,
			Async:         true,
		},
		Platform: PlatformConfig{
			Timeout: Duration(30 * time.Second),
		},
		Secrets: SecretsConfig{
			File:        "moor.secrets.json",
			EnvFallback: true,
		},
	}
}

// Load reads a YAML configuration file over the defaults and validates
// the result. Keys absent from the file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads the file when a path is given, otherwise returns
// the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Validate checks struct tags plus the cross-field constraints tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}
	if c.Events.Enabled && c.Events.MaxBatchSize <= 0 {
		return fmt.Errorf("event max batch size must be positive, got: %d", c.Events.MaxBatchSize)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "" {
		return fmt.Errorf("trace exporter is required when tracing is enabled")
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("trace endpoint is required for the otlp exporter")
	}
	if c.Policy.Watch && len(c.Policy.Paths) == 0 {
		return fmt.Errorf("policy watch is enabled but no policy paths are configured")
	}
	return nil
}

// Telemetry shapes the telemetry stack configuration. The version is
// stamped at build time and flows into logs and traces.
func (c *Config) Telemetry(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Environment = c.Runner.Environment

	tc.Logging.Level = c.Logging.Level
	tc.Logging.Format = c.Logging.Format
	tc.Logging.EnableCaller = c.Logging.Caller

	tc.Tracing.Enabled = c.Tracing.Enabled
	if c.Tracing.Exporter != "" {
		tc.Tracing.Exporter = c.Tracing.Exporter
	}
	tc.Tracing.Endpoint = c.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Tracing.SamplingRate
	tc.Tracing.Insecure = c.Tracing.Insecure

	tc.Metrics.Enabled = c.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Metrics.ListenAddress
	if c.Metrics.Path != "" {
		tc.Metrics.Path = c.Metrics.Path
	}

	tc.Events.Enabled = c.Events.Enabled
	tc.Events.BufferSize = c.Events.BufferSize
	tc.Events.FlushInterval = c.Events.FlushInterval.Std()
	tc.Events.MaxBatchSize = c.Events.MaxBatchSize
	tc.Events.EnableAsync = c.Events.Async

	return tc
}

// SQLite shapes the store configuration.
func (c *Config) SQLite() stores.Config {
	return stores.Config{
		Path:            c.Store.Path,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime.Std(),
	}
}

// APIClient shapes the platform client configuration.
func (c *Config) APIClient() apiclient.Config {
	return apiclient.Config{
		BaseURL: c.Platform.BaseURL,
		Token:   c.Platform.Token,
		Timeout: c.Platform.Timeout.Std(),
	}
}
