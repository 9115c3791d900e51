package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the runner configuration document.
type Config struct {
	// Runner holds runner-wide settings.
	Runner RunnerConfig `yaml:"runner"`

	// Store configures the SQLite persistence layer.
	Store StoreConfig `yaml:"store"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing configures distributed tracing export.
	Tracing TracingConfig `yaml:"tracing"`

	// Events configures lifecycle event publishing.
	Events EventsConfig `yaml:"events"`

	// Platform configures the managed platform API client.
	Platform PlatformConfig `yaml:"platform"`

	// Policy configures the admission policy gate.
	Policy PolicyConfig `yaml:"policy"`

	// Secrets configures the secret store backends.
	Secrets SecretsConfig `yaml:"secrets"`

	// Providers holds provider-specific connection settings.
	Providers ProvidersConfig `yaml:"providers"`
}

// RunnerConfig holds runner-wide settings.
type RunnerConfig struct {
	// Environment is the deployment environment.
	Environment string `yaml:"environment" validate:"required,oneof=development staging production"`

	// DefaultNamespace applies to definitions that name none.
	DefaultNamespace string `yaml:"default_namespace" validate:"required"`

	// Lease configures the store-backed runner lease.
	Lease LeaseConfig `yaml:"lease"`
}

// LeaseConfig configures the lease serializing verb execution.
type LeaseConfig struct {
	// Name is the lock name in the store.
	Name string `yaml:"name" validate:"required"`

	// TTL bounds how long a crashed runner blocks takeover. Zero means
	// the lease never expires on its own.
	TTL Duration `yaml:"ttl"`
}

// StoreConfig configures the SQLite persistence layer.
type StoreConfig struct {
	// Path is the database file location.
	Path string `yaml:"path" validate:"required"`

	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int `yaml:"max_open_conns" validate:"gte=0"`

	// MaxIdleConns bounds idle pooled connections.
	MaxIdleConns int `yaml:"max_idle_conns" validate:"gte=0"`

	// ConnMaxLifetime recycles connections older than this.
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level.
	Level string `yaml:"level" validate:"required,oneof=trace debug info warn error fatal"`

	// Format selects console or json output.
	Format string `yaml:"format" validate:"required,oneof=console json"`

	// Caller adds file:line caller information to logs.
	Caller bool `yaml:"caller"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled serves /metrics when true.
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the metrics HTTP listen address.
	ListenAddress string `yaml:"listen_address" validate:"required_if=Enabled true"`

	// Path is the HTTP path for metrics.
	Path string `yaml:"path"`
}

// TracingConfig configures distributed tracing export.
type TracingConfig struct {
	// Enabled turns tracing on.
	Enabled bool `yaml:"enabled"`

	// Exporter selects the trace exporter.
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP collector endpoint.
	Endpoint string `yaml:"endpoint"`

	// SamplingRate is the trace sampling rate between 0 and 1.
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `yaml:"insecure"`
}

// EventsConfig configures lifecycle event publishing.
type EventsConfig struct {
	// Enabled turns event publishing on.
	Enabled bool `yaml:"enabled"`

	// BufferSize is the async event buffer capacity.
	BufferSize int `yaml:"buffer_size"`

	// FlushInterval is how often buffered events flush.
	FlushInterval Duration `yaml:"flush_interval"`

	// MaxBatchSize caps events consumed per flush.
	MaxBatchSize int `yaml:"max_batch_size"`

	// Async decouples publishers from subscribers.
	Async bool `yaml:"async"`
}

// PlatformConfig configures the managed platform API client.
type PlatformConfig struct {
	// BaseURL is the platform endpoint.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// Token is the bearer token for platform requests.
	Token string `yaml:"token"`

	// Timeout bounds a single platform request.
	Timeout Duration `yaml:"timeout"`
}

// PolicyConfig configures the admission policy gate.
type PolicyConfig struct {
	// Paths lists .rego/.json policy files or directories.
	Paths []string `yaml:"paths"`

	// Watch reloads policies when their files change.
	Watch bool `yaml:"watch"`
}

// SecretsConfig configures the secret store backends.
type SecretsConfig struct {
	// File is the path of the JSON secret file.
	File string `yaml:"file" validate:"required"`

	// EnvFallback layers MOOR_SECRET_* environment reads behind the file.
	EnvFallback bool `yaml:"env_fallback"`
}

// ProvidersConfig holds provider-specific connection settings.
type ProvidersConfig struct {
	// S3 configures the storage.bucket provider.
	S3 S3Config `yaml:"s3"`

	// Hcloud configures the compute.vm provider.
	Hcloud HcloudConfig `yaml:"hcloud"`
}

// S3Config configures the S3-compatible object store.
type S3Config struct {
	// Endpoint is the S3-compatible endpoint URL.
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`

	// Region is the bucket region.
	Region string `yaml:"region"`

	// AccessKey is the static access key ID.
	AccessKey string `yaml:"access_key"`

	// SecretKey is the static secret access key.
	SecretKey string `yaml:"secret_key"`

	// UsePathStyle forces path-style addressing, needed by most
	// non-AWS endpoints.
	UsePathStyle bool `yaml:"use_path_style"`
}

// HcloudConfig configures the Hetzner Cloud API.
type HcloudConfig struct {
	// Token is the Hetzner Cloud API token.
	Token string `yaml:"token"`
}

// Duration is a time.Duration that reads from YAML as either a Go
// duration string ("90s", "1h30m") or a number of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML decodes duration strings and numeric seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(v * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration: %v", raw)
	}
	return nil
}

// MarshalYAML writes the duration in string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
