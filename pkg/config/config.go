// Package config loads and validates the tandem runtime configuration.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (TANDEM_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tandem-dev/tandem/pkg/conflict"
	"github.com/tandem-dev/tandem/pkg/coordinator"
	"github.com/tandem-dev/tandem/pkg/lock"
	"github.com/tandem-dev/tandem/pkg/session"
	"github.com/tandem-dev/tandem/pkg/snapshot"
	"github.com/tandem-dev/tandem/pkg/storage"
)

// Config is the complete tandem runtime configuration.
type Config struct {
	// Logging controls log output behaviour.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Server contains the HTTP listener configuration for tandemd.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Storage selects and configures the document storage backend.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Snapshot configures the snapshot manager.
	Snapshot snapshot.Config `mapstructure:"snapshot" yaml:"snapshot"`

	// Session configures the session manager.
	Session session.Config `mapstructure:"session" yaml:"session"`

	// Lock configures the lock manager.
	Lock lock.Config `mapstructure:"lock" yaml:"lock"`

	// Conflict configures the conflict manager.
	Conflict conflict.Config `mapstructure:"conflict" yaml:"conflict"`

	// Coordinator configures the apply pipeline.
	Coordinator coordinator.Config `mapstructure:"coordinator" yaml:"coordinator"`
}

// LoggingConfig controls logging behaviour.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing. When
// enabled, spans are exported to an OTLP-compatible collector.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure disables TLS towards the collector.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate is the trace sampling ratio, 0.0 to 1.0.
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling configures Pyroscope continuous profiling.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server URL.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes lists which profile types to collect.
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// ServerConfig configures the tandemd HTTP listener.
type ServerConfig struct {
	// Port is the HTTP port for health and admin endpoints.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// StorageConfig selects the storage backend and holds its shared
// behaviour options.
type StorageConfig struct {
	// Backend is memory, badger, s3, or postgres.
	Backend string `mapstructure:"backend" validate:"required,oneof=memory badger s3 postgres" yaml:"backend"`

	MaxDocumentSize      int64 `mapstructure:"max_document_size" validate:"gte=0" yaml:"max_document_size"`
	MaxTotalSize         int64 `mapstructure:"max_total_size" validate:"gte=0" yaml:"max_total_size"`
	CompressionEnabled   bool  `mapstructure:"compression_enabled" yaml:"compression_enabled"`
	CompressionThreshold int64 `mapstructure:"compression_threshold" validate:"gte=0" yaml:"compression_threshold"`
	ChecksumEnabled      bool  `mapstructure:"checksum_enabled" yaml:"checksum_enabled"`

	// AutoCleanup enables the age-based retention sweeper.
	AutoCleanup     bool          `mapstructure:"auto_cleanup" yaml:"auto_cleanup"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	MaxAge          time.Duration `mapstructure:"max_age" yaml:"max_age"`

	// Badger configures the badger backend.
	Badger BadgerConfig `mapstructure:"badger" yaml:"badger,omitempty"`

	// S3 configures the s3 backend.
	S3 S3Config `mapstructure:"s3" yaml:"s3,omitempty"`

	// Postgres configures the postgres backend.
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres,omitempty"`
}

// Behaviour returns the shared backend behaviour options.
func (c StorageConfig) Behaviour() storage.Config {
	return storage.Config{
		MaxDocumentSize:      c.MaxDocumentSize,
		MaxTotalSize:         c.MaxTotalSize,
		CompressionEnabled:   c.CompressionEnabled,
		CompressionThreshold: c.CompressionThreshold,
		ChecksumEnabled:      c.ChecksumEnabled,
	}
}

// ManagerConfig returns the storage manager sweeper options.
func (c StorageConfig) ManagerConfig() storage.ManagerConfig {
	return storage.ManagerConfig{
		AutoCleanup:     c.AutoCleanup,
		CleanupInterval: c.CleanupInterval,
		MaxAge:          c.MaxAge,
	}
}

// BadgerConfig configures the BadgerDB backend.
type BadgerConfig struct {
	// Path is the on-disk database directory.
	Path string `mapstructure:"path" yaml:"path"`

	// InMemory runs BadgerDB without disk persistence.
	InMemory bool `mapstructure:"in_memory" yaml:"in_memory"`
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	Region string `mapstructure:"region" yaml:"region,omitempty"`

	// Endpoint overrides the S3 endpoint for S3-compatible services.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// KeyPrefix is prepended to all document keys.
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`

	// ForcePathStyle is required for MinIO and Localstack.
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	// URL is the connection string.
	URL string `mapstructure:"url" yaml:"url"`
}

// Load loads configuration from file, environment, and defaults.
// configPath empty uses the default location; a missing file yields
// the default configuration.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration to path in YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variable and config file handling.
func setupViper(v *viper.Viper, configPath string) {
	// TANDEM_LOGGING_LEVEL=DEBUG overrides logging.level, and so on.
	v.SetEnvPrefix("TANDEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reports whether a config file was found and read.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks converts duration strings like "30s" and "5m".
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory. Uses
// XDG_CONFIG_HOME if set, otherwise ~/.config.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "tandem")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "tandem")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
