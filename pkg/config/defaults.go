package config

import (
	"strings"
	"time"

	"github.com/tandem-dev/tandem/pkg/conflict"
	"github.com/tandem-dev/tandem/pkg/coordinator"
	"github.com/tandem-dev/tandem/pkg/lock"
	"github.com/tandem-dev/tandem/pkg/session"
	"github.com/tandem-dev/tandem/pkg/snapshot"
	"github.com/tandem-dev/tandem/pkg/storage"
)

// GetDefaultConfig returns a complete configuration with every field
// at its default.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Snapshot:    snapshot.DefaultConfig(),
		Session:     session.DefaultConfig(),
		Lock:        lock.DefaultConfig(),
		Conflict:    conflict.DefaultConfig(),
		Coordinator: coordinator.DefaultConfig(),
	}
	sc := storage.DefaultConfig()
	cfg.Storage = StorageConfig{
		Backend:              "memory",
		MaxDocumentSize:      sc.MaxDocumentSize,
		MaxTotalSize:         sc.MaxTotalSize,
		CompressionEnabled:   sc.CompressionEnabled,
		CompressionThreshold: sc.CompressionThreshold,
		ChecksumEnabled:      sc.ChecksumEnabled,
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values with defaults. Explicit values are
// preserved; booleans cannot be distinguished from an explicit false
// and stay as loaded.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	applyMetricsDefaults(&cfg.Metrics)
	applyServerDefaults(&cfg.Server)
	applyStorageDefaults(&cfg.Storage)
	applySnapshotDefaults(&cfg.Snapshot)
	applySessionDefaults(&cfg.Session)
	applyLockDefaults(&cfg.Lock)
	applyConflictDefaults(&cfg.Conflict)
	applyCoordinatorDefaults(&cfg.Coordinator)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{"cpu", "alloc_space", "inuse_space", "goroutines"}
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	def := storage.DefaultConfig()
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = def.MaxDocumentSize
	}
	if cfg.MaxTotalSize == 0 {
		cfg.MaxTotalSize = def.MaxTotalSize
	}
	if cfg.CompressionThreshold == 0 {
		cfg.CompressionThreshold = def.CompressionThreshold
	}
	if cfg.AutoCleanup && cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
}

func applySnapshotDefaults(cfg *snapshot.Config) {
	def := snapshot.DefaultConfig()
	if cfg.AutoSnapshotInterval == 0 {
		cfg.AutoSnapshotInterval = def.AutoSnapshotInterval
	}
	if cfg.OperationsPerSnapshot == 0 {
		cfg.OperationsPerSnapshot = def.OperationsPerSnapshot
	}
	if cfg.DeltaThreshold == 0 {
		cfg.DeltaThreshold = def.DeltaThreshold
	}
	if cfg.MaxSnapshotsPerDocument == 0 {
		cfg.MaxSnapshotsPerDocument = def.MaxSnapshotsPerDocument
	}
	if cfg.MaxSnapshotAge == 0 {
		cfg.MaxSnapshotAge = def.MaxSnapshotAge
	}
	if cfg.KeepHourly == 0 {
		cfg.KeepHourly = def.KeepHourly
	}
	if cfg.KeepDaily == 0 {
		cfg.KeepDaily = def.KeepDaily
	}
}

func applySessionDefaults(cfg *session.Config) {
	def := session.DefaultConfig()
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = def.SessionTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.MaxSessionsPerUser == 0 {
		cfg.MaxSessionsPerUser = def.MaxSessionsPerUser
	}
	if cfg.MaxDocumentsPerSession == 0 {
		cfg.MaxDocumentsPerSession = def.MaxDocumentsPerSession
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = def.SweepInterval
	}
}

func applyLockDefaults(cfg *lock.Config) {
	def := lock.DefaultConfig()
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaxLockDuration == 0 {
		cfg.MaxLockDuration = def.MaxLockDuration
	}
	if cfg.MaxLocksPerUser == 0 {
		cfg.MaxLocksPerUser = def.MaxLocksPerUser
	}
	if cfg.MaxLocksPerDocument == 0 {
		cfg.MaxLocksPerDocument = def.MaxLocksPerDocument
	}
	if cfg.QueueTimeout == 0 {
		cfg.QueueTimeout = def.QueueTimeout
	}
	if cfg.MaxQueueDepth == 0 {
		cfg.MaxQueueDepth = def.MaxQueueDepth
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = def.SweepInterval
	}
}

func applyConflictDefaults(cfg *conflict.Config) {
	def := conflict.DefaultConfig()
	if cfg.MaxConflictsPerDocument == 0 {
		cfg.MaxConflictsPerDocument = def.MaxConflictsPerDocument
	}
	if cfg.HistoryTTL == 0 {
		cfg.HistoryTTL = def.HistoryTTL
	}
	if cfg.AutoResolveTimeout == 0 {
		cfg.AutoResolveTimeout = def.AutoResolveTimeout
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
}

func applyCoordinatorDefaults(cfg *coordinator.Config) {
	def := coordinator.DefaultConfig()
	if cfg.SnapshotQueueSize == 0 {
		cfg.SnapshotQueueSize = def.SnapshotQueueSize
	}
	if cfg.SnapshotTimeout == 0 {
		cfg.SnapshotTimeout = def.SnapshotTimeout
	}
	if cfg.EventQueueSize == 0 {
		cfg.EventQueueSize = def.EventQueueSize
	}
}
