package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 100, cfg.Snapshot.OperationsPerSnapshot)
	assert.Equal(t, 0.3, cfg.Snapshot.DeltaThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Lock.DefaultTimeout)
	assert.Equal(t, time.Hour, cfg.Lock.MaxLockDuration)
	assert.Equal(t, 24*time.Hour, cfg.Conflict.HistoryTTL)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Storage.Backend)
}

func TestLoadAppliesFileValuesAndDefaults(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
storage:
  backend: badger
  badger:
    path: /var/lib/tandem
lock:
  default_timeout: 2m
  max_locks_per_user: 7
session:
  session_timeout: 45m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	// File values win, normalised where applicable.
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/tandem", cfg.Storage.Badger.Path)
	assert.Equal(t, 2*time.Minute, cfg.Lock.DefaultTimeout)
	assert.Equal(t, 7, cfg.Lock.MaxLocksPerUser)
	assert.Equal(t, 45*time.Minute, cfg.Session.SessionTimeout)

	// Everything unspecified falls back to defaults.
	assert.Equal(t, time.Hour, cfg.Lock.MaxLockDuration)
	assert.Equal(t, 100, cfg.Snapshot.OperationsPerSnapshot)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestLoadRejectsInvalidLevel(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: loud
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestValidateBackendRequirements(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Storage.Backend = "s3"
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.s3.bucket")

	cfg.Storage.S3.Bucket = "tandem-docs"
	require.NoError(t, Validate(cfg))

	cfg.Storage.Backend = "postgres"
	err = Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.postgres.url")

	cfg.Storage.Backend = "badger"
	err = Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.badger.path")

	cfg.Storage.Badger.InMemory = true
	require.NoError(t, Validate(cfg))
}

func TestValidateCrossFieldRules(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Storage.CompressionEnabled = true
	cfg.Storage.CompressionThreshold = 0
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compression_threshold")

	cfg = GetDefaultConfig()
	cfg.Snapshot.DeltaEnabled = true
	cfg.Snapshot.DeltaThreshold = 0
	err = Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delta_threshold")
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "WARN"
	cfg.Storage.Backend = "badger"
	cfg.Storage.Badger.Path = "/data/tandem"

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "WARN", loaded.Logging.Level)
	assert.Equal(t, "badger", loaded.Storage.Backend)
	assert.Equal(t, "/data/tandem", loaded.Storage.Badger.Path)
}
