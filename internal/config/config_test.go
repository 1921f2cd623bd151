package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "contentstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "contentstore.db", cfg.Storage.Path)
	assert.Equal(t, 5, cfg.Storage.PoolSize)
	assert.Equal(t, 10, cfg.Storage.MaxOverflow)
	assert.Equal(t, 30*time.Second, cfg.Storage.AcquireTimeout)
	assert.Equal(t, time.Hour, cfg.Storage.ConnMaxAge)
	assert.Equal(t, int64(10000), cfg.Storage.ConnMaxQueries)
	assert.Equal(t, int64(1000), cfg.Storage.CheckpointEveryOps)
	assert.Equal(t, 5*time.Minute, cfg.Storage.CheckpointInterval)
	assert.Equal(t, 1000, cfg.Cache.MaxSize)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 100*time.Millisecond, cfg.Monitor.SlowQueryThreshold)
	assert.Equal(t, 1024, cfg.Monitor.MaxSamples)
	assert.Equal(t, 50, cfg.Monitor.RecentSlow)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.True(t, cfg.Backup.UseSSL)
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfigFile(t, `
log_level: debug
storage:
  path: /var/lib/contentstore/data.db
  pool_size: 3
  acquire_timeout: 10s
cache:
  max_size: 50
monitor:
  slow_query_threshold: 250ms
server:
  address: ":9090"
backup:
  endpoint: https://minio.example.com:9000
  bucket: contentstore-backups
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/var/lib/contentstore/data.db", cfg.Storage.Path)
	assert.Equal(t, 3, cfg.Storage.PoolSize)
	assert.Equal(t, 10*time.Second, cfg.Storage.AcquireTimeout)
	assert.Equal(t, 50, cfg.Cache.MaxSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Monitor.SlowQueryThreshold)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "https://minio.example.com:9000", cfg.Backup.Endpoint)

	// Unset keys keep their defaults.
	assert.Equal(t, 10, cfg.Storage.MaxOverflow)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("CONTENTSTORE_LOG_LEVEL", "warn")
	t.Setenv("CONTENTSTORE_STORAGE_POOL_SIZE", "7")
	t.Setenv("CONTENTSTORE_CACHE_MAX_SIZE", "25")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 7, cfg.Storage.PoolSize)
	assert.Equal(t, 25, cfg.Cache.MaxSize)
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		errorMsg string
	}{
		{
			name:     "zero pool size",
			yaml:     "storage:\n  pool_size: 0\n",
			errorMsg: "pool_size must be positive",
		},
		{
			name:     "negative overflow",
			yaml:     "storage:\n  max_overflow: -1\n",
			errorMsg: "max_overflow cannot be negative",
		},
		{
			name:     "zero acquire timeout",
			yaml:     "storage:\n  acquire_timeout: 0s\n",
			errorMsg: "acquire_timeout must be positive",
		},
		{
			name:     "zero cache size",
			yaml:     "cache:\n  max_size: 0\n",
			errorMsg: "max_size must be positive",
		},
		{
			name:     "zero slow query threshold",
			yaml:     "monitor:\n  slow_query_threshold: 0s\n",
			errorMsg: "slow_query_threshold must be positive",
		},
		{
			name:     "empty server address",
			yaml:     "server:\n  address: \"\"\n",
			errorMsg: "address is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfigFile(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestBackupConfig_Validate(t *testing.T) {
	full := BackupConfig{
		Endpoint:  "https://minio.example.com:9000",
		AccessKey: "key",
		SecretKey: "secret",
		Bucket:    "backups",
	}
	assert.NoError(t, full.Validate())

	missingEndpoint := full
	missingEndpoint.Endpoint = ""
	assert.ErrorContains(t, missingEndpoint.Validate(), "endpoint is required")

	missingAccess := full
	missingAccess.AccessKey = ""
	assert.ErrorContains(t, missingAccess.Validate(), "access_key is required")

	missingSecret := full
	missingSecret.SecretKey = ""
	assert.ErrorContains(t, missingSecret.Validate(), "secret_key is required")

	missingBucket := full
	missingBucket.Bucket = ""
	assert.ErrorContains(t, missingBucket.Validate(), "bucket is required")
}
