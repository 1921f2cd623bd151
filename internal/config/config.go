// Package config loads the runtime configuration from a YAML file and
// CONTENTSTORE_* environment variables, with defaults for local use.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	Storage  StorageConfig `mapstructure:"storage"`
	Cache    CacheConfig   `mapstructure:"cache"`
	Monitor  MonitorConfig `mapstructure:"monitor"`
	Server   ServerConfig  `mapstructure:"server"`
	Backup   BackupConfig  `mapstructure:"backup"`
}

// StorageConfig tunes the database file and the connection lease pool.
type StorageConfig struct {
	Path               string        `mapstructure:"path"`
	PoolSize           int           `mapstructure:"pool_size"`
	MaxOverflow        int           `mapstructure:"max_overflow"`
	AcquireTimeout     time.Duration `mapstructure:"acquire_timeout"`
	ConnMaxAge         time.Duration `mapstructure:"connection_max_age"`
	ConnMaxQueries     int64         `mapstructure:"connection_max_queries"`
	CheckpointEveryOps int64         `mapstructure:"checkpoint_every_n_operations"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	MigrationsDir      string        `mapstructure:"migrations_dir"`
}

// CacheConfig tunes the query result cache.
type CacheConfig struct {
	MaxSize    int           `mapstructure:"max_size"`
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

// MonitorConfig tunes the query performance monitor.
type MonitorConfig struct {
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`
	MaxSamples         int           `mapstructure:"max_samples"`
	RecentSlow         int           `mapstructure:"recent_slow"`
}

// ServerConfig tunes the ops HTTP server. API tokens are optional; with
// none configured the /api/v1 group is open.
type ServerConfig struct {
	Address       string   `mapstructure:"address"`
	APITokens     []string `mapstructure:"api_tokens"`
	APITokensFile string   `mapstructure:"api_tokens_file"`
}

// BackupConfig holds object storage settings for database snapshots.
// Credentials may also come from the MINIO_ACCESS_KEY / MINIO_SECRET_KEY
// environment variables.
type BackupConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// Load reads configuration from path (or the default search locations when
// path is empty), applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CONTENTSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Object storage credentials also honor the conventional MinIO names.
	_ = v.BindEnv("backup.access_key", "CONTENTSTORE_BACKUP_ACCESS_KEY", "MINIO_ACCESS_KEY")
	_ = v.BindEnv("backup.secret_key", "CONTENTSTORE_BACKUP_SECRET_KEY", "MINIO_SECRET_KEY")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("contentstore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/contentstore")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("storage.path", "contentstore.db")
	v.SetDefault("storage.pool_size", 5)
	v.SetDefault("storage.max_overflow", 10)
	v.SetDefault("storage.acquire_timeout", 30*time.Second)
	v.SetDefault("storage.connection_max_age", time.Hour)
	v.SetDefault("storage.connection_max_queries", 10000)
	v.SetDefault("storage.checkpoint_every_n_operations", 1000)
	v.SetDefault("storage.checkpoint_interval", 5*time.Minute)
	v.SetDefault("storage.migrations_dir", "")

	v.SetDefault("cache.max_size", 1000)
	v.SetDefault("cache.default_ttl", 5*time.Minute)

	v.SetDefault("monitor.slow_query_threshold", 100*time.Millisecond)
	v.SetDefault("monitor.max_samples", 1024)
	v.SetDefault("monitor.recent_slow", 50)

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.api_tokens", []string{})
	v.SetDefault("server.api_tokens_file", "")

	v.SetDefault("backup.endpoint", "")
	v.SetDefault("backup.access_key", "")
	v.SetDefault("backup.secret_key", "")
	v.SetDefault("backup.bucket", "")
	v.SetDefault("backup.prefix", "")
	v.SetDefault("backup.use_ssl", true)
}

// Validate checks every section. Backup settings are only validated by the
// backup command since they are optional for everything else.
func (c *Config) Validate() error {
	if c.LogLevel == "" {
		return fmt.Errorf("log_level is required")
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache config: %w", err)
	}
	if err := c.Monitor.Validate(); err != nil {
		return fmt.Errorf("monitor config: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	return nil
}

// Validate checks the storage section.
func (s *StorageConfig) Validate() error {
	if s.Path == "" {
		return fmt.Errorf("path is required")
	}
	if s.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", s.PoolSize)
	}
	if s.MaxOverflow < 0 {
		return fmt.Errorf("max_overflow cannot be negative, got %d", s.MaxOverflow)
	}
	if s.AcquireTimeout <= 0 {
		return fmt.Errorf("acquire_timeout must be positive, got %s", s.AcquireTimeout)
	}
	if s.ConnMaxAge <= 0 {
		return fmt.Errorf("connection_max_age must be positive, got %s", s.ConnMaxAge)
	}
	if s.ConnMaxQueries <= 0 {
		return fmt.Errorf("connection_max_queries must be positive, got %d", s.ConnMaxQueries)
	}
	if s.CheckpointEveryOps <= 0 {
		return fmt.Errorf("checkpoint_every_n_operations must be positive, got %d", s.CheckpointEveryOps)
	}
	if s.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint_interval must be positive, got %s", s.CheckpointInterval)
	}
	return nil
}

// Validate checks the cache section.
func (c *CacheConfig) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("max_size must be positive, got %d", c.MaxSize)
	}
	if c.DefaultTTL < 0 {
		return fmt.Errorf("default_ttl cannot be negative, got %s", c.DefaultTTL)
	}
	return nil
}

// Validate checks the monitor section.
func (m *MonitorConfig) Validate() error {
	if m.SlowQueryThreshold <= 0 {
		return fmt.Errorf("slow_query_threshold must be positive, got %s", m.SlowQueryThreshold)
	}
	if m.MaxSamples <= 0 {
		return fmt.Errorf("max_samples must be positive, got %d", m.MaxSamples)
	}
	if m.RecentSlow <= 0 {
		return fmt.Errorf("recent_slow must be positive, got %d", m.RecentSlow)
	}
	return nil
}

// Validate checks the server section.
func (s *ServerConfig) Validate() error {
	if s.Address == "" {
		return fmt.Errorf("address is required")
	}
	return nil
}

// Validate checks the backup section. Called by the backup command only.
func (b *BackupConfig) Validate() error {
	if b.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if b.AccessKey == "" {
		return fmt.Errorf("access_key is required (or set MINIO_ACCESS_KEY)")
	}
	if b.SecretKey == "" {
		return fmt.Errorf("secret_key is required (or set MINIO_SECRET_KEY)")
	}
	if b.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	return nil
}
