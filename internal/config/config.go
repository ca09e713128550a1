package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// HTTP server configuration
	Server ServerConfig `mapstructure:"server"`

	// Background worker configuration
	Worker WorkerConfig `mapstructure:"worker"`

	// Upload staging configuration
	Upload UploadConfig `mapstructure:"upload"`

	// Optional schema cache
	Cache CacheConfig `mapstructure:"cache"`

	// Logging
	Log LogConfig `mapstructure:"log"`

	// Versioning defaults
	DefaultBranchName string `mapstructure:"default_branch_name"`
	RowStoreBatchSize int    `mapstructure:"row_store_batch_size"`
}

type DatabaseConfig struct {
	// URL is required. postgres://... selects the pgx backend; any other
	// value is treated as a SQLite path (":memory:" included).
	URL string `mapstructure:"url"`
}

type ServerConfig struct {
	ListenAddr       string `mapstructure:"listen_addr"`
	UploadRatePerMin int    `mapstructure:"upload_rate_per_min"`
}

type WorkerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PoolSizePerType int           `mapstructure:"pool_size_per_type"`
}

type UploadConfig struct {
	MaxSizeBytes      int64  `mapstructure:"max_size_bytes"`
	TempDir           string `mapstructure:"temp_dir"`
	StagingLedgerPath string `mapstructure:"staging_ledger_path"`
}

type CacheConfig struct {
	// RedisURL enables the commit-schema cache when set.
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:       ":8080",
			UploadRatePerMin: 30,
		},
		Worker: WorkerConfig{
			PollInterval:    500 * time.Millisecond,
			PoolSizePerType: 2,
		},
		Upload: UploadConfig{
			MaxSizeBytes: 1 << 30, // 1 GiB
		},
		Cache: CacheConfig{
			TTL: 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
		DefaultBranchName: "main",
		RowStoreBatchSize: 1000,
	}
}

// Load reads configuration from an optional .env file, a tabula.yaml config
// file and TABULA_* environment variables, layered over Default().
func Load(configPath string) (*Config, error) {
	// Best effort; a missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("TABULA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Default()
	v.SetDefault("server.listen_addr", defaults.Server.ListenAddr)
	v.SetDefault("server.upload_rate_per_min", defaults.Server.UploadRatePerMin)
	v.SetDefault("worker.poll_interval", defaults.Worker.PollInterval)
	v.SetDefault("worker.pool_size_per_type", defaults.Worker.PoolSizePerType)
	v.SetDefault("upload.max_size_bytes", defaults.Upload.MaxSizeBytes)
	v.SetDefault("upload.temp_dir", "")
	v.SetDefault("upload.staging_ledger_path", "")
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttl", defaults.Cache.TTL)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.json", false)
	v.SetDefault("default_branch_name", defaults.DefaultBranchName)
	v.SetDefault("row_store_batch_size", defaults.RowStoreBatchSize)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("tabula")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tabula")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required options and value ranges.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (TABULA_DATABASE_URL)")
	}
	if c.Worker.PoolSizePerType < 1 {
		return fmt.Errorf("worker.pool_size_per_type must be >= 1")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	if c.Upload.MaxSizeBytes <= 0 {
		return fmt.Errorf("upload.max_size_bytes must be positive")
	}
	if c.RowStoreBatchSize < 1 {
		return fmt.Errorf("row_store_batch_size must be >= 1")
	}
	if c.DefaultBranchName == "" {
		return fmt.Errorf("default_branch_name must not be empty")
	}
	return nil
}
