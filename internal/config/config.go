// Package config provides unified configuration loading for the knowledge
// base core. Supports YAML files, environment variables, and programmatic
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the core and its daemon.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	ObjectStore   ObjectStoreConfig   `yaml:"object_store"`
	Redis         RedisConfig         `yaml:"redis"`
	Queue         QueueConfig         `yaml:"queue"`
	Models        ModelsConfig        `yaml:"models"`
	Chunking      ChunkingConfig      `yaml:"chunking"`
	Coordinator   CoordinatorConfig   `yaml:"coordinator"`
	Query         QueryConfig         `yaml:"query"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds the daemon's operational HTTP listener settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds metadata store connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ObjectStoreConfig holds S3-compatible object store settings.
type ObjectStoreConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	AccessKey  string        `yaml:"access_key"`
	SecretKey  string        `yaml:"secret_key"`
	Bucket     string        `yaml:"bucket"`
	Region     string        `yaml:"region"`
	UseSSL     bool          `yaml:"use_ssl"`
	PresignTTL time.Duration `yaml:"presign_ttl"`
}

// RedisConfig holds Redis settings shared by the queue and the advisory lock.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig holds indexing queue settings.
type QueueConfig struct {
	Name        string        `yaml:"name"`
	Concurrency int           `yaml:"concurrency"`
	MaxRetry    int           `yaml:"max_retry"`
	JobTimeout  time.Duration `yaml:"job_timeout"`
	Retention   time.Duration `yaml:"retention"`
}

// ModelsConfig holds model gateway settings.
type ModelsConfig struct {
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"api_key"`
	EmbeddingModel   string        `yaml:"embedding_model"`
	GenerationModel  string        `yaml:"generation_model"`
	EmbedBatchSize   int           `yaml:"embed_batch_size"`
	EmbedParallelism int           `yaml:"embed_parallelism"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
}

// ChunkingConfig holds splitter settings.
type ChunkingConfig struct {
	TargetTokens  int `yaml:"target_tokens"`
	OverlapTokens int `yaml:"overlap_tokens"`
}

// CoordinatorConfig holds optimistic merge protocol settings.
type CoordinatorConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffJitter time.Duration `yaml:"backoff_jitter"`
	LockEnabled   bool          `yaml:"lock_enabled"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
}

// QueryConfig holds query engine settings.
type QueryConfig struct {
	MaxHistoryTurns int           `yaml:"max_history_turns"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8086,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/ragcore.db",
				MaxOpenConns: 1,
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:   "localhost:9000",
			Bucket:     "ragcore",
			Region:     "us-east-1",
			UseSSL:     false,
			PresignTTL: 15 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Queue: QueueConfig{
			Name:        "indexing",
			Concurrency: 4,
			MaxRetry:    3,
			JobTimeout:  10 * time.Minute,
			Retention:   14 * 24 * time.Hour,
		},
		Models: ModelsConfig{
			EmbeddingModel:   "text-embedding-3-small",
			GenerationModel:  "gpt-4o-mini",
			EmbedBatchSize:   16,
			EmbedParallelism: 4,
			MaxRetries:       4,
			RetryBaseDelay:   250 * time.Millisecond,
			RetryMaxDelay:    8 * time.Second,
		},
		Chunking: ChunkingConfig{
			TargetTokens:  1000,
			OverlapTokens: 200,
		},
		Coordinator: CoordinatorConfig{
			MaxAttempts:   5,
			BackoffBase:   50 * time.Millisecond,
			BackoffJitter: 50 * time.Millisecond,
			LockEnabled:   false,
			LockTTL:       300 * time.Second,
		},
		Query: QueryConfig{
			MaxHistoryTurns: 5,
			RequestTimeout:  30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.ObjectStore.Bucket == "" {
		return fmt.Errorf("object store bucket is required")
	}

	if c.Chunking.TargetTokens < 1 {
		return fmt.Errorf("chunking target_tokens must be positive")
	}

	if c.Chunking.OverlapTokens < 0 || c.Chunking.OverlapTokens >= c.Chunking.TargetTokens {
		return fmt.Errorf("chunking overlap_tokens must be in [0, target_tokens)")
	}

	if c.Coordinator.MaxAttempts < 1 {
		return fmt.Errorf("coordinator max_attempts must be at least 1")
	}

	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue concurrency must be at least 1")
	}

	if c.Query.MaxHistoryTurns < 0 {
		return fmt.Errorf("query max_history_turns must not be negative")
	}

	return nil
}

// DatabaseDSN returns the connection string for the configured driver.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// applyEnvOverrides applies RAGCORE_* environment variables on top of the
// file-provided values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RAGCORE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("RAGCORE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("RAGCORE_DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}

	if v := os.Getenv("RAGCORE_OBJECT_ENDPOINT"); v != "" {
		cfg.ObjectStore.Endpoint = v
	}

	if v := os.Getenv("RAGCORE_OBJECT_ACCESS_KEY"); v != "" {
		cfg.ObjectStore.AccessKey = v
	}

	if v := os.Getenv("RAGCORE_OBJECT_SECRET_KEY"); v != "" {
		cfg.ObjectStore.SecretKey = v
	}

	if v := os.Getenv("RAGCORE_OBJECT_BUCKET"); v != "" {
		cfg.ObjectStore.Bucket = v
	}

	if v := os.Getenv("RAGCORE_OBJECT_USE_SSL"); v != "" {
		cfg.ObjectStore.UseSSL = v == "true" || v == "1"
	}

	if v := os.Getenv("RAGCORE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("RAGCORE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("RAGCORE_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Concurrency = n
		}
	}

	if v := os.Getenv("RAGCORE_MODELS_BASE_URL"); v != "" {
		cfg.Models.BaseURL = v
	}

	if v := os.Getenv("RAGCORE_MODELS_API_KEY"); v != "" {
		cfg.Models.APIKey = v
	}

	if v := os.Getenv("RAGCORE_EMBEDDING_MODEL"); v != "" {
		cfg.Models.EmbeddingModel = v
	}

	if v := os.Getenv("RAGCORE_GENERATION_MODEL"); v != "" {
		cfg.Models.GenerationModel = v
	}

	if v := os.Getenv("RAGCORE_LOCK_ENABLED"); v != "" {
		cfg.Coordinator.LockEnabled = v == "true" || v == "1"
	}

	if v := os.Getenv("RAGCORE_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("RAGCORE_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
