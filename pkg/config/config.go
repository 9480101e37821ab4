// Package config loads rollup-engine's configuration from an optional YAML
// file layered under environment variable overrides, following the
// teacher's file-then-env convention.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RollupConfig bounds the Rollup Service's validation and lifecycle limits
// (§4.F, §6).
type RollupConfig struct {
	MaxRepositoriesPerRollup int `yaml:"max_repositories_per_rollup" env:"ROLLUP_MAX_REPOSITORIES"`
	MaxMatchersPerRollup     int `yaml:"max_matchers_per_rollup" env:"ROLLUP_MAX_MATCHERS"`
	MaxNameLength            int `yaml:"max_name_length" env:"ROLLUP_MAX_NAME_LENGTH"`
	MaxMergedNodes           int `yaml:"max_merged_nodes" env:"ROLLUP_MAX_MERGED_NODES"`
	MaxConcurrentExecutions  int `yaml:"max_concurrent_executions" env:"ROLLUP_MAX_CONCURRENT_EXECUTIONS"`
}

// RetryPolicyConfig mirrors §6's executionRetryPolicy/externalRetryPolicy
// shape.
type RetryPolicyConfig struct {
	MaxAttempts       int     `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelayMs       int64   `yaml:"base_delay_ms" env:"BASE_DELAY_MS"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
	MaxDelayMs        int64   `yaml:"max_delay_ms" env:"MAX_DELAY_MS"`
	JitterFactor      float64 `yaml:"jitter_factor" env:"JITTER_FACTOR"`
	TimeoutMs         int64   `yaml:"timeout_ms" env:"TIMEOUT_MS"`
}

// CircuitBreakerConfig mirrors §6's circuitBreaker shape.
type CircuitBreakerConfig struct {
	FailureThreshold int   `yaml:"failure_threshold" env:"CB_FAILURE_THRESHOLD"`
	SuccessThreshold int   `yaml:"success_threshold" env:"CB_SUCCESS_THRESHOLD"`
	ResetTimeoutMs   int64 `yaml:"reset_timeout_ms" env:"CB_RESET_TIMEOUT_MS"`
	FailureWindowMs  int64 `yaml:"failure_window_ms" env:"CB_FAILURE_WINDOW_MS"`
}

// ExecutionConfig bounds the Execution Orchestrator (§4.G, §6).
type ExecutionConfig struct {
	DefaultTimeoutSeconds  int                  `yaml:"default_timeout_seconds" env:"EXECUTION_DEFAULT_TIMEOUT_SECONDS"`
	MaxTimeoutSeconds      int                  `yaml:"max_timeout_seconds" env:"EXECUTION_MAX_TIMEOUT_SECONDS"`
	ExecutionRetryPolicy   RetryPolicyConfig    `yaml:"execution_retry_policy"`
	ExternalRetryPolicy    RetryPolicyConfig    `yaml:"external_retry_policy"`
	CircuitBreaker         CircuitBreakerConfig `yaml:"circuit_breaker"`
	DeadLetterQueueMaxSize int                  `yaml:"dead_letter_queue_max_size" env:"DLQ_MAX_SIZE"`
	DeadLetterRetentionMs  int64                `yaml:"dead_letter_retention_ms" env:"DLQ_RETENTION_MS"`
	Concurrency            int                  `yaml:"concurrency" env:"ORCHESTRATOR_CONCURRENCY"`
	ChunkSize              int                  `yaml:"chunk_size" env:"ORCHESTRATOR_CHUNK_SIZE"`
}

// CacheConfig controls the two-tier rollup cache's topology (§4.H, §6).
type CacheConfig struct {
	L1MaxSize         int    `yaml:"l1_max_size" env:"CACHE_L1_MAX_SIZE"`
	L1TTLSeconds      int    `yaml:"l1_ttl_seconds" env:"CACHE_L1_TTL_SECONDS"`
	L2TTLSeconds      int    `yaml:"l2_ttl_seconds" env:"CACHE_L2_TTL_SECONDS"`
	KeyPrefix         string `yaml:"key_prefix" env:"CACHE_KEY_PREFIX"`
	EnableL1          bool   `yaml:"enable_l1" env:"CACHE_ENABLE_L1"`
	EnableL2          bool   `yaml:"enable_l2" env:"CACHE_ENABLE_L2"`
	EnableResultCache bool   `yaml:"enable_result_caching" env:"CACHE_ENABLE_RESULT_CACHING"`
	ResultCacheTTLSec int    `yaml:"result_cache_ttl_seconds" env:"CACHE_RESULT_TTL_SECONDS"`
}

// EventConfig controls the Event Bus Adapter's routing (§4.I).
type EventConfig struct {
	ChannelPrefix string `yaml:"channel_prefix" env:"EVENT_CHANNEL_PREFIX"`
	MaxAttempts   int    `yaml:"max_attempts" env:"EVENT_MAX_ATTEMPTS"`
}

// DatabaseConfig controls the reference Postgres adapter.
type DatabaseConfig struct {
	Driver          string `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `yaml:"dsn" env:"DATABASE_DSN"`
	Host            string `yaml:"host" env:"DATABASE_HOST"`
	Port            int    `yaml:"port" env:"DATABASE_PORT"`
	User            string `yaml:"user" env:"DATABASE_USER"`
	Password        string `yaml:"password" env:"DATABASE_PASSWORD"`
	Name            string `yaml:"name" env:"DATABASE_NAME"`
	SSLMode         string `yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	MigrateOnStart  bool   `yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

func (c DatabaseConfig) ConnectionString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// RedisConfig controls the reference L2 BlobCache adapter.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// LoggingConfig controls structured logging (§9 ambient stack).
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Config is the top-level rollup-engine configuration.
type Config struct {
	Rollup    RollupConfig    `yaml:"rollup"`
	Execution ExecutionConfig `yaml:"execution"`
	Cache     CacheConfig     `yaml:"cache"`
	Event     EventConfig     `yaml:"event"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// New returns a Config populated with the defaults named throughout §4-§6.
func New() *Config {
	return &Config{
		Rollup: RollupConfig{
			MaxRepositoriesPerRollup: 50,
			MaxMatchersPerRollup:     20,
			MaxNameLength:            200,
			MaxMergedNodes:           100000,
			MaxConcurrentExecutions:  5,
		},
		Execution: ExecutionConfig{
			DefaultTimeoutSeconds: 300,
			MaxTimeoutSeconds:     3600,
			ExecutionRetryPolicy: RetryPolicyConfig{
				MaxAttempts: 3, BaseDelayMs: 1000, BackoffMultiplier: 2, MaxDelayMs: 30000, JitterFactor: 0.1,
			},
			ExternalRetryPolicy: RetryPolicyConfig{
				MaxAttempts: 3, BaseDelayMs: 1000, BackoffMultiplier: 2, MaxDelayMs: 30000, JitterFactor: 0.1,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5, SuccessThreshold: 2, ResetTimeoutMs: 30000, FailureWindowMs: 60000,
			},
			DeadLetterQueueMaxSize: 1000,
			DeadLetterRetentionMs:  7 * 24 * 60 * 60 * 1000,
			Concurrency:            10,
			ChunkSize:              500,
		},
		Cache: CacheConfig{
			L1MaxSize: 1500, L1TTLSeconds: 300, L2TTLSeconds: 3600,
			KeyPrefix: "ro", EnableL1: true, EnableL2: false,
			EnableResultCache: true, ResultCacheTTLSec: 3600,
		},
		Event: EventConfig{
			ChannelPrefix: "rollup:events",
			MaxAttempts:   3,
		},
		Database: DatabaseConfig{
			Driver: "postgres", SSLMode: "disable",
			MaxOpenConns: 10, MaxIdleConns: 5, MigrateOnStart: true,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Logging: LoggingConfig{
			Level: "info", Format: "json",
		},
	}
}

// Load loads configuration from an optional .env file, an optional YAML
// file (CONFIG_FILE or ./configs/config.yaml), then applies environment
// variable overrides, mirroring the teacher's Load().
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	if c.Execution.Concurrency <= 0 {
		c.Execution.Concurrency = 10
	}
	if c.Execution.ChunkSize <= 0 {
		c.Execution.ChunkSize = 500
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "ro"
	}
}
