// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/lens-scraper/internal/lens"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PoolConfig sizes and recycles the browser pool.
type PoolConfig struct {
	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	MaxAge            time.Duration `mapstructure:"max_age"`
	MaxJobs           int           `mapstructure:"max_jobs"`
	MaxNavFailures    int           `mapstructure:"max_nav_failures"`
	MaxLaunchFailures int           `mapstructure:"max_launch_failures"`
	MemoryMaxPercent  float64       `mapstructure:"memory_max_percent"`
	ChromePath        string        `mapstructure:"chrome_path"`
	Headless          bool          `mapstructure:"headless"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// ScrapeConfig governs scheduling and per-job budgets.
type ScrapeConfig struct {
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
	JobDeadline time.Duration `mapstructure:"job_deadline"`
	QueueDepth  int           `mapstructure:"queue_depth"`
	Workers     int           `mapstructure:"workers"`
	Retention   time.Duration `mapstructure:"retention"`
}

// RetryConfig mirrors lens.RetryConfig.
type RetryConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
	BlockedMaxAttempts int           `mapstructure:"blocked_max_attempts"`
	BlockedBackoffBase time.Duration `mapstructure:"blocked_backoff_base"`
	BlockedBackoffMax  time.Duration `mapstructure:"blocked_backoff_max"`
}

// CacheConfig toggles the result cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// ProbeConfig controls the image pre-flight download.
type ProbeConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxBytes int           `mapstructure:"max_bytes"`
}

// RateLimitConfig paces navigations toward the search host.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// StorageConfig selects where failure snapshots are written.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Bucket  string       `mapstructure:"bucket"`
	Prefix  string       `mapstructure:"prefix"`
	Local   LocalStorage `mapstructure:"local"`
}

// LocalStorage configures the filesystem snapshot backend.
type LocalStorage struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls the optional Postgres job store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the lifecycle event hub.
type ProgressConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	LogEnabled  bool          `mapstructure:"log_enabled"`
	BufferSize  int           `mapstructure:"buffer_size"`
	Batch       BatchConfig   `mapstructure:"batch"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
}

// BatchConfig bounds progress batches.
type BatchConfig struct {
	MaxEvents int           `mapstructure:"max_events"`
	MaxWait   time.Duration `mapstructure:"max_wait"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	ServiceName    string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Container platforms inject PORT without our prefix.
	if raw := os.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.request_timeout", "120s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("pool.max_concurrency", 2)
	v.SetDefault("pool.acquire_timeout", "30s")
	v.SetDefault("pool.probe_timeout", "5s")
	v.SetDefault("pool.max_age", "30m")
	v.SetDefault("pool.max_jobs", 50)
	v.SetDefault("pool.max_nav_failures", 2)
	v.SetDefault("pool.max_launch_failures", 3)
	v.SetDefault("pool.memory_max_percent", 90.0)
	v.SetDefault("pool.headless", true)
	v.SetDefault("pool.user_agent",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("scrape.job_timeout", "60s")
	v.SetDefault("scrape.job_deadline", "5m")
	v.SetDefault("scrape.queue_depth", 256)
	v.SetDefault("scrape.workers", 0)
	v.SetDefault("scrape.retention", "1h")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_base", "500ms")
	v.SetDefault("retry.backoff_max", "10s")
	v.SetDefault("retry.blocked_max_attempts", 2)
	v.SetDefault("retry.blocked_backoff_base", "5s")
	v.SetDefault("retry.blocked_backoff_max", "60s")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", "15m")
	v.SetDefault("probe.enabled", false)
	v.SetDefault("probe.timeout", "10s")
	v.SetDefault("probe.max_bytes", lens.MaxImageBytes)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 0.5)
	v.SetDefault("rate_limit.burst", 2)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("storage.local.base_dir", "data")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 100)
	v.SetDefault("progress.batch.max_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "5s")
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "lens-scraper")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.MaxConcurrency <= 0 {
		return fmt.Errorf("pool.max_concurrency must be > 0")
	}
	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("pool.acquire_timeout must be > 0")
	}
	if c.Scrape.JobTimeout <= 0 {
		return fmt.Errorf("scrape.job_timeout must be > 0")
	}
	if c.Scrape.JobDeadline < c.Scrape.JobTimeout {
		return fmt.Errorf("scrape.job_deadline must be >= scrape.job_timeout")
	}
	if c.Scrape.QueueDepth <= 0 {
		return fmt.Errorf("scrape.queue_depth must be > 0")
	}
	if c.Scrape.Workers < 0 {
		return fmt.Errorf("scrape.workers must be >= 0")
	}
	if c.Retry.MaxAttempts <= 0 || c.Retry.BlockedMaxAttempts <= 0 {
		return fmt.Errorf("retry attempts must be > 0")
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0 when the cache is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

// WorkerCount returns how many dispatch goroutines to start.
func (c Config) WorkerCount() int {
	if c.Scrape.Workers > 0 {
		return c.Scrape.Workers
	}
	return c.Pool.MaxConcurrency
}

// RetryPolicy converts the retry section into the domain config.
func (c Config) RetryPolicy() lens.RetryConfig {
	return lens.RetryConfig{
		MaxAttempts:        c.Retry.MaxAttempts,
		BackoffBase:        c.Retry.BackoffBase,
		BackoffMax:         c.Retry.BackoffMax,
		BlockedMaxAttempts: c.Retry.BlockedMaxAttempts,
		BlockedBackoffBase: c.Retry.BlockedBackoffBase,
		BlockedBackoffMax:  c.Retry.BlockedBackoffMax,
	}
}
