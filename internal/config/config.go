// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Auth     AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Rewrite  RewriteConfig  `mapstructure:"rewrite" yaml:"rewrite"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Lock     LockConfig     `mapstructure:"lock" yaml:"lock"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Workers  WorkersConfig  `mapstructure:"workers" yaml:"workers"`
	Fetcher  FetcherConfig  `mapstructure:"fetcher" yaml:"fetcher"`
	Progress ProgressConfig `mapstructure:"progress" yaml:"progress"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development" yaml:"development"`
	Level       string `mapstructure:"level" yaml:"level"`
}

// RewriteConfig tunes the rewrite core.
type RewriteConfig struct {
	// URLPrefix is prepended to output names; empty derives it from the
	// server port.
	URLPrefix          string        `mapstructure:"url_prefix" yaml:"url_prefix"`
	MaxRewrites        int           `mapstructure:"max_rewrites" yaml:"max_rewrites"`
	MaxQueue           int           `mapstructure:"max_queue" yaml:"max_queue"`
	DeadlineMs         int64         `mapstructure:"deadline_ms" yaml:"deadline_ms"`
	WaitMs             int64         `mapstructure:"wait_ms" yaml:"wait_ms"`
	LockDeadlineMs     int64         `mapstructure:"lock_deadline_ms" yaml:"lock_deadline_ms"`
	ImplicitCacheTTLMs int64         `mapstructure:"implicit_cache_ttl_ms" yaml:"implicit_cache_ttl_ms"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	Filters            []string      `mapstructure:"filters" yaml:"filters"`
	MaxCombinedBytes   int           `mapstructure:"max_combined_bytes" yaml:"max_combined_bytes"`
	// Hasher names outputs: sha256 (truncated to HashLength) or xxhash.
	Hasher     string `mapstructure:"hasher" yaml:"hasher"`
	HashLength int    `mapstructure:"hash_length" yaml:"hash_length"`
}

// CacheConfig selects and configures the metadata and output cache backend.
type CacheConfig struct {
	Backend       string        `mapstructure:"backend" yaml:"backend"`
	LRUEntries    int           `mapstructure:"lru_entries" yaml:"lru_entries"`
	Dir           string        `mapstructure:"dir" yaml:"dir"`
	Bucket        string        `mapstructure:"bucket" yaml:"bucket"`
	Prefix        string        `mapstructure:"prefix" yaml:"prefix"`
	RedisAddr     string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" yaml:"redis_db"`
	RedisTTL      time.Duration `mapstructure:"redis_ttl" yaml:"redis_ttl"`
	PebbleDir     string        `mapstructure:"pebble_dir" yaml:"pebble_dir"`
	PebbleCacheMB int64         `mapstructure:"pebble_cache_mb" yaml:"pebble_cache_mb"`
	OpTimeout     time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
}

// LockConfig selects the named lock manager.
type LockConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	PollMs  int64  `mapstructure:"poll_ms" yaml:"poll_ms"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	Table           string        `mapstructure:"table" yaml:"table"`
	OutputsTable    string        `mapstructure:"outputs_table" yaml:"outputs_table"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema" yaml:"ensure_schema"`
}

// WorkersConfig sizes the worker pools.
type WorkersConfig struct {
	// Rewrite runs the per-request driver sequences.
	Rewrite int `mapstructure:"rewrite" yaml:"rewrite"`
	// Fetch runs blocking origin fetches.
	Fetch int `mapstructure:"fetch" yaml:"fetch"`
	// LowPriority runs cache backend operations.
	LowPriority int `mapstructure:"low_priority" yaml:"low_priority"`
}

// FetcherConfig controls origin fetching.
type FetcherConfig struct {
	UserAgent   string  `mapstructure:"user_agent" yaml:"user_agent"`
	RatePerHost float64 `mapstructure:"rate_per_host" yaml:"rate_per_host"`
	Burst       int     `mapstructure:"burst" yaml:"burst"`
	MaxBodySize int     `mapstructure:"max_body_size" yaml:"max_body_size"`
	MaxAttempts int     `mapstructure:"max_attempts" yaml:"max_attempts"`
	// AllowedDomains restricts inputs to these hosts; "*.example.com"
	// matches subdomains. Empty allows any host not blocked.
	AllowedDomains []string `mapstructure:"allowed_domains" yaml:"allowed_domains"`
	BlockedDomains []string `mapstructure:"blocked_domains" yaml:"blocked_domains"`
}

// ProgressConfig configures the progress hub and its sinks.
type ProgressConfig struct {
	Enabled       bool         `mapstructure:"enabled" yaml:"enabled"`
	LogEnabled    bool         `mapstructure:"log_enabled" yaml:"log_enabled"`
	BufferSize    int          `mapstructure:"buffer_size" yaml:"buffer_size"`
	Batch         BatchConfig  `mapstructure:"batch" yaml:"batch"`
	SinkTimeoutMs int          `mapstructure:"sink_timeout_ms" yaml:"sink_timeout_ms"`
	PubSub        PubSubConfig `mapstructure:"pubsub" yaml:"pubsub"`
}

// BatchConfig bounds progress batches.
type BatchConfig struct {
	MaxEvents int `mapstructure:"max_events" yaml:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms" yaml:"max_wait_ms"`
}

// PubSubConfig holds the topic progress events are published to.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id" yaml:"project_id"`
	TopicName string `mapstructure:"topic_name" yaml:"topic_name"`
}

// MetricsConfig controls the Prometheus export.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// Cache backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendGCS      = "gcs"
	BackendRedis    = "redis"
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
)

var cacheBackends = []string{BackendMemory, BackendFile, BackendGCS, BackendRedis, BackendPebble, BackendPostgres}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REWRITE")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("rewrite.max_rewrites", 8)
	v.SetDefault("rewrite.max_queue", 500)
	v.SetDefault("rewrite.deadline_ms", 1000)
	v.SetDefault("rewrite.wait_ms", 1000)
	v.SetDefault("rewrite.lock_deadline_ms", 30000)
	v.SetDefault("rewrite.implicit_cache_ttl_ms", 300000)
	v.SetDefault("rewrite.fetch_timeout", "10s")
	v.SetDefault("rewrite.filters", []string{"ce", "cc"})
	v.SetDefault("rewrite.max_combined_bytes", 1<<20)
	v.SetDefault("rewrite.hasher", "sha256")
	v.SetDefault("rewrite.hash_length", 10)
	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.lru_entries", 10000)
	v.SetDefault("cache.dir", "data/cache")
	v.SetDefault("cache.pebble_dir", "data/pebble")
	v.SetDefault("cache.op_timeout", "5s")
	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.dir", "data/locks")
	v.SetDefault("lock.poll_ms", 100)
	v.SetDefault("database.table", "rewrite_cache")
	v.SetDefault("database.outputs_table", "rewrite_outputs")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("workers.rewrite", 8)
	v.SetDefault("workers.fetch", 16)
	v.SetDefault("workers.low_priority", 4)
	v.SetDefault("fetcher.user_agent", "rewrite-core/0.1")
	v.SetDefault("fetcher.rate_per_host", 10)
	v.SetDefault("fetcher.burst", 5)
	v.SetDefault("fetcher.max_attempts", 3)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 1000)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "rewrite")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Rewrite.MaxRewrites <= 0 || c.Rewrite.MaxQueue <= 0 {
		return fmt.Errorf("rewrite.max_rewrites and rewrite.max_queue must be > 0")
	}
	if c.Rewrite.DeadlineMs <= 0 || c.Rewrite.WaitMs <= 0 || c.Rewrite.LockDeadlineMs <= 0 {
		return fmt.Errorf("rewrite deadlines must be > 0")
	}
	if len(c.Rewrite.Filters) == 0 {
		return fmt.Errorf("rewrite.filters must name at least one filter")
	}
	switch c.Rewrite.Hasher {
	case "sha256":
		if c.Rewrite.HashLength <= 0 || c.Rewrite.HashLength > 64 {
			return fmt.Errorf("rewrite.hash_length must be in 1..64")
		}
	case "xxhash":
	default:
		return fmt.Errorf("rewrite.hasher %q is not one of sha256, xxhash", c.Rewrite.Hasher)
	}
	if !slices.Contains(cacheBackends, c.Cache.Backend) {
		return fmt.Errorf("cache.backend %q is not one of %s", c.Cache.Backend, strings.Join(cacheBackends, ", "))
	}
	switch c.Cache.Backend {
	case BackendGCS:
		if c.Cache.Bucket == "" {
			return fmt.Errorf("cache.bucket must be set for the gcs backend")
		}
	case BackendRedis:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr must be set for the redis backend")
		}
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres backend")
		}
	}
	switch c.Lock.Backend {
	case "memory":
	case "file":
		if c.Lock.Dir == "" {
			return fmt.Errorf("lock.dir must be set for the file lock backend")
		}
	default:
		return fmt.Errorf("lock.backend %q is not one of memory, file", c.Lock.Backend)
	}
	if c.Workers.Rewrite <= 0 || c.Workers.Fetch <= 0 || c.Workers.LowPriority <= 0 {
		return fmt.Errorf("workers must all be > 0")
	}
	if c.Fetcher.MaxAttempts <= 0 {
		return fmt.Errorf("fetcher.max_attempts must be > 0")
	}
	if c.Progress.PubSub.TopicName != "" && c.Progress.PubSub.ProjectID == "" {
		return fmt.Errorf("progress.pubsub.project_id must be set with a topic")
	}
	return nil
}

// URLPrefix returns the configured output URL prefix, or one addressing
// this server's /pagespeed/ route.
func (c Config) URLPrefix() string {
	if c.Rewrite.URLPrefix != "" {
		return c.Rewrite.URLPrefix
	}
	return fmt.Sprintf("http://localhost:%d/pagespeed/", c.Server.Port)
}

// Redacted returns a copy safe to print, with secrets masked.
func (c Config) Redacted() Config {
	const mask = "****"
	if c.Auth.APIKey != "" {
		c.Auth.APIKey = mask
	}
	if c.Cache.RedisPassword != "" {
		c.Cache.RedisPassword = mask
	}
	if c.Database.DSN != "" {
		c.Database.DSN = mask
	}
	c.Rewrite.Filters = slices.Clone(c.Rewrite.Filters)
	return c
}
