// Package config defines the service configuration and its validation.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/pricewatch/internal/domain"
	"github.com/alanyoungcy/pricewatch/internal/platform/browser"
	"github.com/alanyoungcy/pricewatch/internal/ranking"
)

// Config is the root configuration. Fields come from a TOML file and may be
// overridden by PRICEWATCH_* environment variables.
type Config struct {
	Mode      string                    `toml:"mode"`
	LogLevel  string                    `toml:"log_level"`
	Log       LogConfig                 `toml:"log"`
	Refresh   RefreshConfig             `toml:"refresh"`
	Platforms map[string]PlatformConfig `toml:"platforms"`
	Ranking   RankingConfig             `toml:"ranking"`
	Normalize NormalizeConfig           `toml:"normalize"`
	Database  DatabaseConfig            `toml:"database"`
	Redis     RedisConfig               `toml:"redis"`
	S3        S3Config                  `toml:"s3"`
	Kafka     KafkaConfig               `toml:"kafka"`
	Archive   ArchiveConfig             `toml:"archive"`
	Server    ServerConfig              `toml:"server"`
	Metrics   MetricsConfig             `toml:"metrics"`
}

// LogConfig enables a rotating log file alongside stdout.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// RefreshConfig tunes the refresh orchestrator and scheduler.
type RefreshConfig struct {
	MaxConcurrency       int      `toml:"max_concurrency"`
	Retries              int      `toml:"retries"`
	Deadline             duration `toml:"deadline"`
	FetchTimeout         duration `toml:"fetch_timeout"`
	MaxClaimHold         duration `toml:"max_claim_hold"`
	Interval             duration `toml:"interval"`
	DefaultCacheHours    float64  `toml:"default_cache_hours"`
	DeactivateOnNotFound bool     `toml:"deactivate_on_not_found"`
	// ClaimsBackend and PacerBackend are "memory" or "redis".
	ClaimsBackend string `toml:"claims_backend"`
	PacerBackend  string `toml:"pacer_backend"`
}

// PlatformConfig configures one platform adapter.
type PlatformConfig struct {
	Enabled bool `toml:"enabled"`
	// Kind selects the adapter: httpjson, browser or mock.
	Kind              string   `toml:"kind"`
	Name              string   `toml:"name"`
	BaseURL           string   `toml:"base_url"`
	RateLimitInterval duration `toml:"rate_limit_interval"`
	// CacheHours overrides refresh.default_cache_hours when positive.
	CacheHours float64  `toml:"cache_hours"`
	UserAgent  string   `toml:"user_agent"`
	Timeout    duration `toml:"timeout"`
	Currency   string   `toml:"currency"`

	// Browser adapter.
	SearchPath string            `toml:"search_path"`
	Settle     duration          `toml:"settle"`
	ExecPath   string            `toml:"exec_path"`
	Selectors  browser.Selectors `toml:"selectors"`

	// Mock adapter.
	Seed    int64    `toml:"seed"`
	Latency duration `toml:"latency"`
}

// WeightsConfig mirrors domain.ScoreWeights for TOML decoding.
type WeightsConfig struct {
	Price    float64 `toml:"price"`
	Discount float64 `toml:"discount"`
	Rating   float64 `toml:"rating"`
	Delivery float64 `toml:"delivery"`
}

// RankingConfig configures the ranking engine and the comparison cache.
type RankingConfig struct {
	Weights          WeightsConfig          `toml:"weights"`
	RatingFallback   float64                `toml:"rating_fallback"`
	DeliveryFallback float64                `toml:"delivery_fallback"`
	DeliveryTable    []ranking.DeliveryBand `toml:"delivery_table"`
	CacheTTL         duration               `toml:"cache_ttl"`
}

// NormalizeConfig configures the normalizer.
type NormalizeConfig struct {
	DefaultCurrency   string  `toml:"default_currency"`
	DiscountTolerance float64 `toml:"discount_tolerance"`
}

// DatabaseConfig holds PostgreSQL connection parameters. When disabled, an
// in-process store is used.
type DatabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	PreferIPv4    bool   `toml:"prefer_ipv4"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
	// StreamMaxLen caps the outcome stream; zero leaves it unbounded.
	StreamMaxLen int64 `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// KafkaConfig configures the outcome feed topic.
type KafkaConfig struct {
	Enabled      bool     `toml:"enabled"`
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"`
	BatchTimeout duration `toml:"batch_timeout"`
}

// ArchiveConfig schedules cold-storage archival.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit requests per RateWindow per client; zero disables it.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// duration decodes TOML strings such as "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration; config.example.toml documents
// the same values.
func Defaults() Config {
	return Config{
		Mode:     "serve",
		LogLevel: "info",
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Refresh: RefreshConfig{
			MaxConcurrency:       8,
			Retries:              2,
			Deadline:             duration{5 * time.Minute},
			FetchTimeout:         duration{45 * time.Second},
			MaxClaimHold:         duration{10 * time.Minute},
			Interval:             duration{30 * time.Minute},
			DefaultCacheHours:    24,
			DeactivateOnNotFound: true,
			ClaimsBackend:        "memory",
			PacerBackend:         "memory",
		},
		Platforms: map[string]PlatformConfig{
			"amazon": {
				Enabled:           true,
				Kind:              "browser",
				Name:              "Amazon India",
				BaseURL:           "https://www.amazon.in",
				RateLimitInterval: duration{3 * time.Second},
				Currency:          "INR",
				SearchPath:        "/s?k={q}",
			},
			"flipkart": {
				Enabled:           true,
				Kind:              "browser",
				Name:              "Flipkart",
				BaseURL:           "https://www.flipkart.com",
				RateLimitInterval: duration{2 * time.Second},
				Currency:          "INR",
				SearchPath:        "/search?q={q}",
			},
		},
		Ranking: RankingConfig{
			Weights:          WeightsConfig{Price: 0.4, Discount: 0.2, Rating: 0.2, Delivery: 0.2},
			RatingFallback:   50,
			DeliveryFallback: 50,
			CacheTTL:         duration{10 * time.Minute},
		},
		Normalize: NormalizeConfig{
			DefaultCurrency:   "INR",
			DiscountTolerance: 1.0,
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "pricewatch",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "pricewatch",
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "pricewatch-archive",
			ForcePathStyle: true,
		},
		Kafka: KafkaConfig{
			Topic:        "pricewatch.refresh-outcomes",
			BatchTimeout: duration{200 * time.Millisecond},
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Cron:          "0 3 * * *",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateWindow:  duration{time.Minute},
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

var validModes = map[string]bool{
	"serve":   true,
	"refresh": true,
	"once":    true,
	"full":    true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validKinds = map[string]bool{
	"httpjson": true,
	"browser":  true,
	"mock":     true,
}

// Validate returns one error listing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: serve, refresh, once, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	r := c.Refresh
	if r.MaxConcurrency < 1 {
		add("refresh: max_concurrency must be >= 1")
	}
	if r.Retries < 0 {
		add("refresh: retries must be >= 0")
	}
	if r.Deadline.Duration <= 0 || r.FetchTimeout.Duration <= 0 || r.Interval.Duration <= 0 {
		add("refresh: deadline, fetch_timeout and interval must be positive")
	}
	if r.MaxClaimHold.Duration <= r.Deadline.Duration {
		add("refresh: max_claim_hold (%s) must exceed deadline (%s)", r.MaxClaimHold.Duration, r.Deadline.Duration)
	}
	if r.DefaultCacheHours <= 0 {
		add("refresh: default_cache_hours must be > 0")
	}
	for name, v := range map[string]string{"claims_backend": r.ClaimsBackend, "pacer_backend": r.PacerBackend} {
		switch v {
		case "memory":
		case "redis":
			if !c.Redis.Enabled {
				add("refresh: %s redis requires [redis] enabled", name)
			}
		default:
			add("refresh: %s must be memory or redis, got %q", name, v)
		}
	}

	enabled := 0
	for _, id := range c.PlatformIDs() {
		p := c.Platforms[id]
		if !p.Enabled {
			continue
		}
		enabled++
		if !validKinds[p.Kind] {
			add("platforms.%s: unknown kind %q (valid: httpjson, browser, mock)", id, p.Kind)
		}
		if p.Kind != "mock" && strings.TrimSpace(p.BaseURL) == "" {
			add("platforms.%s: base_url must not be empty", id)
		}
		if p.RateLimitInterval.Duration < 0 {
			add("platforms.%s: rate_limit_interval must not be negative", id)
		}
		if p.CacheHours < 0 {
			add("platforms.%s: cache_hours must not be negative", id)
		}
	}
	if enabled == 0 {
		add("platforms: at least one platform must be enabled")
	}

	w := c.Ranking.Weights
	if err := ranking.ValidateWeights(c.ScoreWeights()); err != nil {
		add("ranking: %v (got %+v)", err, w)
	}
	if _, err := ranking.NewDeliveryTable(c.Ranking.DeliveryTable); err != nil {
		add("ranking: delivery_table: %v", err)
	}
	for name, v := range map[string]float64{"rating_fallback": c.Ranking.RatingFallback, "delivery_fallback": c.Ranking.DeliveryFallback} {
		if v < 0 || v > 100 {
			add("ranking: %s must be within 0-100", name)
		}
	}
	if c.Normalize.DiscountTolerance < 0 {
		add("normalize: discount_tolerance must not be negative")
	}

	if c.Database.Enabled {
		d := c.Database
		if strings.TrimSpace(d.DSN) == "" {
			if d.Host == "" {
				add("database: host must not be empty (or set database.dsn)")
			}
			if d.Port <= 0 || d.Port > 65535 {
				add("database: port must be 1-65535, got %d", d.Port)
			}
			if d.Database == "" {
				add("database: database must not be empty")
			}
		}
		if d.PoolMaxConns < 1 {
			add("database: pool_max_conns must be >= 1")
		}
		if d.PoolMinConns < 0 || d.PoolMinConns > d.PoolMaxConns {
			add("database: pool_min_conns must be within 0-pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled && c.S3.Bucket == "" {
		add("s3: bucket must not be empty")
	}
	if c.Archive.Enabled {
		if !c.S3.Enabled {
			add("archive: requires [s3] enabled")
		}
		if c.Archive.RetentionDays < 1 {
			add("archive: retention_days must be >= 1")
		}
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			add("archive: cron must have 5 fields, got %q", c.Archive.Cron)
		}
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			add("kafka: brokers must not be empty")
		}
		if c.Kafka.Topic == "" {
			add("kafka: topic must not be empty")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit > 0 && !c.Redis.Enabled {
			add("server: rate_limit requires [redis] enabled")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			add("server: rate_window must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// PlatformIDs returns the configured platform ids in sorted order.
func (c *Config) PlatformIDs() []string {
	ids := make([]string, 0, len(c.Platforms))
	for id := range c.Platforms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ScoreWeights returns the configured default ranking weights.
func (c *Config) ScoreWeights() domain.ScoreWeights {
	w := c.Ranking.Weights
	return domain.ScoreWeights{Price: w.Price, Discount: w.Discount, Rating: w.Rating, Delivery: w.Delivery}
}
