package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	s3blob "github.com/alanyoungcy/pricewatch/internal/blob/s3"
	"github.com/alanyoungcy/pricewatch/internal/cache/redis"
	"github.com/alanyoungcy/pricewatch/internal/config"
	"github.com/alanyoungcy/pricewatch/internal/domain"
	"github.com/alanyoungcy/pricewatch/internal/feed"
	"github.com/alanyoungcy/pricewatch/internal/metrics"
	"github.com/alanyoungcy/pricewatch/internal/normalize"
	"github.com/alanyoungcy/pricewatch/internal/platform"
	"github.com/alanyoungcy/pricewatch/internal/platform/browser"
	"github.com/alanyoungcy/pricewatch/internal/platform/httpjson"
	"github.com/alanyoungcy/pricewatch/internal/platform/mock"
	"github.com/alanyoungcy/pricewatch/internal/ranking"
	"github.com/alanyoungcy/pricewatch/internal/ratelimit"
	"github.com/alanyoungcy/pricewatch/internal/server/handler"
	"github.com/alanyoungcy/pricewatch/internal/staleness"
	"github.com/alanyoungcy/pricewatch/internal/store/memory"
	"github.com/alanyoungcy/pricewatch/internal/store/postgres"
)

// defaultPlatformInterval paces platforms that configure no interval.
const defaultPlatformInterval = 2 * time.Second

// Dependencies bundles every collaborator the run modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Listings domain.ListingStore
	History  domain.HistoryArchiveStore
	Products domain.ProductStore
	Audit    domain.AuditStore

	// Shared state. Lock, RateLimiter, SignalBus and Cache are nil without
	// Redis.
	Claims      domain.Claimer
	Pacer       domain.Pacer
	Lock        domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus
	Cache       domain.ComparisonCache

	// Core
	Adapters   *platform.Registry
	Normalizer *normalize.Normalizer
	Staleness  *staleness.Controller
	Engine     *ranking.Engine
	Metrics    *metrics.Recorder

	// Optional outputs
	Archiver domain.Archiver
	Kafka    *feed.KafkaSink

	// Checks are run by the health endpoint.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(format string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf(format, err)
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Check),
	}

	// --- Storage ---
	if cfg.Database.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:        cfg.Database.DSN,
			Host:       cfg.Database.Host,
			Port:       cfg.Database.Port,
			Database:   cfg.Database.Database,
			User:       cfg.Database.User,
			Password:   cfg.Database.Password,
			SSLMode:    cfg.Database.SSLMode,
			MaxConns:   cfg.Database.PoolMaxConns,
			MinConns:   cfg.Database.PoolMinConns,
			PreferIPv4: cfg.Database.PreferIPv4,
		})
		if err != nil {
			return fail("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		listings := postgres.NewListingStore(pool)
		deps.Listings = listings
		deps.History = listings
		deps.Products = postgres.NewProductStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	} else {
		logger.Warn("database disabled; using in-process store, data is lost on exit")
		mem := memory.New()
		deps.Listings = mem
		deps.History = mem
		deps.Products = mem
		deps.Audit = mem
	}

	// --- Redis ---
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		var err error
		redisClient, err = redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Lock = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.Cache = redis.NewComparisonCache(redisClient, cfg.Ranking.CacheTTL.Duration)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- Claims and pacing ---
	maxHold := cfg.Refresh.MaxClaimHold.Duration
	if cfg.Refresh.ClaimsBackend == "redis" {
		claims, err := redis.NewClaimStore(redisClient, maxHold, logger)
		if err != nil {
			return fail("wire: claims: %w", err)
		}
		claims.OnReclaim(deps.Metrics.ObserveReclaim)
		deps.Claims = claims
	} else {
		table := staleness.NewClaimTable(maxHold, logger)
		table.OnReclaim(deps.Metrics.ObserveReclaim)
		deps.Claims = table
	}

	intervals := platformIntervals(cfg)
	if cfg.Refresh.PacerBackend == "redis" {
		pacer, err := redis.NewPacer(redisClient, defaultPlatformInterval, intervals)
		if err != nil {
			return fail("wire: pacer: %w", err)
		}
		deps.Pacer = pacer
	} else {
		pacer, err := ratelimit.NewLocal(defaultPlatformInterval, intervals)
		if err != nil {
			return fail("wire: pacer: %w", err)
		}
		deps.Pacer = pacer
	}

	// --- Platform adapters ---
	deps.Adapters = platform.NewRegistry()
	closers = append(closers, deps.Adapters.Close)
	for _, id := range cfg.PlatformIDs() {
		pc := cfg.Platforms[id]
		if !pc.Enabled {
			continue
		}
		adapter, err := newAdapter(domain.PlatformID(id), pc)
		if err != nil {
			return fail("wire: adapters: %w", err)
		}
		if err := deps.Adapters.Register(adapter); err != nil {
			return fail("wire: adapters: %w", err)
		}
		name := pc.Name
		if name == "" {
			name = id
		}
		if err := deps.Products.UpsertPlatform(ctx, domain.Platform{
			ID:      domain.PlatformID(id),
			Name:    name,
			BaseURL: pc.BaseURL,
		}); err != nil {
			return fail("wire: register platform: %w", err)
		}
		logger.Info("platform adapter registered",
			slog.String("platform", id),
			slog.String("kind", pc.Kind),
		)
	}

	// --- Normalization, staleness, ranking ---
	currencies := make(map[domain.PlatformID]string)
	ages := make(map[domain.PlatformID]time.Duration)
	for id, pc := range cfg.Platforms {
		if pc.Currency != "" {
			currencies[domain.PlatformID(id)] = strings.ToUpper(pc.Currency)
		}
		if pc.CacheHours > 0 {
			ages[domain.PlatformID(id)] = hours(pc.CacheHours)
		}
	}
	deps.Normalizer = normalize.New(normalize.Config{
		DefaultCurrency:   cfg.Normalize.DefaultCurrency,
		PlatformCurrency:  currencies,
		DiscountTolerance: decimal.NewFromFloat(cfg.Normalize.DiscountTolerance),
	})
	deps.Staleness = staleness.NewController(hours(cfg.Refresh.DefaultCacheHours), ages)

	engine, err := ranking.NewEngine(ranking.Config{
		Weights:          cfg.ScoreWeights(),
		RatingFallback:   cfg.Ranking.RatingFallback,
		DeliveryFallback: cfg.Ranking.DeliveryFallback,
		DeliveryTable:    cfg.Ranking.DeliveryTable,
	})
	if err != nil {
		return fail("wire: ranking: %w", err)
	}
	deps.Engine = engine

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.History, deps.Audit).
			WithReader(s3blob.NewReader(s3Client))
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Kafka outcome feed ---
	if cfg.Kafka.Enabled {
		sink, err := feed.NewKafkaSink(feed.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout.Duration,
		})
		if err != nil {
			return fail("wire: kafka: %w", err)
		}
		closers = append(closers, func() { _ = sink.Close() })
		deps.Kafka = sink
	}

	return deps, cleanup, nil
}

// newAdapter builds the adapter selected by pc.Kind.
func newAdapter(id domain.PlatformID, pc config.PlatformConfig) (domain.PlatformAdapter, error) {
	switch pc.Kind {
	case "httpjson":
		return httpjson.New(httpjson.Options{
			Platform:  id,
			BaseURL:   pc.BaseURL,
			UserAgent: pc.UserAgent,
			Timeout:   pc.Timeout.Duration,
		})
	case "browser":
		return browser.New(browser.Options{
			Platform:   id,
			BaseURL:    pc.BaseURL,
			SearchPath: pc.SearchPath,
			UserAgent:  pc.UserAgent,
			Settle:     pc.Settle.Duration,
			Selectors:  pc.Selectors,
			ExecPath:   pc.ExecPath,
		})
	case "mock":
		return mock.New(mock.Options{
			Platform: id,
			BaseURL:  pc.BaseURL,
			Seed:     pc.Seed,
			Latency:  pc.Latency.Duration,
		}), nil
	default:
		return nil, fmt.Errorf("%s: unknown adapter kind %q", id, pc.Kind)
	}
}

// platformIntervals collects the configured pacing interval of each enabled
// platform.
func platformIntervals(cfg *config.Config) map[domain.PlatformID]time.Duration {
	out := make(map[domain.PlatformID]time.Duration)
	for id, pc := range cfg.Platforms {
		if pc.Enabled && pc.RateLimitInterval.Duration > 0 {
			out[domain.PlatformID(id)] = pc.RateLimitInterval.Duration
		}
	}
	return out
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
