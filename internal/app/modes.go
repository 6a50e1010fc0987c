package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pricewatch/internal/domain"
	"github.com/alanyoungcy/pricewatch/internal/feed"
	"github.com/alanyoungcy/pricewatch/internal/pipeline"
	"github.com/alanyoungcy/pricewatch/internal/refresh"
	"github.com/alanyoungcy/pricewatch/internal/server"
	"github.com/alanyoungcy/pricewatch/internal/server/handler"
	"github.com/alanyoungcy/pricewatch/internal/server/ws"
	"github.com/alanyoungcy/pricewatch/internal/service"
)

// components are the services and jobs built on top of Dependencies.
type components struct {
	catalog    *service.CatalogService
	comparison *service.ComparisonService
	scheduler  *pipeline.RefreshScheduler
	// archiver is nil unless archival is enabled.
	archiver *pipeline.Archiver
	// hub is nil when this process serves no HTTP.
	hub *ws.Hub
}

// build assembles the refresh orchestrator, services and background jobs.
// withHub creates the websocket hub; without a signal bus the hub is fed
// directly by the orchestrator, otherwise through a relay.
func (a *App) build(deps *Dependencies, withHub bool) (*components, error) {
	c := &components{}

	sinks := []domain.OutcomeSink{feed.NewLogSink(a.logger)}
	if deps.SignalBus != nil {
		sinks = append(sinks, feed.NewBusSink(deps.SignalBus))
	}
	if deps.Kafka != nil {
		sinks = append(sinks, deps.Kafka)
	}
	if withHub {
		c.hub = ws.NewHub(a.cfg.Server.CORSOrigins, a.logger)
		if deps.SignalBus == nil {
			sinks = append(sinks, c.hub)
		}
	}

	rc := a.cfg.Refresh
	orch, err := refresh.New(refresh.Config{
		MaxConcurrency:       rc.MaxConcurrency,
		Retries:              rc.Retries,
		Deadline:             rc.Deadline.Duration,
		FetchTimeout:         rc.FetchTimeout.Duration,
		DeactivateOnNotFound: rc.DeactivateOnNotFound,
	}, refresh.Deps{
		Adapters:   deps.Adapters,
		Store:      deps.Listings,
		Staleness:  deps.Staleness,
		Claims:     deps.Claims,
		Pacer:      deps.Pacer,
		Normalizer: deps.Normalizer,
		Recorder:   refresh.NewRecorder(deps.Listings, deps.Cache, a.logger),
		Sink:       feed.NewFanout(a.logger, sinks...),
		Audit:      deps.Audit,
		Metrics:    deps.Metrics,
	}, a.logger)
	if err != nil {
		return nil, err
	}

	c.catalog = service.NewCatalogService(deps.Products, deps.Adapters, deps.Pacer, orch, a.logger)
	c.comparison = service.NewComparisonService(
		deps.Products, deps.Listings, deps.Cache, deps.Engine, deps.Staleness, a.logger,
	).WithObserver(deps.Metrics)

	// The leader lock outlives one full cycle.
	lockTTL := rc.Deadline.Duration + time.Minute
	c.scheduler = pipeline.NewRefreshScheduler(c.catalog, orch, deps.Lock, rc.Interval.Duration, lockTTL, a.logger)

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		c.archiver = pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
	}
	return c, nil
}

// ServeMode runs the HTTP API and websocket hub. Background refresh cycles are
// left to a separate "refresh" process; the manual trigger endpoint reports
// unavailable.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies, c *components) error {
	a.logger.InfoContext(ctx, "starting serve mode")
	if !a.cfg.Server.Enabled {
		return errors.New("serve mode: server.enabled is false")
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, c, nil)
	return waitClean(ctx, g)
}

// RefreshMode runs the refresh scheduler and the archiver until ctx is
// cancelled.
func (a *App) RefreshMode(ctx context.Context, c *components) error {
	a.logger.InfoContext(ctx, "starting refresh mode")
	return a.newPipeline(c).Run(ctx)
}

// OnceMode runs one refresh cycle over every tracked listing, archives the
// current window when archival is enabled, and returns.
func (a *App) OnceMode(ctx context.Context, c *components) error {
	a.logger.InfoContext(ctx, "starting once mode")

	outcomes, err := c.scheduler.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("once mode: refresh: %w", err)
	}
	counts := make(map[domain.RefreshStatus]int)
	for _, o := range outcomes {
		counts[o.Status]++
	}
	a.logger.InfoContext(ctx, "refresh cycle finished",
		slog.Int("candidates", len(outcomes)),
		slog.Int("success", counts[domain.RefreshSuccess]),
		slog.Int("skipped", counts[domain.RefreshSkipped]),
		slog.Int("deferred", counts[domain.RefreshDeferred]),
		slog.Int("failed", counts[domain.RefreshFailed]),
	)

	if c.archiver != nil {
		if err := c.archiver.Run(ctx); err != nil {
			return fmt.Errorf("once mode: archive: %w", err)
		}
	}
	return nil
}

// FullMode runs the HTTP API, the refresh scheduler and the archiver in one
// process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, c *components) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	p := a.newPipeline(c)
	g.Go(func() error {
		return p.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c, c.scheduler)
	} else {
		a.logger.WarnContext(ctx, "server.enabled is false; running pipeline only")
	}

	return waitClean(ctx, g)
}

func (a *App) newPipeline(c *components) *pipeline.Orchestrator {
	return pipeline.NewOrchestrator(c.scheduler, c.archiver, a.cfg.Archive.Cron, a.logger)
}

// startHTTPServer registers the HTTP server, hub and outcome relay on g.
// trigger may be nil when no scheduler runs in this process.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	c *components,
	trigger handler.Triggerer,
) {
	sc := a.cfg.Server

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(deps.Checks, a.logger),
		Products: handler.NewProductHandler(c.catalog, c.comparison, a.logger),
		Refresh:  handler.NewRefreshHandler(trigger, a.logger),
	}
	if deps.SignalBus != nil {
		handlers.Outcomes = handler.NewOutcomeHandler(feed.NewReplay(deps.SignalBus), a.logger)
	}
	if a.cfg.Metrics.Enabled {
		handlers.Metrics = deps.Metrics.Handler()
	}

	srv := server.NewServer(server.Config{
		Port:        sc.Port,
		CORSOrigins: sc.CORSOrigins,
		APIKey:      sc.APIKey,
		RateLimit:   sc.RateLimit,
		RateWindow:  sc.RateWindow.Duration,
		// A synchronous product refresh may run for the full cycle deadline.
		WriteTimeout: a.cfg.Refresh.Deadline.Duration + 15*time.Second,
	}, handlers, c.hub, deps.RateLimiter, a.logger)

	if c.hub != nil {
		g.Go(func() error {
			return c.hub.Run(ctx)
		})
		if deps.SignalBus != nil {
			relay := feed.NewRelay(deps.SignalBus, c.hub.Deliver, a.logger)
			g.Go(func() error {
				return relay.Run(ctx)
			})
		}
	}

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", sc.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", sc.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// waitClean waits for g and reports cancellation as a clean stop.
func waitClean(ctx context.Context, g *errgroup.Group) error {
	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
