package app

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/alanyoungcy/pricewatch/internal/config"
	"github.com/alanyoungcy/pricewatch/internal/domain"
	"github.com/alanyoungcy/pricewatch/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Mode = "once"
	cfg.Platforms = map[string]config.PlatformConfig{
		"amazon":   {Enabled: true, Kind: "mock", Name: "Amazon"},
		"flipkart": {Enabled: true, Kind: "mock", Name: "Flipkart"},
		"snapdeal": {Enabled: false, Kind: "mock"},
	}
	return &cfg
}

func TestWireInMemory(t *testing.T) {
	cfg := testConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	deps, cleanup, err := Wire(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("Wire() error = %v", err)
	}
	defer cleanup()

	got := deps.Adapters.Platforms()
	want := []domain.PlatformID{"amazon", "flipkart"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Platforms() = %v, want %v", got, want)
	}
	if deps.Lock != nil || deps.SignalBus != nil || deps.Cache != nil {
		t.Error("redis-backed collaborators wired without redis")
	}
	if deps.Archiver != nil || deps.Kafka != nil {
		t.Error("optional outputs wired while disabled")
	}
	if len(deps.Checks) != 0 {
		t.Errorf("Checks = %d entries, want none", len(deps.Checks))
	}
}

func TestNewAdapterUnknownKind(t *testing.T) {
	if _, err := newAdapter("amazon", config.PlatformConfig{Kind: "ftp"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestTrackThenRefreshCycles(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	a := New(cfg, testLogger())
	deps, cleanup, err := Wire(ctx, cfg, a.logger)
	if err != nil {
		t.Fatalf("Wire() error = %v", err)
	}
	defer cleanup()

	c, err := a.build(deps, false)
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	if c.hub != nil || c.archiver != nil {
		t.Fatal("hub or archiver built when not requested")
	}

	res, err := c.catalog.Track(ctx, service.TrackRequest{
		Name: "USB-C cable",
		Refs: map[domain.PlatformID]string{"amazon": "https://amazon.example.invalid/p/usb-c"},
	})
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if len(res.Sources) != 2 {
		t.Fatalf("Sources = %d, want 2 (misses: %v)", len(res.Sources), res.Misses)
	}

	outcomes, err := c.scheduler.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Status != domain.RefreshSuccess {
			t.Errorf("%s: status = %s, want success", o.PlatformID, o.Status)
		}
	}

	cmp, err := c.comparison.Compare(ctx, res.Product.ID, nil)
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	if len(cmp.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(cmp.Entries))
	}

	// Listings are now fresh, so a second cycle skips both.
	again, err := c.scheduler.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	for _, o := range again {
		if o.Status != domain.RefreshSkipped {
			t.Errorf("%s: second cycle status = %s, want skipped", o.PlatformID, o.Status)
		}
	}

	if err := a.OnceMode(ctx, c); err != nil {
		t.Errorf("OnceMode() error = %v", err)
	}
}

func TestBuildCreatesHubForServingModes(t *testing.T) {
	cfg := testConfig()
	a := New(cfg, testLogger())
	deps, cleanup, err := Wire(context.Background(), cfg, a.logger)
	if err != nil {
		t.Fatalf("Wire() error = %v", err)
	}
	defer cleanup()

	c, err := a.build(deps, serves("full"))
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	if c.hub == nil {
		t.Error("full mode built no hub")
	}
	if serves("refresh") || serves("once") {
		t.Error("background modes should not serve HTTP")
	}
}
