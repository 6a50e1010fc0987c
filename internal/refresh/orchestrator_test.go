package refresh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pricewatch/internal/domain"
	"github.com/alanyoungcy/pricewatch/internal/normalize"
	"github.com/alanyoungcy/pricewatch/internal/staleness"
)

const testPlatform domain.PlatformID = "2"

var capturedAt = time.Date(2025, 4, 1, 9, 30, 0, 0, time.UTC)

func rawListing(price string) domain.RawFields {
	return rawListingAt(price, capturedAt)
}

func rawListingAt(price string, at time.Time) domain.RawFields {
	return domain.RawFields{
		"name":          "Acme Phone",
		"current_price": price,
		"currency":      "INR",
		"scraped_at":    at.Format(time.RFC3339),
	}
}

type harness struct {
	store  *memStore
	claims *staleness.ClaimTable
	sink   *captureSink
	orch   *Orchestrator
}

func newHarness(t *testing.T, cfg Config, adapter *fakeAdapter, pacer domain.Pacer) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, adapter, pacer, time.Hour, nil)
}

// newHarnessWith builds a harness whose claim table reclaims after maxHold.
// wrap, if set, decorates the claimer handed to the orchestrator.
func newHarnessWith(t *testing.T, cfg Config, adapter *fakeAdapter, pacer domain.Pacer, maxHold time.Duration, wrap func(*harness, domain.Claimer) domain.Claimer) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemStore()
	claims := staleness.NewClaimTable(maxHold, logger)
	h := &harness{store: store, claims: claims}
	var claimer domain.Claimer = claims
	if wrap != nil {
		claimer = wrap(h, claims)
	}
	sink := &captureSink{}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = 4
	}
	if pacer == nil {
		pacer = freePacer{}
	}
	orch, err := New(cfg, Deps{
		Adapters:   adapterMap{adapter.id: adapter},
		Store:      store,
		Staleness:  staleness.NewController(24*time.Hour, nil),
		Claims:     claimer,
		Pacer:      pacer,
		Normalizer: normalize.New(normalize.Config{}),
		Recorder:   NewRecorder(store, nil, logger),
		Sink:       sink,
	}, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.sink, h.orch = sink, orch
	return h
}

func seed(t *testing.T, s *memStore, productID int64, price string, refreshed time.Time) domain.ListingRecord {
	t.Helper()
	rec, err := s.UpsertListing(context.Background(), domain.ListingRecord{
		Snapshot: domain.ListingSnapshot{
			ProductID:    productID,
			PlatformID:   testPlatform,
			SourceURL:    "https://shop.example/p/1",
			Name:         "Acme Phone",
			Currency:     "INR",
			CurrentPrice: decimal.RequireFromString(price),
		},
		LastRefreshedAt: refreshed,
		Active:          true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestRefreshRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	adapter := &fakeAdapter{id: testPlatform, fn: func(context.Context, string) (domain.RawFields, error) {
		if calls.Add(1) <= 2 {
			return nil, domain.NewAdapterError(domain.AdapterTimeout, testPlatform, "", errors.New("slow"))
		}
		return rawListing("999"), nil
	}}
	h := newHarness(t, Config{Retries: 2}, adapter, nil)

	out := h.orch.RefreshStale(context.Background(), []domain.Candidate{{ProductID: 7, PlatformID: testPlatform, Ref: "https://shop.example/p/7"}}, 0)
	if out[0].Status != domain.RefreshSuccess {
		t.Fatalf("status = %s (%s), want success", out[0].Status, out[0].Detail)
	}
	if out[0].Attempts != 3 || calls.Load() != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3", out[0].Attempts, calls.Load())
	}
	rec, err := h.store.GetListing(context.Background(), 7, testPlatform)
	if err != nil {
		t.Fatalf("GetListing() error = %v", err)
	}
	if !rec.LastRefreshedAt.Equal(capturedAt) {
		t.Errorf("LastRefreshedAt = %v, want capture time %v", rec.LastRefreshedAt, capturedAt)
	}
	if rec.Snapshot.SourceURL != "https://shop.example/p/7" {
		t.Errorf("SourceURL = %q", rec.Snapshot.SourceURL)
	}
	if h.store.historyLen() != 1 {
		t.Errorf("history entries = %d, want 1", h.store.historyLen())
	}
	if h.claims.InFlight() != 0 {
		t.Errorf("claims still held: %d", h.claims.InFlight())
	}
}

func TestRefreshTransientExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	adapter := &fakeAdapter{id: testPlatform, fn: func(context.Context, string) (domain.RawFields, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	}}
	h := newHarness(t, Config{Retries: 2}, adapter, nil)

	out := h.orch.RefreshStale(context.Background(), []domain.Candidate{{ProductID: 1, PlatformID: testPlatform, Ref: "x"}}, 0)
	if out[0].Status != domain.RefreshFailed || out[0].Reason != domain.ReasonNetworkError {
		t.Fatalf("outcome = %+v, want failed/network_error", out[0])
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 1 + 2 retries", calls.Load())
	}
}

func TestRefreshInvalidResponseIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	adapter := &fakeAdapter{id: testPlatform, fn: func(context.Context, string) (domain.RawFields, error) {
		calls.Add(1)
		return nil, domain.NewAdapterError(domain.AdapterInvalidResponse, testPlatform, "", errors.New("invalid character '<'"))
	}}
	h := newHarness(t, Config{Retries: 2}, adapter, nil)

	out := h.orch.RefreshStale(context.Background(), []domain.Candidate{{ProductID: 1, PlatformID: testPlatform, Ref: "x"}}, 0)
	if out[0].Status != domain.RefreshFailed || out[0].Reason != domain.ReasonNormalization {
		t.Fatalf("outcome = %+v, want failed/normalization", out[0])
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestRefreshBlockedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	adapter := &fakeAdapter{id: testPlatform, fn: func(context.Context, string) (domain.RawFields, error) {
		calls.Add(1)
		return nil, domain.NewAdapterError(domain.AdapterBlocked, testPlatform, "", errors.New("403"))
	}}
	h := newHarness(t, Config{Retries: 2}, adapter, nil)
	prior := seed(t, h.store, 5, "1500", capturedAt.Add(-48*time.Hour))

	out := h.orch.RefreshStale(context.Background(), []domain.Candidate{{ProductID: 5, PlatformID: testPlatform}}, 0)
	if out[0].Status != domain.RefreshFailed || out[0].Reason != domain.ReasonBlocked {
		t.Fatalf("outcome = %+v, want failed/blocked", out[0])
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	after, _ := h.store.GetListing(context.Background(), 5, testPlatform)
	if !after.Snapshot.CurrentPrice.Equal(prior.Snapshot.CurrentPrice) || !after.LastRefreshedAt.Equal(prior.LastRefreshedAt) || !after.Active {
		t.Errorf("prior record changed: %+v", after)
	}
	if h.store.historyLen() != 0 {
		t.Errorf("history written on failure")
	}
}

func TestRefreshNotFoundSoftDeactivates(t *testing.T) {
	adapter := &fakeAdapter{id: testPlatform, fn: func(context.Context, string) (domain.RawFields, error) {
		return nil, domain.NewAdapterError(domain.AdapterNotFound, testPlatform, "", nil)
	}}
	h := newHarness(t, Config{Retries: 2, DeactivateOnNotFound: true}, adapter, nil)
	prior := seed(t, h.store, 9, "250", capturedAt.Add(-72*time.Hour))

	out := h.orch.RefreshStale(context.Background(), []domain.Candidate{{ProductID: 9, PlatformID: testPlatform}}, 0)
	if out[0].Reason != domain.ReasonNotFound || out[0].Attempts != 1 {
		t.Fatalf("outcome = %+v, want not_found after one attempt", out[0])
	}
	after, _ := h.store.GetListing(context.Background(), 9, testPlatform)
	if after.Active {
		t.Error("listing should be deactivated")
	}
	if !after.Snapshot.CurrentPrice.Equal(prior.Snapshot.CurrentPrice) || !after.LastRefreshedAt.Equal(prior.LastRefreshedAt) {
		t.Errorf("snapshot changed on not-found: %+v", after)
	}
}

func TestRefreshSkipsFreshListings(t *testing.T) {
	var calls atomic.Int32
	adapter := &fakeAdapter{id: testPlatform, fn: func(context.Context, string) (domain.RawFields, error) {
		calls.Add(1)
		return rawListing("1"), nil
	}}
	h := newHarness(t, Config{}, adapter, nil)
	rec := seed(t, h.store, 3, "100", time.Now().Add(-time.Hour))

	out := h.orch.RefreshStale(context.Background(), []domain.Candidate{{ProductID: 3, PlatformID: testPlatform}}, 0)
	if out[0].Status != domain.RefreshSkipped || out[0].ListingID != rec.ID {
		t.Fatalf("outcome = %+v, want skipped", out[0])
	}
	if calls.Load() != 0 {
		t.Errorf("adapter called for fresh listing")
	}
}

func TestRefreshSkipsListingFreshenedBeforeClaim(t *testing.T) {
	var calls atomic.Int32
	adapter := &fakeAdapter{id: testPlatform, fn: func(context.Context, string) (domain.RawFields, error) {
		calls.Add(1)
		return rawListing("1"), nil
	}}
	// Another holder commits a fresh capture just before this claim is granted.
	h := newHarnessWith(t, Config{}, adapter, nil, time.Hour, func(h *harness, c domain.Claimer) domain.Claimer {
		return hookClaims{Claimer: c, onClaim: func() { seed(t, h.store, 3, "120", time.Now()) }}
	})
	rec := seed(t, h.store, 3, "100", capturedAt.Add(-48*time.Hour))

	out := h.orch.RefreshStale(context.Background(), []domain.Candidate{{ProductID: 3, PlatformID: testPlatform}}, 0)
	if out[0].Status != domain.RefreshSkipped || out[0].ListingID != rec.ID {
		t.Fatalf("outcome = %+v, want skipped", out[0])
	}
	if calls.Load() != 0 {
		t.Errorf("adapter called after listing became fresh")
	}
	if h.claims.InFlight() != 0 {
		t.Errorf("claims leaked: %d", h.claims.InFlight())
	}
	if h.store.historyLen() != 0 {
		t.Errorf("history entries = %d, want 0", h.store.historyLen())
	}
}

func TestRefreshReclaimedHolderDoesNotOverwrite(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	adapter := &fakeAdapter{id: testPlatform, fn: func(context.Context, string) (domain.RawFields, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
			return rawListingAt("900", capturedAt.Add(-time.Minute)), nil
		}
		return rawListingAt("500", capturedAt), nil
	}}
	h := newHarnessWith(t, Config{}, adapter, nil, 20*time.Millisecond, nil)
	c := []domain.Candidate{{ProductID: 7, PlatformID: testPlatform, Ref: "https://shop.example/p/7"}}

	var first []domain.RefreshOutcome
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = h.orch.RefreshStale(context.Background(), c, 0)
	}()
	<-entered
	time.Sleep(40 * time.Millisecond)
	second := h.orch.RefreshStale(context.Background(), c, 0)
	close(release)
	wg.Wait()

	if second[0].Status != domain.RefreshSuccess {
		t.Fatalf("second = %+v, want success", second[0])
	}
	if first[0].Status != domain.RefreshFailed || first[0].Reason != domain.ReasonTimeout {
		t.Errorf("first = %+v, want failed/timeout", first[0])
	}
	rec, err := h.store.GetListing(context.Background(), 7, testPlatform)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Snapshot.CurrentPrice.Equal(decimal.NewFromInt(500)) {
		t.Errorf("price = %s, want 500 from the newer capture", rec.Snapshot.CurrentPrice)
	}
	if h.store.historyLen() != 1 {
		t.Errorf("history entries = %d, want 1", h.store.historyLen())
	}
}

func TestRefreshOlderCaptureIsSkipped(t *testing.T) {
	adapter := &fakeAdapter{id: testPlatform, fn: func(context.Context, string) (domain.RawFields, error) {
		return rawListingAt("900", capturedAt.Add(-time.Minute)), nil
	}}
	h := newHarness(t, Config{}, adapter, nil)
	prior := seed(t, h.store, 6, "500", capturedAt)

	out := h.orch.RefreshStale(context.Background(), []domain.Candidate{{ProductID: 6, PlatformID: testPlatform}}, 0)
	if out[0].Status != domain.RefreshSkipped || out[0].ListingID != prior.ID {
		t.Fatalf("outcome = %+v, want skipped", out[0])
	}
	rec, _ := h.store.GetListing(context.Background(), 6, testPlatform)
	if !rec.Snapshot.CurrentPrice.Equal(decimal.NewFromInt(500)) {
		t.Errorf("price = %s, want stored 500", rec.Snapshot.CurrentPrice)
	}
	if h.store.historyLen() != 0 {
		t.Errorf("history entries = %d, want 0", h.store.historyLen())
	}
}

func TestRefreshDuplicateCandidatesInOneCycle(t *testing.T) {
	var calls atomic.Int32
	adapter := &fakeAdapter{id: testPlatform, fn: func(context.Context, string) (domain.RawFields, error) {
		calls.Add(1)
		return rawListing("799"), nil
	}}
	h := newHarness(t, Config{}, adapter, nil)
	c := domain.Candidate{ProductID: 7, PlatformID: testPlatform, Ref: "https://shop.example/p/7"}

	out := h.orch.RefreshStale(context.Background(), []domain.Candidate{c, c}, 0)
	if out[0].Status != domain.RefreshSuccess || out[1].Status != domain.RefreshDeferred {
		t.Fatalf("statuses = %s, %s; want success, deferred", out[0].Status, out[1].Status)
	}
	if calls.Load() != 1 {
		t.Errorf("adapter calls = %d, want 1", calls.Load())
	}
}

func TestRefreshConcurrentCyclesSameKey(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	adapter := &fakeAdapter{id: testPlatform, fn: func(context.Context, string) (domain.RawFields, error) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		return rawListing("650"), nil
	}}
	h := newHarness(t, Config{}, adapter, nil)
	c := []domain.Candidate{{ProductID: 7, PlatformID: testPlatform, Ref: "https://shop.example/p/7"}}

	var first []domain.RefreshOutcome
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = h.orch.RefreshStale(context.Background(), c, 0)
	}()
	<-entered
	second := h.orch.RefreshStale(context.Background(), c, 0)
	close(release)
	wg.Wait()

	if first[0].Status != domain.RefreshSuccess {
		t.Errorf("first = %+v, want success", first[0])
	}
	if second[0].Status != domain.RefreshDeferred {
		t.Errorf("second = %+v, want deferred", second[0])
	}
	if calls.Load() != 1 {
		t.Errorf("adapter calls = %d, want 1", calls.Load())
	}

	a, errA := h.store.GetListing(context.Background(), 7, testPlatform)
	b, errB := h.store.GetListing(context.Background(), 7, testPlatform)
	if errA != nil || errB != nil || a.ID != b.ID || !a.Snapshot.CurrentPrice.Equal(b.Snapshot.CurrentPrice) {
		t.Errorf("readers disagree: %+v vs %+v", a, b)
	}
}

func TestRefreshDeadlineReleasesClaims(t *testing.T) {
	adapter := &fakeAdapter{id: testPlatform, fn: func(ctx context.Context, _ string) (domain.RawFields, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, Config{Deadline: 50 * time.Millisecond, Retries: 2}, adapter, nil)

	out := h.orch.RefreshStale(context.Background(), []domain.Candidate{
		{ProductID: 1, PlatformID: testPlatform, Ref: "a"},
		{ProductID: 2, PlatformID: testPlatform, Ref: "b"},
	}, 1)
	for i, o := range out {
		if o.Status != domain.RefreshFailed || o.Reason != domain.ReasonTimeout {
			t.Errorf("outcome %d = %+v, want failed/timeout", i, o)
		}
	}
	if h.claims.InFlight() != 0 {
		t.Errorf("claims leaked: %d", h.claims.InFlight())
	}
}

func TestRefreshDeadlineWhileWaitingOnPacer(t *testing.T) {
	var calls atomic.Int32
	adapter := &fakeAdapter{id: testPlatform, fn: func(context.Context, string) (domain.RawFields, error) {
		calls.Add(1)
		return rawListing("1"), nil
	}}
	h := newHarness(t, Config{Deadline: 30 * time.Millisecond}, adapter, blockingPacer{})

	out := h.orch.RefreshStale(context.Background(), []domain.Candidate{{ProductID: 4, PlatformID: testPlatform, Ref: "r"}}, 0)
	if out[0].Reason != domain.ReasonTimeout || out[0].Attempts != 0 {
		t.Fatalf("outcome = %+v, want timeout before any attempt", out[0])
	}
	if calls.Load() != 0 || h.claims.InFlight() != 0 {
		t.Errorf("calls = %d, claims = %d", calls.Load(), h.claims.InFlight())
	}
}

func TestRefreshPerCandidateFailuresDoNotAbortBatch(t *testing.T) {
	adapter := &fakeAdapter{id: testPlatform, fn: func(_ context.Context, ref string) (domain.RawFields, error) {
		if ref == "bad" {
			return domain.RawFields{"current_price": "10"}, nil
		}
		return rawListing("10"), nil
	}}
	h := newHarness(t, Config{}, adapter, nil)

	out := h.orch.RefreshStale(context.Background(), []domain.Candidate{
		{ProductID: 1, PlatformID: testPlatform, Ref: "bad"},
		{ProductID: 2, PlatformID: testPlatform},
		{ProductID: 3, PlatformID: "unknown", Ref: "x"},
		{ProductID: 4, PlatformID: testPlatform, Ref: "good"},
	}, 0)

	want := []struct {
		status domain.RefreshStatus
		reason domain.FailureReason
	}{
		{domain.RefreshFailed, domain.ReasonNormalization},
		{domain.RefreshFailed, domain.ReasonMissingLocator},
		{domain.RefreshFailed, domain.ReasonNoAdapter},
		{domain.RefreshSuccess, domain.ReasonNone},
	}
	for i, w := range want {
		if out[i].Status != w.status || out[i].Reason != w.reason {
			t.Errorf("outcome %d = %s/%s, want %s/%s", i, out[i].Status, out[i].Reason, w.status, w.reason)
		}
	}
	rec, err := h.store.GetListing(context.Background(), 4, testPlatform)
	if err != nil || rec.Snapshot.PlatformProductID != "good" {
		t.Errorf("product 4 record = %+v, %v", rec, err)
	}
	if len(h.sink.outcomes) != 4 {
		t.Errorf("published %d outcomes, want 4", len(h.sink.outcomes))
	}
}

func TestRefreshRespectsConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int32
	adapter := &fakeAdapter{id: testPlatform, fn: func(context.Context, string) (domain.RawFields, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return rawListing("5"), nil
	}}
	h := newHarness(t, Config{}, adapter, nil)

	var cands []domain.Candidate
	for i := int64(1); i <= 12; i++ {
		cands = append(cands, domain.Candidate{ProductID: i, PlatformID: testPlatform, Ref: "r"})
	}
	out := h.orch.RefreshStale(context.Background(), cands, 3)
	for i, o := range out {
		if o.Status != domain.RefreshSuccess {
			t.Errorf("outcome %d = %+v", i, o)
		}
	}
	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{MaxConcurrency: 0}, Deps{}, nil); err == nil {
		t.Error("expected error for zero concurrency")
	}
	if _, err := New(Config{MaxConcurrency: 1, Retries: -1}, Deps{}, nil); err == nil {
		t.Error("expected error for negative retries")
	}
	if _, err := New(Config{MaxConcurrency: 1}, Deps{}, nil); err == nil {
		t.Error("expected error for missing deps")
	}
}
