package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alanyoungcy/pricewatch/internal/domain"
	"github.com/alanyoungcy/pricewatch/internal/normalize"
	"github.com/alanyoungcy/pricewatch/internal/platform"
	"github.com/alanyoungcy/pricewatch/internal/platform/mock"
	"github.com/alanyoungcy/pricewatch/internal/ranking"
	"github.com/alanyoungcy/pricewatch/internal/ratelimit"
	"github.com/alanyoungcy/pricewatch/internal/refresh"
	"github.com/alanyoungcy/pricewatch/internal/server/handler"
	"github.com/alanyoungcy/pricewatch/internal/service"
	"github.com/alanyoungcy/pricewatch/internal/staleness"
	"github.com/alanyoungcy/pricewatch/internal/store/memory"
)

const apiKey = "test-key"

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := platform.NewRegistry()
	for _, id := range []domain.PlatformID{"amazon", "flipkart"} {
		if err := reg.Register(mock.New(mock.Options{Platform: id})); err != nil {
			t.Fatal(err)
		}
	}
	store := memory.New()
	stale := staleness.NewController(24*time.Hour, nil)
	pacer, err := ratelimit.NewLocal(0, nil)
	if err != nil {
		t.Fatal(err)
	}
	orch, err := refresh.New(
		refresh.Config{MaxConcurrency: 4, Retries: 1, Deadline: 10 * time.Second, FetchTimeout: 5 * time.Second},
		refresh.Deps{
			Adapters:   reg,
			Store:      store,
			Staleness:  stale,
			Claims:     staleness.NewClaimTable(time.Minute, logger),
			Pacer:      pacer,
			Normalizer: normalize.New(normalize.Config{}),
		},
		logger,
	)
	if err != nil {
		t.Fatal(err)
	}
	engine, err := ranking.NewEngine(ranking.Config{})
	if err != nil {
		t.Fatal(err)
	}

	catalog := service.NewCatalogService(store, reg, pacer, orch, logger)
	comparisons := service.NewComparisonService(store, store, nil, engine, stale, logger)
	srv := NewServer(Config{APIKey: apiKey}, Handlers{
		Health:   handler.NewHealthHandler(nil, logger),
		Products: handler.NewProductHandler(catalog, comparisons, logger),
		Refresh:  handler.NewRefreshHandler(nil, logger),
		Metrics:  http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "# metrics\n") }),
	}, nil, nil, logger)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	r := httptest.NewRequest(method, path, rd)
	r.Header.Set("X-API-Key", apiKey)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if out != nil && w.Code < 300 {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode %s: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code
}

func TestTrackCompareHistoryFlow(t *testing.T) {
	h := newTestServer(t)

	var tracked service.TrackResult
	code := do(t, h, http.MethodPost, "/api/products/track", service.TrackRequest{Name: "steel kettle", RefreshNow: true}, &tracked)
	if code != http.StatusCreated {
		t.Fatalf("track status = %d", code)
	}
	if len(tracked.Sources) != 2 || len(tracked.Outcomes) != 2 {
		t.Fatalf("tracked = %+v", tracked)
	}
	for _, o := range tracked.Outcomes {
		if o.Status != domain.RefreshSuccess {
			t.Errorf("outcome %s = %s %s", o.PlatformID, o.Status, o.Detail)
		}
	}

	id := strconv.FormatInt(tracked.Product.ID, 10)
	var cmp domain.Comparison
	if code := do(t, h, http.MethodGet, "/api/products/"+id+"/comparison", nil, &cmp); code != http.StatusOK {
		t.Fatalf("comparison status = %d", code)
	}
	if len(cmp.Entries) != 2 || cmp.Entries[0].Rank != 1 || cmp.Entries[0].Stale {
		t.Fatalf("comparison = %+v", cmp.Entries)
	}

	var hist struct {
		History []domain.PriceHistoryEntry `json:"history"`
	}
	listing := strconv.FormatInt(cmp.Entries[0].ListingID, 10)
	if code := do(t, h, http.MethodGet, "/api/listings/"+listing+"/history", nil, &hist); code != http.StatusOK {
		t.Fatalf("history status = %d", code)
	}
	if len(hist.History) != 1 {
		t.Errorf("history entries = %d, want 1", len(hist.History))
	}

	// A second refresh within the cache window skips every listing.
	var refreshed struct {
		Outcomes []domain.RefreshOutcome `json:"outcomes"`
	}
	if code := do(t, h, http.MethodPost, "/api/products/"+id+"/refresh", nil, &refreshed); code != http.StatusOK {
		t.Fatalf("refresh status = %d", code)
	}
	for _, o := range refreshed.Outcomes {
		if o.Status != domain.RefreshSkipped {
			t.Errorf("fresh listing %s status = %s, want skipped", o.PlatformID, o.Status)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	h := newTestServer(t)
	tests := []struct {
		method, path string
		body         any
		want         int
	}{
		{http.MethodGet, "/api/products/99/comparison", nil, http.StatusNotFound},
		{http.MethodGet, "/api/products/abc", nil, http.StatusBadRequest},
		{http.MethodGet, "/api/products/1/comparison?price=-1&rating=1", nil, http.StatusBadRequest},
		{http.MethodGet, "/api/products/1/comparison?price=x", nil, http.StatusBadRequest},
		{http.MethodGet, "/api/listings/5/history", nil, http.StatusNotFound},
		{http.MethodGet, "/api/listings/5/history?since=yesterday", nil, http.StatusBadRequest},
		{http.MethodPost, "/api/products/track", map[string]any{"bogus": true}, http.StatusBadRequest},
		{http.MethodPost, "/api/products/track", map[string]any{"name": " "}, http.StatusBadRequest},
		{http.MethodPost, "/api/refresh", nil, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if got := do(t, h, tt.method, tt.path, tt.body, nil); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPublicRoutesSkipAuth(t *testing.T) {
	h := newTestServer(t)
	for _, path := range []string{"/api/health", "/metrics"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, w.Code)
		}
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/products", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated products status = %d", w.Code)
	}
}
