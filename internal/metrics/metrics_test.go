package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.ObserveOutcome(domain.RefreshOutcome{PlatformID: "amazon", Status: domain.RefreshFailed, Reason: domain.ReasonBlocked})
	r.ObserveOutcome(domain.RefreshOutcome{PlatformID: "amazon", Status: domain.RefreshFailed, Reason: domain.ReasonBlocked})
	r.ObserveOutcome(domain.RefreshOutcome{PlatformID: "amazon", Status: domain.RefreshSuccess})

	if got := testutil.ToFloat64(r.outcomes.WithLabelValues("amazon", "failed", "blocked")); got != 2 {
		t.Errorf("failed/blocked = %v, want 2", got)
	}

	r.ObserveFetch("amazon", 200*time.Millisecond, domain.NewAdapterError(domain.AdapterTimeout, "amazon", "x", nil))
	r.ObserveFetch("amazon", 100*time.Millisecond, errors.New("plain"))
	r.ObserveFetch("amazon", 100*time.Millisecond, nil)
	if got := testutil.ToFloat64(r.fetchErrors.WithLabelValues("amazon", "timeout")); got != 1 {
		t.Errorf("timeout errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.fetchErrors.WithLabelValues("amazon", "unknown")); got != 1 {
		t.Errorf("unknown errors = %v, want 1", got)
	}

	r.ObserveCacheLookup(true)
	r.ObserveCacheLookup(false)
	r.ObserveCacheLookup(false)
	if got := testutil.ToFloat64(r.cacheLookups.WithLabelValues("miss")); got != 2 {
		t.Errorf("cache misses = %v, want 2", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.ObserveCycle(3*time.Second, 12)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"pricewatch_refresh_cycle_seconds_count 1", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
