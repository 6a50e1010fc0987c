// Package metrics exposes refresh and API counters to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// Recorder implements refresh.Metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	outcomes      *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchErrors   *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	cycleSize     prometheus.Histogram
	reclaims      *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
}

// New creates a Recorder with Go and process collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricewatch",
			Name:      "refresh_outcomes_total",
			Help:      "Refresh outcomes by platform, status and failure reason.",
		}, []string{"platform", "status", "reason"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pricewatch",
			Name:      "adapter_fetch_seconds",
			Help:      "Duration of single adapter fetch attempts.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"platform"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricewatch",
			Name:      "adapter_fetch_errors_total",
			Help:      "Failed adapter fetch attempts by error kind.",
		}, []string{"platform", "kind"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pricewatch",
			Name:      "refresh_cycle_seconds",
			Help:      "Wall time of refresh cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		cycleSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pricewatch",
			Name:      "refresh_cycle_candidates",
			Help:      "Candidates submitted per refresh cycle.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		reclaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricewatch",
			Name:      "claims_reclaimed_total",
			Help:      "Refresh claims forcibly reclaimed after exceeding the hold limit.",
		}, []string{"platform"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricewatch",
			Name:      "comparison_cache_lookups_total",
			Help:      "Comparison cache lookups by result.",
		}, []string{"result"}),
	}
	r.registry.MustRegister(
		r.outcomes, r.fetchDuration, r.fetchErrors, r.cycleDuration, r.cycleSize,
		r.reclaims, r.cacheLookups,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveOutcome counts one refresh outcome.
func (r *Recorder) ObserveOutcome(o domain.RefreshOutcome) {
	r.outcomes.WithLabelValues(string(o.PlatformID), string(o.Status), string(o.Reason)).Inc()
}

// ObserveFetch records one adapter attempt.
func (r *Recorder) ObserveFetch(platform domain.PlatformID, d time.Duration, err error) {
	r.fetchDuration.WithLabelValues(string(platform)).Observe(d.Seconds())
	if err == nil {
		return
	}
	kind := "unknown"
	var aerr *domain.AdapterError
	if errors.As(err, &aerr) {
		kind = string(aerr.Kind)
	}
	r.fetchErrors.WithLabelValues(string(platform), kind).Inc()
}

// ObserveCycle records a finished refresh cycle.
func (r *Recorder) ObserveCycle(d time.Duration, candidates int) {
	r.cycleDuration.Observe(d.Seconds())
	r.cycleSize.Observe(float64(candidates))
}

// ObserveReclaim counts a forcibly reclaimed claim.
func (r *Recorder) ObserveReclaim(key domain.ListingKey, _ time.Duration) {
	r.reclaims.WithLabelValues(string(key.PlatformID)).Inc()
}

// ObserveCacheLookup counts a comparison cache hit or miss.
func (r *Recorder) ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
