// Package refresh drives concurrent refresh of stale listings: claim, pace,
// fetch, normalize, persist.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/pricewatch/internal/domain"
	"github.com/alanyoungcy/pricewatch/internal/normalize"
	"github.com/alanyoungcy/pricewatch/internal/staleness"
)

// storeTimeout bounds writes that complete a fetch which finished before the
// cycle deadline.
const storeTimeout = 10 * time.Second

// errClaimLost fails a refresh whose claim was reclaimed while it fetched.
var errClaimLost = errors.New("claim reclaimed before write")

// AdapterSource resolves the adapter for a platform.
type AdapterSource interface {
	Adapter(id domain.PlatformID) (domain.PlatformAdapter, bool)
}

// Metrics receives refresh instrumentation.
type Metrics interface {
	ObserveOutcome(o domain.RefreshOutcome)
	ObserveFetch(platform domain.PlatformID, d time.Duration, err error)
	ObserveCycle(d time.Duration, candidates int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveOutcome(domain.RefreshOutcome)                 {}
func (nopMetrics) ObserveFetch(domain.PlatformID, time.Duration, error) {}
func (nopMetrics) ObserveCycle(time.Duration, int)                      {}

// Config holds orchestrator tuning.
type Config struct {
	MaxConcurrency int
	// Retries is the number of immediate retries for transient failures.
	Retries      int
	Deadline     time.Duration
	FetchTimeout time.Duration
	// DeactivateOnNotFound clears the listing's active flag when the platform
	// reports it gone. The snapshot itself is never touched.
	DeactivateOnNotFound bool
}

// Deps are the orchestrator's collaborators. Sink, Audit and Metrics are
// optional.
type Deps struct {
	Adapters   AdapterSource
	Store      domain.ListingStore
	Staleness  *staleness.Controller
	Claims     domain.Claimer
	Pacer      domain.Pacer
	Normalizer *normalize.Normalizer
	Recorder   *Recorder
	Sink       domain.OutcomeSink
	Audit      domain.AuditStore
	Metrics    Metrics
}

// Orchestrator runs refresh cycles.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Orchestrator, error) {
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("refresh: max concurrency must be positive, got %d", cfg.MaxConcurrency)
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("refresh: negative retry count %d", cfg.Retries)
	}
	if deps.Adapters == nil || deps.Store == nil || deps.Staleness == nil ||
		deps.Claims == nil || deps.Pacer == nil || deps.Normalizer == nil {
		return nil, errors.New("refresh: missing required dependency")
	}
	if deps.Recorder == nil {
		deps.Recorder = NewRecorder(deps.Store, nil, logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "refresh")),
		now:    time.Now,
	}, nil
}

// job is a claimed candidate awaiting a fetch slot.
type job struct {
	index    int
	cand     domain.Candidate
	ref      string
	existing *domain.ListingRecord
	adapter  domain.PlatformAdapter
	claim    domain.Claim
}

// RefreshStale refreshes the stale candidates and returns one outcome per
// candidate, in input order. maxConcurrency caps simultaneous fetches across
// all platforms; zero or less uses the configured ceiling. Per-candidate
// failures never abort the cycle.
func (o *Orchestrator) RefreshStale(ctx context.Context, candidates []domain.Candidate, maxConcurrency int) []domain.RefreshOutcome {
	if maxConcurrency <= 0 {
		maxConcurrency = o.cfg.MaxConcurrency
	}
	if o.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Deadline)
		defer cancel()
	}

	cycleID := uuid.NewString()
	start := o.now()
	outcomes := make([]domain.RefreshOutcome, len(candidates))

	// Admission is sequential so that duplicate keys within one cycle
	// deterministically see the first candidate's claim.
	var jobs []job
	for i, c := range candidates {
		j, outcome, ok := o.admit(ctx, cycleID, i, c)
		if !ok {
			outcomes[i] = outcome
			continue
		}
		jobs = append(jobs, j)
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrency)
	for _, j := range jobs {
		g.Go(func() error {
			outcomes[j.index] = o.run(ctx, cycleID, j)
			return nil
		})
	}
	_ = g.Wait()

	o.finish(cycleID, start, outcomes)
	return outcomes
}

// admit performs the synchronous part of a candidate: adapter lookup,
// staleness check and claim. It returns ok=false with a terminal outcome when
// no fetch is needed.
func (o *Orchestrator) admit(ctx context.Context, cycleID string, i int, c domain.Candidate) (job, domain.RefreshOutcome, bool) {
	out := func(status domain.RefreshStatus, reason domain.FailureReason, detail string) domain.RefreshOutcome {
		return domain.RefreshOutcome{
			CycleID: cycleID, ProductID: c.ProductID, PlatformID: c.PlatformID,
			Status: status, Reason: reason, Detail: detail, CompletedAt: o.now().UTC(),
		}
	}

	if err := ctx.Err(); err != nil {
		return job{}, out(domain.RefreshFailed, domain.ReasonTimeout, err.Error()), false
	}
	adapter, ok := o.deps.Adapters.Adapter(c.PlatformID)
	if !ok {
		return job{}, out(domain.RefreshFailed, domain.ReasonNoAdapter, domain.ErrUnknownPlatform.Error()), false
	}

	var existing *domain.ListingRecord
	rec, err := o.deps.Store.GetListing(ctx, c.ProductID, c.PlatformID)
	switch {
	case err == nil:
		existing = &rec
	case errors.Is(err, domain.ErrNotFound):
	default:
		return job{}, out(domain.RefreshFailed, domain.ReasonStorage, err.Error()), false
	}

	var last time.Time
	if existing != nil {
		last = existing.LastRefreshedAt
	}
	if !o.deps.Staleness.StaleAt(c.PlatformID, last) {
		skipped := out(domain.RefreshSkipped, domain.ReasonNone, "fresh")
		skipped.ListingID = existing.ID
		return job{}, skipped, false
	}

	ref := strings.TrimSpace(c.Ref)
	if ref == "" && existing != nil {
		ref = existing.Locator()
	}
	if ref == "" {
		return job{}, out(domain.RefreshFailed, domain.ReasonMissingLocator, domain.ErrMissingReference.Error()), false
	}

	claim, err := o.deps.Claims.TryClaim(ctx, c.Key())
	if errors.Is(err, domain.ErrAlreadyInFlight) {
		d := out(domain.RefreshDeferred, domain.ReasonNone, err.Error())
		if existing != nil {
			d.ListingID = existing.ID
		}
		return job{}, d, false
	}
	if err != nil {
		return job{}, out(domain.RefreshFailed, domain.ReasonStorage, fmt.Sprintf("claim: %v", err)), false
	}

	// Another holder may have finished between the read above and the claim.
	cur, err := o.deps.Store.GetListing(ctx, c.ProductID, c.PlatformID)
	switch {
	case err == nil:
		existing = &cur
	case errors.Is(err, domain.ErrNotFound):
	default:
		o.releaseClaim(ctx, claim)
		return job{}, out(domain.RefreshFailed, domain.ReasonStorage, err.Error()), false
	}
	if existing != nil && !o.deps.Staleness.StaleAt(c.PlatformID, existing.LastRefreshedAt) {
		o.releaseClaim(ctx, claim)
		skipped := out(domain.RefreshSkipped, domain.ReasonNone, "fresh")
		skipped.ListingID = existing.ID
		return job{}, skipped, false
	}
	return job{index: i, cand: c, ref: ref, existing: existing, adapter: adapter, claim: claim}, domain.RefreshOutcome{}, true
}

// releaseClaim frees claim, logging rather than returning a failure.
func (o *Orchestrator) releaseClaim(ctx context.Context, claim domain.Claim) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := o.deps.Claims.Release(rctx, claim); err != nil {
		o.logger.Warn("release claim failed",
			slog.Int64("product_id", claim.Key.ProductID),
			slog.String("platform", string(claim.Key.PlatformID)),
			slog.String("error", err.Error()),
		)
	}
}

// run fetches, normalizes and stores one claimed candidate. The claim is
// released on every path.
func (o *Orchestrator) run(ctx context.Context, cycleID string, j job) (outcome domain.RefreshOutcome) {
	defer o.releaseClaim(ctx, j.claim)

	outcome = domain.RefreshOutcome{
		CycleID:    cycleID,
		ProductID:  j.cand.ProductID,
		PlatformID: j.cand.PlatformID,
	}
	if j.existing != nil {
		outcome.ListingID = j.existing.ID
	}
	fail := func(reason domain.FailureReason, err error) domain.RefreshOutcome {
		outcome.Status = domain.RefreshFailed
		outcome.Reason = reason
		outcome.Detail = err.Error()
		outcome.CompletedAt = o.now().UTC()
		o.logger.Warn("refresh failed",
			slog.String("cycle_id", cycleID),
			slog.Int64("product_id", j.cand.ProductID),
			slog.String("platform", string(j.cand.PlatformID)),
			slog.String("reason", string(reason)),
			slog.Int("attempts", outcome.Attempts),
			slog.String("error", err.Error()),
		)
		return outcome
	}

	raw, attempts, aerr := o.fetch(ctx, j)
	outcome.Attempts = attempts
	if aerr != nil {
		if aerr.Kind == domain.AdapterNotFound && o.cfg.DeactivateOnNotFound && j.existing != nil {
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
			if err := o.deps.Store.Deactivate(wctx, j.cand.ProductID, j.cand.PlatformID); err != nil {
				o.logger.Warn("deactivate listing failed",
					slog.Int64("product_id", j.cand.ProductID),
					slog.String("platform", string(j.cand.PlatformID)),
					slog.String("error", err.Error()),
				)
			}
			cancel()
		}
		return fail(reasonFor(aerr.Kind), aerr)
	}

	snap, err := o.deps.Normalizer.Normalize(j.cand.PlatformID, raw)
	if err != nil {
		return fail(domain.ReasonNormalization, err)
	}
	snap.ProductID = j.cand.ProductID
	snap.PlatformID = j.cand.PlatformID
	if snap.SourceURL == "" && snap.PlatformProductID == "" {
		if isURL(j.ref) {
			snap.SourceURL = j.ref
		} else {
			snap.PlatformProductID = j.ref
		}
	}

	rec := domain.ListingRecord{
		Snapshot:        snap,
		LastRefreshedAt: snap.CapturedAt,
		Active:          true,
	}
	if j.existing != nil {
		rec.ID = j.existing.ID
		rec.CreatedAt = j.existing.CreatedAt
	}

	// The fetch already succeeded; finish the write even if the cycle
	// deadline has just passed.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	held, err := o.deps.Claims.Holds(wctx, j.claim)
	if err != nil {
		return fail(domain.ReasonStorage, fmt.Errorf("check claim: %w", err))
	}
	if !held {
		return fail(domain.ReasonTimeout, errClaimLost)
	}
	saved, _, err := o.deps.Recorder.Record(wctx, rec)
	if errors.Is(err, domain.ErrStaleWrite) {
		outcome.Status = domain.RefreshSkipped
		outcome.Reason = domain.ReasonNone
		outcome.Detail = "newer capture already stored"
		outcome.CompletedAt = o.now().UTC()
		return outcome
	}
	if err != nil {
		return fail(domain.ReasonStorage, err)
	}

	outcome.Status = domain.RefreshSuccess
	outcome.ListingID = saved.ID
	outcome.Warnings = len(snap.Warnings)
	outcome.CompletedAt = o.now().UTC()
	return outcome
}

// fetch calls the adapter under the pacer, retrying transient failures
// immediately up to the configured count.
func (o *Orchestrator) fetch(ctx context.Context, j job) (domain.RawFields, int, *domain.AdapterError) {
	platform := j.cand.PlatformID
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, attempts, domain.NewAdapterError(domain.AdapterTimeout, platform, j.ref, err)
		}
		if err := o.deps.Pacer.Acquire(ctx, platform); err != nil {
			return nil, attempts, domain.NewAdapterError(domain.AdapterTimeout, platform, j.ref, err)
		}

		attempts++
		fctx, cancel := ctx, context.CancelFunc(func() {})
		if o.cfg.FetchTimeout > 0 {
			fctx, cancel = context.WithTimeout(ctx, o.cfg.FetchTimeout)
		}
		began := o.now()
		raw, err := j.adapter.FetchDetail(fctx, j.ref)
		cancel()
		o.deps.Metrics.ObserveFetch(platform, o.now().Sub(began), err)
		if err == nil {
			return raw, attempts, nil
		}

		aerr := classify(ctx, err, platform, j.ref)
		if !aerr.Transient() || attempts > o.cfg.Retries || ctx.Err() != nil {
			return nil, attempts, aerr
		}
		o.logger.Debug("retrying fetch",
			slog.Int64("product_id", j.cand.ProductID),
			slog.String("platform", string(platform)),
			slog.Int("attempt", attempts),
			slog.String("error", aerr.Error()),
		)
	}
}

// classify turns any adapter error into an AdapterError. Cancellation of the
// cycle always reads as a timeout.
func classify(ctx context.Context, err error, platform domain.PlatformID, ref string) *domain.AdapterError {
	if ctx.Err() != nil {
		return domain.NewAdapterError(domain.AdapterTimeout, platform, ref, err)
	}
	var aerr *domain.AdapterError
	if errors.As(err, &aerr) {
		return aerr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.NewAdapterError(domain.AdapterTimeout, platform, ref, err)
	}
	return domain.NewAdapterError(domain.AdapterNetworkError, platform, ref, err)
}

func reasonFor(kind domain.AdapterErrorKind) domain.FailureReason {
	switch kind {
	case domain.AdapterNotFound:
		return domain.ReasonNotFound
	case domain.AdapterBlocked:
		return domain.ReasonBlocked
	case domain.AdapterTimeout:
		return domain.ReasonTimeout
	case domain.AdapterInvalidResponse:
		return domain.ReasonNormalization
	default:
		return domain.ReasonNetworkError
	}
}

func isURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// finish publishes the cycle's outcomes and records its summary.
func (o *Orchestrator) finish(cycleID string, start time.Time, outcomes []domain.RefreshOutcome) {
	counts := Summarize(outcomes)
	elapsed := o.now().Sub(start)
	for _, out := range outcomes {
		o.deps.Metrics.ObserveOutcome(out)
	}
	o.deps.Metrics.ObserveCycle(elapsed, len(outcomes))

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if o.deps.Sink != nil && len(outcomes) > 0 {
		if err := o.deps.Sink.Publish(ctx, outcomes); err != nil {
			o.logger.Warn("publish outcomes failed", slog.String("cycle_id", cycleID), slog.String("error", err.Error()))
		}
	}

	if o.deps.Audit != nil {
		detail := map[string]any{
			"cycle_id":    cycleID,
			"candidates":  len(outcomes),
			"duration_ms": elapsed.Milliseconds(),
		}
		for status, n := range counts {
			detail[string(status)] = n
		}
		if err := o.deps.Audit.Log(ctx, "refresh_cycle", detail); err != nil {
			o.logger.Warn("audit log failed", slog.String("cycle_id", cycleID), slog.String("error", err.Error()))
		}
	}

	o.logger.Info("refresh cycle complete",
		slog.String("cycle_id", cycleID),
		slog.Int("candidates", len(outcomes)),
		slog.Int("success", counts[domain.RefreshSuccess]),
		slog.Int("failed", counts[domain.RefreshFailed]),
		slog.Int("skipped", counts[domain.RefreshSkipped]),
		slog.Int("deferred", counts[domain.RefreshDeferred]),
		slog.Duration("elapsed", elapsed),
	)
}

// Summarize counts outcomes by status.
func Summarize(outcomes []domain.RefreshOutcome) map[domain.RefreshStatus]int {
	counts := make(map[domain.RefreshStatus]int, 4)
	for _, o := range outcomes {
		counts[o.Status]++
	}
	return counts
}
