package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// leaderKey guards scheduled cycles when several instances share a Redis.
const leaderKey = "refresh:leader"

// CandidateSource lists every tracked (product, platform) pair.
type CandidateSource interface {
	Candidates(ctx context.Context) ([]domain.Candidate, error)
}

// Refresher runs one refresh cycle.
type Refresher interface {
	RefreshStale(ctx context.Context, candidates []domain.Candidate, maxConcurrency int) []domain.RefreshOutcome
}

// RefreshScheduler runs refresh cycles on an interval and on demand.
type RefreshScheduler struct {
	source    CandidateSource
	refresher Refresher
	lock      domain.LockManager
	interval  time.Duration
	lockTTL   time.Duration
	trigger   chan struct{}
	logger    *slog.Logger
}

// NewRefreshScheduler creates a scheduler. lock may be nil; when set only the
// instance holding the leader lock runs a cycle. lockTTL should exceed the
// refresh deadline.
func NewRefreshScheduler(source CandidateSource, refresher Refresher, lock domain.LockManager, interval, lockTTL time.Duration, logger *slog.Logger) *RefreshScheduler {
	return &RefreshScheduler{
		source:    source,
		refresher: refresher,
		lock:      lock,
		interval:  interval,
		lockTTL:   lockTTL,
		trigger:   make(chan struct{}, 1),
		logger:    logger.With(slog.String("component", "scheduler")),
	}
}

// Trigger requests a cycle as soon as the loop is idle. Requests made while
// one is pending are coalesced.
func (s *RefreshScheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// RunOnce runs a single cycle over every tracked source.
func (s *RefreshScheduler) RunOnce(ctx context.Context) ([]domain.RefreshOutcome, error) {
	if s.lock != nil {
		unlock, err := s.lock.Acquire(ctx, leaderKey, s.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("scheduler: leader lock: %w", err)
		}
		defer unlock()
	}
	candidates, err := s.source.Candidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: candidates: %w", err)
	}
	if len(candidates) == 0 {
		s.logger.InfoContext(ctx, "no tracked listings")
		return []domain.RefreshOutcome{}, nil
	}
	return s.refresher.RefreshStale(ctx, candidates, 0), nil
}

// Run runs a cycle immediately, then on every tick or trigger, until ctx is
// cancelled.
func (s *RefreshScheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("scheduler: interval must be positive, got %s", s.interval)
	}
	s.logger.InfoContext(ctx, "refresh scheduler starting", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("refresh scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.cycle(ctx)
		case <-s.trigger:
			s.cycle(ctx)
			ticker.Reset(s.interval)
		}
	}
}

func (s *RefreshScheduler) cycle(ctx context.Context) {
	_, err := s.RunOnce(ctx)
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, domain.ErrLockHeld):
		s.logger.InfoContext(ctx, "another instance holds the refresh lock; skipping cycle")
	default:
		s.logger.ErrorContext(ctx, "refresh cycle failed", slog.String("error", err.Error()))
	}
}
