// Package feed publishes refresh outcomes to downstream consumers: the Redis
// signal bus (live websocket clients and a replayable stream) and Kafka.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// Channel and stream names on the signal bus.
const (
	OutcomeChannel = "refresh:outcomes"
	OutcomeStream  = "refresh:outcomes:log"
)

// Fanout publishes to every sink and joins their errors. A failing sink does
// not stop the others.
type Fanout struct {
	sinks  []domain.OutcomeSink
	logger *slog.Logger
}

var _ domain.OutcomeSink = (*Fanout)(nil)

// NewFanout creates a Fanout. Nil sinks are ignored.
func NewFanout(logger *slog.Logger, sinks ...domain.OutcomeSink) *Fanout {
	kept := make([]domain.OutcomeSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Fanout{sinks: kept, logger: logger.With(slog.String("component", "outcome_fanout"))}
}

// Publish sends outcomes to every sink.
func (f *Fanout) Publish(ctx context.Context, outcomes []domain.RefreshOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, outcomes); err != nil {
			f.logger.Warn("outcome sink failed",
				slog.String("sink", fmt.Sprintf("%T", s)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BusSink publishes each outcome as JSON on OutcomeChannel and appends it to
// OutcomeStream.
type BusSink struct {
	bus domain.SignalBus
}

var _ domain.OutcomeSink = (*BusSink)(nil)

// NewBusSink creates a BusSink.
func NewBusSink(bus domain.SignalBus) *BusSink {
	return &BusSink{bus: bus}
}

// Publish implements domain.OutcomeSink.
func (s *BusSink) Publish(ctx context.Context, outcomes []domain.RefreshOutcome) error {
	for _, o := range outcomes {
		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("feed: marshal outcome: %w", err)
		}
		if err := s.bus.Publish(ctx, OutcomeChannel, data); err != nil {
			return fmt.Errorf("feed: publish outcome: %w", err)
		}
		if err := s.bus.StreamAppend(ctx, OutcomeStream, data); err != nil {
			return fmt.Errorf("feed: append outcome: %w", err)
		}
	}
	return nil
}

// LogSink writes each failed outcome at Warn and the rest at Debug. It is the
// sink of last resort when no bus or broker is configured.
type LogSink struct {
	logger *slog.Logger
}

var _ domain.OutcomeSink = (*LogSink)(nil)

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "outcome_log"))}
}

// Publish implements domain.OutcomeSink.
func (s *LogSink) Publish(ctx context.Context, outcomes []domain.RefreshOutcome) error {
	for _, o := range outcomes {
		level := slog.LevelDebug
		if o.Status == domain.RefreshFailed {
			level = slog.LevelWarn
		}
		s.logger.LogAttrs(ctx, level, "refresh outcome",
			slog.String("cycle_id", o.CycleID),
			slog.Int64("product_id", o.ProductID),
			slog.String("platform", string(o.PlatformID)),
			slog.String("status", string(o.Status)),
			slog.String("reason", string(o.Reason)),
			slog.String("detail", o.Detail),
		)
	}
	return nil
}
