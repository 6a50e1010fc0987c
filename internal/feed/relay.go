package feed

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// OutcomeHandler receives one decoded outcome and its raw payload.
type OutcomeHandler func(o domain.RefreshOutcome, raw []byte)

// Relay subscribes to OutcomeChannel and hands every outcome to a handler.
// The server uses it to push outcomes published by any worker process to its
// websocket clients.
type Relay struct {
	bus     domain.SignalBus
	handler OutcomeHandler
	logger  *slog.Logger
}

// NewRelay creates a Relay.
func NewRelay(bus domain.SignalBus, handler OutcomeHandler, logger *slog.Logger) *Relay {
	return &Relay{
		bus:     bus,
		handler: handler,
		logger:  logger.With(slog.String("component", "outcome_relay")),
	}
}

// Run blocks until ctx is cancelled or the subscription closes.
func (r *Relay) Run(ctx context.Context) error {
	ch, err := r.bus.Subscribe(ctx, OutcomeChannel)
	if err != nil {
		return err
	}
	r.logger.Info("outcome relay started")
	defer r.logger.Info("outcome relay stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			var o domain.RefreshOutcome
			if err := json.Unmarshal(data, &o); err != nil {
				r.logger.Debug("outcome relay decode failed",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
				continue
			}
			r.handler(o, data)
		}
	}
}
