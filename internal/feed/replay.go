package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// StreamedOutcome is an outcome read back from OutcomeStream with its stream
// ID, which callers pass as the cursor of the next read.
type StreamedOutcome struct {
	ID      string                `json:"id"`
	Outcome domain.RefreshOutcome `json:"outcome"`
}

// Replay reads outcomes from OutcomeStream.
type Replay struct {
	bus domain.SignalBus
}

func NewReplay(bus domain.SignalBus) *Replay {
	return &Replay{bus: bus}
}

// After returns up to limit outcomes appended after the stream ID after.
// An empty cursor starts at the beginning of the retained stream. Entries
// that do not decode are skipped.
func (r *Replay) After(ctx context.Context, after string, limit int) ([]StreamedOutcome, error) {
	if after == "" {
		after = "0-0"
	}
	msgs, err := r.bus.StreamRead(ctx, OutcomeStream, after, limit)
	if err != nil {
		return nil, fmt.Errorf("feed: replay: %w", err)
	}
	out := make([]StreamedOutcome, 0, len(msgs))
	for _, m := range msgs {
		var o domain.RefreshOutcome
		if json.Unmarshal(m.Payload, &o) != nil {
			continue
		}
		out = append(out, StreamedOutcome{ID: m.ID, Outcome: o})
	}
	return out, nil
}
