package refresh

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// Recorder persists a refreshed listing together with its price history row
// and drops any cached comparison for the product.
type Recorder struct {
	store  domain.ListingStore
	cache  domain.ComparisonCache
	logger *slog.Logger
}

// NewRecorder creates a Recorder. cache may be nil.
func NewRecorder(store domain.ListingStore, cache domain.ComparisonCache, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, cache: cache, logger: logger.With(slog.String("component", "history_recorder"))}
}

// Record upserts rec and appends one history entry for it. Stores that
// implement domain.RefreshWriter do both in one transaction.
func (r *Recorder) Record(ctx context.Context, rec domain.ListingRecord) (domain.ListingRecord, domain.PriceHistoryEntry, error) {
	var (
		saved domain.ListingRecord
		entry domain.PriceHistoryEntry
		err   error
	)
	if w, ok := r.store.(domain.RefreshWriter); ok {
		saved, entry, err = w.SaveRefresh(ctx, rec)
		if err != nil {
			return domain.ListingRecord{}, domain.PriceHistoryEntry{}, fmt.Errorf("recorder: save refresh: %w", err)
		}
	} else {
		saved, err = r.store.UpsertListing(ctx, rec)
		if err != nil {
			return domain.ListingRecord{}, domain.PriceHistoryEntry{}, fmt.Errorf("recorder: upsert listing: %w", err)
		}
		entry = domain.HistoryEntryFor(saved)
		if err := r.store.AppendHistory(ctx, entry); err != nil {
			return domain.ListingRecord{}, domain.PriceHistoryEntry{}, fmt.Errorf("recorder: append history: %w", err)
		}
	}

	if r.cache != nil {
		if err := r.cache.InvalidateProduct(ctx, saved.Snapshot.ProductID); err != nil {
			r.logger.Warn("comparison cache invalidation failed",
				slog.Int64("product_id", saved.Snapshot.ProductID),
				slog.String("error", err.Error()),
			)
		}
	}
	return saved, entry, nil
}
