package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ScoreWeights are relative, non-negative weights for the four ranking
// components. They need not sum to 1.
type ScoreWeights struct {
	Price    float64 `json:"price" toml:"price"`
	Discount float64 `json:"discount" toml:"discount"`
	Rating   float64 `json:"rating" toml:"rating"`
	Delivery float64 `json:"delivery" toml:"delivery"`
}

// Sum returns the total weight.
func (w ScoreWeights) Sum() float64 {
	return w.Price + w.Discount + w.Rating + w.Delivery
}

// Scale multiplies every weight by k.
func (w ScoreWeights) Scale(k float64) ScoreWeights {
	return ScoreWeights{Price: w.Price * k, Discount: w.Discount * k, Rating: w.Rating * k, Delivery: w.Delivery * k}
}

// ComponentScores holds the per-component 0-100 scores of a listing.
type ComponentScores struct {
	Price    float64 `json:"price"`
	Discount float64 `json:"discount"`
	Rating   float64 `json:"rating"`
	Delivery float64 `json:"delivery"`
}

// TieBreak is the ordering key used when composite scores are equal.
type TieBreak struct {
	Price       decimal.Decimal `json:"price"`
	RefreshedAt time.Time       `json:"refreshed_at"`
	InputIndex  int             `json:"input_index"`
}

// RankedResult is one ranked listing. It is never persisted.
type RankedResult struct {
	Rank       int             `json:"rank"`
	ListingID  int64           `json:"listing_id"`
	PlatformID PlatformID      `json:"platform_id"`
	Score      float64         `json:"score"`
	Components ComponentScores `json:"components"`
	TieBreak   TieBreak        `json:"tie_break"`
}

// ComparisonEntry pairs a ranked result with its listing and staleness flag.
type ComparisonEntry struct {
	RankedResult
	Listing ListingRecord `json:"listing"`
	Stale   bool          `json:"stale"`
}

// Comparison is the ranked view of every active listing of a product.
type Comparison struct {
	Product     Product           `json:"product"`
	Weights     ScoreWeights      `json:"weights"`
	Entries     []ComparisonEntry `json:"entries"`
	GeneratedAt time.Time         `json:"generated_at"`
}
