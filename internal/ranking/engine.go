// Package ranking scores and orders the listings of one product.
package ranking

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// DefaultWeights favour price.
var DefaultWeights = domain.ScoreWeights{Price: 0.4, Discount: 0.2, Rating: 0.2, Delivery: 0.2}

const (
	defaultFallback = 50.0
	// scorePrecision bounds float noise so that scaled weights rank identically.
	scorePrecision = 1e6
)

var (
	hundred   = decimal.NewFromInt(100)
	maxRating = decimal.NewFromInt(5)
)

// Config configures an Engine.
type Config struct {
	Weights          domain.ScoreWeights
	RatingFallback   float64
	DeliveryFallback float64
	DeliveryTable    []DeliveryBand
}

// Engine ranks listings. It is stateless after construction and safe for
// concurrent use.
type Engine struct {
	weights          domain.ScoreWeights
	ratingFallback   float64
	deliveryFallback float64
	delivery         *DeliveryTable
}

// NewEngine validates cfg and builds an Engine. Zero fallbacks default to the
// neutral midpoint.
func NewEngine(cfg Config) (*Engine, error) {
	w := cfg.Weights
	if w == (domain.ScoreWeights{}) {
		w = DefaultWeights
	}
	if err := ValidateWeights(w); err != nil {
		return nil, err
	}
	table, err := NewDeliveryTable(cfg.DeliveryTable)
	if err != nil {
		return nil, err
	}
	rf, df := cfg.RatingFallback, cfg.DeliveryFallback
	if rf == 0 {
		rf = defaultFallback
	}
	if df == 0 {
		df = defaultFallback
	}
	for name, v := range map[string]float64{"rating_fallback": rf, "delivery_fallback": df} {
		if v < 0 || v > 100 {
			return nil, fmt.Errorf("ranking: %s %.2f outside 0-100", name, v)
		}
	}
	return &Engine{weights: w, ratingFallback: rf, deliveryFallback: df, delivery: table}, nil
}

// Weights returns the configured default weights.
func (e *Engine) Weights() domain.ScoreWeights { return e.weights }

// ValidateWeights rejects negative or non-finite weights and an all-zero set.
func ValidateWeights(w domain.ScoreWeights) error {
	for name, v := range map[string]float64{"price": w.Price, "discount": w.Discount, "rating": w.Rating, "delivery": w.Delivery} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s weight %v", domain.ErrInvalidWeights, name, v)
		}
	}
	if w.Sum() <= 0 {
		return fmt.Errorf("%w: weights sum to zero", domain.ErrInvalidWeights)
	}
	return nil
}

type scored struct {
	rec   domain.ListingRecord
	index int
	comp  domain.ComponentScores
	score float64
}

// Rank scores listings with w and returns them best first, ranked 1..N.
func (e *Engine) Rank(listings []domain.ListingRecord, w domain.ScoreWeights) ([]domain.RankedResult, error) {
	if err := ValidateWeights(w); err != nil {
		return nil, err
	}
	if len(listings) == 0 {
		return []domain.RankedResult{}, nil
	}

	currency := listings[0].Snapshot.Currency
	minPrice, maxPrice := listings[0].Snapshot.CurrentPrice, listings[0].Snapshot.CurrentPrice
	for _, l := range listings[1:] {
		if l.Snapshot.Currency != currency {
			return nil, fmt.Errorf("%w: %s and %s", domain.ErrMixedCurrency, currency, l.Snapshot.Currency)
		}
		p := l.Snapshot.CurrentPrice
		if p.LessThan(minPrice) {
			minPrice = p
		}
		if p.GreaterThan(maxPrice) {
			maxPrice = p
		}
	}

	sum := w.Sum()
	items := make([]scored, len(listings))
	for i, l := range listings {
		c := domain.ComponentScores{
			Price:    priceScore(l.Snapshot.CurrentPrice, minPrice, maxPrice),
			Discount: discountScore(l.Snapshot.DiscountPercent),
			Rating:   e.ratingScore(l.Snapshot),
			Delivery: e.deliveryScore(l.Snapshot),
		}
		composite := (w.Price*c.Price + w.Discount*c.Discount + w.Rating*c.Rating + w.Delivery*c.Delivery) / sum
		items[i] = scored{rec: l, index: i, comp: c, score: math.Round(composite*scorePrecision) / scorePrecision}
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if c := a.rec.Snapshot.CurrentPrice.Cmp(b.rec.Snapshot.CurrentPrice); c != 0 {
			return c < 0
		}
		if !a.rec.LastRefreshedAt.Equal(b.rec.LastRefreshedAt) {
			return a.rec.LastRefreshedAt.After(b.rec.LastRefreshedAt)
		}
		return a.index < b.index
	})

	out := make([]domain.RankedResult, len(items))
	for pos, it := range items {
		out[pos] = domain.RankedResult{
			Rank:       pos + 1,
			ListingID:  it.rec.ID,
			PlatformID: it.rec.Snapshot.PlatformID,
			Score:      it.score,
			Components: it.comp,
			TieBreak: domain.TieBreak{
				Price:       it.rec.Snapshot.CurrentPrice,
				RefreshedAt: it.rec.LastRefreshedAt,
				InputIndex:  it.index,
			},
		}
	}
	return out, nil
}

func priceScore(p, minPrice, maxPrice decimal.Decimal) float64 {
	spread := maxPrice.Sub(minPrice)
	if spread.IsZero() {
		return 100
	}
	return maxPrice.Sub(p).Div(spread).Mul(hundred).InexactFloat64()
}

func discountScore(d decimal.NullDecimal) float64 {
	if !d.Valid {
		return 0
	}
	v := d.Decimal.InexactFloat64()
	return math.Max(0, math.Min(100, v))
}

func (e *Engine) ratingScore(s domain.ListingSnapshot) float64 {
	r := s.EffectiveRating()
	if !r.Valid {
		return e.ratingFallback
	}
	return r.Decimal.Div(maxRating).Mul(hundred).InexactFloat64()
}

func (e *Engine) deliveryScore(s domain.ListingSnapshot) float64 {
	days, ok := ParseDeliveryDays(s.DeliveryEstimate)
	if !ok {
		return e.deliveryFallback
	}
	return e.delivery.Score(days)
}
