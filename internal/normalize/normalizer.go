// Package normalize maps platform-specific raw fields onto the canonical
// listing snapshot.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

var (
	hundred  = decimal.NewFromInt(100)
	five     = decimal.NewFromInt(5)
	ten      = decimal.NewFromInt(10)
	fifty    = decimal.NewFromInt(50)
	maxScale = int32(2)
)

// Config controls normalization defaults.
type Config struct {
	// DefaultCurrency is attached when the raw record carries none.
	DefaultCurrency string
	// PlatformCurrency overrides DefaultCurrency per platform.
	PlatformCurrency map[domain.PlatformID]string
	// DiscountTolerance is the allowed gap, in percentage points, between a
	// supplied discount and the one derived from the prices.
	DiscountTolerance decimal.Decimal
}

// Normalizer converts adapter output into ListingSnapshots. It holds no
// mutable state and is safe for concurrent use.
type Normalizer struct {
	cfg Config
	now func() time.Time
}

// New creates a Normalizer.
func New(cfg Config) *Normalizer {
	if strings.TrimSpace(cfg.DefaultCurrency) == "" {
		cfg.DefaultCurrency = "INR"
	}
	if cfg.DiscountTolerance.IsZero() {
		cfg.DiscountTolerance = decimal.NewFromInt(1)
	}
	return &Normalizer{cfg: cfg, now: time.Now}
}

// WithClock overrides the capture-time clock used when raw data has no
// scraped_at field.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// Normalize validates and coerces raw into a snapshot. Only a missing name or
// price, or a negative price field, fails the record; other anomalies become
// warnings on the snapshot.
func (n *Normalizer) Normalize(platformID domain.PlatformID, raw domain.RawFields) (domain.ListingSnapshot, error) {
	snap := domain.ListingSnapshot{
		PlatformID:        platformID,
		PlatformProductID: stringField(raw, "platform_product_id"),
		SourceURL:         stringField(raw, "platform_url"),
		Name:              stringField(raw, "name"),
		Brand:             stringField(raw, "brand"),
		Category:          stringField(raw, "category"),
		Description:       stringField(raw, "description"),
		ImageURL:          stringField(raw, "image_url"),
		SellerName:        stringField(raw, "seller_name"),
		DeliveryEstimate:  stringField(raw, "delivery_time"),
		Availability:      normalizeAvailability(stringField(raw, "availability")),
		Offers:            parseOffers(raw["offers"]),
	}

	if snap.Name == "" {
		return domain.ListingSnapshot{}, &domain.NormalizationError{Kind: domain.MissingRequiredField, Field: "name"}
	}

	snap.Currency = n.currency(platformID, stringField(raw, "currency"))

	price, ok, err := parseMoney(raw["current_price"])
	if err != nil {
		return domain.ListingSnapshot{}, &domain.NormalizationError{Kind: domain.InvalidField, Field: "current_price", Value: raw["current_price"]}
	}
	if !ok {
		return domain.ListingSnapshot{}, &domain.NormalizationError{Kind: domain.MissingRequiredField, Field: "current_price"}
	}
	if price.IsNegative() {
		return domain.ListingSnapshot{}, &domain.NormalizationError{Kind: domain.NegativePrice, Field: "current_price", Value: price.String()}
	}
	snap.CurrentPrice = price

	if snap.OriginalPrice, err = n.optionalMoney(raw, "original_price", &snap); err != nil {
		return domain.ListingSnapshot{}, err
	}
	if snap.DeliveryCharge, err = n.deliveryCharge(raw, &snap); err != nil {
		return domain.ListingSnapshot{}, err
	}

	snap.DiscountPercent = n.discount(raw, &snap)
	snap.Rating = ratingField(raw, "rating", &snap)
	snap.SellerRating = ratingField(raw, "seller_rating", &snap)
	if c, ok := parseCount(raw["rating_count"]); ok {
		snap.RatingCount = c
	}

	if ts, ok := timeField(raw, "scraped_at"); ok {
		snap.CapturedAt = ts
	} else {
		snap.CapturedAt = n.now().UTC()
	}
	return snap, nil
}

func (n *Normalizer) currency(platformID domain.PlatformID, raw string) string {
	raw = strings.TrimSpace(raw)
	if currencyRe.MatchString(raw) {
		return strings.ToUpper(raw)
	}
	if c, ok := n.cfg.PlatformCurrency[platformID]; ok && c != "" {
		return strings.ToUpper(c)
	}
	return strings.ToUpper(n.cfg.DefaultCurrency)
}

func (n *Normalizer) optionalMoney(raw domain.RawFields, field string, snap *domain.ListingSnapshot) (decimal.NullDecimal, error) {
	v, ok, err := parseMoney(raw[field])
	if err != nil {
		warn(snap, field, domain.WarnUnparsableField, err.Error())
		return decimal.NullDecimal{}, nil
	}
	if !ok {
		return decimal.NullDecimal{}, nil
	}
	if v.IsNegative() {
		return decimal.NullDecimal{}, &domain.NormalizationError{Kind: domain.NegativePrice, Field: field, Value: v.String()}
	}
	return decimal.NullDecimal{Decimal: v, Valid: true}, nil
}

func (n *Normalizer) deliveryCharge(raw domain.RawFields, snap *domain.ListingSnapshot) (decimal.NullDecimal, error) {
	if s, ok := raw["delivery_charges"].(string); ok && containsAny(strings.ToLower(s), freeWords...) {
		return decimal.NullDecimal{Decimal: decimal.Zero, Valid: true}, nil
	}
	return n.optionalMoney(raw, "delivery_charges", snap)
}

// discount resolves the discount percentage. A supplied value wins over the
// one derived from prices; a disagreement beyond tolerance is recorded as a
// warning. Without an original price and without a supplied value the
// discount stays unknown.
func (n *Normalizer) discount(raw domain.RawFields, snap *domain.ListingSnapshot) decimal.NullDecimal {
	supplied, hasSupplied, err := parseNumber(raw["discount_percentage"])
	if err != nil {
		warn(snap, "discount_percentage", domain.WarnUnparsableField, err.Error())
		hasSupplied = false
	}
	if hasSupplied {
		supplied = clampPercent(supplied, snap)
	}

	if !snap.OriginalPrice.Valid {
		if hasSupplied {
			return decimal.NullDecimal{Decimal: supplied, Valid: true}
		}
		return decimal.NullDecimal{}
	}

	orig := snap.OriginalPrice.Decimal
	if snap.CurrentPrice.GreaterThan(orig) {
		warn(snap, "original_price", domain.WarnPriceAboveOriginal,
			fmt.Sprintf("current price %s exceeds original price %s", snap.CurrentPrice, orig))
		return decimal.NullDecimal{Decimal: decimal.Zero, Valid: true}
	}

	derived, ok := DerivedDiscount(snap.CurrentPrice, orig)
	switch {
	case !ok && hasSupplied:
		return decimal.NullDecimal{Decimal: supplied, Valid: true}
	case !ok:
		return decimal.NullDecimal{}
	case !hasSupplied:
		return decimal.NullDecimal{Decimal: derived, Valid: true}
	}

	if supplied.Sub(derived).Abs().GreaterThan(n.cfg.DiscountTolerance) {
		warn(snap, "discount_percentage", domain.WarnDiscountMismatch,
			fmt.Sprintf("supplied %s%% differs from derived %s%%", supplied, derived))
	}
	return decimal.NullDecimal{Decimal: supplied, Valid: true}
}

// DerivedDiscount computes (original-current)/original*100 rounded to two
// places. It reports false when original is zero.
func DerivedDiscount(current, original decimal.Decimal) (decimal.Decimal, bool) {
	if !original.IsPositive() {
		return decimal.Decimal{}, false
	}
	d := original.Sub(current).Div(original).Mul(hundred).Round(maxScale)
	if d.IsNegative() {
		d = decimal.Zero
	}
	return d, true
}

func clampPercent(d decimal.Decimal, snap *domain.ListingSnapshot) decimal.Decimal {
	switch {
	case d.IsNegative():
		warn(snap, "discount_percentage", domain.WarnDiscountOutOfRange, fmt.Sprintf("%s clamped to 0", d))
		return decimal.Zero
	case d.GreaterThan(hundred):
		warn(snap, "discount_percentage", domain.WarnDiscountOutOfRange, fmt.Sprintf("%s clamped to 100", d))
		return hundred
	}
	return d
}

// ratingField parses a 0-5 rating. Values on a 0-50 scale are divided by 10;
// anything else out of range becomes unknown with a warning.
func ratingField(raw domain.RawFields, field string, snap *domain.ListingSnapshot) decimal.NullDecimal {
	r, ok, err := parseNumber(raw[field])
	if err != nil {
		warn(snap, field, domain.WarnUnparsableField, err.Error())
		return decimal.NullDecimal{}
	}
	if !ok {
		return decimal.NullDecimal{}
	}
	if r.GreaterThan(five) && r.LessThanOrEqual(fifty) {
		r = r.Div(ten)
	}
	if r.IsNegative() || r.GreaterThan(five) {
		warn(snap, field, domain.WarnRatingOutOfRange, fmt.Sprintf("rating %s outside 0-5", r))
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: r, Valid: true}
}

func warn(snap *domain.ListingSnapshot, field string, code domain.WarningCode, msg string) {
	snap.Warnings = append(snap.Warnings, domain.DataQualityWarning{Field: field, Code: code, Message: msg})
}
