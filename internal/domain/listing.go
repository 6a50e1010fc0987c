package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PlatformID identifies a source e-commerce platform ("amazon", "flipkart").
type PlatformID string

// Availability is the normalized stock state of a listing.
type Availability string

const (
	AvailabilityInStock    Availability = "in_stock"
	AvailabilityOutOfStock Availability = "out_of_stock"
	AvailabilityPreOrder   Availability = "pre_order"
	AvailabilityUnknown    Availability = "unknown"
)

// OfferKind classifies a promotional offer attached to a listing.
type OfferKind string

const (
	OfferBank     OfferKind = "bank"
	OfferCashback OfferKind = "cashback"
	OfferCoupon   OfferKind = "coupon"
	OfferExchange OfferKind = "exchange"
	OfferEMI      OfferKind = "emi"
	OfferOther    OfferKind = "other"
)

// Offer is a single structured offer. Text is kept for display only and is
// never used in scoring.
type Offer struct {
	Kind OfferKind `json:"kind"`
	Text string    `json:"text,omitempty"`
}

// ListingSnapshot is the canonical, platform-agnostic view of one listing at
// one point in time.
type ListingSnapshot struct {
	ProductID         int64      `json:"product_id"`
	PlatformID        PlatformID `json:"platform_id"`
	PlatformProductID string     `json:"platform_product_id,omitempty"`
	SourceURL         string     `json:"source_url,omitempty"`

	Name        string `json:"name"`
	Brand       string `json:"brand,omitempty"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`

	Currency        string              `json:"currency"`
	CurrentPrice    decimal.Decimal     `json:"current_price"`
	OriginalPrice   decimal.NullDecimal `json:"original_price"`
	DiscountPercent decimal.NullDecimal `json:"discount_percent"`

	Availability Availability        `json:"availability"`
	Rating       decimal.NullDecimal `json:"rating"`
	RatingCount  *int64              `json:"rating_count,omitempty"`
	SellerRating decimal.NullDecimal `json:"seller_rating"`
	SellerName   string              `json:"seller_name,omitempty"`

	// DeliveryEstimate is a free-form descriptor such as "next-day" or
	// "3-5 days". Empty means unknown.
	DeliveryEstimate string              `json:"delivery_estimate,omitempty"`
	DeliveryCharge   decimal.NullDecimal `json:"delivery_charge"`

	Offers     []Offer   `json:"offers,omitempty"`
	CapturedAt time.Time `json:"captured_at"`

	Warnings []DataQualityWarning `json:"warnings,omitempty"`
}

// EffectiveRating returns the product rating, falling back to the seller
// rating when the product rating is unknown.
func (s ListingSnapshot) EffectiveRating() decimal.NullDecimal {
	if s.Rating.Valid {
		return s.Rating
	}
	return s.SellerRating
}

// HasDeliveryEstimate reports whether a delivery descriptor is known.
func (s ListingSnapshot) HasDeliveryEstimate() bool {
	return strings.TrimSpace(s.DeliveryEstimate) != ""
}

// ListingKey is the (product, platform) pair that uniquely identifies a
// listing record.
type ListingKey struct {
	ProductID  int64
	PlatformID PlatformID
}

// ListingRecord is the persisted latest snapshot for a (product, platform)
// pair.
type ListingRecord struct {
	ID              int64           `json:"id"`
	Snapshot        ListingSnapshot `json:"snapshot"`
	LastRefreshedAt time.Time       `json:"last_refreshed_at"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Key returns the record's (product, platform) key.
func (r ListingRecord) Key() ListingKey {
	return ListingKey{ProductID: r.Snapshot.ProductID, PlatformID: r.Snapshot.PlatformID}
}

// Locator returns the reference an adapter needs to re-fetch this listing.
func (r ListingRecord) Locator() string {
	if r.Snapshot.SourceURL != "" {
		return r.Snapshot.SourceURL
	}
	return r.Snapshot.PlatformProductID
}

// PriceHistoryEntry is an immutable append-only price observation.
type PriceHistoryEntry struct {
	ID              int64               `json:"id"`
	ListingID       int64               `json:"listing_id"`
	Currency        string              `json:"currency"`
	Price           decimal.Decimal     `json:"price"`
	OriginalPrice   decimal.NullDecimal `json:"original_price"`
	DiscountPercent decimal.NullDecimal `json:"discount_percent"`
	RecordedAt      time.Time           `json:"recorded_at"`
}

// HistoryEntryFor builds the history row that accompanies a refreshed record.
func HistoryEntryFor(rec ListingRecord) PriceHistoryEntry {
	return PriceHistoryEntry{
		ListingID:       rec.ID,
		Currency:        rec.Snapshot.Currency,
		Price:           rec.Snapshot.CurrentPrice,
		OriginalPrice:   rec.Snapshot.OriginalPrice,
		DiscountPercent: rec.Snapshot.DiscountPercent,
		RecordedAt:      rec.Snapshot.CapturedAt,
	}
}

// Product is a catalogue entry that listings across platforms attach to.
type Product struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Brand       string    `json:"brand,omitempty"`
	Category    string    `json:"category,omitempty"`
	Description string    `json:"description,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Platform describes a configured source platform.
type Platform struct {
	ID      PlatformID `json:"id"`
	Name    string     `json:"name"`
	BaseURL string     `json:"base_url,omitempty"`
}

// ListingSource is a tracked (product, platform) pair plus the URL or
// platform-native id used to fetch it.
type ListingSource struct {
	ProductID  int64      `json:"product_id"`
	PlatformID PlatformID `json:"platform_id"`
	Ref        string     `json:"ref"`
	CreatedAt  time.Time  `json:"created_at"`
}
