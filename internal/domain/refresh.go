package domain

import (
	"context"
	"time"
)

// RawFields is the loosely typed field bag an adapter extracts from a page or
// API response. Keys follow the scraped-product vocabulary: name,
// current_price, original_price, discount_percentage, currency, availability,
// rating, rating_count, seller_rating, seller_name, delivery_time,
// delivery_charges, offers, platform_product_id, platform_url, brand,
// category, description, image_url, scraped_at.
type RawFields map[string]any

// SearchResult is a candidate returned by an adapter search.
type SearchResult struct {
	Ref   string `json:"ref"`
	Title string `json:"title,omitempty"`
}

// PlatformAdapter is the per-platform fetch capability.
type PlatformAdapter interface {
	Platform() PlatformID
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
	FetchDetail(ctx context.Context, ref string) (RawFields, error)
}

// Candidate is a (product, platform) pair offered to the refresh
// orchestrator. Ref is optional when a record already exists.
type Candidate struct {
	ProductID  int64      `json:"product_id"`
	PlatformID PlatformID `json:"platform_id"`
	Ref        string     `json:"ref,omitempty"`
}

// Key returns the candidate's listing key.
func (c Candidate) Key() ListingKey {
	return ListingKey{ProductID: c.ProductID, PlatformID: c.PlatformID}
}

// RefreshStatus is the terminal state of one candidate in a refresh cycle.
type RefreshStatus string

const (
	RefreshSkipped  RefreshStatus = "skipped"
	RefreshDeferred RefreshStatus = "deferred"
	RefreshSuccess  RefreshStatus = "success"
	RefreshFailed   RefreshStatus = "failed"
)

// FailureReason qualifies a Failed outcome.
type FailureReason string

const (
	ReasonNone           FailureReason = ""
	ReasonTimeout        FailureReason = "timeout"
	ReasonBlocked        FailureReason = "blocked"
	ReasonNotFound       FailureReason = "not_found"
	ReasonNetworkError   FailureReason = "network_error"
	ReasonNormalization  FailureReason = "normalization"
	ReasonStorage        FailureReason = "storage"
	ReasonMissingLocator FailureReason = "missing_locator"
	ReasonNoAdapter      FailureReason = "no_adapter"
)

// RefreshOutcome is one entry of the outcome feed.
type RefreshOutcome struct {
	CycleID     string        `json:"cycle_id"`
	ProductID   int64         `json:"product_id"`
	PlatformID  PlatformID    `json:"platform_id"`
	Status      RefreshStatus `json:"status"`
	Reason      FailureReason `json:"reason,omitempty"`
	Detail      string        `json:"detail,omitempty"`
	Attempts    int           `json:"attempts,omitempty"`
	ListingID   int64         `json:"listing_id,omitempty"`
	Warnings    int           `json:"warnings,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
}

// OutcomeSink receives the outcomes of a finished refresh cycle.
type OutcomeSink interface {
	Publish(ctx context.Context, outcomes []RefreshOutcome) error
}

// Claim is an exclusivity token for refreshing one listing key.
type Claim struct {
	Key        ListingKey
	Token      string
	AcquiredAt time.Time
}

// Claimer hands out at most one live claim per listing key.
// TryClaim returns ErrAlreadyInFlight when another claim is live. Holds
// reports whether claim is still the live one; it is false once the claim was
// released or forcibly reclaimed.
type Claimer interface {
	TryClaim(ctx context.Context, key ListingKey) (Claim, error)
	Holds(ctx context.Context, claim Claim) (bool, error)
	Release(ctx context.Context, claim Claim) error
}

// Pacer blocks until a request to the platform is permitted.
type Pacer interface {
	Acquire(ctx context.Context, platform PlatformID) error
}
