package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrLockHeld         = errors.New("lock already held")
	ErrAlreadyInFlight  = errors.New("refresh already in flight")
	ErrInvalidWeights   = errors.New("invalid score weights")
	ErrMixedCurrency    = errors.New("listings use different currencies")
	ErrUnknownPlatform  = errors.New("unknown platform")
	ErrMissingReference = errors.New("no url or platform id to fetch")
	ErrInvalidInput     = errors.New("invalid input")
	ErrStaleWrite       = errors.New("listing already holds a newer capture")
)

// NormalizationKind classifies why raw fields could not become a snapshot.
type NormalizationKind string

const (
	MissingRequiredField NormalizationKind = "missing_required_field"
	InvalidField         NormalizationKind = "invalid_field"
	NegativePrice        NormalizationKind = "negative_price"
)

// NormalizationError is fatal to a single fetch, never to a batch.
type NormalizationError struct {
	Kind  NormalizationKind
	Field string
	Value any
}

func (e *NormalizationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("normalize: %s: %s (%v)", e.Kind, e.Field, e.Value)
	}
	return fmt.Sprintf("normalize: %s: %s", e.Kind, e.Field)
}

// AdapterErrorKind classifies platform adapter failures.
type AdapterErrorKind string

const (
	AdapterNotFound     AdapterErrorKind = "not_found"
	AdapterBlocked      AdapterErrorKind = "blocked"
	AdapterTimeout      AdapterErrorKind = "timeout"
	AdapterNetworkError AdapterErrorKind = "network_error"
	// AdapterInvalidResponse is a payload the platform returned but that
	// could not be decoded. Retrying returns the same bytes.
	AdapterInvalidResponse AdapterErrorKind = "invalid_response"
)

// AdapterError is returned by platform adapters.
type AdapterError struct {
	Kind     AdapterErrorKind
	Platform PlatformID
	Ref      string
	Err      error
}

func (e *AdapterError) Error() string {
	msg := fmt.Sprintf("adapter %s: %s", e.Platform, e.Kind)
	if e.Ref != "" {
		msg += " " + e.Ref
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth an immediate retry.
func (e *AdapterError) Transient() bool {
	return e.Kind == AdapterTimeout || e.Kind == AdapterNetworkError
}

// NewAdapterError builds an AdapterError.
func NewAdapterError(kind AdapterErrorKind, platform PlatformID, ref string, err error) *AdapterError {
	return &AdapterError{Kind: kind, Platform: platform, Ref: ref, Err: err}
}

// WarningCode names a non-fatal data-quality anomaly.
type WarningCode string

const (
	WarnDiscountOutOfRange WarningCode = "discount_out_of_range"
	WarnDiscountMismatch   WarningCode = "discount_mismatch"
	WarnPriceAboveOriginal WarningCode = "price_above_original"
	WarnRatingOutOfRange   WarningCode = "rating_out_of_range"
	WarnUnparsableField    WarningCode = "unparsable_field"
)

// DataQualityWarning is attached to an otherwise successful normalization.
type DataQualityWarning struct {
	Field   string      `json:"field"`
	Code    WarningCode `json:"code"`
	Message string      `json:"message"`
}
