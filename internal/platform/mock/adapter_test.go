package mock

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/alanyoungcy/pricewatch/internal/domain"
	"github.com/alanyoungcy/pricewatch/internal/normalize"
)

func TestFetchDetailDeterministicAndNormalizable(t *testing.T) {
	a := New(Options{Platform: "amazon"})
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	first, err := a.FetchDetail(context.Background(), "https://amazon.example.invalid/p/abc")
	if err != nil {
		t.Fatalf("FetchDetail() error = %v", err)
	}
	second, _ := a.FetchDetail(context.Background(), "https://amazon.example.invalid/p/abc")
	if !reflect.DeepEqual(first, second) {
		t.Errorf("mock output not deterministic:\n%v\n%v", first, second)
	}

	snap, err := normalize.New(normalize.Config{}).Normalize("amazon", first)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if snap.CurrentPrice.GreaterThan(snap.OriginalPrice.Decimal) {
		t.Errorf("current %s > original %s", snap.CurrentPrice, snap.OriginalPrice.Decimal)
	}
	if snap.SourceURL == "" {
		t.Error("expected source url")
	}
}

func TestFetchDetailFailureRefs(t *testing.T) {
	a := New(Options{Platform: "flipkart"})
	tests := map[string]domain.AdapterErrorKind{
		"item-missing": domain.AdapterNotFound,
		"blocked-item": domain.AdapterBlocked,
	}
	for ref, want := range tests {
		_, err := a.FetchDetail(context.Background(), ref)
		var aerr *domain.AdapterError
		if !errors.As(err, &aerr) || aerr.Kind != want {
			t.Errorf("FetchDetail(%q) error = %v, want %s", ref, err, want)
		}
	}
}

func TestFetchDetailLatencyHonoursContext(t *testing.T) {
	a := New(Options{Platform: "x", Latency: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.FetchDetail(ctx, "p")
	var aerr *domain.AdapterError
	if !errors.As(err, &aerr) || aerr.Kind != domain.AdapterTimeout {
		t.Fatalf("error = %v, want timeout", err)
	}
}

func TestSearch(t *testing.T) {
	a := New(Options{Platform: "amazon"})
	got, err := a.Search(context.Background(), "usb cable", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	again, _ := a.Search(context.Background(), "usb cable", 3)
	if !reflect.DeepEqual(got, again) {
		t.Error("search not deterministic")
	}
}
