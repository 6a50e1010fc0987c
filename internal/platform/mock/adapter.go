// Package mock is an offline platform adapter that synthesizes deterministic
// listings. It is used for demos and local runs without network access.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// Options configures an Adapter.
type Options struct {
	Platform domain.PlatformID
	// BaseURL is only used to synthesize URLs.
	BaseURL string
	// Seed perturbs generated values; 0 gives a fixed sequence.
	Seed int64
	// Latency is slept before each fetch, honouring ctx.
	Latency time.Duration
}

// Adapter implements domain.PlatformAdapter without network calls.
type Adapter struct {
	id      domain.PlatformID
	baseURL string
	seed    int64
	latency time.Duration
	now     func() time.Time
}

var _ domain.PlatformAdapter = (*Adapter)(nil)

// New creates a mock adapter.
func New(opts Options) *Adapter {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = "https://" + string(opts.Platform) + ".example.invalid"
	}
	return &Adapter{
		id:      opts.Platform,
		baseURL: strings.TrimRight(base, "/"),
		seed:    opts.Seed,
		latency: opts.Latency,
		now:     time.Now,
	}
}

// Platform returns the adapter's platform id.
func (m *Adapter) Platform() domain.PlatformID { return m.id }

// Search returns maxResults synthetic refs derived from query.
func (m *Adapter) Search(ctx context.Context, query string, maxResults int) ([]domain.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewAdapterError(domain.AdapterTimeout, m.id, query, err)
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return []domain.SearchResult{}, nil
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	out := make([]domain.SearchResult, 0, maxResults)
	for i := 0; i < maxResults; i++ {
		id := fmt.Sprintf("%s-%08x-%d", m.id, fnv64(q)&0xffffffff, i+1)
		out = append(out, domain.SearchResult{
			Ref:   m.baseURL + "/p/" + url.PathEscape(id),
			Title: fmt.Sprintf("%s (%s #%d)", q, m.id, i+1),
		})
	}
	return out, nil
}

// FetchDetail synthesizes a listing for ref. Refs containing "missing" yield
// NotFound and refs containing "blocked" yield Blocked, so failure paths can
// be exercised end to end.
func (m *Adapter) FetchDetail(ctx context.Context, ref string) (domain.RawFields, error) {
	if m.latency > 0 {
		t := time.NewTimer(m.latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, domain.NewAdapterError(domain.AdapterTimeout, m.id, ref, ctx.Err())
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.NewAdapterError(domain.AdapterTimeout, m.id, ref, err)
	}
	switch {
	case strings.TrimSpace(ref) == "", strings.Contains(ref, "missing"):
		return nil, domain.NewAdapterError(domain.AdapterNotFound, m.id, ref, nil)
	case strings.Contains(ref, "blocked"):
		return nil, domain.NewAdapterError(domain.AdapterBlocked, m.id, ref, nil)
	}

	r := rand.New(rand.NewSource(int64(fnv64(string(m.id)+"|"+ref)) ^ m.seed))
	original := 500 + r.Intn(4500)
	discount := r.Intn(40)
	current := original - original*discount/100
	deliveries := []string{"same day", "next-day", "2 days", "3-5 days", "1 week"}

	raw := domain.RawFields{
		"name":                fmt.Sprintf("Synthetic product %s", lastSegment(ref)),
		"brand":               "Example",
		"current_price":       fmt.Sprintf("%d.00", current),
		"original_price":      fmt.Sprintf("%d.00", original),
		"discount_percentage": fmt.Sprintf("%d%% off", discount),
		"availability":        "In stock",
		"rating":              fmt.Sprintf("%.1f", 3.0+float64(r.Intn(21))/10),
		"rating_count":        fmt.Sprintf("%d ratings", 10+r.Intn(5000)),
		"seller_name":         string(m.id) + " retail",
		"delivery_time":       deliveries[r.Intn(len(deliveries))],
		"delivery_charges":    "FREE",
		"offers":              []any{"10% instant discount on bank cards"},
		"scraped_at":          m.now().UTC().Format(time.RFC3339),
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		raw["platform_url"] = ref
	} else {
		raw["platform_product_id"] = ref
	}
	return raw, nil
}

func lastSegment(ref string) string {
	ref = strings.TrimRight(ref, "/")
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// fnv64 returns a 64-bit FNV-1a hash for deterministic mock data.
func fnv64(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	var h uint64 = offset64
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
