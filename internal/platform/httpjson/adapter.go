// Package httpjson is a platform adapter for shops that expose product data
// over a JSON HTTP API.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/pricewatch/internal/domain"
	"github.com/alanyoungcy/pricewatch/internal/platform"
)

// Options configures an Adapter.
//
// Expected endpoints:
//
//	GET {base}/api/search?q=...&limit=...   -> {"results":[...]} or [...]
//	GET {base}/api/products/{id}            -> {"product":{...}} or {...}
//
// A ref that is already an absolute URL is fetched as-is.
type Options struct {
	Platform  domain.PlatformID
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// Adapter implements domain.PlatformAdapter over HTTP+JSON.
type Adapter struct {
	id         domain.PlatformID
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

var _ domain.PlatformAdapter = (*Adapter)(nil)

// New creates an Adapter.
func New(opts Options) (*Adapter, error) {
	if opts.Platform == "" {
		return nil, errors.New("httpjson: platform id is required")
	}
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("httpjson: %s: base url is required", opts.Platform)
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("httpjson: %s: invalid base url: %w", opts.Platform, err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "pricewatch/1.0"
	}
	return &Adapter{
		id:         opts.Platform,
		baseURL:    strings.TrimRight(base, "/"),
		userAgent:  ua,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Platform returns the adapter's platform id.
func (a *Adapter) Platform() domain.PlatformID { return a.id }

type searchItem struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Search returns up to maxResults candidate refs for query. URLs are
// preferred over ids when both are present.
func (a *Adapter) Search(ctx context.Context, query string, maxResults int) ([]domain.SearchResult, error) {
	params := url.Values{}
	params.Set("q", strings.TrimSpace(query))
	if maxResults > 0 {
		params.Set("limit", strconv.Itoa(maxResults))
	}
	body, err := a.doGet(ctx, a.baseURL+"/api/search?"+params.Encode(), query)
	if err != nil {
		return nil, fmt.Errorf("httpjson: search: %w", err)
	}

	// Accept both object-wrapped and bare-array payloads.
	var items []searchItem
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &items)
	} else {
		var wrapped struct {
			Results []searchItem `json:"results"`
		}
		err = json.Unmarshal(trimmed, &wrapped)
		items = wrapped.Results
	}
	if err != nil {
		return nil, domain.NewAdapterError(domain.AdapterInvalidResponse, a.id, query, fmt.Errorf("decode search: %w", err))
	}

	out := make([]domain.SearchResult, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		ref := strings.TrimSpace(it.URL)
		if ref == "" {
			ref = strings.TrimSpace(it.ID)
		}
		if ref == "" {
			continue
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, domain.SearchResult{Ref: ref, Title: strings.TrimSpace(it.Title)})
		if maxResults > 0 && len(out) == maxResults {
			break
		}
	}
	return out, nil
}

// FetchDetail fetches one product and returns its fields unmodified except
// for platform_url/platform_product_id, which are filled from ref when the
// payload omits them.
func (a *Adapter) FetchDetail(ctx context.Context, ref string) (domain.RawFields, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, domain.NewAdapterError(domain.AdapterNotFound, a.id, ref, domain.ErrMissingReference)
	}
	target := ref
	isURL := strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
	if !isURL {
		target = a.baseURL + "/api/products/" + url.PathEscape(ref)
	}

	body, err := a.doGet(ctx, target, ref)
	if err != nil {
		return nil, err
	}

	raw, err := parseDetail(body)
	if err != nil {
		return nil, domain.NewAdapterError(domain.AdapterInvalidResponse, a.id, ref, err)
	}
	if isURL {
		if _, ok := raw["platform_url"]; !ok {
			raw["platform_url"] = ref
		}
	} else if _, ok := raw["platform_product_id"]; !ok {
		raw["platform_product_id"] = ref
	}
	return raw, nil
}

func parseDetail(body []byte) (domain.RawFields, error) {
	var wrapped struct {
		Product map[string]any `json:"product"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Product) > 0 {
		return domain.RawFields(wrapped.Product), nil
	}
	var bare map[string]any
	if err := json.Unmarshal(body, &bare); err != nil {
		return nil, fmt.Errorf("decode detail: %w", err)
	}
	if bare == nil {
		bare = map[string]any{}
	}
	return domain.RawFields(bare), nil
}

func (a *Adapter) doGet(ctx context.Context, u, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, domain.NewAdapterError(domain.AdapterNetworkError, a.id, ref, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", a.userAgent)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, platform.TransportError(a.id, ref, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, platform.TransportError(a.id, ref, fmt.Errorf("read response: %w", err))
	}
	if err := platform.StatusError(a.id, ref, resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}
