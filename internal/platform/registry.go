// Package platform holds the adapter registry and the HTTP status mapping
// shared by the concrete platform adapters.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// Registry maps platform ids to adapters. Adapters are selected by
// configuration, never by inspecting their type.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.PlatformID]domain.PlatformAdapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[domain.PlatformID]domain.PlatformAdapter)}
}

// Register adds an adapter under its own platform id.
func (r *Registry) Register(a domain.PlatformAdapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := a.Platform()
	if _, ok := r.adapters[id]; ok {
		return fmt.Errorf("platform: %s: %w", id, domain.ErrAlreadyExists)
	}
	r.adapters[id] = a
	return nil
}

// Adapter returns the adapter for id.
func (r *Registry) Adapter(id domain.PlatformID) (domain.PlatformAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Platforms returns the registered ids in sorted order.
func (r *Registry) Platforms() []domain.PlatformID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]domain.PlatformID, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close releases adapters that hold resources (browser processes).
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.adapters {
		if c, ok := a.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

// StatusError maps a non-2xx HTTP status to an AdapterError. It returns nil
// for 2xx.
func StatusError(id domain.PlatformID, ref string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	cause := fmt.Errorf("HTTP %d: %s", status, snippet)
	switch {
	case status == http.StatusNotFound, status == http.StatusGone:
		return domain.NewAdapterError(domain.AdapterNotFound, id, ref, cause)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return domain.NewAdapterError(domain.AdapterBlocked, id, ref, cause)
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return domain.NewAdapterError(domain.AdapterTimeout, id, ref, cause)
	case status == http.StatusTooManyRequests:
		return domain.NewAdapterError(domain.AdapterNetworkError, id, ref, fmt.Errorf("%w: %v", domain.ErrRateLimited, cause))
	default:
		return domain.NewAdapterError(domain.AdapterNetworkError, id, ref, cause)
	}
}

// TransportError classifies an error returned before any HTTP status was
// received.
func TransportError(id domain.PlatformID, ref string, err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return domain.NewAdapterError(domain.AdapterTimeout, id, ref, err)
	case errors.As(err, &ne) && ne.Timeout():
		return domain.NewAdapterError(domain.AdapterTimeout, id, ref, err)
	default:
		return domain.NewAdapterError(domain.AdapterNetworkError, id, ref, err)
	}
}
