// Package ws streams refresh outcomes to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// queueSize bounds outcomes waiting for the fan-out loop.
const queueSize = 256

// envelope is the frame every server message is wrapped in.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type frame struct {
	productID int64
	data      []byte
}

// Hub fans refresh outcomes out to connected clients. Clients join from
// HandleWS and leave when their read loop ends; Run drains the outcome queue.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	queue     chan frame
	upgrader  websocket.Upgrader
	startedAt time.Time
	logger    *slog.Logger
}

var _ domain.OutcomeSink = (*Hub)(nil)

// NewHub creates a Hub. An empty origins list accepts every origin.
func NewHub(origins []string, logger *slog.Logger) *Hub {
	return &Hub{
		clients:   make(map[*client]struct{}),
		queue:     make(chan frame, queueSize),
		startedAt: time.Now().UTC(),
		logger:    logger.With(slog.String("component", "ws_hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
	}
}

// originChecker allows requests without an Origin header, and otherwise
// matches it case-insensitively against origins. "*" allows all.
func originChecker(origins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(origins) == 0 {
			return true
		}
		return slices.ContainsFunc(origins, func(o string) bool {
			return o == "*" || strings.EqualFold(o, origin)
		})
	}
}

// Run delivers queued outcomes until ctx is cancelled, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case f := <-h.queue:
			h.fanOut(f)
		}
	}
}

func (h *Hub) fanOut(f frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.wants(f.productID) && !c.offer(f.data) {
			h.logger.Debug("ws client lagging; frame dropped",
				slog.String("remote", c.remote),
			)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) join(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("ws client connected", slog.String("remote", c.remote), slog.Int("clients", n))
	return true
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info("ws client disconnected", slog.String("remote", c.remote), slog.Int("clients", n))
	}
}

// Deliver queues one outcome for broadcast. raw is the outcome's JSON
// encoding. It has the feed.OutcomeHandler signature so a relay can feed it.
func (h *Hub) Deliver(o domain.RefreshOutcome, raw []byte) {
	data, err := json.Marshal(envelope{Type: "refresh_outcome", Payload: raw})
	if err != nil {
		return
	}
	select {
	case h.queue <- frame{productID: o.ProductID, data: data}:
	default:
		h.logger.Warn("ws queue full; outcome dropped",
			slog.Int64("product_id", o.ProductID),
			slog.String("platform", string(o.PlatformID)),
		)
	}
}

// Publish implements domain.OutcomeSink for single-process runs without a
// signal bus.
func (h *Hub) Publish(_ context.Context, outcomes []domain.RefreshOutcome) error {
	for _, o := range outcomes {
		raw, err := json.Marshal(o)
		if err != nil {
			return err
		}
		h.Deliver(o, raw)
	}
	return nil
}

// HandleWS upgrades the request and attaches a client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := newClient(h, conn, r.RemoteAddr)
	c.hello(time.Since(h.startedAt))
	if !h.join(c) {
		conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
