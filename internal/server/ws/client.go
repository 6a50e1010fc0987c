package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	idleTimeout  = 60 * time.Second
	pingInterval = idleTimeout * 9 / 10
	maxInbound   = 4096
	sendBuffer   = 256
)

// subscribeMsg narrows or widens the products a client receives.
type subscribeMsg struct {
	Action   string  `json:"action"` // "subscribe", "unsubscribe" or "all"
	Products []int64 `json:"products"`
}

// client is one websocket connection. An empty product filter means every
// product.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string
	send   chan []byte

	mu       sync.RWMutex
	products map[int64]struct{}
}

func newClient(h *Hub, conn *websocket.Conn, remote string) *client {
	return &client{
		hub:      h,
		conn:     conn,
		remote:   remote,
		send:     make(chan []byte, sendBuffer),
		products: make(map[int64]struct{}),
	}
}

func (c *client) wants(productID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.products) == 0 {
		return true
	}
	_, ok := c.products[productID]
	return ok
}

// offer enqueues data without blocking. The caller holds the hub's read lock,
// so send cannot be closed underneath it.
func (c *client) offer(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, id := range msg.Products {
			c.products[id] = struct{}{}
		}
	case "unsubscribe":
		for _, id := range msg.Products {
			delete(c.products, id)
		}
	case "all":
		clear(c.products)
	}
}

func (c *client) hello(uptime time.Duration) {
	payload, _ := json.Marshal(map[string]int64{"uptime_seconds": int64(uptime.Seconds())})
	if data, err := json.Marshal(envelope{Type: "hello", Payload: payload}); err == nil {
		c.offer(data)
	}
}

// readLoop applies subscription messages until the peer goes away.
func (c *client) readLoop() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInbound)
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(idleTimeout)) }
	_ = extend("")
	c.conn.SetPongHandler(extend)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws read failed",
					slog.String("remote", c.remote),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		var msg subscribeMsg
		if json.Unmarshal(data, &msg) == nil && msg.Action != "" {
			c.apply(msg)
		}
	}
}

// writeLoop owns every write on the connection, including keepalive pings.
func (c *client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return c.conn.WriteMessage(kind, data)
	}
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = write(websocket.CloseMessage, nil)
				return
			}
			if write(websocket.TextMessage, data) != nil {
				return
			}
		case <-ping.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}
