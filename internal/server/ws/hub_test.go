package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return env
}

func TestHubStreamsSubscribedOutcomes(t *testing.T) {
	hub := NewHub(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(httpHandler(hub))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if env := readEnvelope(t, conn); env.Type != "hello" {
		t.Fatalf("first message type = %q, want hello", env.Type)
	}

	if err := conn.WriteJSON(subscribeMsg{Action: "subscribe", Products: []int64{7}}); err != nil {
		t.Fatal(err)
	}
	// Allow the subscription to land before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var subscribed bool
		hub.mu.RLock()
		for c := range hub.clients {
			subscribed = !c.wants(1) && c.wants(7)
		}
		hub.mu.RUnlock()
		if subscribed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = hub.Publish(ctx, []domain.RefreshOutcome{
		{ProductID: 1, PlatformID: "amazon", Status: domain.RefreshSuccess},
		{ProductID: 7, PlatformID: "flipkart", Status: domain.RefreshFailed, Reason: domain.ReasonBlocked},
	})

	env := readEnvelope(t, conn)
	if env.Type != "refresh_outcome" {
		t.Fatalf("type = %q", env.Type)
	}
	var o domain.RefreshOutcome
	if err := json.Unmarshal(env.Payload, &o); err != nil {
		t.Fatal(err)
	}
	if o.ProductID != 7 || o.Reason != domain.ReasonBlocked {
		t.Errorf("outcome = %+v, want product 7 blocked", o)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example"})
	r := httptest.NewRequest("GET", "/ws", nil)
	if !check(r) {
		t.Error("request without origin rejected")
	}
	r.Header.Set("Origin", "https://evil.example")
	if check(r) {
		t.Error("foreign origin accepted")
	}
	r.Header.Set("Origin", "https://APP.example")
	if !check(r) {
		t.Error("allowed origin rejected")
	}
}

func httpHandler(h *Hub) http.Handler { return http.HandlerFunc(h.HandleWS) }
