package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeBus struct {
	mu   sync.Mutex
	subs map[string]chan []byte
}

func newFakeBus() *fakeBus { return &fakeBus{subs: make(map[string]chan []byte)} }

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	ch, ok := b.subs[channel]
	b.mu.Unlock()
	if ok {
		ch <- payload
	}
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 8)
	b.subs[channel] = ch
	return ch, nil
}

func (b *fakeBus) subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// dialHub runs a hub against the fake bus and returns a connected client.
func dialHub(t *testing.T, bus *fakeBus) (*Hub, *websocket.Conn, context.CancelFunc) {
	t.Helper()
	hub := NewHub(bus, testLogger(), Config{Mode: "Paper", StartedAt: time.Now().Add(-3 * time.Second)})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	waitFor(t, time.Second, func() bool { return bus.subscriptions() == len(defaultChannels) })

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	waitFor(t, time.Second, func() bool { return hub.clientCount() == 1 })
	return hub, conn, cancel
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func TestHubStatusFrameOnConnect(t *testing.T) {
	_, conn, cancel := dialHub(t, newFakeBus())
	defer cancel()

	var frame struct {
		Type    string `json:"type"`
		Payload struct {
			Mode          string `json:"mode"`
			WSConnected   bool   `json:"ws_connected"`
			UptimeSeconds int64  `json:"uptime_seconds"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(readFrame(t, conn), &frame); err != nil {
		t.Fatalf("unmarshal status frame: %v", err)
	}
	if frame.Type != "status" {
		t.Fatalf("first frame type = %q, want status", frame.Type)
	}
	if frame.Payload.Mode != "paper" || !frame.Payload.WSConnected {
		t.Fatalf("payload = %+v", frame.Payload)
	}
	if frame.Payload.UptimeSeconds < 3 {
		t.Fatalf("uptime = %d, want at least 3", frame.Payload.UptimeSeconds)
	}
}

func TestHubBroadcastFiltersBySubscription(t *testing.T) {
	bus := newFakeBus()
	hub, conn, cancel := dialHub(t, bus)
	defer cancel()

	readFrame(t, conn) // status frame

	// New clients start subscribed to every channel.
	ctx := context.Background()
	bus.Publish(ctx, "trade", []byte(`{"type":"trade","n":1}`))
	if got := string(readFrame(t, conn)); got != `{"type":"trade","n":1}` {
		t.Fatalf("frame = %s", got)
	}

	subscribed := func(want bool) {
		t.Helper()
		waitFor(t, time.Second, func() bool {
			hub.mu.RLock()
			defer hub.mu.RUnlock()
			for c := range hub.clients {
				return c.isSubscribed("trade") == want
			}
			return false
		})
	}

	if err := conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{"trade"}}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	subscribed(false)

	// Events on other channels still flow.
	bus.Publish(ctx, "breaker", []byte(`{"type":"breaker"}`))
	if got := string(readFrame(t, conn)); got != `{"type":"breaker"}` {
		t.Fatalf("frame after unsubscribe = %s, want the breaker event", got)
	}

	if err := conn.WriteJSON(subscribeMsg{Action: "subscribe", Channels: []string{"trade"}}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	subscribed(true)
	bus.Publish(ctx, "trade", []byte(`{"type":"trade","n":2}`))
	if got := string(readFrame(t, conn)); got != `{"type":"trade","n":2}` {
		t.Fatalf("frame after resubscribe = %s", got)
	}

	// A timed-out read wedges the connection, so the dropped-frame check
	// comes last.
	if err := conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{"trade"}}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	subscribed(false)
	bus.Publish(ctx, "trade", []byte(`{"type":"trade","n":3}`))
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("received %s on an unsubscribed channel", data)
	}
}

func TestHubClosesClientsOnShutdown(t *testing.T) {
	hub, conn, cancel := dialHub(t, newFakeBus())
	readFrame(t, conn)

	cancel()
	waitFor(t, time.Second, func() bool { return hub.clientCount() == 0 })

	// The server side tears the connection down; reads stop succeeding.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var err error
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
		t.Fatal("connection still open after hub shutdown")
	}
}

func TestIsSubscribedWildcard(t *testing.T) {
	c := &client{subs: map[string]bool{"brea*": true, "trade": true}}

	cases := []struct {
		channel string
		want    bool
	}{
		{"breaker", true},
		{"brea", true},
		{"trade", true},
		{"opportunity", false},
	}
	for _, tc := range cases {
		if got := c.isSubscribed(tc.channel); got != tc.want {
			t.Errorf("isSubscribed(%q) = %v, want %v", tc.channel, got, tc.want)
		}
	}
}
