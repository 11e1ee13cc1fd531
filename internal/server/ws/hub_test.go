package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/papertrade/internal/cache/memory"
	"github.com/alanyoungcy/papertrade/internal/domain"
)

type watchCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (w *watchCounter) Watch(id string) {
	w.mu.Lock()
	w.counts[id]++
	w.mu.Unlock()
}

func (w *watchCounter) Unwatch(id string) {
	w.mu.Lock()
	w.counts[id]--
	w.mu.Unlock()
}

func (w *watchCounter) get(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counts[id]
}

func startHub(t *testing.T, cfg Config) (*memory.SignalBus, *httptest.Server) {
	t.Helper()
	bus := memory.NewSignalBus()
	hub := NewHub(bus, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return bus, srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?userId=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// expect publishes until conn receives a frame or the deadline passes; the
// hub subscribes to the bus asynchronously.
func expect(t *testing.T, conn *websocket.Conn, publish func()) map[string]any {
	t.Helper()
	got := make(chan []byte, 1)
	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		if err == nil {
			got <- data
		}
		close(got)
	}()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case data, ok := <-got:
			if !ok {
				t.Fatal("no message received")
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			return m
		case <-tick.C:
			publish()
		}
	}
}

func publishJSON(bus *memory.SignalBus, channel string, v any) func() {
	data, _ := json.Marshal(v)
	return func() { _ = bus.Publish(context.Background(), channel, data) }
}

func TestUserRoomReceivesOwnExecutions(t *testing.T) {
	bus, srv := startHub(t, Config{})
	conn := dial(t, srv, "alice")

	ev := domain.ExecutionEvent{
		Type:         domain.EventOrderFilled,
		UserID:       "alice",
		InstrumentID: "bitcoin",
		Quantity:     decimal.NewFromInt(1),
		Price:        decimal.NewFromInt(100),
	}
	m := expect(t, conn, publishJSON(bus, domain.ChannelExecutions, ev))
	if m["event"] != domain.EventOrderFilled || m["userId"] != "alice" {
		t.Fatalf("frame = %v", m)
	}
}

func TestCoinSubscriptionDrivesWatcher(t *testing.T) {
	watch := &watchCounter{counts: map[string]int{}}
	bus, srv := startHub(t, Config{Watcher: watch})
	conn := dial(t, srv, "bob")

	sub := controlMsg{Action: "subscribe", Channels: []string{"coin:bitcoin", "user:alice", "coin:bitcoin"}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write: %v", err)
	}
	upd := domain.PriceUpdate{Type: domain.EventPriceUpdate, InstrumentID: "bitcoin", Price: decimal.NewFromInt(101)}
	m := expect(t, conn, publishJSON(bus, domain.ChannelPrices, upd))
	if m["coinId"] != "bitcoin" {
		t.Fatalf("frame = %v", m)
	}
	if got := watch.get("bitcoin"); got != 1 {
		t.Fatalf("watch count = %d, want 1", got)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for watch.get("bitcoin") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("watch count after disconnect = %d, want 0", watch.get("bitcoin"))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMissingUserRejected(t *testing.T) {
	_, srv := startHub(t, Config{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a user id")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("response = %v, want 401", resp)
	}
}

func TestRooms(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		payload string
		want    []string
	}{
		{"execution with user", domain.ChannelExecutions, `{"event":"order-filled","userId":"u1","coinId":"btc"}`, []string{"executions", "user:u1"}},
		{"execution without user", domain.ChannelExecutions, `{"event":"order-filled"}`, []string{"executions"}},
		{"price", domain.ChannelPrices, `{"event":"price-update","coinId":"btc"}`, []string{"coin:btc"}},
		{"price without coin", domain.ChannelPrices, `{}`, nil},
		{"garbage", domain.ChannelPrices, `not json`, nil},
		{"unknown channel", "other", `{}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rooms(tt.channel, []byte(tt.payload))
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Fatalf("rooms = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAllowedRooms(t *testing.T) {
	c := &client{userID: "u1"}
	tests := map[string]bool{
		"executions": true,
		"coin:btc":   true,
		"coin:":      false,
		"user:u1":    true,
		"user:u2":    false,
		"random":     false,
	}
	for room, want := range tests {
		if got := c.allowed(room); got != want {
			t.Errorf("allowed(%q) = %v, want %v", room, got, want)
		}
	}
}
