package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rewired-gh/athwatch/internal/models"
)

// mockWSServer creates a test WebSocket server. handler receives the
// 1-based connection number.
func mockWSServer(t *testing.T, handler func(n int, conn *websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	var conns atomic.Int32

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(int(conns.Add(1)), conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Instruments = []string{"BTCUSDT", "ETHUSDT"}
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 40 * time.Millisecond
	cfg.ReadTimeout = 5 * time.Second
	return cfg
}

// drainUntilClosed blocks until the client side goes away.
func drainUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func receive(t *testing.T, out <-chan models.TradeEvent) models.TradeEvent {
	t.Helper()
	select {
	case ev := <-out:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for trade event")
		return models.TradeEvent{}
	}
}

func TestStream_SubscribesAndForwardsTrades(t *testing.T) {
	var mu sync.Mutex
	var got Request

	server := mockWSServer(t, func(n int, conn *websocket.Conn) {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		mu.Lock()
		got = req
		mu.Unlock()

		conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"trade","E":1700000000000,"s":"BTCUSDT","t":1,"p":"60100.50","q":"0.1","T":1700000000000}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"trade","E":1700000000001,"s":"ETHUSDT","t":2,"p":"4000.00","q":"1","T":1700000000001}`))
		drainUntilClosed(conn)
	})
	defer server.Close()

	s, err := NewStream(testConfig(wsURL(server)))
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan models.TradeEvent, 10)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, out) }()

	first := receive(t, out)
	second := receive(t, out)
	if first.Symbol != "BTCUSDT" || first.Price.String() != "60100.5" {
		t.Errorf("first = %s %s", first.Symbol, first.Price)
	}
	if !first.EventTime.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("EventTime = %v", first.EventTime)
	}
	if first.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not set")
	}
	if second.Symbol != "ETHUSDT" {
		t.Errorf("second = %s, want ETHUSDT", second.Symbol)
	}
	if s.State() != StateConnected {
		t.Errorf("State = %v, want connected", s.State())
	}

	mu.Lock()
	if got.Method != "SUBSCRIBE" || got.ID != 1 {
		t.Errorf("request = %+v", got)
	}
	if strings.Join(got.Params, ",") != "btcusdt@trade,ethusdt@trade" {
		t.Errorf("params = %v", got.Params)
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStream_ReconnectsAndResubscribes(t *testing.T) {
	ids := make(chan int64, 4)

	server := mockWSServer(t, func(n int, conn *websocket.Conn) {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		ids <- req.ID
		price := "60000"
		if n > 1 {
			price = "60200"
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"trade","E":1,"s":"BTCUSDT","p":"`+price+`"}`))
		if n == 1 {
			// Drop the first connection abruptly.
			return
		}
		drainUntilClosed(conn)
	})
	defer server.Close()

	s, _ := NewStream(testConfig(wsURL(server)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan models.TradeEvent, 10)
	go s.Run(ctx, out)

	if ev := receive(t, out); ev.Price.String() != "60000" {
		t.Errorf("first price = %s", ev.Price)
	}
	if ev := receive(t, out); ev.Price.String() != "60200" {
		t.Errorf("price after reconnect = %s", ev.Price)
	}

	first, second := <-ids, <-ids
	if first != 1 || second != 2 {
		t.Errorf("subscribe ids = %d, %d; want 1, 2", first, second)
	}
}

func TestStream_DropsBadFrames(t *testing.T) {
	server := mockWSServer(t, func(n int, conn *websocket.Conn) {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		frames := []string{
			`not json`,
			`{"e":"trade","E":1,"s":"BTCUSDT","p":"0"}`,
			`{"e":"trade","E":1,"s":"BTCUSDT","p":"-3"}`,
			`{"e":"trade","E":1,"s":"BTCUSDT","p":"abc"}`,
			`{"e":"trade","E":1,"s":"DOGEUSDT","p":"0.2"}`,
			`{"e":"aggTrade","E":1,"s":"BTCUSDT","p":"60000"}`,
			`{"error":{"code":2,"msg":"Invalid request"},"id":1}`,
			`{"e":"trade","E":1,"s":"BTCUSDT","p":"60001"}`,
		}
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		drainUntilClosed(conn)
	})
	defer server.Close()

	s, _ := NewStream(testConfig(wsURL(server)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan models.TradeEvent, 10)
	go s.Run(ctx, out)

	if ev := receive(t, out); ev.Symbol != "BTCUSDT" || ev.Price.String() != "60001" {
		t.Errorf("first forwarded = %s %s, want BTCUSDT 60001", ev.Symbol, ev.Price)
	}
	select {
	case ev := <-out:
		t.Errorf("unexpected extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStream_BacksOffWhenUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	s, _ := NewStream(testConfig(url))
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan models.TradeEvent)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, out) }()

	deadline := time.After(3 * time.Second)
	for s.State() != StateBackoff {
		select {
		case <-deadline:
			t.Fatalf("State = %v, want backoff", s.State())
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewStream_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty url", func(c *Config) { c.URL = "" }},
		{"no instruments", func(c *Config) { c.Instruments = nil }},
		{"zero delay", func(c *Config) { c.ReconnectDelay = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if _, err := NewStream(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewStream_NormalizesInstruments(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Instruments = []string{"btcusdt", "BTCUSDT", "ETHUSDT"}
	s, err := NewStream(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(s.streams, ",") != "btcusdt@trade,ethusdt@trade" {
		t.Errorf("streams = %v", s.streams)
	}
}

func TestNextDelay(t *testing.T) {
	tests := []struct {
		cur, limit, want time.Duration
	}{
		{5 * time.Second, time.Minute, 10 * time.Second},
		{40 * time.Second, time.Minute, time.Minute},
		{time.Minute, time.Minute, time.Minute},
		{5 * time.Second, 5 * time.Second, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := nextDelay(tt.cur, tt.limit); got != tt.want {
			t.Errorf("nextDelay(%v, %v) = %v, want %v", tt.cur, tt.limit, got, tt.want)
		}
	}
}

func TestDecode(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		data    string
		wantErr bool
		notOK   bool
		price   string
	}{
		{"trade", `{"e":"trade","E":1700000000000,"s":"BTCUSDT","p":"60110.01"}`, false, false, "60110.01"},
		{"ack", `{"result":null,"id":7}`, true, true, ""},
		{"other event", `{"e":"kline","E":1,"s":"BTCUSDT"}`, true, true, ""},
		{"malformed", `{"e":`, true, false, ""},
		{"zero price", `{"e":"trade","E":1,"s":"BTCUSDT","p":"0.00"}`, true, false, ""},
		{"lower-case symbol", `{"e":"trade","E":1,"s":"btcusdt","p":"1"}`, true, false, ""},
		{"missing symbol", `{"e":"trade","E":1,"p":"1"}`, true, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decode([]byte(tt.data), now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.notOK != errors.Is(err, ErrNotTrade) {
				t.Errorf("ErrNotTrade = %v, want %v (err %v)", errors.Is(err, ErrNotTrade), tt.notOK, err)
			}
			if !tt.wantErr && ev.Price.String() != tt.price {
				t.Errorf("price = %s, want %s", ev.Price, tt.price)
			}
		})
	}
}

func TestConnStateString(t *testing.T) {
	if StateBackoff.String() != "backoff" || ConnState(9).String() != "unknown" {
		t.Error("unexpected state names")
	}
}
