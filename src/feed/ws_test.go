package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"pumpengine/src/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestWebsocketFeedDeliversTrades(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "btcusdt@trade") {
			t.Errorf("unexpected stream path %s", r.URL.Path)
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		messages := []string{
			`{"e":"trade","s":"BTCUSDT","p":"50123.45","T":1700000000000}`,
			`{"e":"depthUpdate","s":"BTCUSDT"}`,
			`{"e":"trade","s":"BTCUSDT","p":"not-a-number","T":1700000001000}`,
			`{"e":"trade","s":"BTCUSDT","p":"50200","T":1700000002000}`,
		}
		for _, msg := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	wsFeed := NewWebsocketFeed(WebsocketConfig{
		URL:     wsURL,
		Symbols: []string{"BTCUSDT"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make(chan model.IndicatorTick, 8)
	go func() { _ = wsFeed.Run(ctx, out) }()

	first := <-out
	if first.Indicator != model.PriceIndicator {
		t.Fatalf("expected price tick, got %s", first.Indicator)
	}
	if first.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected symbol %s", first.Symbol)
	}
	if !first.Value.Equal(decimal.RequireFromString("50123.45")) {
		t.Fatalf("unexpected price %s", first.Value)
	}

	// Non-trade and malformed messages are skipped; the next tick is the
	// last valid trade.
	second := <-out
	if !second.Value.Equal(decimal.NewFromInt(50200)) {
		t.Fatalf("expected 50200, got %s", second.Value)
	}
}

func TestWebsocketFeedStopsOnCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	wsFeed := NewWebsocketFeed(WebsocketConfig{
		URL:     wsURL,
		Symbols: []string{"BTCUSDT"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	out := make(chan model.IndicatorTick, 1)
	go func() { done <- wsFeed.Run(ctx, out) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("feed did not stop on cancel")
	}
}
