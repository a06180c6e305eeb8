package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"pumpengine/src/model"
)

// WebsocketConfig configures the live market-data stream.
type WebsocketConfig struct {
	// URL is the stream base, e.g. wss://fstream.binance.com/ws.
	URL string
	// Symbols to subscribe trade streams for.
	Symbols []string
	// ReconnectWait between dial attempts.
	ReconnectWait time.Duration
	// OnReconnect fires after every successful re-dial, letting the
	// session invalidate exchange-side caches.
	OnReconnect func()
}

// WebsocketFeed streams trade prices over a websocket and emits them as
// ticks on the reserved price indicator. It reconnects forever until the
// context is cancelled.
type WebsocketFeed struct {
	cfg WebsocketConfig
	log *logger.Entry
}

func NewWebsocketFeed(cfg WebsocketConfig) *WebsocketFeed {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 5 * time.Second
	}
	return &WebsocketFeed{
		cfg: cfg,
		log: logger.WithField("component", "WebsocketFeed"),
	}
}

func (f *WebsocketFeed) Name() string { return "websocket" }

// tradeMessage is the combined-stream trade payload.
type tradeMessage struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

func (f *WebsocketFeed) Run(ctx context.Context, out chan<- model.IndicatorTick) error {
	first := true
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := f.dial(ctx)
		if err != nil {
			f.log.WithError(err).Warn("websocket dial failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.cfg.ReconnectWait):
			}
			continue
		}

		if !first && f.cfg.OnReconnect != nil {
			f.cfg.OnReconnect()
		}
		first = false

		f.readLoop(ctx, conn, out)
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.log.Warn("websocket disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.cfg.ReconnectWait):
		}
	}
}

func (f *WebsocketFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	streams := make([]string, 0, len(f.cfg.Symbols))
	for _, symbol := range f.cfg.Symbols {
		streams = append(streams, strings.ToLower(symbol)+"@trade")
	}
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(f.cfg.URL, "/"), strings.Join(streams, "/"))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	f.log.WithField("url", url).Info("websocket connected")
	return conn, nil
}

func (f *WebsocketFeed) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- model.IndicatorTick) {
	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				f.log.WithError(err).Warn("websocket read error")
			}
			return
		}

		var msg tradeMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.EventType != "trade" {
			continue
		}
		price, err := decimal.NewFromString(msg.Price)
		if err != nil || !price.IsPositive() {
			continue
		}

		tick := model.IndicatorTick{
			Symbol:    msg.Symbol,
			Indicator: model.PriceIndicator,
			Value:     price,
			Timestamp: time.UnixMilli(msg.TradeTime),
		}
		select {
		case out <- tick:
		case <-ctx.Done():
			return
		}
	}
}
