package connectors

// Test index:
//  1. TestIsRetryableResp verifies retry decisions for response codes and errors.
//  2. TestSignRequest validates HMAC signature generation inputs and output.
//  3. TestMapOrderType checks the abstract order-type to (side, posSide) mapping.
//  4. TestSetLeverageCaching ensures the leverage call is cached per symbol.
//  5. TestReconnectedInvalidatesCache confirms reconnect drops the cache.
//  6. TestPlaceOrder walks a market order submission and fill decode.
//  7. TestPlaceOrderValidation rejects bad intents before any HTTP call.
//  8. TestGetPositions checks decoding and filtering of the position list.
//  9. TestAuthFailureIsFatal classifies 401 responses as auth errors.
// 10. TestValidationFailureNotRetryable classifies 4xx as validation errors.
// 11. TestGetFundingRate decodes the funding rate payload.
// 12. TestGetOrder resolves an order by exchange id.
// 13. TestWasLiquidated inspects trade history for forced closures.

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"pumpengine/src/model"
)

func newTestClient(baseURL string) *LiveClient {
	restyClient := resty.New()
	restyClient.SetBaseURL(baseURL)

	return &LiveClient{
		apiKey:    "test-key",
		apiSecret: "test-secret",
		baseURL:   baseURL,
		http:      restyClient,
		leverage:  newLeverageCache(time.Minute, 8),
	}
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func okEnvelope(t *testing.T, data interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(APIResponse{Code: 0, Data: mustJSON(t, data)})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

func fakeResponse(code int) *resty.Response {
	return &resty.Response{RawResponse: &http.Response{StatusCode: code}}
}

type assertError struct{}

func (assertError) Error() string { return "assert error" }

// TestIsRetryableResp verifies retry decisions for assorted errors and HTTP responses.
func TestIsRetryableResp(t *testing.T) {
	cases := []struct {
		name string
		resp *resty.Response
		err  error
		want bool
	}{
		{name: "error present", err: assertError{}, want: true},
		{name: "server error", resp: fakeResponse(500), want: true},
		{name: "too many requests", resp: fakeResponse(429), want: true},
		{name: "timeout", resp: fakeResponse(408), want: true},
		{name: "ok response", resp: fakeResponse(200), want: false},
		{name: "bad request", resp: fakeResponse(400), want: false},
		{name: "nil resp", want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := isRetryableResp(tc.resp, tc.err)
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

// TestSignRequest ensures HMAC signing matches the expected digest.
func TestSignRequest(t *testing.T) {
	expiry := int64(1700000000)
	expectedMac := hmac.New(sha256.New, []byte("secret"))
	expectedMac.Write([]byte("/testpath" + "query" + "1700000000" + "body"))
	expected := hex.EncodeToString(expectedMac.Sum(nil))

	got := signRequest("/testpath", "query", "body", expiry, "secret")
	if got != expected {
		t.Fatalf("expected signature %s, got %s", expected, got)
	}
}

// TestMapOrderType checks all four abstract order types and the rejection path.
func TestMapOrderType(t *testing.T) {
	cases := []struct {
		orderType   string
		side        string
		posSide     string
		expectError bool
	}{
		{orderType: model.OrderTypeBuy, side: "BUY", posSide: "LONG"},
		{orderType: model.OrderTypeSell, side: "SELL", posSide: "LONG"},
		{orderType: model.OrderTypeShort, side: "SELL", posSide: "SHORT"},
		{orderType: model.OrderTypeCover, side: "BUY", posSide: "SHORT"},
		{orderType: "HOLD", expectError: true},
	}

	for _, tc := range cases {
		t.Run(tc.orderType, func(t *testing.T) {
			side, posSide, err := MapOrderType(tc.orderType)
			if tc.expectError {
				if err == nil {
					t.Fatal("expected an error for unknown order type")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if side != tc.side || posSide != tc.posSide {
				t.Fatalf("expected (%s,%s), got (%s,%s)", tc.side, tc.posSide, side, posSide)
			}
		})
	}
}

// TestSetLeverageCaching ensures repeated identical calls hit the exchange once.
func TestSetLeverageCaching(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write(okEnvelope(t, map[string]string{}))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := client.SetLeverage(ctx, "BTCUSDT", 5); err != nil {
			t.Fatalf("SetLeverage: %v", err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 exchange call, got %d", got)
	}

	// A different leverage value must bypass the cache.
	if err := client.SetLeverage(ctx, "BTCUSDT", 10); err != nil {
		t.Fatalf("SetLeverage: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 exchange calls, got %d", got)
	}
}

// TestReconnectedInvalidatesCache confirms the next SetLeverage after a
// reconnect goes back to the exchange.
func TestReconnectedInvalidatesCache(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write(okEnvelope(t, map[string]string{}))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	ctx := context.Background()

	if err := client.SetLeverage(ctx, "ETHUSDT", 3); err != nil {
		t.Fatalf("SetLeverage: %v", err)
	}
	client.Reconnected()
	if err := client.SetLeverage(ctx, "ETHUSDT", 3); err != nil {
		t.Fatalf("SetLeverage: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected cache invalidation to force 2 calls, got %d", got)
	}
}

// TestPlaceOrder walks the happy path for a market order.
func TestPlaceOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/g-orders" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}

		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["side"] != "SELL" || body["posSide"] != "SHORT" {
			t.Fatalf("SHORT must map to (SELL,SHORT), got (%v,%v)", body["side"], body["posSide"])
		}
		if body["reduceOnly"] != false {
			t.Fatalf("expected reduceOnly=false, got %v", body["reduceOnly"])
		}

		_, _ = w.Write(okEnvelope(t, restOrder{
			OrderID:  "ex-123",
			Status:   "Filled",
			CumQty:   "0.5",
			AvgPrice: "50100.25",
			CumFee:   "1.25",
		}))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	result, err := client.PlaceOrder(context.Background(), OrderIntent{
		ClientOrderID: "co-1",
		Symbol:        "BTCUSDT",
		OrderType:     model.OrderTypeShort,
		Quantity:      decimal.NewFromFloat(0.5),
		Leverage:      5,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if result.ExchangeOrderID != "ex-123" {
		t.Fatalf("unexpected exchange order id %s", result.ExchangeOrderID)
	}
	if result.Status != model.OrderStatusFilled {
		t.Fatalf("unexpected status %s", result.Status)
	}
	if !result.FillPrice.Equal(decimal.RequireFromString("50100.25")) {
		t.Fatalf("unexpected fill price %s", result.FillPrice)
	}
}

// TestPlaceOrderValidation rejects bad intents before any HTTP call.
func TestPlaceOrderValidation(t *testing.T) {
	client := newTestClient("http://127.0.0.1:0")

	_, err := client.PlaceOrder(context.Background(), OrderIntent{
		Symbol:    "BTCUSDT",
		OrderType: "HOLD",
		Quantity:  decimal.NewFromInt(1),
	})
	var validation *model.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, err = client.PlaceOrder(context.Background(), OrderIntent{
		Symbol:    "BTCUSDT",
		OrderType: model.OrderTypeBuy,
		Quantity:  decimal.Zero,
	})
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error for zero quantity, got %v", err)
	}
}

// TestGetPositions checks decoding, zero-size skipping and symbol filtering.
func TestGetPositions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := json.RawMessage(`{"positions":[
			{"symbol":"BTCUSDT","posSide":"SHORT","sizeRq":"0.4","avgEntryPriceRp":"50000","markPriceRp":"49000","leverageRr":3},
			{"symbol":"ETHUSDT","posSide":"LONG","sizeRq":"0"}
		]}`)
		_, _ = w.Write(okEnvelope(t, payload))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	positions, err := client.GetPositions(context.Background(), PositionFilter{Symbols: []string{"BTCUSDT"}})
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}

	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	p := positions[0]
	if p.Symbol != "BTCUSDT" || p.Direction != model.DirectionShort {
		t.Fatalf("unexpected position %+v", p)
	}
	if !p.Quantity.Equal(decimal.RequireFromString("0.4")) {
		t.Fatalf("unexpected quantity %s", p.Quantity)
	}
	if p.Leverage != 3 {
		t.Fatalf("unexpected leverage %d", p.Leverage)
	}
}

// TestAuthFailureIsFatal classifies 401 responses as auth errors.
func TestAuthFailureIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.GetPositions(context.Background(), PositionFilter{})

	var auth *model.AuthError
	if !errors.As(err, &auth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if !model.IsFatal(err) {
		t.Fatal("auth errors must be fatal for the session")
	}
}

// TestValidationFailureNotRetryable classifies plain 4xx as validation errors.
func TestValidationFailureNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":11001,"msg":"insufficient margin"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	err := client.SetLeverage(context.Background(), "BTCUSDT", 5)

	var validation *model.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if model.IsRetryable(err) {
		t.Fatal("validation errors must not be retryable")
	}
}

// TestGetFundingRate decodes the funding rate payload.
func TestGetFundingRate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(okEnvelope(t, restFunding{Symbol: "BTCUSDT", FundingRate: "0.0001"}))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	rate, err := client.GetFundingRate(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetFundingRate: %v", err)
	}
	if !rate.Equal(decimal.RequireFromString("0.0001")) {
		t.Fatalf("unexpected rate %s", rate)
	}
}

// TestGetOrder resolves an order by its exchange id.
func TestGetOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("orderID") != "ex-9" {
			t.Fatalf("expected orderID query, got %s", r.URL.RawQuery)
		}
		_, _ = w.Write(okEnvelope(t, restOrder{OrderID: "ex-9", Status: "PartiallyFilled", CumQty: "0.2"}))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	result, err := client.GetOrder(context.Background(), "BTCUSDT", "ex-9")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if result.Status != model.OrderStatusPartiallyFilled {
		t.Fatalf("unexpected status %s", result.Status)
	}
}

// TestWasLiquidated inspects trade history for forced closures.
func TestWasLiquidated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trades := []map[string]string{
			{"symbol": "BTCUSDT", "posSide": "LONG", "execType": "Trade"},
			{"symbol": "BTCUSDT", "posSide": "SHORT", "execType": "Liquidation"},
		}
		_, _ = w.Write(okEnvelope(t, trades))
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	liquidated, err := client.WasLiquidated(context.Background(), "BTCUSDT", model.DirectionShort)
	if err != nil {
		t.Fatalf("WasLiquidated: %v", err)
	}
	if !liquidated {
		t.Fatal("expected short liquidation to be reported")
	}

	liquidated, err = client.WasLiquidated(context.Background(), "BTCUSDT", model.DirectionLong)
	if err != nil {
		t.Fatalf("WasLiquidated: %v", err)
	}
	if liquidated {
		t.Fatal("long side must not be reported liquidated")
	}
}
