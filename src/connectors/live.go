// REST API CLIENT FOR USDT-M PERPETUAL FUTURES
// RESTY ONLY + INTERNAL RETRY
package connectors

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"pumpengine/src/model"
)

const (
	defaultRetryAttempts   = 5
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxBackoff = 8 * time.Second
	defaultRequestTimeout  = 15 * time.Second
)

// APIResponse is the envelope every exchange endpoint wraps its payload in.
type APIResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type restOrder struct {
	OrderID     string `json:"orderID"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	PosSide     string `json:"posSide"`
	Status      string `json:"ordStatus"`
	OrderQty    string `json:"orderQtyRq"`
	CumQty      string `json:"cumQtyRq"`
	AvgPrice    string `json:"avgPriceRp"`
	CumFee      string `json:"cumFeeRv"`
	ReduceOnly  bool   `json:"reduceOnly"`
	ClOrdID     string `json:"clOrdID"`
	TimeInForce string `json:"timeInForce"`
}

type restPositions struct {
	Positions []struct {
		Symbol          string `json:"symbol"`
		PosSide         string `json:"posSide"`
		SizeRq          string `json:"sizeRq"`
		AvgEntryPriceRp string `json:"avgEntryPriceRp"`
		MarkPriceRp     string `json:"markPriceRp"`
		Leverage        int    `json:"leverageRr"`
		LiquidatedQty   string `json:"liquidatedQtyRq"`
	} `json:"positions"`
}

type restFunding struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRateRr"`
}

// LiveClient is a signed REST client for the real exchange. Transient
// failures (network, 5xx, 429, 408) are retried with bounded backoff
// inside the client; callers never retry.
type LiveClient struct {
	apiKey    string
	apiSecret string
	baseURL   string
	http      *resty.Client
	leverage  *leverageCache
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}

	code := r.StatusCode()
	if code >= 500 && code <= 599 {
		return true
	}
	if code == 429 {
		return true
	}
	if code == 408 {
		return true
	}
	return false
}

func NewLiveClient(apiKey, apiSecret, baseURL string) *LiveClient {
	retryCount := defaultRetryAttempts - 1

	if baseURL == "" {
		baseURL = "https://testnet-api.phemex.com"
		logger.Warnf("No base URL provided, using default: %s", baseURL)
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(defaultRequestTimeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)

	return &LiveClient{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		http:      httpClient,
		leverage:  newLeverageCache(30*time.Minute, 256),
	}
}

func (c *LiveClient) Name() string { return "live" }

// Reconnected invalidates per-symbol caches after the transport came back
// from a broken connection; the next opening order re-pushes leverage.
func (c *LiveClient) Reconnected() {
	logger.Info("live client reconnected, invalidating leverage cache")
	c.leverage.Invalidate()
}

func signRequest(path, query, body string, expiry int64, secret string) string {
	base := path
	if query != "" {
		base += query
	}
	base += fmt.Sprintf("%d", expiry)
	if body != "" {
		base += body
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *LiveClient) doRequest(ctx context.Context, op, method, path, query string, body []byte) (*APIResponse, error) {
	expiry := time.Now().Add(1 * time.Minute).Unix()

	sig := signRequest(path, query, string(body), expiry, c.apiSecret)

	req := c.http.R().
		SetContext(ctx).
		SetHeader("x-access-token", c.apiKey).
		SetHeader("x-request-expiry", fmt.Sprintf("%d", expiry)).
		SetHeader("x-request-signature", sig)

	if query != "" {
		req = req.SetQueryString(query)
	}
	if body != nil {
		req = req.SetBody(body).SetHeader("Content-Type", "application/json")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, &model.TransientExchangeError{Op: op, Err: err}
	}

	raw := resp.Body()
	status := resp.StatusCode()

	switch {
	case status == 200:
		// fall through to decode
	case status == 401 || status == 403:
		return nil, &model.AuthError{Op: op, Err: fmt.Errorf("HTTP %d: %s", status, string(raw))}
	case status >= 500 || status == 429 || status == 408:
		// retries already exhausted inside resty at this point
		return nil, &model.TransientExchangeError{Op: op, StatusCode: status, Err: fmt.Errorf("%s", string(raw))}
	default:
		return nil, &model.ValidationError{Field: op, Reason: fmt.Sprintf("HTTP %d: %s", status, string(raw))}
	}

	var apiResp APIResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, fmt.Errorf("%s: decoding response: %w", op, err)
	}
	if apiResp.Code != 0 {
		return nil, &model.ValidationError{Field: op, Reason: fmt.Sprintf("API error %d: %s", apiResp.Code, apiResp.Msg)}
	}

	return &apiResp, nil
}

// SetLeverage pushes the leverage for a symbol, skipping the call when the
// cache already holds the same confirmed value.
func (c *LiveClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if cached, ok := c.leverage.Get(symbol); ok && cached == leverage {
		logger.WithFields(logger.Fields{
			"symbol":   symbol,
			"leverage": leverage,
		}).Debug("leverage already set, skipping call")
		return nil
	}

	query := fmt.Sprintf("symbol=%s&leverageRr=%d", symbol, leverage)
	if _, err := c.doRequest(ctx, "SetLeverage", "PUT", "/g-positions/leverage", query, nil); err != nil {
		return err
	}

	c.leverage.Put(symbol, leverage)
	return nil
}

// PlaceOrder submits a signed order. The abstract order type is mapped to
// the exchange-native (side, posSide) pair.
func (c *LiveClient) PlaceOrder(ctx context.Context, intent OrderIntent) (*OrderResult, error) {
	side, posSide, err := MapOrderType(intent.OrderType)
	if err != nil {
		return nil, err
	}
	if intent.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, &model.ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	ordType := "Market"
	body := map[string]interface{}{
		"symbol":      intent.Symbol,
		"side":        side,
		"posSide":     posSide,
		"ordType":     ordType,
		"orderQtyRq":  intent.Quantity.String(),
		"reduceOnly":  intent.ReduceOnly,
		"clOrdID":     intent.ClientOrderID,
		"timeInForce": "ImmediateOrCancel",
	}
	if intent.Price != nil {
		body["ordType"] = "Limit"
		body["priceRp"] = intent.Price.String()
	}

	b, _ := json.Marshal(body)

	resp, err := c.doRequest(ctx, "PlaceOrder", "POST", "/g-orders", "", b)
	if err != nil {
		return nil, err
	}

	var parsed restOrder
	if err := json.Unmarshal(resp.Data, &parsed); err != nil {
		return nil, fmt.Errorf("PlaceOrder: decoding order: %w", err)
	}

	return restOrderToResult(&parsed)
}

// CancelOrder cancels a resting order by exchange order id.
func (c *LiveClient) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	query := fmt.Sprintf("symbol=%s&orderID=%s", symbol, exchangeOrderID)
	_, err := c.doRequest(ctx, "CancelOrder", "DELETE", "/g-orders/cancel", query, nil)
	return err
}

// GetOrder fetches the authoritative state of a single order; the
// synchronizer uses it to resolve unknown-outcome submissions.
func (c *LiveClient) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (*OrderResult, error) {
	query := fmt.Sprintf("symbol=%s&orderID=%s", symbol, exchangeOrderID)
	resp, err := c.doRequest(ctx, "GetOrder", "GET", "/api-data/g-futures/orders/by-order-id", query, nil)
	if err != nil {
		return nil, err
	}

	var parsed restOrder
	if err := json.Unmarshal(resp.Data, &parsed); err != nil {
		return nil, fmt.Errorf("GetOrder: decoding order: %w", err)
	}
	if parsed.OrderID == "" {
		return nil, model.ErrOrderNotFound
	}

	return restOrderToResult(&parsed)
}

// GetPositions queries the exchange's authoritative position list.
func (c *LiveClient) GetPositions(ctx context.Context, filter PositionFilter) ([]PositionSnapshot, error) {
	resp, err := c.doRequest(ctx, "GetPositions", "GET", "/g-accounts/positions", "currency=USDT", nil)
	if err != nil {
		return nil, err
	}

	var parsed restPositions
	if err := json.Unmarshal(resp.Data, &parsed); err != nil {
		return nil, fmt.Errorf("GetPositions: decoding positions: %w", err)
	}

	snapshots := make([]PositionSnapshot, 0, len(parsed.Positions))
	for _, p := range parsed.Positions {
		if !filter.matches(p.Symbol) {
			continue
		}

		qty, err := decimal.NewFromString(p.SizeRq)
		if err != nil || qty.IsZero() {
			continue
		}

		direction := model.DirectionLong
		if p.PosSide == "SHORT" || p.PosSide == "Short" {
			direction = model.DirectionShort
		}

		entry, _ := decimal.NewFromString(p.AvgEntryPriceRp)
		mark, _ := decimal.NewFromString(p.MarkPriceRp)

		snapshots = append(snapshots, PositionSnapshot{
			Symbol:     p.Symbol,
			Direction:  direction,
			Quantity:   qty,
			EntryPrice: entry,
			MarkPrice:  mark,
			Leverage:   p.Leverage,
		})
	}

	return snapshots, nil
}

// GetFundingRate returns the current funding rate for a symbol.
func (c *LiveClient) GetFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	query := "symbol=" + symbol
	resp, err := c.doRequest(ctx, "GetFundingRate", "GET", "/md/v3/funding-rate", query, nil)
	if err != nil {
		return decimal.Zero, err
	}

	var parsed restFunding
	if err := json.Unmarshal(resp.Data, &parsed); err != nil {
		return decimal.Zero, fmt.Errorf("GetFundingRate: decoding rate: %w", err)
	}

	rate, err := decimal.NewFromString(parsed.FundingRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("GetFundingRate: bad rate %q: %w", parsed.FundingRate, err)
	}
	return rate, nil
}

// WasLiquidated checks recent trade history for a forced closure on the
// symbol/side pair.
func (c *LiveClient) WasLiquidated(ctx context.Context, symbol string, direction model.Direction) (bool, error) {
	query := fmt.Sprintf("symbol=%s&limit=20", symbol)
	resp, err := c.doRequest(ctx, "WasLiquidated", "GET", "/api-data/g-futures/trades", query, nil)
	if err != nil {
		return false, err
	}

	var trades []struct {
		Symbol   string `json:"symbol"`
		PosSide  string `json:"posSide"`
		ExecType string `json:"execType"`
	}
	if err := json.Unmarshal(resp.Data, &trades); err != nil {
		return false, fmt.Errorf("WasLiquidated: decoding trades: %w", err)
	}

	posSide := "LONG"
	if direction == model.DirectionShort {
		posSide = "SHORT"
	}
	for _, t := range trades {
		if t.Symbol == symbol && t.PosSide == posSide && t.ExecType == "Liquidation" {
			return true, nil
		}
	}
	return false, nil
}

func restOrderToResult(o *restOrder) (*OrderResult, error) {
	status, err := mapOrderStatus(o.Status)
	if err != nil {
		return nil, err
	}

	result := &OrderResult{
		ExchangeOrderID: o.OrderID,
		Status:          status,
	}

	if o.CumQty != "" {
		filled, err := decimal.NewFromString(o.CumQty)
		if err != nil {
			return nil, fmt.Errorf("bad cumulative quantity %q: %w", o.CumQty, err)
		}
		result.FilledQuantity = filled
	}
	if o.AvgPrice != "" {
		price, err := decimal.NewFromString(o.AvgPrice)
		if err != nil {
			return nil, fmt.Errorf("bad average price %q: %w", o.AvgPrice, err)
		}
		result.FillPrice = price
	}
	if o.CumFee != "" {
		fee, err := decimal.NewFromString(o.CumFee)
		if err != nil {
			return nil, fmt.Errorf("bad cumulative fee %q: %w", o.CumFee, err)
		}
		result.Fee = fee
	}

	return result, nil
}

func mapOrderStatus(exchangeStatus string) (string, error) {
	switch exchangeStatus {
	case "Created", "Init", "Untriggered":
		return model.OrderStatusPending, nil
	case "New":
		return model.OrderStatusSubmitted, nil
	case "PartiallyFilled":
		return model.OrderStatusPartiallyFilled, nil
	case "Filled":
		return model.OrderStatusFilled, nil
	case "Canceled", "Deactivated":
		return model.OrderStatusCancelled, nil
	case "Rejected":
		return model.OrderStatusRejected, nil
	default:
		return "", fmt.Errorf("unknown exchange order status %q", exchangeStatus)
	}
}
