package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceIndicator is the reserved indicator name carrying the last trade
// price; the order manager and simulator mark positions against it.
const PriceIndicator = "price"

// IndicatorTick is one update from the indicator feed. Values are opaque
// numerics matched against strategy rule thresholds.
type IndicatorTick struct {
	Symbol    string          `json:"symbol"`
	Indicator string          `json:"indicator"`
	Value     decimal.Decimal `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}
