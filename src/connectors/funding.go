package connectors

import (
	"github.com/shopspring/decimal"

	"pumpengine/src/model"
)

// CalculateFundingCost returns the carrying cost a position pays for the
// given number of elapsed funding intervals:
//
//	cost = notional * rate * intervals
//
// A positive result means the position pays. The sign flips with
// direction: a short pays when the funding rate is positive, a long
// receives it.
func CalculateFundingCost(notional, rate decimal.Decimal, intervals int64, direction model.Direction) decimal.Decimal {
	if intervals <= 0 || notional.IsZero() || rate.IsZero() {
		return decimal.Zero
	}

	cost := notional.Mul(rate).Mul(decimal.NewFromInt(intervals))
	if direction == model.DirectionLong {
		return cost.Neg()
	}
	return cost
}
