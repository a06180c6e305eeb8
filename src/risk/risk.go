package risk

import (
	"pumpengine/src/model"

	"github.com/shopspring/decimal"
)

// Pure leverage and liquidation arithmetic. Everything here is
// deterministic, side-effect free, and decimal based so liquidation
// prices do not drift between runs.

const (
	MinLeverage = 1
	MaxLeverage = 200
)

// NoLiquidationShort is the sentinel liquidation price for an unleveraged
// short: no adverse move can exhaust margin, so the price is unreachable.
// Unleveraged longs use zero as the equivalent sentinel.
var NoLiquidationShort = decimal.New(1, 18)

type Tier string

const (
	TierLow      Tier = "LOW"
	TierModerate Tier = "MODERATE"
	TierHigh     Tier = "HIGH"
	TierExtreme  Tier = "EXTREME"
)

var hundred = decimal.NewFromInt(100)

// ValidateLeverage enforces the integer [1, 200] caller contract.
func ValidateLeverage(leverage int) error {
	if leverage < MinLeverage || leverage > MaxLeverage {
		return &model.ValidationError{
			Field:  "leverage",
			Reason: "must be an integer between 1 and 200",
		}
	}
	return nil
}

// LiquidationPrice computes the price at which accumulated loss consumes
// all posted margin. At leverage x, a 1/x adverse move exhausts margin:
// LONG liquidates at entry*(1-1/x), SHORT at entry*(1+1/x). Leverage <= 1
// returns the no-liquidation sentinel for the direction.
func LiquidationPrice(entry decimal.Decimal, leverage int, direction model.Direction) (decimal.Decimal, error) {
	if err := ValidateLeverage(leverage); err != nil {
		return decimal.Zero, err
	}
	if entry.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, &model.ValidationError{Field: "entry", Reason: "must be positive"}
	}

	if leverage <= 1 {
		if direction == model.DirectionShort {
			return NoLiquidationShort, nil
		}
		return decimal.Zero, nil
	}

	inverse := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(leverage)))
	if direction == model.DirectionShort {
		return entry.Mul(decimal.NewFromInt(1).Add(inverse)), nil
	}
	return entry.Mul(decimal.NewFromInt(1).Sub(inverse)), nil
}

// LiquidationDistancePct is the signed percentage move remaining before
// liquidation, measured against the current price; positive means safe.
// At the entry price the distance equals the margin requirement,
// 100/leverage, for both directions.
func LiquidationDistancePct(current, liquidation decimal.Decimal, direction model.Direction) (decimal.Decimal, error) {
	if current.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, &model.ValidationError{Field: "current", Reason: "must be positive"}
	}
	if liquidation.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, &model.ValidationError{Field: "liquidation", Reason: "must be positive"}
	}

	if direction == model.DirectionShort {
		return liquidation.Sub(current).Div(current).Mul(hundred), nil
	}
	return current.Sub(liquidation).Div(current).Mul(hundred), nil
}

// MarginRequirementPct is the posted margin as a percentage of the
// position notional: 100/leverage.
func MarginRequirementPct(leverage int) (decimal.Decimal, error) {
	if err := ValidateLeverage(leverage); err != nil {
		return decimal.Zero, err
	}
	return hundred.Div(decimal.NewFromInt(int64(leverage))), nil
}

// RiskTier classifies leverage for pre-trade sanity checks.
func RiskTier(leverage int) Tier {
	switch {
	case leverage <= 1:
		return TierLow
	case leverage <= 2:
		return TierModerate
	case leverage <= 5:
		return TierHigh
	default:
		return TierExtreme
	}
}
