package risk

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pumpengine/src/model"
)

// TestLiquidationPrice checks the reference prices from the engine contract.
func TestLiquidationPrice(t *testing.T) {
	entry := decimal.NewFromInt(50000)

	cases := []struct {
		name      string
		leverage  int
		direction model.Direction
		want      string
	}{
		{name: "short 3x", leverage: 3, direction: model.DirectionShort, want: "66666.67"},
		{name: "long 3x", leverage: 3, direction: model.DirectionLong, want: "33333.33"},
		{name: "long 2x", leverage: 2, direction: model.DirectionLong, want: "25000.00"},
		{name: "short 2x", leverage: 2, direction: model.DirectionShort, want: "75000.00"},
		{name: "long 10x", leverage: 10, direction: model.DirectionLong, want: "45000.00"},
	}

	tolerance := decimal.NewFromFloat(0.01)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := LiquidationPrice(entry, tc.leverage, tc.direction)
			require.NoError(t, err)

			want := decimal.RequireFromString(tc.want)
			diff := got.Sub(want).Abs()
			assert.True(t, diff.LessThanOrEqual(tolerance),
				"liquidation price %s not within 0.01 of %s", got, want)
		})
	}
}

// TestLiquidationPriceSentinels verifies the no-liquidation sentinels at 1x.
func TestLiquidationPriceSentinels(t *testing.T) {
	entry := decimal.NewFromInt(12345)

	long, err := LiquidationPrice(entry, 1, model.DirectionLong)
	require.NoError(t, err)
	assert.True(t, long.IsZero(), "1x long must have no reachable liquidation price")

	short, err := LiquidationPrice(entry, 1, model.DirectionShort)
	require.NoError(t, err)
	assert.True(t, short.Equal(NoLiquidationShort), "1x short must return the unreachable sentinel")
}

// TestLiquidationPriceRejectsBadInput enforces the fail-fast caller contract.
func TestLiquidationPriceRejectsBadInput(t *testing.T) {
	entry := decimal.NewFromInt(50000)

	cases := []struct {
		name     string
		entry    decimal.Decimal
		leverage int
	}{
		{name: "zero leverage", entry: entry, leverage: 0},
		{name: "negative leverage", entry: entry, leverage: -5},
		{name: "leverage above cap", entry: entry, leverage: 201},
		{name: "zero entry", entry: decimal.Zero, leverage: 5},
		{name: "negative entry", entry: decimal.NewFromInt(-1), leverage: 5},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LiquidationPrice(tc.entry, tc.leverage, model.DirectionLong)
			require.Error(t, err)

			var validation *model.ValidationError
			assert.ErrorAs(t, err, &validation)
		})
	}
}

// TestLiquidationDistanceAtEntry asserts the at-entry distance equals the
// margin requirement 100/leverage for every leverage and both directions.
func TestLiquidationDistanceAtEntry(t *testing.T) {
	entry := decimal.NewFromInt(50000)
	tolerance := decimal.NewFromFloat(1e-9)

	for _, direction := range []model.Direction{model.DirectionLong, model.DirectionShort} {
		for leverage := 2; leverage <= MaxLeverage; leverage++ {
			t.Run(fmt.Sprintf("%s_%dx", direction, leverage), func(t *testing.T) {
				liq, err := LiquidationPrice(entry, leverage, direction)
				require.NoError(t, err)

				dist, err := LiquidationDistancePct(entry, liq, direction)
				require.NoError(t, err)

				want, err := MarginRequirementPct(leverage)
				require.NoError(t, err)

				diff := dist.Sub(want).Abs()
				assert.True(t, diff.LessThanOrEqual(tolerance),
					"distance %s != margin requirement %s", dist, want)
			})
		}
	}
}

// TestLiquidationDistanceSign checks that a price moving toward liquidation
// shrinks the distance and crossing it flips the sign.
func TestLiquidationDistanceSign(t *testing.T) {
	entry := decimal.NewFromInt(50000)

	liq, err := LiquidationPrice(entry, 4, model.DirectionLong)
	require.NoError(t, err)

	safe, err := LiquidationDistancePct(decimal.NewFromInt(48000), liq, model.DirectionLong)
	require.NoError(t, err)
	assert.True(t, safe.IsPositive())

	breached, err := LiquidationDistancePct(decimal.NewFromInt(37000), liq, model.DirectionLong)
	require.NoError(t, err)
	assert.True(t, breached.IsNegative())
}

// TestMarginRequirementPct spot-checks margin percentages.
func TestMarginRequirementPct(t *testing.T) {
	cases := []struct {
		leverage int
		want     string
	}{
		{leverage: 1, want: "100"},
		{leverage: 2, want: "50"},
		{leverage: 4, want: "25"},
		{leverage: 100, want: "1"},
	}

	for _, tc := range cases {
		got, err := MarginRequirementPct(tc.leverage)
		require.NoError(t, err)
		assert.True(t, got.Equal(decimal.RequireFromString(tc.want)),
			"margin requirement for %dx: got %s want %s", tc.leverage, got, tc.want)
	}

	_, err := MarginRequirementPct(0)
	require.Error(t, err)
}

// TestRiskTier covers the tier boundaries.
func TestRiskTier(t *testing.T) {
	assert.Equal(t, TierLow, RiskTier(1))
	assert.Equal(t, TierModerate, RiskTier(2))
	assert.Equal(t, TierHigh, RiskTier(3))
	assert.Equal(t, TierHigh, RiskTier(5))
	assert.Equal(t, TierExtreme, RiskTier(6))
	assert.Equal(t, TierExtreme, RiskTier(200))
}
