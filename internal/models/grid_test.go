package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRegime(t *testing.T) {
	r, err := ParseRegime(" bullish ")
	require.NoError(t, err)
	assert.Equal(t, RegimeBullish, r)

	_, err = ParseRegime("sideways")
	assert.ErrorIs(t, err, ErrInvalidRegime)
}

func TestModeForRegime(t *testing.T) {
	assert.Equal(t, ModeLongOnly, ModeForRegime(RegimeBullish))
	assert.Equal(t, ModeShortOnly, ModeForRegime(RegimeBearish))
	assert.Equal(t, ModeBidirectional, ModeForRegime(RegimeRange))
	assert.Equal(t, ModeDisabled, ModeForRegime(RegimeNone))
	assert.Equal(t, ModeDisabled, ModeForRegime(Regime("???")))
}

func TestErrorReason_Retryable(t *testing.T) {
	for _, r := range []ErrorReason{ReasonTimeout, ReasonConnection, ReasonRateLimited} {
		assert.True(t, r.Retryable(), r.String())
	}
	for _, r := range []ErrorReason{ReasonUnknown, ReasonInsufficientBalance, ReasonInvalidSymbol, ReasonFilterViolation, ReasonMarketClosed} {
		assert.False(t, r.Retryable(), r.String())
	}
}

func TestConfig_DefaultsAndValidate(t *testing.T) {
	cfg := Config{
		Strategies: []StrategyConfig{{
			Symbol: "BTCUSDT",
			Grid: GridConfig{
				VolatilityMultiplier:         0.75,
				LevelCount:                   5,
				MaxPositionFraction:          0.2,
				StopLossVolatilityMultiplier: 2,
				RecalculationThreshold:       0.5,
			},
		}},
		Risk: RiskLimits{
			MaxPositionFraction:       0.1,
			MaxTotalExposureFraction:  0.5,
			MaxDailyLossFraction:      0.02,
			MaxDrawdownFraction:       0.1,
			MaxPositions:              10,
			MaxLeverage:               3,
			MinFreeMarginFraction:     0.2,
			EmergencyStopLossFraction: 0.15,
		},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "paper", cfg.Mode)
	assert.Equal(t, "RANGE", cfg.Strategies[0].Regime)
	assert.Equal(t, 14, cfg.Strategies[0].ATRPeriod)
	assert.Equal(t, 3, cfg.Bridge.MaxRetries)

	cfg.Strategies[0].Regime = "weird"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg.Strategies[0].Regime = "RANGE"
	cfg.Strategies[0].Grid.LevelCount = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestPositionSide_PnL(t *testing.T) {
	assert.Equal(t, 20.0, Long.PnL(100, 110, 2))
	assert.Equal(t, -20.0, Short.PnL(100, 110, 2))
	assert.Equal(t, Sell, Long.ExitSide())
	assert.Equal(t, Buy, Short.ExitSide())
}
