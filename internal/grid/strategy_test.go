package grid

import (
	"testing"
	"time"

	"volatility-grid-bot-go/internal/events"
	"volatility-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() models.GridConfig {
	return models.GridConfig{
		VolatilityMultiplier:         0.75,
		LevelCount:                   5,
		MaxPositionFraction:          0.5,
		StopLossVolatilityMultiplier: 2,
		RecalculationThreshold:       0.5,
	}
}

func newTestStrategy(t *testing.T, regime models.Regime) (*Strategy, *events.Queue) {
	t.Helper()
	q := events.NewQueue(64)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := NewStrategy("s1", "BTCUSDT", testConfig(), regime, q, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	return s, q
}

func eventTypes(evts []events.Event) []events.Type {
	out := make([]events.Type, len(evts))
	for i, e := range evts {
		out[i] = e.Type
	}
	return out
}

func TestCalculateLevels_BidirectionalSymmetry(t *testing.T) {
	s, _ := newTestStrategy(t, models.RegimeRange)

	buys, sells, err := s.CalculateLevels(50000, 1000)
	require.NoError(t, err)
	require.Len(t, buys, 5)
	require.Len(t, sells, 5)

	assert.InDelta(t, 49250.0, buys[0].Price, 1e-9)
	assert.InDelta(t, 50750.0, sells[0].Price, 1e-9)

	for i := 0; i < 5; i++ {
		assert.Equal(t, i+1, buys[i].Index)
		assert.Equal(t, i+1, sells[i].Index)
		assert.True(t, buys[i].Active)
		assert.Equal(t, models.Buy, buys[i].Side)
		assert.Equal(t, models.Sell, sells[i].Side)
		assert.Less(t, buys[i].Price, 50000.0)
		assert.Greater(t, sells[i].Price, 50000.0)
		if i > 0 {
			assert.InDelta(t, 750.0, buys[i-1].Price-buys[i].Price, 1e-9)
			assert.InDelta(t, 750.0, sells[i].Price-sells[i-1].Price, 1e-9)
		}
	}
}

func TestCalculateLevels_RejectsNonPositiveInput(t *testing.T) {
	s, _ := newTestStrategy(t, models.RegimeRange)

	_, _, err := s.CalculateLevels(0, 1000)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, _, err = s.CalculateLevels(50000, -1)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCalculateLevels_ModeGating(t *testing.T) {
	long, _ := newTestStrategy(t, models.RegimeBullish)
	buys, sells, err := long.CalculateLevels(100, 2)
	require.NoError(t, err)
	assert.Len(t, buys, 5)
	assert.Empty(t, sells)

	short, _ := newTestStrategy(t, models.RegimeBearish)
	buys, sells, err = short.CalculateLevels(100, 2)
	require.NoError(t, err)
	assert.Empty(t, buys)
	assert.Len(t, sells, 5)
}

func TestUpdate_DisabledModeSuspends(t *testing.T) {
	s, q := newTestStrategy(t, models.RegimeNone)

	require.NoError(t, s.Update(50000, 1000))
	assert.Equal(t, StateSuspended, s.State())
	require.NoError(t, s.Update(60000, 1000))
	assert.Equal(t, StateSuspended, s.State())
	assert.Empty(t, q.Drain(), "a suspended grid emits no updates")

	_, ok := s.CheckBuySignal(1)
	assert.False(t, ok)
}

func TestUpdate_RecalculatesOnlyBeyondThreshold(t *testing.T) {
	s, q := newTestStrategy(t, models.RegimeRange)

	require.NoError(t, s.Update(50000, 1000))
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, 50000.0, s.ReferencePrice())
	assert.Equal(t, []events.Type{events.GridUpdated}, eventTypes(q.Drain()))

	// threshold = 1000 * 0.5 = 500
	require.NoError(t, s.Update(50400, 1000))
	assert.Equal(t, 50000.0, s.ReferencePrice())
	assert.Empty(t, q.Drain())

	require.NoError(t, s.Update(50600, 1200))
	assert.Equal(t, 50600.0, s.ReferencePrice())
	assert.Equal(t, 1200.0, s.LastVolatility())
	assert.Len(t, q.Drain(), 1)
}

func TestUpdate_RejectsInvalidInput(t *testing.T) {
	s, _ := newTestStrategy(t, models.RegimeRange)
	assert.ErrorIs(t, s.Update(-1, 10), ErrInvalidInput)
	assert.ErrorIs(t, s.Update(100, 0), ErrInvalidInput)
	assert.Equal(t, StateInactive, s.State())
}

func TestSignals_FirstMatchInStoredOrder(t *testing.T) {
	s, _ := newTestStrategy(t, models.RegimeRange)
	require.NoError(t, s.Update(50000, 1000))

	lvl, ok := s.CheckBuySignal(49200)
	require.True(t, ok)
	assert.Equal(t, 1, lvl.Index)
	assert.InDelta(t, 49250.0, lvl.Price, 1e-9)

	// 47000 crosses levels 1..3; the scan still returns the first stored level
	lvl, ok = s.CheckBuySignal(47000)
	require.True(t, ok)
	assert.Equal(t, 1, lvl.Index)

	_, ok = s.CheckBuySignal(49300)
	assert.False(t, ok)

	lvl, ok = s.CheckSellSignal(50800)
	require.True(t, ok)
	assert.Equal(t, 1, lvl.Index)
	_, ok = s.CheckSellSignal(50700)
	assert.False(t, ok)
}

func TestSignals_NotEvaluatedBeforeActive(t *testing.T) {
	s, _ := newTestStrategy(t, models.RegimeRange)
	_, ok := s.CheckBuySignal(1)
	assert.False(t, ok)
	_, ok = s.CheckSellSignal(1e9)
	assert.False(t, ok)
}

func TestLevelReuse_InactiveExactlyWhileOpen(t *testing.T) {
	s, q := newTestStrategy(t, models.RegimeRange)
	require.NoError(t, s.Update(50000, 1000))
	q.Drain()

	for round := 0; round < 3; round++ {
		lvl, ok := s.CheckBuySignal(49200)
		require.True(t, ok)
		require.Equal(t, 1, lvl.Index)

		pos, err := s.RecordPositionOpened(lvl, 0.05, 49200, 0.01)
		require.NoError(t, err)
		assert.False(t, s.BuyLevels()[0].Active)

		// the same level cannot fire again while the position is open
		next, ok := s.CheckBuySignal(49200)
		assert.False(t, ok, "got %+v", next)
		_, err = s.RecordPositionOpened(lvl, 0.05, 49200, 0.01)
		assert.ErrorIs(t, err, ErrLevelInactive)

		_, err = s.RecordPositionClosed(pos.ID, 49300, 1)
		require.NoError(t, err)
		assert.True(t, s.BuyLevels()[0].Active)
	}

	assert.Equal(t, []events.Type{
		events.GridPositionOpened, events.GridPositionClosed,
		events.GridPositionOpened, events.GridPositionClosed,
		events.GridPositionOpened, events.GridPositionClosed,
	}, eventTypes(q.Drain()))
	assert.Equal(t, 0, s.PositionCount())
	assert.Equal(t, 0.0, s.TotalPositionFraction())
	assert.InDelta(t, 3.0, s.TotalPnL(), 1e-9)
}

func TestRecalculation_KeepsHeldLevelsInactive(t *testing.T) {
	s, _ := newTestStrategy(t, models.RegimeRange)
	require.NoError(t, s.Update(50000, 1000))

	lvl, ok := s.CheckBuySignal(49200)
	require.True(t, ok)
	pos, err := s.RecordPositionOpened(lvl, 0.05, 49200, 0.01)
	require.NoError(t, err)

	require.NoError(t, s.Update(48000, 1000))
	require.Equal(t, 48000.0, s.ReferencePrice())
	buys := s.BuyLevels()
	assert.False(t, buys[0].Active, "index 1 still carries an open position")
	assert.True(t, buys[1].Active)

	_, err = s.RecordPositionClosed(pos.ID, 48500, -7)
	require.NoError(t, err)
	assert.True(t, s.BuyLevels()[0].Active)
	assert.Equal(t, 1, s.ConsecutiveLosses())
}

func TestSetRegime_ForcesRecalculation(t *testing.T) {
	s, _ := newTestStrategy(t, models.RegimeRange)
	require.NoError(t, s.Update(50000, 1000))

	s.SetRegime(models.RegimeBullish)
	assert.Equal(t, models.ModeLongOnly, s.Mode())
	require.NoError(t, s.Update(50010, 1000))
	assert.Empty(t, s.SellLevels())
	assert.Len(t, s.BuyLevels(), 5)
	assert.Equal(t, 50010.0, s.ReferencePrice())

	s.SetRegime(models.RegimeNone)
	require.NoError(t, s.Update(50010, 1000))
	assert.Equal(t, StateSuspended, s.State())

	s.SetRegime(models.RegimeBearish)
	require.NoError(t, s.Update(50010, 1000))
	assert.Equal(t, StateActive, s.State())
	assert.Empty(t, s.BuyLevels())
}

func TestCheckStopLoss(t *testing.T) {
	s, _ := newTestStrategy(t, models.RegimeRange)
	assert.False(t, s.CheckStopLoss(1, 100, models.Long), "no volatility yet")

	require.NoError(t, s.Update(100, 2)) // distance = 4
	assert.True(t, s.CheckStopLoss(96, 100, models.Long))
	assert.False(t, s.CheckStopLoss(96.5, 100, models.Long))
	assert.True(t, s.CheckStopLoss(104, 100, models.Short))
	assert.False(t, s.CheckStopLoss(103.9, 100, models.Short))
	assert.Equal(t, 96.0, s.StopPrice(100, models.Long))
	assert.Equal(t, 104.0, s.StopPrice(100, models.Short))
}

func TestCalculatePositionSize(t *testing.T) {
	s, _ := newTestStrategy(t, models.RegimeRange)
	require.NoError(t, s.Update(50000, 1000))

	// base = 0.5 / 5 = 0.1
	assert.InDelta(t, 0.1, s.CalculatePositionSize(), 1e-12)

	buys := s.BuyLevels()
	for i := 0; i < 4; i++ {
		_, err := s.RecordPositionOpened(buys[i], 0.1, buys[i].Price, 0.01)
		require.NoError(t, err)
	}
	// adjustment = max(0.5, 1 - 0.4) = 0.6 -> 0.06, headroom = 0.1
	assert.InDelta(t, 0.06, s.CalculatePositionSize(), 1e-12)

	_, err := s.RecordPositionOpened(buys[4], 0.1, buys[4].Price, 0.01)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, s.CalculatePositionSize(), 1e-12, "no headroom left")
}

func TestRecordPositionClosed_UnknownID(t *testing.T) {
	s, _ := newTestStrategy(t, models.RegimeRange)
	_, err := s.RecordPositionClosed("missing", 1, 0)
	assert.ErrorIs(t, err, ErrUnknownPosition)
}

func TestSnapshot_MarksPositions(t *testing.T) {
	s, _ := newTestStrategy(t, models.RegimeRange)
	require.NoError(t, s.Update(100, 2))

	buy, _ := s.CheckBuySignal(98)
	_, err := s.RecordPositionOpened(buy, 0.1, 98, 2)
	require.NoError(t, err)
	sell, _ := s.CheckSellSignal(102)
	_, err = s.RecordPositionOpened(sell, 0.1, 102, 1)
	require.NoError(t, err)

	st := s.Snapshot(100)
	assert.Equal(t, "ACTIVE", st.State)
	assert.Equal(t, 2, st.OpenPositions)
	assert.InDelta(t, 300.0, st.Exposure, 1e-9)
	// long: (100-98)*2 = 4, short: (102-100)*1 = 2
	assert.InDelta(t, 6.0, st.UnrealizedPnL, 1e-9)
	assert.Len(t, s.Positions(), 2)
}

func TestNewStrategy_RejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPositionFraction = 1.5
	_, err := NewStrategy("x", "BTCUSDT", cfg, models.RegimeRange, nil)
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}
