package exchange

import (
	"context"
	"errors"
	"testing"

	"volatility-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPaper() *PaperExchange {
	e := NewPaperExchange("USDT", models.PaperConfig{InitialBalance: 10000, TakerFeeRate: 0.001}, nil)
	e.SetFilters("BTCUSDT", models.InstrumentFilters{TickSize: 0.1, StepSize: 0.001, MinQty: 0.001, MaxQty: 100, MinNotional: 5})
	e.SetPrice("BTCUSDT", 100)
	return e
}

func reasonOf(t *testing.T, err error) models.ErrorReason {
	t.Helper()
	var apiErr *models.Error
	require.True(t, errors.As(err, &apiErr), "expected *models.Error, got %v", err)
	return apiErr.Reason
}

func TestPaperExchange_MarketOrderFillsWithFee(t *testing.T) {
	e := newPaper()
	ctx := context.Background()

	o, err := e.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Market, Quantity: 2, ClientOrderID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, o.Status)
	assert.Equal(t, 2.0, o.ExecutedQty)
	assert.Equal(t, 100.0, o.AvgPrice)

	pos, avg := e.Position("BTCUSDT")
	assert.Equal(t, 2.0, pos)
	assert.Equal(t, 100.0, avg)
	assert.InDelta(t, 0.2, e.TotalFees(), 1e-12)

	e.SetPrice("BTCUSDT", 110)
	bals, err := e.GetBalance(ctx)
	require.NoError(t, err)
	b, ok := FindBalance(bals, "USDT")
	require.True(t, ok)
	assert.InDelta(t, 10000-0.2+20, b.Total, 1e-9)

	_, err = e.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Type: models.Market, Quantity: 2, ReduceOnly: true, ClientOrderID: "c2"})
	require.NoError(t, err)
	pos, _ = e.Position("BTCUSDT")
	assert.Zero(t, pos)
	bals, _ = e.GetBalance(ctx)
	assert.InDelta(t, 10000-0.2-0.22+20, bals[0].Total, 1e-9)
}

func TestPaperExchange_RejectsDuplicateClientID(t *testing.T) {
	e := newPaper()
	ctx := context.Background()
	req := models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Market, Quantity: 1, ClientOrderID: "same"}
	_, err := e.PlaceOrder(ctx, req)
	require.NoError(t, err)
	_, err = e.PlaceOrder(ctx, req)
	require.Error(t, err)
	assert.Len(t, e.Orders(), 1)
}

func TestPaperExchange_FilterAndBalanceRejections(t *testing.T) {
	e := newPaper()
	ctx := context.Background()

	_, err := e.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Market, Quantity: 0.01, ClientOrderID: "a"})
	assert.Equal(t, models.ReasonFilterViolation, reasonOf(t, err), "notional 1 < 5")

	_, err = e.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Market, Quantity: 1000, ClientOrderID: "b"})
	assert.Equal(t, models.ReasonInsufficientBalance, reasonOf(t, err))

	_, err = e.PlaceOrder(ctx, models.OrderRequest{Symbol: "ETHUSDT", Side: models.Buy, Type: models.Market, Quantity: 1, ClientOrderID: "c"})
	assert.Equal(t, models.ReasonInvalidSymbol, reasonOf(t, err))

	_, err = e.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Type: models.Market, Quantity: 1, ReduceOnly: true, ClientOrderID: "d"})
	assert.Equal(t, models.ReasonFilterViolation, reasonOf(t, err), "nothing to reduce")
}

func TestPaperExchange_ProtectiveOrdersTrigger(t *testing.T) {
	e := newPaper()
	ctx := context.Background()

	_, err := e.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Market, Quantity: 1, ClientOrderID: "entry"})
	require.NoError(t, err)
	_, err = e.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Type: models.StopMarket, Quantity: 1, StopPrice: 95, ReduceOnly: true, ClientOrderID: "sl"})
	require.NoError(t, err)
	_, err = e.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Type: models.TakeProfitMarket, Quantity: 1, StopPrice: 105, ReduceOnly: true, ClientOrderID: "tp"})
	require.NoError(t, err)

	e.SetPrice("BTCUSDT", 104)
	sl, err := e.QueryOrder(ctx, "BTCUSDT", "sl")
	require.NoError(t, err)
	assert.Equal(t, models.OrderNew, sl.Status)

	e.SetPrice("BTCUSDT", 106)
	tp, err := e.QueryOrder(ctx, "BTCUSDT", "tp")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, tp.Status)
	pos, _ := e.Position("BTCUSDT")
	assert.Zero(t, pos)

	// the stop can no longer reduce anything and expires when hit
	e.SetPrice("BTCUSDT", 90)
	sl, err = e.QueryOrder(ctx, "BTCUSDT", "sl")
	require.NoError(t, err)
	assert.Equal(t, models.OrderExpired, sl.Status)
}

func TestPaperExchange_CancelAndQuery(t *testing.T) {
	e := newPaper()
	ctx := context.Background()

	_, err := e.QueryOrder(ctx, "BTCUSDT", "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = e.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Type: models.Market, Quantity: 1, ClientOrderID: "short"})
	require.NoError(t, err)
	o, err := e.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.StopMarket, Quantity: 1, StopPrice: 110, ReduceOnly: true, ClientOrderID: "sl"})
	require.NoError(t, err)
	require.NoError(t, e.CancelOrder(ctx, "BTCUSDT", o.OrderID))
	assert.Error(t, e.CancelOrder(ctx, "BTCUSDT", o.OrderID))

	got, err := e.QueryOrder(ctx, "BTCUSDT", "sl")
	require.NoError(t, err)
	assert.Equal(t, models.OrderCanceled, got.Status)

	_, err = e.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.TakeProfitMarket, Quantity: 1, StopPrice: 90, ReduceOnly: true, ClientOrderID: "tp"})
	require.NoError(t, err)
	require.NoError(t, e.CancelAllOpenOrders(ctx, "BTCUSDT"))
	got, _ = e.QueryOrder(ctx, "BTCUSDT", "tp")
	assert.Equal(t, models.OrderCanceled, got.Status)
}

func TestReasonForCode_NumericCodes(t *testing.T) {
	assert.Equal(t, models.ReasonInsufficientBalance, ReasonForCode(-2019))
	assert.Equal(t, models.ReasonFilterViolation, ReasonForCode(-4164))
	assert.Equal(t, models.ReasonRateLimited, ReasonForCode(-1003))
	assert.Equal(t, models.ReasonTimeout, ReasonForCode(-1007))
	assert.Equal(t, models.ReasonUnknown, ReasonForCode(-9999))
	assert.True(t, ReasonForCode(-1001).Retryable())
	assert.False(t, ReasonForCode(-9999).Retryable())
}
