package bridge

import (
	"errors"
	"fmt"

	"volatility-grid-bot-go/internal/exchange"
	"volatility-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// ErrInvalidRequest marks an order request rejected before it reaches the exchange.
var ErrInvalidRequest = errors.New("invalid order request")

// floorToStep 向下取整到步长, 使用 decimal 避免浮点误差
func floorToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	return v.Div(s).Floor().Mul(s).InexactFloat64()
}

// Normalize rounds quantity down to the step size and prices down to the
// tick size, then clamps quantity into [min_qty, max_qty]. Rounding never
// goes up.
func Normalize(req models.OrderRequest, f models.InstrumentFilters) (models.OrderRequest, error) {
	if req.Symbol == "" {
		return req, fmt.Errorf("%w: empty symbol", ErrInvalidRequest)
	}
	if req.Quantity <= 0 {
		return req, fmt.Errorf("%w: quantity must be positive, got %v", ErrInvalidRequest, req.Quantity)
	}
	if req.Side != models.Buy && req.Side != models.Sell {
		return req, fmt.Errorf("%w: unknown side %q", ErrInvalidRequest, req.Side)
	}

	out := req
	out.Quantity = floorToStep(req.Quantity, f.StepSize)
	if f.MinQty > 0 && out.Quantity < f.MinQty {
		out.Quantity = f.MinQty
	}
	if f.MaxQty > 0 && out.Quantity > f.MaxQty {
		out.Quantity = floorToStep(f.MaxQty, f.StepSize)
	}
	if out.Quantity <= 0 {
		return req, exchange.NewAPIError(exchange.CodeInvalidStepSize, fmt.Sprintf("quantity %v below step size %v", req.Quantity, f.StepSize))
	}

	if req.Price > 0 {
		out.Price = floorToStep(req.Price, f.TickSize)
	}
	if req.StopPrice > 0 {
		out.StopPrice = floorToStep(req.StopPrice, f.TickSize)
	}
	switch req.Type {
	case models.Limit:
		if out.Price <= 0 {
			return req, fmt.Errorf("%w: limit order needs a price", ErrInvalidRequest)
		}
	case models.StopMarket, models.TakeProfitMarket:
		if out.StopPrice <= 0 {
			return req, fmt.Errorf("%w: %s needs a stop price", ErrInvalidRequest, req.Type)
		}
	}
	return out, nil
}

// CheckMinNotional rejects an opening order whose notional is below the
// instrument minimum. Reduce-only orders and orders without a known price
// are left to the exchange.
func CheckMinNotional(req models.OrderRequest, f models.InstrumentFilters) error {
	if f.MinNotional <= 0 || req.ReduceOnly {
		return nil
	}
	price := req.Price
	if price <= 0 {
		price = req.ExpectedPrice
	}
	if price <= 0 {
		return nil
	}
	notional := decimal.NewFromFloat(req.Quantity).Mul(decimal.NewFromFloat(price))
	if notional.LessThan(decimal.NewFromFloat(f.MinNotional)) {
		return exchange.NewAPIError(exchange.CodeMinNotional,
			fmt.Sprintf("MIN_NOTIONAL: notional %s below %v", notional.String(), f.MinNotional))
	}
	return nil
}
