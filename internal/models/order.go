package models

import "time"

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the side that reduces a position opened with s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// EntrySide is the order side that opens a position of this direction.
func (p PositionSide) EntrySide() Side {
	if p == Short {
		return Sell
	}
	return Buy
}

// ExitSide is the order side that closes a position of this direction.
func (p PositionSide) ExitSide() Side {
	return p.EntrySide().Opposite()
}

// PnL 计算以 exit 价格平仓的盈亏 (不含手续费)
func (p PositionSide) PnL(entry, exit, qty float64) float64 {
	if p == Short {
		return (entry - exit) * qty
	}
	return (exit - entry) * qty
}

type OrderType string

const (
	Market           OrderType = "MARKET"
	Limit            OrderType = "LIMIT"
	StopMarket       OrderType = "STOP_MARKET"
	TakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Resting reports whether the order still works on the book.
func (s OrderStatus) Resting() bool {
	return s == OrderNew || s == OrderPartiallyFilled
}

// OrderRequest is an order the core wants the exchange to carry out.
// ClientOrderID doubles as the idempotency key across retries.
type OrderRequest struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Type          OrderType `json:"type"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price,omitempty"`
	StopPrice     float64   `json:"stop_price,omitempty"`
	ReduceOnly    bool      `json:"reduce_only,omitempty"`
	ClientOrderID string    `json:"client_order_id"`
	ExpectedPrice float64   `json:"expected_price,omitempty"` // 市价单的参考价, 用于本地最小名义价值检查
}

// Order 定义了交易所侧的订单信息
type Order struct {
	OrderID       int64       `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Status        OrderStatus `json:"status"`
	Price         float64     `json:"price"`
	StopPrice     float64     `json:"stop_price"`
	OrigQty       float64     `json:"orig_qty"`
	ExecutedQty   float64     `json:"executed_qty"`
	AvgPrice      float64     `json:"avg_price"`
	ReduceOnly    bool        `json:"reduce_only"`
	UpdateTime    time.Time   `json:"update_time"`
}

// OrderResult is the outcome of one bridge submission.
type OrderResult struct {
	Success       bool         `json:"success"`
	ClientOrderID string       `json:"client_order_id"`
	OrderID       int64        `json:"order_id"`
	Status        OrderStatus  `json:"status"`
	Request       OrderRequest `json:"request"`
	FilledQty     float64      `json:"filled_qty"`
	AvgPrice      float64      `json:"avg_price"`
	Attempts      int          `json:"attempts"`
	Reason        ErrorReason  `json:"reason"`
	Err           error        `json:"-"`
	Time          time.Time    `json:"time"`
}

// Retryable reports whether the failure behind a result was transient.
func (r OrderResult) Retryable() bool {
	return !r.Success && r.Reason.Retryable()
}

// InstrumentFilters 交易对的交易规则
type InstrumentFilters struct {
	TickSize    float64 `json:"tick_size"`
	StepSize    float64 `json:"step_size"`
	MinQty      float64 `json:"min_qty"`
	MaxQty      float64 `json:"max_qty"`
	MinNotional float64 `json:"min_notional"`
}

// Balance 定义了账户中特定资产的余额信息
type Balance struct {
	Asset     string  `json:"asset"`
	Total     float64 `json:"total"`
	Available float64 `json:"available"`
}
