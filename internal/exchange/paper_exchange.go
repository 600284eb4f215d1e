package exchange

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"volatility-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// PaperExchange 实现了 Exchange 接口，模拟一个合约交易所.
// 市价单以最新价加滑点成交并收取吃单手续费; 止损/止盈单挂在本地,
// 由 SetPrice 触发.
type PaperExchange struct {
	mu sync.Mutex

	quoteAsset   string
	cash         float64 // 钱包余额 (含已实现盈亏, 扣除手续费)
	takerFeeRate float64
	slippageRate float64
	leverage     map[string]int

	prices    map[string]float64
	positions map[string]float64 // 正数为多, 负数为空
	avgEntry  map[string]float64
	filters   map[string]models.InstrumentFilters

	orders      map[int64]*models.Order
	byClientID  map[string]int64
	nextOrderID int64
	totalFees   float64

	now    func() time.Time
	logger *zap.Logger
}

// NewPaperExchange 创建一个新的 PaperExchange 实例。
func NewPaperExchange(quoteAsset string, cfg models.PaperConfig, logger *zap.Logger) *PaperExchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	filters := make(map[string]models.InstrumentFilters, len(cfg.Filters))
	for s, f := range cfg.Filters {
		filters[s] = f
	}
	return &PaperExchange{
		quoteAsset:   quoteAsset,
		cash:         cfg.InitialBalance,
		takerFeeRate: cfg.TakerFeeRate,
		slippageRate: cfg.SlippageRate,
		leverage:     make(map[string]int),
		prices:       make(map[string]float64),
		positions:    make(map[string]float64),
		avgEntry:     make(map[string]float64),
		filters:      filters,
		orders:       make(map[int64]*models.Order),
		byClientID:   make(map[string]int64),
		nextOrderID:  1,
		now:          time.Now,
		logger:       logger,
	}
}

// SetFilters registers the trading rules of a symbol.
func (e *PaperExchange) SetFilters(symbol string, f models.InstrumentFilters) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filters[symbol] = f
}

// SetPrice 模拟价格变动并触发挂单检查。
func (e *PaperExchange) SetPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price
	e.checkTriggersLocked(symbol, price)
}

// checkTriggersLocked 按订单号顺序检查止损/止盈单是否触发
func (e *PaperExchange) checkTriggersLocked(symbol string, price float64) {
	var ids []int64
	for id, o := range e.orders {
		if o.Symbol == symbol && o.Status == models.OrderNew {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		o := e.orders[id]
		if o.Status != models.OrderNew {
			continue
		}
		var hit bool
		switch o.Type {
		case models.StopMarket:
			// 卖出止损在价格下跌时触发, 买入止损在价格上涨时触发
			hit = (o.Side == models.Sell && price <= o.StopPrice) || (o.Side == models.Buy && price >= o.StopPrice)
		case models.TakeProfitMarket:
			hit = (o.Side == models.Sell && price >= o.StopPrice) || (o.Side == models.Buy && price <= o.StopPrice)
		case models.Limit:
			hit = (o.Side == models.Buy && price <= o.Price) || (o.Side == models.Sell && price >= o.Price)
		}
		if !hit {
			continue
		}
		if o.ReduceOnly && !e.reducesLocked(o.Symbol, o.Side, o.OrigQty) {
			// 仓位已被其他订单平掉
			o.Status = models.OrderExpired
			o.UpdateTime = e.now()
			continue
		}
		e.fillLocked(o, price)
	}
}

// fillLocked 处理一个成交的订单，更新账户状态。必须在持有锁的情况下调用。
func (e *PaperExchange) fillLocked(o *models.Order, basePrice float64) {
	execPrice := basePrice * (1 + e.slippageRate)
	if o.Side == models.Sell {
		execPrice = basePrice * (1 - e.slippageRate)
	}
	qty := o.OrigQty
	fee := execPrice * qty * e.takerFeeRate
	e.totalFees += fee
	e.cash -= fee

	signed := qty
	if o.Side == models.Sell {
		signed = -qty
	}
	pos := e.positions[o.Symbol]
	avg := e.avgEntry[o.Symbol]

	switch {
	case pos == 0 || (pos > 0) == (signed > 0):
		// 开仓或加仓
		newPos := pos + signed
		e.avgEntry[o.Symbol] = (avg*math.Abs(pos) + execPrice*qty) / math.Abs(newPos)
		e.positions[o.Symbol] = newPos
	default:
		// 减仓, 超出部分反向开仓
		closing := math.Min(math.Abs(signed), math.Abs(pos))
		if pos > 0 {
			e.cash += (execPrice - avg) * closing
		} else {
			e.cash += (avg - execPrice) * closing
		}
		newPos := pos + signed
		if math.Abs(newPos) < 1e-12 {
			newPos = 0
			delete(e.avgEntry, o.Symbol)
		} else if (newPos > 0) != (pos > 0) {
			e.avgEntry[o.Symbol] = execPrice
		}
		e.positions[o.Symbol] = newPos
	}

	o.Status = models.OrderFilled
	o.ExecutedQty = qty
	o.AvgPrice = execPrice
	o.UpdateTime = e.now()

	e.logger.Debug("Paper order filled",
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.String("type", string(o.Type)),
		zap.String("clientOrderId", o.ClientOrderID),
		zap.Float64("price", execPrice),
		zap.Float64("qty", qty),
		zap.Float64("fee", fee),
		zap.Float64("position", e.positions[o.Symbol]))
}

func (e *PaperExchange) reducesLocked(symbol string, side models.Side, qty float64) bool {
	pos := e.positions[symbol]
	if side == models.Sell {
		return pos >= qty-1e-12
	}
	return -pos >= qty-1e-12
}

// --- Exchange 接口实现 ---

func (e *PaperExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.prices[symbol]
	if !ok {
		return 0, NewAPIError(CodeBadSymbol, "no price for "+symbol)
	}
	return p, nil
}

func (e *PaperExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.ClientOrderID != "" {
		if _, dup := e.byClientID[req.ClientOrderID]; dup {
			return nil, NewAPIError(CodeDuplicateClientID, "ClientOrderId is duplicated.")
		}
	}
	price, ok := e.prices[req.Symbol]
	if !ok {
		return nil, NewAPIError(CodeBadSymbol, "Invalid symbol.")
	}
	if req.Quantity <= 0 {
		return nil, NewAPIError(CodeInvalidStepSize, "Quantity less than or equal to zero.")
	}
	if f, ok := e.filters[req.Symbol]; ok && f.MinNotional > 0 && !req.ReduceOnly {
		ref := price
		if req.Type == models.Limit {
			ref = req.Price
		}
		if req.Quantity*ref < f.MinNotional {
			return nil, NewAPIError(CodeMinNotional, fmt.Sprintf("Order's notional must be no smaller than %v", f.MinNotional))
		}
	}
	if req.ReduceOnly && !e.reducesLocked(req.Symbol, req.Side, req.Quantity) {
		return nil, NewAPIError(CodeReduceOnlyRejected, "ReduceOnly Order is rejected.")
	}
	if !req.ReduceOnly {
		lev := e.leverage[req.Symbol]
		if lev < 1 {
			lev = 1
		}
		if req.Quantity*price/float64(lev) > e.availableLocked() {
			return nil, NewAPIError(CodeInsufficientBalance, "Margin is insufficient.")
		}
	}

	o := &models.Order{
		OrderID:       e.nextOrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        models.OrderNew,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		OrigQty:       req.Quantity,
		ReduceOnly:    req.ReduceOnly,
		UpdateTime:    e.now(),
	}
	e.nextOrderID++
	e.orders[o.OrderID] = o
	if o.ClientOrderID != "" {
		e.byClientID[o.ClientOrderID] = o.OrderID
	}

	if req.Type == models.Market {
		e.fillLocked(o, price)
	} else {
		// 立即检查是否已满足触发条件
		e.checkTriggersLocked(req.Symbol, price)
	}

	cp := *o
	return &cp, nil
}

func (e *PaperExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || o.Symbol != symbol {
		return NewAPIError(-2011, "Unknown order sent.")
	}
	if !o.Status.Resting() {
		return NewAPIError(-2011, "Order is not open.")
	}
	o.Status = models.OrderCanceled
	o.UpdateTime = e.now()
	return nil
}

func (e *PaperExchange) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status.Resting() {
			o.Status = models.OrderCanceled
			o.UpdateTime = e.now()
		}
	}
	return nil
}

func (e *PaperExchange) QueryOrder(ctx context.Context, symbol, clientOrderID string) (*models.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byClientID[clientOrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	o := e.orders[id]
	if o.Symbol != symbol {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (e *PaperExchange) GetInstrumentFilters(ctx context.Context, symbol string) (models.InstrumentFilters, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.filters[symbol]; ok {
		return f, nil
	}
	// 未配置时返回合理的默认值
	return models.InstrumentFilters{
		TickSize:    0.01,
		StepSize:    0.001,
		MinQty:      0.001,
		MaxQty:      1000,
		MinNotional: 5,
	}, nil
}

// GetBalance 总额 = 钱包余额 + 未实现盈亏, 可用 = 总额 - 保证金
func (e *PaperExchange) GetBalance(ctx context.Context) ([]models.Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return []models.Balance{{
		Asset:     e.quoteAsset,
		Total:     e.cash + e.unrealizedLocked(),
		Available: e.availableLocked(),
	}}, nil
}

func (e *PaperExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return NewAPIError(-4028, "Leverage is not valid")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leverage[symbol] = leverage
	return nil
}

func (e *PaperExchange) Close() error { return nil }

// Position returns the signed position and average entry of a symbol.
func (e *PaperExchange) Position(symbol string) (float64, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions[symbol], e.avgEntry[symbol]
}

// TotalFees 返回累积手续费
func (e *PaperExchange) TotalFees() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalFees
}

// Orders returns a copy of every order, ordered by id.
func (e *PaperExchange) Orders() []models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

func (e *PaperExchange) unrealizedLocked() float64 {
	var total float64
	for s, pos := range e.positions {
		if pos == 0 {
			continue
		}
		total += (e.prices[s] - e.avgEntry[s]) * pos
	}
	return total
}

func (e *PaperExchange) availableLocked() float64 {
	var margin float64
	for s, pos := range e.positions {
		lev := e.leverage[s]
		if lev < 1 {
			lev = 1
		}
		margin += math.Abs(pos) * e.avgEntry[s] / float64(lev)
	}
	return e.cash + e.unrealizedLocked() - margin
}
