package grid

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"volatility-grid-bot-go/internal/events"
	"volatility-grid-bot-go/internal/models"

	"github.com/google/uuid"
)

// State 网格触发状态机的状态
type State string

const (
	StateInactive      State = "INACTIVE"
	StateRecalculating State = "RECALCULATING"
	StateActive        State = "ACTIVE"
	StateSuspended     State = "SUSPENDED"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrLevelInactive   = errors.New("grid level is not active")
	ErrUnknownLevel    = errors.New("grid level not found")
	ErrUnknownPosition = errors.New("position not found")
)

// Position 一个由网格线开出的持仓
type Position struct {
	ID         string              `json:"id"`
	Symbol     string              `json:"symbol"`
	Side       models.PositionSide `json:"side"`
	EntryPrice float64             `json:"entry_price"`
	Quantity   float64             `json:"quantity"`
	Fraction   float64             `json:"fraction"` // 占资金比例
	Level      models.GridLevel    `json:"level"`
	OpenedAt   time.Time           `json:"opened_at"`
}

type levelKey struct {
	side  models.Side
	index int
}

// Strategy is one grid strategy instance. It is not safe for concurrent use;
// a single runner goroutine owns it.
type Strategy struct {
	id     string
	symbol string
	cfg    models.GridConfig

	regime models.Regime
	mode   models.GridMode
	state  State

	referencePrice float64
	lastVolatility float64
	hasReference   bool
	forceRecalc    bool

	buyLevels  []models.GridLevel
	sellLevels []models.GridLevel

	positions             map[string]Position
	positionCount         int
	totalPositionFraction float64
	totalPnL              float64
	consecutiveLosses     int

	events *events.Queue
	now    func() time.Time
}

// Option customizes a Strategy.
type Option func(*Strategy)

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Strategy) { s.now = now }
}

// NewStrategy 创建一个处于 INACTIVE 状态的策略实例
func NewStrategy(id, symbol string, cfg models.GridConfig, regime models.Regime, q *events.Queue, opts ...Option) (*Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", ErrInvalidInput)
	}
	if id == "" {
		id = uuid.NewString()
	}
	if q == nil {
		q = events.NewQueue(256)
	}
	s := &Strategy{
		id:        id,
		symbol:    symbol,
		cfg:       cfg,
		regime:    regime,
		mode:      models.ModeForRegime(regime),
		state:     StateInactive,
		positions: make(map[string]Position),
		events:    q,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Strategy) ID() string { return s.id }
func (s *Strategy) Symbol() string { return s.symbol }
func (s *Strategy) State() State { return s.state }
func (s *Strategy) Mode() models.GridMode { return s.mode }
func (s *Strategy) Regime() models.Regime { return s.regime }
func (s *Strategy) ReferencePrice() float64 { return s.referencePrice }
func (s *Strategy) LastVolatility() float64 { return s.lastVolatility }
func (s *Strategy) Config() models.GridConfig { return s.cfg }
func (s *Strategy) Events() *events.Queue { return s.events }

// BuyLevels returns a copy of the current buy levels in index order.
func (s *Strategy) BuyLevels() []models.GridLevel {
	return append([]models.GridLevel(nil), s.buyLevels...)
}

// SellLevels returns a copy of the current sell levels in index order.
func (s *Strategy) SellLevels() []models.GridLevel {
	return append([]models.GridLevel(nil), s.sellLevels...)
}

// SetRegime changes the market regime. The mode is re-derived and the grid
// is rebuilt on the next update.
func (s *Strategy) SetRegime(r models.Regime) {
	s.regime = r
	s.mode = models.ModeForRegime(r)
	s.forceRecalc = true
}

// CalculateLevels 计算买卖网格线, 间距 = volatility * volatility_multiplier.
// 只生成当前模式允许的一侧.
func (s *Strategy) CalculateLevels(referencePrice, volatility float64) ([]models.GridLevel, []models.GridLevel, error) {
	if err := validatePrice(referencePrice, volatility); err != nil {
		return nil, nil, err
	}

	spacing := volatility * s.cfg.VolatilityMultiplier
	var buys, sells []models.GridLevel
	for i := 1; i <= s.cfg.LevelCount; i++ {
		if s.mode.AllowsBuy() {
			buys = append(buys, models.GridLevel{
				Price:  referencePrice - spacing*float64(i),
				Side:   models.Buy,
				Index:  i,
				Active: true,
			})
		}
		if s.mode.AllowsSell() {
			sells = append(sells, models.GridLevel{
				Price:  referencePrice + spacing*float64(i),
				Side:   models.Sell,
				Index:  i,
				Active: true,
			})
		}
	}
	return buys, sells, nil
}

// ShouldRecalculate reports whether price moved far enough from the
// reference to rebuild the grid.
func (s *Strategy) ShouldRecalculate(price, volatility float64) bool {
	if !s.hasReference {
		return true
	}
	return math.Abs(price-s.referencePrice) > volatility*s.cfg.RecalculationThreshold
}

// Update feeds a new price and volatility into the state machine.
func (s *Strategy) Update(price, volatility float64) error {
	if s.mode == models.ModeDisabled {
		s.state = StateSuspended
		return nil
	}
	if err := validatePrice(price, volatility); err != nil {
		return err
	}

	needed := s.forceRecalc || s.state == StateInactive || s.state == StateSuspended ||
		s.ShouldRecalculate(price, volatility)
	if !needed {
		return nil
	}

	s.state = StateRecalculating
	buys, sells, err := s.CalculateLevels(price, volatility)
	if err != nil {
		return err
	}

	// 仍有持仓的网格线保持非活动
	held := s.heldLevels()
	for i, l := range buys {
		if held[levelKey{l.Side, l.Index}] {
			buys[i] = l.WithActive(false)
		}
	}
	for i, l := range sells {
		if held[levelKey{l.Side, l.Index}] {
			sells[i] = l.WithActive(false)
		}
	}

	s.buyLevels = buys
	s.sellLevels = sells
	s.referencePrice = price
	s.lastVolatility = volatility
	s.hasReference = true
	s.forceRecalc = false
	s.state = StateActive

	s.emit(events.GridUpdated, map[string]interface{}{
		"reference_price": price,
		"volatility":      volatility,
		"mode":            string(s.mode),
		"buy_levels":      len(buys),
		"sell_levels":     len(sells),
	})
	return nil
}

// CheckBuySignal returns the first active buy level, in stored order,
// with price <= level price. The scan is first-match, not nearest-match.
func (s *Strategy) CheckBuySignal(price float64) (models.GridLevel, bool) {
	if s.state != StateActive {
		return models.GridLevel{}, false
	}
	for _, l := range s.buyLevels {
		if l.Active && price <= l.Price {
			return l, true
		}
	}
	return models.GridLevel{}, false
}

// CheckSellSignal returns the first active sell level, in stored order,
// with price >= level price.
func (s *Strategy) CheckSellSignal(price float64) (models.GridLevel, bool) {
	if s.state != StateActive {
		return models.GridLevel{}, false
	}
	for _, l := range s.sellLevels {
		if l.Active && price >= l.Price {
			return l, true
		}
	}
	return models.GridLevel{}, false
}

// StopDistance = last_volatility * stop_loss_volatility_multiplier
func (s *Strategy) StopDistance() float64 {
	return s.lastVolatility * s.cfg.StopLossVolatilityMultiplier
}

// StopPrice returns the protective stop for a position entered at entry.
func (s *Strategy) StopPrice(entry float64, side models.PositionSide) float64 {
	if side == models.Short {
		return entry + s.StopDistance()
	}
	return entry - s.StopDistance()
}

// CheckStopLoss reports whether price has crossed the stop of a position.
// Without a volatility reading no stop can be computed and it never trips.
func (s *Strategy) CheckStopLoss(price, entryPrice float64, side models.PositionSide) bool {
	if s.lastVolatility <= 0 {
		return false
	}
	if side == models.Short {
		return price >= s.StopPrice(entryPrice, side)
	}
	return price <= s.StopPrice(entryPrice, side)
}

// CalculatePositionSize returns the capital fraction for the next position.
// A result <= 0 means no size is available.
func (s *Strategy) CalculatePositionSize() float64 {
	base := s.cfg.MaxPositionFraction / float64(s.cfg.LevelCount)
	adjustment := math.Max(0.5, 1.0-float64(s.positionCount)*0.1)
	size := math.Min(base*adjustment, s.cfg.MaxPositionFraction-s.totalPositionFraction)
	if size < 0 {
		return 0
	}
	return size
}

// RecordPositionOpened 记录一笔由网格线开出的持仓, 并使该网格线失效
func (s *Strategy) RecordPositionOpened(level models.GridLevel, fraction, entryPrice, quantity float64) (Position, error) {
	if entryPrice <= 0 || quantity <= 0 || fraction < 0 {
		return Position{}, fmt.Errorf("%w: entry=%.8f qty=%.8f fraction=%.8f", ErrInvalidInput, entryPrice, quantity, fraction)
	}
	levels := s.levelsFor(level.Side)
	idx := findLevel(levels, level)
	if idx < 0 {
		return Position{}, fmt.Errorf("%w: %s #%d", ErrUnknownLevel, level.Side, level.Index)
	}
	if !levels[idx].Active {
		return Position{}, fmt.Errorf("%w: %s #%d", ErrLevelInactive, level.Side, level.Index)
	}
	levels[idx] = levels[idx].WithActive(false)

	pos := Position{
		ID:         uuid.NewString(),
		Symbol:     s.symbol,
		Side:       level.PositionSide(),
		EntryPrice: entryPrice,
		Quantity:   quantity,
		Fraction:   fraction,
		Level:      levels[idx],
		OpenedAt:   s.now(),
	}
	s.positions[pos.ID] = pos
	s.positionCount++
	s.totalPositionFraction += fraction

	s.emit(events.GridPositionOpened, map[string]interface{}{
		"position_id": pos.ID,
		"side":        string(pos.Side),
		"level_index": level.Index,
		"level_price": level.Price,
		"entry_price": entryPrice,
		"quantity":    quantity,
		"fraction":    fraction,
	})
	return pos, nil
}

// RecordPositionClosed 平仓: 重新激活原网格线, 累计盈亏与连续亏损次数
func (s *Strategy) RecordPositionClosed(id string, exitPrice, pnl float64) (Position, error) {
	pos, ok := s.positions[id]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrUnknownPosition, id)
	}
	delete(s.positions, id)

	// 网格可能已重算, 按 (side, index) 在当前列表中重新激活
	levels := s.levelsFor(pos.Level.Side)
	for i, l := range levels {
		if l.Index == pos.Level.Index {
			levels[i] = l.WithActive(true)
		}
	}

	s.positionCount--
	s.totalPositionFraction -= pos.Fraction
	if s.totalPositionFraction < 1e-12 {
		s.totalPositionFraction = 0
	}
	s.totalPnL += pnl
	if pnl < 0 {
		s.consecutiveLosses++
	} else {
		s.consecutiveLosses = 0
	}

	s.emit(events.GridPositionClosed, map[string]interface{}{
		"position_id": id,
		"side":        string(pos.Side),
		"level_index": pos.Level.Index,
		"entry_price": pos.EntryPrice,
		"exit_price":  exitPrice,
		"quantity":    pos.Quantity,
		"pnl":         pnl,
	})
	return pos, nil
}

// Position looks up an open position by id.
func (s *Strategy) Position(id string) (Position, bool) {
	p, ok := s.positions[id]
	return p, ok
}

// Positions returns the open positions ordered by opening time.
func (s *Strategy) Positions() []Position {
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (s *Strategy) PositionCount() int { return s.positionCount }
func (s *Strategy) TotalPositionFraction() float64 { return s.totalPositionFraction }
func (s *Strategy) TotalPnL() float64 { return s.totalPnL }
func (s *Strategy) ConsecutiveLosses() int { return s.consecutiveLosses }

// UnrealizedPnL marks every open position at price.
func (s *Strategy) UnrealizedPnL(price float64) float64 {
	var total float64
	for _, p := range s.positions {
		total += p.Side.PnL(p.EntryPrice, price, p.Quantity)
	}
	return total
}

// Snapshot returns the status of the instance marked at lastPrice.
func (s *Strategy) Snapshot(lastPrice float64) models.StrategyStatus {
	var exposure float64
	for _, p := range s.positions {
		exposure += p.Quantity * lastPrice
	}
	return models.StrategyStatus{
		ID:                s.id,
		Symbol:            s.symbol,
		State:             string(s.state),
		Regime:            s.regime,
		Mode:              s.mode,
		ReferencePrice:    s.referencePrice,
		LastVolatility:    s.lastVolatility,
		LastPrice:         lastPrice,
		OpenPositions:     s.positionCount,
		PositionFraction:  s.totalPositionFraction,
		Exposure:          exposure,
		RealizedPnL:       s.totalPnL,
		UnrealizedPnL:     s.UnrealizedPnL(lastPrice),
		ConsecutiveLosses: s.consecutiveLosses,
		BuyLevels:         s.BuyLevels(),
		SellLevels:        s.SellLevels(),
	}
}

func (s *Strategy) levelsFor(side models.Side) []models.GridLevel {
	if side == models.Sell {
		return s.sellLevels
	}
	return s.buyLevels
}

func (s *Strategy) heldLevels() map[levelKey]bool {
	held := make(map[levelKey]bool, len(s.positions))
	for _, p := range s.positions {
		held[levelKey{p.Level.Side, p.Level.Index}] = true
	}
	return held
}

func (s *Strategy) emit(t events.Type, data map[string]interface{}) {
	s.events.Publish(events.New(t, s.id, s.symbol, s.now(), data))
}

func findLevel(levels []models.GridLevel, level models.GridLevel) int {
	for i, l := range levels {
		if l.Index == level.Index && l.Side == level.Side {
			return i
		}
	}
	return -1
}

func validatePrice(price, volatility float64) error {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("%w: price must be positive, got %v", ErrInvalidInput, price)
	}
	if volatility <= 0 || math.IsNaN(volatility) || math.IsInf(volatility, 0) {
		return fmt.Errorf("%w: volatility must be positive, got %v", ErrInvalidInput, volatility)
	}
	return nil
}
