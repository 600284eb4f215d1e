package risk

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"volatility-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

var (
	ErrTradingDisabled    = errors.New("trading is disabled")
	ErrNoCapacity         = errors.New("no risk capacity for a new position")
	ErrInsufficientMargin = errors.New("fill would make free margin negative")
	ErrUnknownReservation = errors.New("reservation not found")
	ErrUnknownHolding     = errors.New("holding not found")
)

const (
	maxWarnings    = 100
	maxDailyPnLLen = 1000
)

// Reservation is exposure and margin held for an order in flight.
type Reservation struct {
	Key      string              `json:"key"`
	Symbol   string              `json:"symbol"`
	Side     models.PositionSide `json:"side"`
	Quantity float64             `json:"quantity"`
	Price    float64             `json:"price"`
	Margin   float64             `json:"margin"`
}

// Holding is a filled position booked on the account.
type Holding struct {
	Key        string              `json:"key"`
	Symbol     string              `json:"symbol"`
	Side       models.PositionSide `json:"side"`
	Quantity   float64             `json:"quantity"`
	EntryPrice float64             `json:"entry_price"`
	MarkPrice  float64             `json:"mark_price"`
	Margin     float64             `json:"margin"`
}

// ReserveRequest describes a position the caller wants to open.
type ReserveRequest struct {
	Key          string
	Symbol       string
	Side         models.PositionSide
	Entry        float64
	Stop         float64
	RiskFraction float64
	MaxFraction  float64 // strategy-level cap as a fraction of capital, 0 = none
}

// Ledger is the account ledger shared by every strategy on one account.
// All methods are safe for concurrent use; each read-decide-write sequence
// runs under a single lock.
type Ledger struct {
	mu sync.Mutex

	limits       models.RiskLimits
	leverage     float64
	riskFreeRate float64

	initialCapital float64
	currentCapital float64
	peakCapital    float64
	marginUsed     float64
	realizedPnL    float64

	holdings     map[string]*Holding
	reservations map[string]Reservation

	day             time.Time
	todayPnL        float64
	dailyPnLHistory []float64

	currentDrawdown float64
	maxDrawdown     float64

	tradingEnabled     bool
	emergencyTriggered bool
	exposureExceeded   bool
	warnings           []string
	// breaches 记录上一次 CheckLimits 时仍在触发的限额种类
	breaches map[string]bool

	now    func() time.Time
	logger *zap.Logger
}

// Option customizes a Ledger.
type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger 创建账户账本. 杠杆取账户杠杆与风控上限中的较小值.
func NewLedger(initialCapital float64, accountLeverage int, riskFreeRate float64, limits models.RiskLimits, logger *zap.Logger, opts ...Option) (*Ledger, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if initialCapital < 0 {
		return nil, fmt.Errorf("initial capital must not be negative: %v", initialCapital)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	lev := accountLeverage
	if lev < 1 {
		lev = 1
	}
	if lev > limits.MaxLeverage {
		lev = limits.MaxLeverage
	}
	l := &Ledger{
		limits:         limits,
		leverage:       float64(lev),
		riskFreeRate:   riskFreeRate,
		initialCapital: initialCapital,
		currentCapital: initialCapital,
		peakCapital:    initialCapital,
		holdings:       make(map[string]*Holding),
		reservations:   make(map[string]Reservation),
		breaches:       make(map[string]bool),
		tradingEnabled: true,
		now:            time.Now,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.day = dayOf(l.now())
	return l, nil
}

// SyncCapital rebases the ledger on the exchange balance. It only applies
// while the account holds nothing.
func (l *Ledger) SyncCapital(balance float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if balance <= 0 || len(l.holdings) > 0 || len(l.reservations) > 0 {
		return false
	}
	l.initialCapital = balance
	l.currentCapital = balance
	l.peakCapital = balance
	l.currentDrawdown = 0
	return true
}

// Leverage is the effective leverage used for margin.
func (l *Ledger) Leverage() float64 {
	return l.leverage
}

// PositionSize returns the risk-based quantity for a position entered at
// entry with a stop at stop, clamped by every account limit. Zero means
// no size is available.
func (l *Ledger) PositionSize(entry, stop, riskFraction float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked()
	return l.sizeLocked(entry, stop, riskFraction, 0)
}

func (l *Ledger) sizeLocked(entry, stop, riskFraction, maxFraction float64) float64 {
	if !l.tradingEnabled || l.emergencyTriggered {
		return 0
	}
	distance := math.Abs(entry - stop)
	if entry <= 0 || distance <= 0 || riskFraction <= 0 || l.currentCapital <= 0 {
		return 0
	}
	if len(l.holdings)+len(l.reservations) >= l.limits.MaxPositions {
		return 0
	}

	capital := l.currentCapital
	qty := capital * riskFraction / distance

	// (a) 单仓上限
	qty = math.Min(qty, l.limits.MaxPositionFraction*capital/entry)
	if maxFraction > 0 {
		qty = math.Min(qty, maxFraction*capital/entry)
	}

	// (b) 总敞口剩余额度
	headroom := l.limits.MaxTotalExposureFraction*capital - l.exposureLocked()
	if headroom <= 0 {
		return 0
	}
	qty = math.Min(qty, headroom/entry)

	// 可用保证金不能为负
	free := capital - l.marginUsed
	if free <= 0 {
		return 0
	}
	qty = math.Min(qty, free*l.leverage/entry)

	if qty <= 0 {
		return 0
	}
	return qty
}

// Reserve sizes a position and holds its exposure and margin until the
// order is filled or released.
func (l *Ledger) Reserve(req ReserveRequest) (Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked()

	if !l.tradingEnabled || l.emergencyTriggered {
		return Reservation{}, ErrTradingDisabled
	}
	if _, dup := l.reservations[req.Key]; dup || l.holdings[req.Key] != nil {
		return Reservation{}, fmt.Errorf("duplicate ledger key %q", req.Key)
	}
	qty := l.sizeLocked(req.Entry, req.Stop, req.RiskFraction, req.MaxFraction)
	if qty <= 0 {
		return Reservation{}, ErrNoCapacity
	}
	r := Reservation{
		Key:      req.Key,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: qty,
		Price:    req.Entry,
		Margin:   qty * req.Entry / l.leverage,
	}
	l.reservations[r.Key] = r
	return r, nil
}

// Adjust shrinks a reservation to the quantity actually sent to the
// exchange, after precision normalization.
func (l *Ledger) Adjust(key string, qty float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, key)
	}
	if qty < r.Quantity {
		r.Quantity = qty
		r.Margin = qty * r.Price / l.leverage
		l.reservations[key] = r
	}
	return nil
}

// Release drops an unused reservation.
func (l *Ledger) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reservations, key)
}

// RecordFill turns a reservation into a holding. A fill that would leave
// negative free margin is refused and nothing is booked.
func (l *Ledger) RecordFill(key string, qty, price, fee float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked()

	r, ok := l.reservations[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, key)
	}
	delete(l.reservations, key)
	if qty <= 0 || price <= 0 {
		return fmt.Errorf("invalid fill qty=%v price=%v", qty, price)
	}

	margin := qty * price / l.leverage
	if l.currentCapital-fee-(l.marginUsed+margin) < 0 {
		l.logger.Warn("Fill refused, free margin would be negative",
			zap.String("key", key), zap.Float64("margin", margin), zap.Float64("margin_used", l.marginUsed))
		return ErrInsufficientMargin
	}

	l.bookLocked(-fee)
	l.marginUsed += margin
	l.holdings[key] = &Holding{
		Key:        key,
		Symbol:     r.Symbol,
		Side:       r.Side,
		Quantity:   qty,
		EntryPrice: price,
		MarkPrice:  price,
		Margin:     margin,
	}
	l.updateDrawdownLocked()
	return nil
}

// RecordClose realizes the pnl of a holding closed at exitPrice and
// releases its margin. It returns the net pnl.
//
// A loss is capped at the margin the holding posted, the way an isolated
// position is liquidated, so free margin stays non-negative. A capped close
// triggers the emergency stop because the ledger no longer matches the
// venue.
func (l *Ledger) RecordClose(key string, exitPrice, fee float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked()

	h, ok := l.holdings[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownHolding, key)
	}
	delete(l.holdings, key)

	pnl := h.Side.PnL(h.EntryPrice, exitPrice, h.Quantity) - fee
	if pnl < -h.Margin {
		l.logger.Error("Close loss exceeds posted margin, capping",
			zap.String("key", key),
			zap.Float64("loss", -pnl),
			zap.Float64("margin", h.Margin))
		pnl = -h.Margin
		l.tradingEnabled = false
		l.emergencyTriggered = true
		l.addWarningLocked(fmt.Sprintf("Emergency stop: %s closed beyond its margin", key))
	}
	l.marginUsed -= h.Margin
	if l.marginUsed < 1e-9 {
		l.marginUsed = 0
	}
	l.bookLocked(pnl)
	l.updateDrawdownLocked()
	return pnl, nil
}

// RecordPnL books a realized amount that is not tied to a holding, such as
// funding or a fee on a failed close.
func (l *Ledger) RecordPnL(amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked()
	l.bookLocked(amount)
	l.updateDrawdownLocked()
}

// MarkPrice updates the mark of every holding on symbol.
func (l *Ledger) MarkPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.holdings {
		if h.Symbol == symbol {
			h.MarkPrice = price
		}
	}
}

// Holding returns a copy of a booked holding.
func (l *Ledger) Holding(key string) (Holding, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.holdings[key]
	if !ok {
		return Holding{}, false
	}
	return *h, true
}

// UpdateDrawdown refreshes peak, current and max drawdown.
func (l *Ledger) UpdateDrawdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updateDrawdownLocked()
}

func (l *Ledger) updateDrawdownLocked() {
	if l.currentCapital > l.peakCapital {
		l.peakCapital = l.currentCapital
	}
	if l.peakCapital <= 0 {
		l.currentDrawdown = 0
		return
	}
	l.currentDrawdown = (l.peakCapital - l.currentCapital) / l.peakCapital
	if l.currentDrawdown < 0 {
		l.currentDrawdown = 0
	}
	if l.currentDrawdown > l.maxDrawdown {
		l.maxDrawdown = l.currentDrawdown
	}
}

// CheckLimits evaluates the account limits in order and reports whether new
// risk may be taken. The warnings cover only limits that tripped since the
// previous check; a limit that stays breached is reported once until it
// clears.
func (l *Ledger) CheckLimits() (bool, []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked()

	var warnings []string
	active := make(map[string]bool)
	warn := func(kind, format string, args ...interface{}) {
		active[kind] = true
		if !l.breaches[kind] {
			warnings = append(warnings, fmt.Sprintf(format, args...))
		}
	}
	defer func() { l.breaches = active }()

	if l.initialCapital > 0 && l.todayPnL < 0 {
		dailyLoss := -l.todayPnL / l.initialCapital
		if dailyLoss >= l.limits.MaxDailyLossFraction {
			l.tradingEnabled = false
			warn("daily_loss", "Daily loss limit breached: %.2f%%", dailyLoss*100)
		}
	}

	l.updateDrawdownLocked()
	if l.currentDrawdown >= l.limits.MaxDrawdownFraction {
		l.tradingEnabled = false
		warn("drawdown", "Max drawdown breached: %.2f%%", l.currentDrawdown*100)
	}

	if l.initialCapital > 0 {
		totalLoss := (l.initialCapital - l.currentCapital) / l.initialCapital
		if totalLoss >= l.limits.EmergencyStopLossFraction {
			l.tradingEnabled = false
			l.emergencyTriggered = true
			warn("emergency", "Emergency stop loss triggered: %.2f%% total loss", totalLoss*100)
		}
	}

	if l.currentCapital > 0 {
		freeFraction := (l.currentCapital - l.marginUsed) / l.currentCapital
		if freeFraction < l.limits.MinFreeMarginFraction {
			warn("free_margin", "Low free margin: %.2f%%", freeFraction*100)
		}
		exposureFraction := l.exposureLocked() / l.currentCapital
		l.exposureExceeded = exposureFraction > l.limits.MaxTotalExposureFraction
		if l.exposureExceeded {
			warn("exposure", "Exposure limit exceeded: %.2f%%", exposureFraction*100)
		}
	}

	for _, w := range warnings {
		l.addWarningLocked(w)
	}
	return l.tradingEnabled && !l.exposureExceeded, warnings
}

// ShouldCloseAllPositions = emergency_triggered OR NOT trading_enabled
func (l *Ledger) ShouldCloseAllPositions() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.emergencyTriggered || !l.tradingEnabled
}

func (l *Ledger) TradingEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tradingEnabled
}

func (l *Ledger) EmergencyTriggered() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.emergencyTriggered
}

// TriggerEmergency halts trading and flags the account for liquidation.
func (l *Ledger) TriggerEmergency(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tradingEnabled = false
	l.emergencyTriggered = true
	l.addWarningLocked("Emergency stop: " + reason)
}

// ResetDailyLimits re-enables trading and rebases the daily loss and
// drawdown baselines on the current capital.
func (l *Ledger) ResetDailyLimits() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked()
	l.tradingEnabled = true
	l.emergencyTriggered = false
	l.exposureExceeded = false
	l.todayPnL = 0
	l.peakCapital = l.currentCapital
	l.currentDrawdown = 0
	l.breaches = make(map[string]bool)
	l.addWarningLocked("Daily limits reset by operator")
}

// Warnings returns the accumulated warnings, oldest first.
func (l *Ledger) Warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warnings...)
}

// SeedDailyPnL preloads closed-day pnl history, oldest first.
func (l *Ledger) SeedDailyPnL(history []float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dailyPnLHistory = append(l.dailyPnLHistory, history...)
	l.trimHistoryLocked()
}

// ValueAtRisk returns the one-day loss, in quote currency, not expected to
// be exceeded at the given confidence.
func (l *Ledger) ValueAtRisk(confidence float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.valueAtRiskLocked(confidence)
}

func (l *Ledger) valueAtRiskLocked(confidence float64) float64 {
	returns := l.returnsLocked()
	if len(returns) < minVaRSamples {
		return fallbackVaRFraction * l.currentCapital
	}
	q := percentile(returns, 1-confidence)
	if q >= 0 {
		return 0
	}
	return -q * l.currentCapital
}

// SharpeRatio is the annualized Sharpe ratio of daily returns.
func (l *Ledger) SharpeRatio() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sharpe(l.returnsLocked(), l.riskFreeRate)
}

func (l *Ledger) returnsLocked() []float64 {
	if l.initialCapital <= 0 {
		return nil
	}
	out := make([]float64, len(l.dailyPnLHistory))
	for i, p := range l.dailyPnLHistory {
		out[i] = p / l.initialCapital
	}
	return out
}

// Snapshot returns the account status.
func (l *Ledger) Snapshot() models.AccountStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked()
	return models.AccountStatus{
		InitialCapital:     l.initialCapital,
		CurrentCapital:     l.currentCapital,
		PeakCapital:        l.peakCapital,
		MarginUsed:         l.marginUsed,
		FreeMargin:         l.currentCapital - l.marginUsed,
		Exposure:           l.exposureLocked(),
		OpenPositions:      len(l.holdings),
		RealizedPnL:        l.realizedPnL,
		DailyPnL:           l.todayPnL,
		CurrentDrawdown:    l.currentDrawdown,
		MaxDrawdown:        l.maxDrawdown,
		VaR95:              l.valueAtRiskLocked(0.95),
		Sharpe:             sharpe(l.returnsLocked(), l.riskFreeRate),
		TradingEnabled:     l.tradingEnabled,
		EmergencyTriggered: l.emergencyTriggered,
		Warnings:           append([]string(nil), l.warnings...),
	}
}

// exposureLocked includes reservations so concurrent sizing cannot
// overshoot the exposure cap.
func (l *Ledger) exposureLocked() float64 {
	var total float64
	for _, h := range l.holdings {
		total += h.Quantity * h.MarkPrice
	}
	for _, r := range l.reservations {
		total += r.Quantity * r.Price
	}
	return total
}

func (l *Ledger) bookLocked(amount float64) {
	l.currentCapital += amount
	l.realizedPnL += amount
	l.todayPnL += amount
}

func (l *Ledger) addWarningLocked(w string) {
	l.warnings = append(l.warnings, w)
	if len(l.warnings) > maxWarnings {
		l.warnings = l.warnings[len(l.warnings)-maxWarnings:]
	}
	l.logger.Warn("Risk warning", zap.String("warning", w))
}

// rollDayLocked closes the previous trading day (UTC) into the history.
func (l *Ledger) rollDayLocked() {
	today := dayOf(l.now())
	if !today.After(l.day) {
		return
	}
	l.dailyPnLHistory = append(l.dailyPnLHistory, l.todayPnL)
	l.trimHistoryLocked()
	l.todayPnL = 0
	l.day = today
}

func (l *Ledger) trimHistoryLocked() {
	if len(l.dailyPnLHistory) > maxDailyPnLLen {
		l.dailyPnLHistory = l.dailyPnLHistory[len(l.dailyPnLHistory)-maxDailyPnLLen:]
	}
}

func dayOf(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
