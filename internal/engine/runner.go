package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"volatility-grid-bot-go/internal/bridge"
	"volatility-grid-bot-go/internal/events"
	"volatility-grid-bot-go/internal/exchange"
	"volatility-grid-bot-go/internal/feed"
	"volatility-grid-bot-go/internal/grid"
	"volatility-grid-bot-go/internal/models"
	"volatility-grid-bot-go/internal/risk"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRunnerStopped is returned for commands sent to a runner that has exited.
var ErrRunnerStopped = errors.New("strategy runner stopped")

type command struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// protectiveLegs 一笔持仓在交易所上的止损/止盈保护单
type protectiveLegs struct {
	StopLoss   bridge.ActiveOrder
	TakeProfit bridge.ActiveOrder
}

// Runner drives one strategy instance. A single goroutine consumes the
// strategy's feed and its command channel, so commands always apply
// between ticks.
type Runner struct {
	engine   *Engine
	cfg      models.StrategyConfig
	strategy *grid.Strategy
	stream   <-chan feed.Event
	cancel   context.CancelFunc
	commands chan command
	done     chan struct{}
	logger   *zap.Logger

	lastPrice  float64
	ledgerKeys map[string]string // position id -> ledger key
	legs       map[string]protectiveLegs

	statusMu sync.Mutex
	status   models.StrategyStatus
}

func newRunner(e *Engine, cfg models.StrategyConfig, s *grid.Strategy, stream <-chan feed.Event, cancel context.CancelFunc) *Runner {
	r := &Runner{
		engine:     e,
		cfg:        cfg,
		strategy:   s,
		stream:     stream,
		cancel:     cancel,
		commands:   make(chan command),
		done:       make(chan struct{}),
		logger:     e.logger.With(zap.String("strategy", cfg.ID), zap.String("symbol", cfg.Symbol)),
		ledgerKeys: make(map[string]string),
		legs:       make(map[string]protectiveLegs),
	}
	r.publishStatus()
	return r
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)
	defer r.cancel()

	var reconcile <-chan time.Time
	if r.cfg.ProtectiveOrders {
		t := time.NewTicker(r.engine.cfg.Engine.ReconcileInterval())
		defer t.Stop()
		reconcile = t.C
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Strategy runner stopped", zap.Int("openPositions", r.strategy.PositionCount()))
			return
		case cmd := <-r.commands:
			cmd.fn(ctx)
			r.afterTick()
			close(cmd.done)
		case ev, ok := <-r.stream:
			if !ok {
				r.logger.Warn("Market data stream closed")
				return
			}
			r.onTick(ctx, ev)
		case <-reconcile:
			r.reconcile(ctx)
			r.afterTick()
		}
	}
}

// do runs fn on the runner goroutine at the next safe point and waits for it.
func (r *Runner) do(ctx context.Context, fn func(ctx context.Context)) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case r.commands <- cmd:
	case <-r.done:
		return ErrRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the snapshot published after the last tick.
func (r *Runner) Status() models.StrategyStatus {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	return r.status
}

func (r *Runner) publishStatus() {
	st := r.strategy.Snapshot(r.lastPrice)
	r.statusMu.Lock()
	r.status = st
	r.statusMu.Unlock()
}

// afterTick drains the strategy's events to the sink and refreshes status.
func (r *Runner) afterTick() {
	r.engine.sink.DispatchAll(r.strategy.Events().Drain())
	r.publishStatus()
}

func (r *Runner) onTick(ctx context.Context, ev feed.Event) {
	if ev.Price <= 0 {
		return
	}
	defer r.afterTick()
	r.lastPrice = ev.Price
	r.engine.ledger.MarkPrice(r.cfg.Symbol, ev.Price)

	// 波动率不可用时跳过本次 tick
	if ev.Volatility <= 0 {
		return
	}
	if err := r.strategy.Update(ev.Price, ev.Volatility); err != nil {
		r.logger.Warn("Grid update rejected", zap.Float64("price", ev.Price), zap.Float64("volatility", ev.Volatility), zap.Error(err))
		return
	}

	if r.engine.entriesAllowed() {
		if level, ok := r.strategy.CheckBuySignal(ev.Price); ok {
			r.open(ctx, level, ev.Price)
		}
		if level, ok := r.strategy.CheckSellSignal(ev.Price); ok {
			r.open(ctx, level, ev.Price)
		}
	}

	for _, p := range r.strategy.Positions() {
		if r.strategy.CheckStopLoss(ev.Price, p.EntryPrice, p.Side) {
			r.logger.Info("Stop loss hit",
				zap.String("position", p.ID), zap.Float64("entry", p.EntryPrice), zap.Float64("price", ev.Price))
			r.closePosition(ctx, p, ev.Price, "stop_loss")
		}
	}
}

// open sizes, gates and submits a position for a triggered level.
func (r *Runner) open(ctx context.Context, level models.GridLevel, price float64) {
	fraction := r.strategy.CalculatePositionSize()
	if fraction <= 0 {
		return
	}
	side := level.PositionSide()
	stop := r.strategy.StopPrice(price, side)
	ledger := r.engine.ledger
	br := r.engine.bridge

	key := uuid.NewString()
	res, err := ledger.Reserve(risk.ReserveRequest{
		Key:          key,
		Symbol:       r.cfg.Symbol,
		Side:         side,
		Entry:        price,
		Stop:         stop,
		RiskFraction: r.cfg.RiskPerTrade,
		MaxFraction:  fraction,
	})
	if err != nil {
		r.logger.Debug("No size for signal", zap.Int("level", level.Index), zap.String("side", string(level.Side)), zap.Error(err))
		return
	}

	req := models.OrderRequest{
		Symbol:        r.cfg.Symbol,
		Side:          side.EntrySide(),
		Type:          models.Market,
		Quantity:      res.Quantity,
		ExpectedPrice: price,
	}
	// 交易所精度处理后数量不能超过账本预留
	filters, err := br.Filters(ctx, r.cfg.Symbol)
	if err != nil {
		ledger.Release(key)
		r.logger.Warn("Instrument filters unavailable", zap.Error(err))
		return
	}
	norm, err := bridge.Normalize(req, filters)
	if err != nil || norm.Quantity > res.Quantity*(1+1e-9) {
		ledger.Release(key)
		r.logger.Info("Sized quantity does not fit the instrument filters",
			zap.Float64("sized", res.Quantity), zap.Float64("normalized", norm.Quantity), zap.Error(err))
		return
	}
	if err := ledger.Adjust(key, norm.Quantity); err != nil {
		r.logger.Error("Adjust reservation failed", zap.Error(err))
	}

	var bracket bridge.BracketResult
	if r.cfg.ProtectiveOrders {
		bracket = br.SubmitBracket(ctx, norm, stop, r.strategy.ReferencePrice())
	} else {
		bracket.Entry = br.Submit(ctx, norm)
	}
	entry := bracket.Entry
	if !entry.Success {
		ledger.Release(key)
		r.rejected(entry, "entry")
		return
	}

	qty, fillPrice := filled(entry, price)
	if err := ledger.RecordFill(key, qty, fillPrice, r.fee(qty, fillPrice)); err != nil {
		// 交易所已成交但账本拒绝, 立即平掉这笔仓位
		r.logger.Error("Ledger refused fill, flattening", zap.String("clientOrderId", entry.ClientOrderID), zap.Error(err))
		r.cancelLegs(ctx, bracket)
		r.flattenUntracked(ctx, side, qty, fillPrice, price)
		return
	}

	pos, err := r.strategy.RecordPositionOpened(level, fraction, fillPrice, qty)
	if err != nil {
		r.logger.Error("Record position failed, flattening", zap.Error(err))
		r.cancelLegs(ctx, bracket)
		p := grid.Position{ID: key, Symbol: r.cfg.Symbol, Side: side, EntryPrice: fillPrice, Quantity: qty}
		r.exitAndBook(ctx, p, key, price, "record_failed", false)
		return
	}
	r.ledgerKeys[pos.ID] = key
	r.logger.Info("Grid position opened",
		zap.String("position", pos.ID), zap.String("side", string(pos.Side)),
		zap.Int("level", level.Index), zap.Float64("price", fillPrice), zap.Float64("qty", qty))

	if !r.cfg.ProtectiveOrders {
		return
	}
	if bracket.Partial() {
		r.engine.emit(events.New(events.PartialBracket, r.cfg.ID, r.cfg.Symbol, r.engine.now(), map[string]interface{}{
			"position_id":    pos.ID,
			"entry_order_id": entry.ClientOrderID,
			"stop_loss_ok":   bracket.StopLoss.Success,
			"take_profit_ok": bracket.TakeProfit.Success,
		}))
		r.cancelLegs(ctx, bracket)
		r.closePosition(ctx, pos, price, "partial_bracket")
		return
	}
	r.legs[pos.ID] = protectiveLegs{
		StopLoss:   activeOf(*bracket.StopLoss),
		TakeProfit: activeOf(*bracket.TakeProfit),
	}
}

// closePosition exits a tracked position at market. A failed exit leaves
// the position open so the next tick retries it.
func (r *Runner) closePosition(ctx context.Context, p grid.Position, price float64, reason string) {
	if legs, ok := r.legs[p.ID]; ok {
		if r.reconcileOne(ctx, p, legs) {
			return
		}
		r.cancelLeg(ctx, legs.StopLoss)
		r.cancelLeg(ctx, legs.TakeProfit)
		delete(r.legs, p.ID)
	}
	r.exitAndBook(ctx, p, r.ledgerKeys[p.ID], price, reason, true)
}

func (r *Runner) exitAndBook(ctx context.Context, p grid.Position, key string, price float64, reason string, tracked bool) {
	res := r.engine.bridge.Submit(ctx, models.OrderRequest{
		Symbol:        r.cfg.Symbol,
		Side:          p.Side.ExitSide(),
		Type:          models.Market,
		Quantity:      p.Quantity,
		ReduceOnly:    true,
		ExpectedPrice: price,
	})
	exitPrice := price
	switch {
	case res.Success:
		_, exitPrice = filled(res, price)
	case nothingToReduce(res.Err):
		r.logger.Warn("Position already flat on exchange, booking at last price", zap.String("position", p.ID))
	default:
		r.rejected(res, reason)
		return
	}
	r.book(p, key, exitPrice, reason, tracked)
}

// book realizes the close in the ledger and the strategy.
func (r *Runner) book(p grid.Position, key string, exitPrice float64, reason string, tracked bool) {
	fee := r.fee(p.Quantity, exitPrice)
	pnl, err := r.engine.ledger.RecordClose(key, exitPrice, fee)
	if err != nil {
		r.logger.Error("Ledger close failed", zap.String("position", p.ID), zap.Error(err))
		pnl = p.Side.PnL(p.EntryPrice, exitPrice, p.Quantity) - fee
	}
	delete(r.ledgerKeys, p.ID)
	if !tracked {
		return
	}
	if _, err := r.strategy.RecordPositionClosed(p.ID, exitPrice, pnl); err != nil {
		r.logger.Error("Record close failed", zap.String("position", p.ID), zap.Error(err))
		return
	}
	r.logger.Info("Grid position closed",
		zap.String("position", p.ID), zap.String("reason", reason),
		zap.Float64("entry", p.EntryPrice), zap.Float64("exit", exitPrice), zap.Float64("pnl", pnl))
}

// flattenUntracked exits a fill the ledger refused to book.
func (r *Runner) flattenUntracked(ctx context.Context, side models.PositionSide, qty, entryPrice, price float64) {
	res := r.engine.bridge.Submit(ctx, models.OrderRequest{
		Symbol:        r.cfg.Symbol,
		Side:          side.ExitSide(),
		Type:          models.Market,
		Quantity:      qty,
		ReduceOnly:    true,
		ExpectedPrice: price,
	})
	if !res.Success {
		r.rejected(res, "flatten_refused_fill")
		return
	}
	_, exit := filled(res, price)
	r.engine.ledger.RecordPnL(side.PnL(entryPrice, exit, qty) - r.fee(qty, entryPrice) - r.fee(qty, exit))
}

// flattenAll closes every open position; used by stop and liquidation.
func (r *Runner) flattenAll(ctx context.Context, reason string) {
	for _, p := range r.strategy.Positions() {
		price := r.lastPrice
		if price <= 0 {
			price = p.EntryPrice
		}
		r.closePosition(ctx, p, price, reason)
	}
	if r.cfg.ProtectiveOrders && r.strategy.PositionCount() == 0 {
		_ = r.engine.bridge.CancelAll(ctx, r.cfg.Symbol)
	}
}

// reconcile checks the protective legs of every position.
func (r *Runner) reconcile(ctx context.Context) {
	for id, legs := range r.legs {
		p, ok := r.strategy.Position(id)
		if !ok {
			delete(r.legs, id)
			continue
		}
		r.reconcileOne(ctx, p, legs)
	}
}

// reconcileOne books the position closed when one of its legs has filled
// and cancels the other leg. It reports whether the position was closed.
func (r *Runner) reconcileOne(ctx context.Context, p grid.Position, legs protectiveLegs) bool {
	for _, leg := range []bridge.ActiveOrder{legs.StopLoss, legs.TakeProfit} {
		o, err := r.engine.bridge.QueryOrder(ctx, r.cfg.Symbol, leg.ClientOrderID)
		if err != nil {
			r.logger.Debug("Query protective order failed", zap.String("clientOrderId", leg.ClientOrderID), zap.Error(err))
			continue
		}
		if o.Status != models.OrderFilled {
			continue
		}
		other := legs.TakeProfit
		if leg.ClientOrderID == legs.TakeProfit.ClientOrderID {
			other = legs.StopLoss
		}
		r.cancelLeg(ctx, other)
		delete(r.legs, p.ID)

		exit := o.AvgPrice
		if exit <= 0 {
			exit = o.StopPrice
		}
		r.book(p, r.ledgerKeys[p.ID], exit, "protective_"+string(leg.Type), true)
		return true
	}
	return false
}

func (r *Runner) cancelLegs(ctx context.Context, b bridge.BracketResult) {
	for _, leg := range []*models.OrderResult{b.StopLoss, b.TakeProfit} {
		if leg != nil && leg.Success && leg.Status.Resting() {
			r.cancelLeg(ctx, activeOf(*leg))
		}
	}
}

func (r *Runner) cancelLeg(ctx context.Context, leg bridge.ActiveOrder) {
	if leg.OrderID == 0 {
		return
	}
	if err := r.engine.bridge.Cancel(ctx, r.cfg.Symbol, leg.OrderID); err != nil {
		r.logger.Warn("Cancel protective order failed", zap.Int64("orderId", leg.OrderID), zap.Error(err))
	}
}

func (r *Runner) rejected(res models.OrderResult, stage string) {
	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	r.logger.Warn("Order rejected",
		zap.String("stage", stage),
		zap.String("clientOrderId", res.ClientOrderID),
		zap.Stringer("reason", res.Reason),
		zap.Int("attempts", res.Attempts))
	r.engine.emit(events.New(events.OrderRejected, r.cfg.ID, r.cfg.Symbol, r.engine.now(), map[string]interface{}{
		"stage":           stage,
		"client_order_id": res.ClientOrderID,
		"reason":          res.Reason.String(),
		"retryable":       res.Reason.Retryable(),
		"attempts":        res.Attempts,
		"error":           errMsg,
	}))
}

func (r *Runner) fee(qty, price float64) float64 {
	return qty * price * r.engine.feeRate
}

func filled(res models.OrderResult, fallbackPrice float64) (float64, float64) {
	qty := res.FilledQty
	if qty <= 0 {
		qty = res.Request.Quantity
	}
	price := res.AvgPrice
	if price <= 0 {
		price = fallbackPrice
	}
	return qty, price
}

func activeOf(res models.OrderResult) bridge.ActiveOrder {
	return bridge.ActiveOrder{
		Symbol:        res.Request.Symbol,
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Type:          res.Request.Type,
	}
}

func nothingToReduce(err error) bool {
	var apiErr *models.Error
	return errors.As(err, &apiErr) && apiErr.Code == exchange.CodeReduceOnlyRejected
}
