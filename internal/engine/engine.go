package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"volatility-grid-bot-go/internal/bridge"
	"volatility-grid-bot-go/internal/eventsink"
	"volatility-grid-bot-go/internal/events"
	"volatility-grid-bot-go/internal/exchange"
	"volatility-grid-bot-go/internal/feed"
	"volatility-grid-bot-go/internal/grid"
	"volatility-grid-bot-go/internal/models"
	"volatility-grid-bot-go/internal/persistence"
	"volatility-grid-bot-go/internal/reporter"
	"volatility-grid-bot-go/internal/risk"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownStrategy   = errors.New("unknown strategy")
	ErrDuplicateStrategy = errors.New("strategy already running")
	ErrShuttingDown      = errors.New("engine is shutting down")
	ErrNotStarted        = errors.New("engine not started")
)

// FeedFactory returns the market-data feed for one strategy.
type FeedFactory func(cfg models.StrategyConfig) feed.Feed

// Deps are the collaborators the engine drives.
type Deps struct {
	Exchange exchange.Exchange
	Bridge   *bridge.Bridge
	Ledger   *risk.Ledger
	Sink     *eventsink.Dispatcher
	Repo     persistence.EventRepository // optional, closed on shutdown
	Feeds    FeedFactory
	Trades   *reporter.TradeStats // optional
	Logger   *zap.Logger
}

// Engine is the account-scope execution loop. It owns one Runner per
// strategy, the risk monitor and the status task.
type Engine struct {
	cfg     models.Config
	ex      exchange.Exchange
	bridge  *bridge.Bridge
	ledger  *risk.Ledger
	sink    *eventsink.Dispatcher
	repo    persistence.EventRepository
	feeds   FeedFactory
	trades  *reporter.TradeStats
	logger  *zap.Logger
	feeRate float64
	now     func() time.Time

	mu             sync.Mutex
	runners        map[string]*Runner
	paused         bool
	entriesEnabled bool
	halted         bool
	stopping       bool
	ctx            context.Context
	cancel         context.CancelFunc

	wg       sync.WaitGroup // monitor tasks
	runnerWG sync.WaitGroup
	shutdown sync.Once
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New 创建执行引擎
func New(cfg models.Config, deps Deps, opts ...Option) (*Engine, error) {
	if deps.Exchange == nil || deps.Bridge == nil || deps.Ledger == nil || deps.Sink == nil || deps.Feeds == nil {
		return nil, errors.New("engine: exchange, bridge, ledger, sink and feeds are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Trades == nil {
		deps.Trades = reporter.NewTradeStats()
	}
	cfg.ApplyDefaults()
	e := &Engine{
		cfg:            cfg,
		ex:             deps.Exchange,
		bridge:         deps.Bridge,
		ledger:         deps.Ledger,
		sink:           deps.Sink,
		repo:           deps.Repo,
		feeds:          deps.Feeds,
		trades:         deps.Trades,
		logger:         deps.Logger,
		feeRate:        cfg.Account.TakerFeeRate,
		now:            time.Now,
		runners:        make(map[string]*Runner),
		entriesEnabled: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sink.OnEvent(e.trades.HandleEvent)
	return e, nil
}

// Start syncs capital when none is configured, launches the risk monitor
// and status task, and starts every configured strategy.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.ctx != nil {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	if e.cfg.Account.InitialCapital <= 0 {
		if err := e.syncCapital(ctx); err != nil {
			return err
		}
	}

	e.wg.Add(2)
	go e.riskMonitor()
	go e.statusLoop()

	for _, sc := range e.cfg.Strategies {
		if _, err := e.StartStrategy(sc); err != nil {
			return fmt.Errorf("start strategy %s: %w", sc.Symbol, err)
		}
	}
	e.logger.Info("Engine started", zap.Int("strategies", len(e.cfg.Strategies)), zap.String("mode", e.cfg.Mode))
	return nil
}

func (e *Engine) syncCapital(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.Bridge.RequestTimeout())
	defer cancel()
	balances, err := e.ex.GetBalance(cctx)
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}
	b, ok := exchange.FindBalance(balances, e.cfg.Account.QuoteAsset)
	if !ok || b.Total <= 0 {
		return fmt.Errorf("no %s balance to trade with", e.cfg.Account.QuoteAsset)
	}
	if e.ledger.SyncCapital(b.Total) {
		e.logger.Info("Initial capital synced from exchange", zap.Float64("capital", b.Total))
	}
	return nil
}

// StartStrategy creates a strategy instance and its runner.
func (e *Engine) StartStrategy(sc models.StrategyConfig) (string, error) {
	if err := sc.Validate(); err != nil {
		return "", err
	}
	regime, err := models.ParseRegime(sc.Regime)
	if err != nil {
		return "", err
	}
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}

	e.mu.Lock()
	parent := e.ctx
	err = e.checkStartableLocked(sc.ID)
	e.mu.Unlock()
	if err != nil {
		return "", err
	}

	q := events.NewQueue(e.cfg.Engine.EventBufferSize)
	strategy, err := grid.NewStrategy(sc.ID, sc.Symbol, sc.Grid, regime, q, grid.WithClock(e.now))
	if err != nil {
		return "", err
	}

	lev := int(e.ledger.Leverage())
	lctx, lcancel := context.WithTimeout(parent, e.cfg.Bridge.RequestTimeout())
	if err := e.ex.SetLeverage(lctx, sc.Symbol, lev); err != nil {
		e.logger.Warn("Set leverage failed", zap.String("symbol", sc.Symbol), zap.Int("leverage", lev), zap.Error(err))
	}
	lcancel()

	ctx, cancel := context.WithCancel(parent)
	stream, err := e.feeds(sc).Subscribe(ctx, sc.Symbol)
	if err != nil {
		cancel()
		return "", fmt.Errorf("subscribe %s: %w", sc.Symbol, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkStartableLocked(sc.ID); err != nil {
		cancel()
		return "", err
	}
	r := newRunner(e, sc, strategy, stream, cancel)
	e.runners[sc.ID] = r
	e.runnerWG.Add(1)
	go func() {
		defer e.runnerWG.Done()
		r.run(ctx)
		e.mu.Lock()
		if e.runners[sc.ID] == r {
			delete(e.runners, sc.ID)
		}
		e.mu.Unlock()
	}()

	e.logger.Info("Strategy started",
		zap.String("id", sc.ID), zap.String("symbol", sc.Symbol),
		zap.String("regime", string(regime)), zap.String("mode", string(strategy.Mode())))
	e.operatorEvent("start_strategy", sc.ID, sc.Symbol, nil)
	return sc.ID, nil
}

// StopStrategy flattens a strategy's positions and stops its runner.
func (e *Engine) StopStrategy(ctx context.Context, id string) error {
	r, err := e.runner(id)
	if err != nil {
		return err
	}
	err = r.do(ctx, func(rctx context.Context) {
		r.flattenAll(rctx, "strategy stopped")
		r.cancel()
	})
	select {
	case <-r.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	e.operatorEvent("stop_strategy", id, r.cfg.Symbol, nil)
	return err
}

// UpdateRegime changes a strategy's regime; it applies between ticks.
func (e *Engine) UpdateRegime(ctx context.Context, id, regime string) error {
	reg, err := models.ParseRegime(regime)
	if err != nil {
		return err
	}
	r, err := e.runner(id)
	if err != nil {
		return err
	}
	e.operatorEvent("update_regime", id, r.cfg.Symbol, map[string]interface{}{"regime": string(reg)})
	return r.do(ctx, func(context.Context) {
		r.strategy.SetRegime(reg)
		r.publishStatus()
	})
}

// PauseTrading blocks new entries; stops and protective orders keep working.
func (e *Engine) PauseTrading() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.logger.Warn("Trading paused by operator")
	e.operatorEvent("pause", "account", "", nil)
}

func (e *Engine) ResumeTrading() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.logger.Info("Trading resumed by operator")
	e.operatorEvent("resume", "account", "", nil)
}

// StopTrading stops every strategy, flattening their positions, and halts
// new entries until ResetDailyLimits.
func (e *Engine) StopTrading(ctx context.Context) error {
	e.mu.Lock()
	e.halted = true
	ids := make([]string, 0, len(e.runners))
	for id := range e.runners {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	e.logger.Warn("Trading stopped by operator", zap.Strings("strategies", ids))
	e.operatorEvent("stop_trading", "account", "", nil)

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := e.StopStrategy(gctx, id); err != nil && !errors.Is(err, ErrUnknownStrategy) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// EmergencyStop halts the account and liquidates every open position.
func (e *Engine) EmergencyStop(ctx context.Context, reason string) error {
	e.ledger.TriggerEmergency(reason)
	e.operatorEvent("emergency_stop", "account", "", map[string]interface{}{"reason": reason})
	return e.liquidate(ctx, "emergency stop: "+reason)
}

// ResetDailyLimits re-enables trading after a breach or halt.
func (e *Engine) ResetDailyLimits() {
	e.ledger.ResetDailyLimits()
	e.mu.Lock()
	e.halted = false
	e.entriesEnabled = true
	e.mu.Unlock()
	e.logger.Warn("Daily limits reset by operator")
	e.operatorEvent("reset_daily_limits", "account", "", nil)
}

// Status returns a point-in-time snapshot of the account and every strategy.
func (e *Engine) Status() models.EngineStatus {
	e.mu.Lock()
	st := models.EngineStatus{
		Time:           e.now(),
		Paused:         e.paused,
		EntriesEnabled: e.entriesEnabled,
		Halted:         e.halted,
	}
	runners := make([]*Runner, 0, len(e.runners))
	for _, r := range e.runners {
		runners = append(runners, r)
	}
	e.mu.Unlock()

	st.Account = e.ledger.Snapshot()
	for _, r := range runners {
		st.Strategies = append(st.Strategies, r.Status())
	}
	sort.Slice(st.Strategies, func(i, j int) bool { return st.Strategies[i].ID < st.Strategies[j].ID })
	return st
}

// entriesAllowed is checked by runners before opening a position.
func (e *Engine) entriesAllowed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.paused && !e.halted && !e.stopping && e.entriesEnabled
}

func (e *Engine) checkStartableLocked(id string) error {
	if e.ctx == nil {
		return ErrNotStarted
	}
	if e.stopping {
		return ErrShuttingDown
	}
	if _, ok := e.runners[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStrategy, id)
	}
	return nil
}

func (e *Engine) runner(id string) (*Runner, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runners[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	return r, nil
}

func (e *Engine) activeRunners() []*Runner {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Runner, 0, len(e.runners))
	for _, r := range e.runners {
		out = append(out, r)
	}
	return out
}

// liquidate halts entries and flattens every runner in parallel.
func (e *Engine) liquidate(ctx context.Context, reason string) error {
	e.mu.Lock()
	e.halted = true
	e.mu.Unlock()

	runners := e.activeRunners()
	e.emit(events.New(events.EmergencyLiquidation, "account", "", e.now(), map[string]interface{}{
		"reason":     reason,
		"strategies": len(runners),
	}))
	e.logger.Error("Emergency liquidation", zap.String("reason", reason), zap.Int("strategies", len(runners)))

	var g errgroup.Group
	for _, r := range runners {
		r := r
		g.Go(func() error {
			return r.do(ctx, func(rctx context.Context) { r.flattenAll(rctx, reason) })
		})
	}
	return g.Wait()
}

func (e *Engine) emit(ev events.Event) {
	e.sink.Dispatch(ev)
}

func (e *Engine) operatorEvent(command, source, symbol string, data map[string]interface{}) {
	if data == nil {
		data = make(map[string]interface{})
	}
	data["command"] = command
	e.emit(events.New(events.OperatorCommand, source, symbol, e.now(), data))
}
