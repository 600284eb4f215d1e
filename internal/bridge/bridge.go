package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"volatility-grid-bot-go/internal/exchange"
	"volatility-grid-bot-go/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ActiveOrder is an order the bridge believes is still resting on the exchange.
type ActiveOrder struct {
	Symbol        string           `json:"symbol"`
	OrderID       int64            `json:"order_id"`
	ClientOrderID string           `json:"client_order_id"`
	Type          models.OrderType `json:"type"`
}

// BracketResult is the outcome of an entry with its protective legs.
// StopLoss and TakeProfit are nil when the entry failed.
type BracketResult struct {
	Entry      models.OrderResult  `json:"entry"`
	StopLoss   *models.OrderResult `json:"stop_loss,omitempty"`
	TakeProfit *models.OrderResult `json:"take_profit,omitempty"`
}

// Complete reports whether the entry and both legs succeeded.
func (b BracketResult) Complete() bool {
	return b.Entry.Success && b.StopLoss != nil && b.StopLoss.Success &&
		b.TakeProfit != nil && b.TakeProfit.Success
}

// Partial reports an entry that succeeded with at least one failed leg.
func (b BracketResult) Partial() bool {
	return b.Entry.Success && !b.Complete()
}

// Bridge turns order requests into confirmed exchange state. It owns retry,
// precision normalization, the global request rate and the cap on
// concurrent outbound order calls shared by every strategy.
type Bridge struct {
	ex      exchange.Exchange
	cfg     models.BridgeConfig
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	logger  *zap.Logger

	mu       sync.Mutex
	filters  map[string]models.InstrumentFilters
	active   map[string]ActiveOrder // by client order id
	history  []models.OrderResult
	inFlight sync.WaitGroup
	now      func() time.Time
}

// New 创建下单桥
func New(ex exchange.Exchange, cfg models.BridgeConfig, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 1
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.RequestTimeoutMs <= 0 {
		cfg.RequestTimeoutMs = 5000
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Bridge{
		ex:      ex,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		sem:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		logger:  logger,
		filters: make(map[string]models.InstrumentFilters),
		active:  make(map[string]ActiveOrder),
		now:     time.Now,
	}
}

// NewClientOrderID returns a fresh idempotency key: "vg" + base62(uuid),
// within the exchange's 36 character limit.
func NewClientOrderID() string {
	id := uuid.New()
	return "vg" + base62.EncodeToString(id[:])
}

// Filters returns the cached trading rules of symbol. A miss is fetched
// under the same retry policy as order placement.
func (b *Bridge) Filters(ctx context.Context, symbol string) (models.InstrumentFilters, error) {
	b.mu.Lock()
	f, ok := b.filters[symbol]
	b.mu.Unlock()
	if ok {
		return f, nil
	}

	attempts := 0
	f, err := backoff.RetryWithData(func() (models.InstrumentFilters, error) {
		attempts++
		var fetched models.InstrumentFilters
		err := b.call(ctx, func(cctx context.Context) error {
			var ferr error
			fetched, ferr = b.ex.GetInstrumentFilters(cctx, symbol)
			return ferr
		})
		if err != nil {
			b.logger.Warn("Filter fetch failed",
				zap.String("symbol", symbol),
				zap.Int("attempt", attempts),
				zap.Stringer("reason", Classify(err)),
				zap.Error(err))
			return models.InstrumentFilters{}, b.permanentUnlessRetryable(err)
		}
		return fetched, nil
	}, b.retryPolicy(ctx))
	if err != nil {
		return models.InstrumentFilters{}, err
	}
	b.mu.Lock()
	b.filters[symbol] = f
	b.mu.Unlock()
	return f, nil
}

// Submit normalizes and places an order, retrying transient failures with
// linear backoff. The client order id is fixed before the first attempt;
// before every retry the exchange is queried by that id and an existing
// order is adopted instead of placing a second one.
func (b *Bridge) Submit(ctx context.Context, req models.OrderRequest) models.OrderResult {
	b.inFlight.Add(1)
	defer b.inFlight.Done()

	if req.ClientOrderID == "" {
		req.ClientOrderID = NewClientOrderID()
	}
	log := b.logger.With(
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)),
		zap.String("clientOrderId", req.ClientOrderID))

	f, err := b.Filters(ctx, req.Symbol)
	if err != nil {
		return b.finish(log, req, nil, 0, err)
	}
	norm, err := Normalize(req, f)
	if err != nil {
		return b.finish(log, req, nil, 0, err)
	}
	if err := CheckMinNotional(norm, f); err != nil {
		return b.finish(log, norm, nil, 0, err)
	}

	attempts := 0
	op := func() (*models.Order, error) {
		attempts++
		if attempts > 1 {
			existing, qerr := b.queryOnce(ctx, norm.Symbol, norm.ClientOrderID)
			switch {
			case qerr == nil:
				log.Info("Adopting order accepted by a previous attempt", zap.Int64("orderId", existing.OrderID), zap.Int("attempt", attempts))
				return existing, nil
			case !errors.Is(qerr, exchange.ErrOrderNotFound):
				return nil, b.permanentUnlessRetryable(qerr)
			}
		}

		var order *models.Order
		err := b.call(ctx, func(cctx context.Context) error {
			var perr error
			order, perr = b.ex.PlaceOrder(cctx, norm)
			return perr
		})
		if err != nil {
			log.Warn("Order attempt failed",
				zap.Int("attempt", attempts),
				zap.Stringer("reason", Classify(err)),
				zap.Error(err))
			return nil, b.permanentUnlessRetryable(err)
		}
		return order, nil
	}

	order, err := backoff.RetryWithData(op, b.retryPolicy(ctx))
	return b.finish(log, norm, order, attempts, err)
}

// SubmitBracket places the entry and, once it succeeded, a reduce-only stop
// and take-profit for the filled quantity. Failed legs are reported, not
// retried beyond Submit's own policy; the caller decides whether to flatten.
func (b *Bridge) SubmitBracket(ctx context.Context, entry models.OrderRequest, stopLossPrice, takeProfitPrice float64) BracketResult {
	res := BracketResult{Entry: b.Submit(ctx, entry)}
	if !res.Entry.Success {
		return res
	}

	qty := res.Entry.FilledQty
	if qty <= 0 {
		qty = res.Entry.Request.Quantity
	}
	exit := entry.Side.Opposite()

	sl := b.Submit(ctx, models.OrderRequest{
		Symbol:     entry.Symbol,
		Side:       exit,
		Type:       models.StopMarket,
		Quantity:   qty,
		StopPrice:  stopLossPrice,
		ReduceOnly: true,
	})
	res.StopLoss = &sl

	tp := b.Submit(ctx, models.OrderRequest{
		Symbol:     entry.Symbol,
		Side:       exit,
		Type:       models.TakeProfitMarket,
		Quantity:   qty,
		StopPrice:  takeProfitPrice,
		ReduceOnly: true,
	})
	res.TakeProfit = &tp

	if res.Partial() {
		b.logger.Error("Partial bracket: entry filled but a protective leg failed",
			zap.String("symbol", entry.Symbol),
			zap.String("entryClientOrderId", res.Entry.ClientOrderID),
			zap.Bool("stopLossOk", sl.Success),
			zap.Bool("takeProfitOk", tp.Success))
	}
	return res
}

// Cancel is best-effort; on success the order leaves the active set.
func (b *Bridge) Cancel(ctx context.Context, symbol string, orderID int64) error {
	err := b.call(ctx, func(cctx context.Context) error {
		return b.ex.CancelOrder(cctx, symbol, orderID)
	})
	if err != nil {
		b.logger.Warn("Cancel failed", zap.String("symbol", symbol), zap.Int64("orderId", orderID), zap.Error(err))
		return err
	}
	b.mu.Lock()
	for id, o := range b.active {
		if o.Symbol == symbol && o.OrderID == orderID {
			delete(b.active, id)
		}
	}
	b.mu.Unlock()
	return nil
}

// CancelAll cancels every open order of symbol.
func (b *Bridge) CancelAll(ctx context.Context, symbol string) error {
	err := b.call(ctx, func(cctx context.Context) error {
		return b.ex.CancelAllOpenOrders(cctx, symbol)
	})
	if err != nil {
		b.logger.Warn("Cancel all failed", zap.String("symbol", symbol), zap.Error(err))
		return err
	}
	b.mu.Lock()
	for id, o := range b.active {
		if o.Symbol == symbol {
			delete(b.active, id)
		}
	}
	b.mu.Unlock()
	return nil
}

// QueryOrder fetches an order by client id and prunes it from the active
// set once it stopped resting.
func (b *Bridge) QueryOrder(ctx context.Context, symbol, clientOrderID string) (*models.Order, error) {
	o, err := b.queryOnce(ctx, symbol, clientOrderID)
	if err != nil {
		return nil, err
	}
	if !o.Status.Resting() {
		b.mu.Lock()
		delete(b.active, clientOrderID)
		b.mu.Unlock()
	}
	return o, nil
}

// ActiveOrders returns the orders believed to be resting.
func (b *Bridge) ActiveOrders() []ActiveOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ActiveOrder, 0, len(b.active))
	for _, o := range b.active {
		out = append(out, o)
	}
	return out
}

// History returns the bounded execution history, oldest first.
func (b *Bridge) History() []models.OrderResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.OrderResult(nil), b.history...)
}

// Drain waits for in-flight submissions to finish or ctx to expire.
func (b *Bridge) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain order bridge: %w", ctx.Err())
	}
}

func (b *Bridge) queryOnce(ctx context.Context, symbol, clientOrderID string) (*models.Order, error) {
	var o *models.Order
	err := b.call(ctx, func(cctx context.Context) error {
		var qerr error
		o, qerr = b.ex.QueryOrder(cctx, symbol, clientOrderID)
		return qerr
	})
	return o, err
}

// call runs one exchange request under the in-flight cap, the global rate
// limit and the per-call timeout.
func (b *Bridge) call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer b.sem.Release(1)
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout())
	defer cancel()
	return fn(cctx)
}

// retryPolicy allows MaxRetries attempts in total, linearly spaced.
func (b *Bridge) retryPolicy(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{delay: b.cfg.RetryDelay()}, uint64(b.cfg.MaxRetries-1)),
		ctx)
}

func (b *Bridge) permanentUnlessRetryable(err error) error {
	if Classify(err).Retryable() {
		return err
	}
	return backoff.Permanent(err)
}

func (b *Bridge) finish(log *zap.Logger, req models.OrderRequest, order *models.Order, attempts int, err error) models.OrderResult {
	res := models.OrderResult{
		ClientOrderID: req.ClientOrderID,
		Request:       req,
		Attempts:      attempts,
		Time:          b.now(),
	}
	if err == nil && order != nil && order.Status != models.OrderRejected &&
		(order.Status != models.OrderExpired || order.ExecutedQty > 0) {
		res.Success = true
		res.OrderID = order.OrderID
		res.Status = order.Status
		res.FilledQty = order.ExecutedQty
		res.AvgPrice = order.AvgPrice
	} else {
		if err == nil {
			err = fmt.Errorf("order %s ended %s", req.ClientOrderID, orderStatus(order))
		}
		res.Err = err
		res.Reason = Classify(err)
		log.Error("Order failed",
			zap.Int("attempts", attempts),
			zap.Stringer("reason", res.Reason),
			zap.Bool("retryable", res.Reason.Retryable()),
			zap.Error(err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if res.Success && res.Status.Resting() {
		b.active[req.ClientOrderID] = ActiveOrder{
			Symbol:        req.Symbol,
			OrderID:       res.OrderID,
			ClientOrderID: req.ClientOrderID,
			Type:          req.Type,
		}
	}
	b.history = append(b.history, res)
	if limit := b.cfg.HistorySize; limit > 0 && len(b.history) > limit {
		b.history = b.history[len(b.history)-limit:]
	}
	return res
}

func orderStatus(o *models.Order) models.OrderStatus {
	if o == nil {
		return "UNKNOWN"
	}
	return o.Status
}
