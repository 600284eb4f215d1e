package feed

import (
	"context"
	"math"
	"time"
)

// Event is one market-data update for a symbol. Volatility is the current
// ATR estimate and is zero until the estimator is warmed up.
type Event struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Volatility float64   `json:"volatility"`
	Closed     bool      `json:"closed"` // 是否为已收盘K线
	Time       time.Time `json:"time"`
}

// Feed delivers an ordered stream of events for one symbol. The channel is
// closed when ctx is done; reconnects are handled inside the feed.
type Feed interface {
	Subscribe(ctx context.Context, symbol string) (<-chan Event, error)
}

// Candle is an OHLC bar.
type Candle struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
}

// ATR 是 Wilder 平滑的平均真实波幅
type ATR struct {
	period    int
	count     int
	sum       float64
	value     float64
	prevClose float64
}

// NewATR returns an estimator over period candles.
func NewATR(period int) *ATR {
	if period < 1 {
		period = 1
	}
	return &ATR{period: period}
}

// Add folds one closed candle into the estimate.
func (a *ATR) Add(c Candle) {
	tr := c.High - c.Low
	if a.count > 0 {
		tr = math.Max(tr, math.Max(math.Abs(c.High-a.prevClose), math.Abs(c.Low-a.prevClose)))
	}
	a.prevClose = c.Close
	a.count++

	switch {
	case a.count < a.period:
		a.sum += tr
	case a.count == a.period:
		a.sum += tr
		a.value = a.sum / float64(a.period)
	default:
		p := float64(a.period)
		a.value = (a.value*(p-1) + tr) / p
	}
}

// Value returns the current ATR, or 0 before period candles were seen.
func (a *ATR) Value() float64 { return a.value }

// Ready reports whether the warm-up is complete.
func (a *ATR) Ready() bool { return a.count >= a.period }

type observed struct {
	inner Feed
	fn    func(Event)
}

// Observe wraps f so fn sees every event before the subscriber does.
// Paper trading uses it to move the simulated exchange's last price.
func Observe(f Feed, fn func(Event)) Feed {
	return &observed{inner: f, fn: fn}
}

func (o *observed) Subscribe(ctx context.Context, symbol string) (<-chan Event, error) {
	in, err := o.inner.Subscribe(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, cap(in))
	go func() {
		defer close(out)
		for ev := range in {
			o.fn(ev)
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
