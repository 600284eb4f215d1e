package feed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

// History returns the most recent closed candles of a symbol, oldest first.
type History interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// BinanceHistory 通过合约 REST 接口拉取历史K线, 用于预热 ATR
type BinanceHistory struct {
	client *futures.Client
}

// NewBinanceHistory wraps a futures client. Kline endpoints are public, so
// the client may carry empty credentials.
func NewBinanceHistory(client *futures.Client) *BinanceHistory {
	return &BinanceHistory{client: client}
}

func (h *BinanceHistory) Klines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if limit > 1500 {
		limit = 1500 // 币安合约单次请求上限
	}
	klines, err := h.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("下载K线数据失败: %w", err)
	}

	now := time.Now().UnixMilli()
	out := make([]Candle, 0, len(klines))
	for _, k := range klines {
		// 最后一根往往还未收盘
		if k.CloseTime > now {
			continue
		}
		out = append(out, Candle{
			OpenTime:  time.UnixMilli(k.OpenTime),
			CloseTime: time.UnixMilli(k.CloseTime),
			Open:      parseNum(k.Open),
			High:      parseNum(k.High),
			Low:       parseNum(k.Low),
			Close:     parseNum(k.Close),
		})
	}
	return out, nil
}

// Warm feeds history into a fresh estimator and returns it with the last close.
func Warm(ctx context.Context, h History, symbol, interval string, period int) (*ATR, float64, error) {
	atr := NewATR(period)
	if h == nil {
		return atr, 0, nil
	}
	candles, err := h.Klines(ctx, symbol, interval, period*3+1)
	if err != nil {
		return atr, 0, err
	}
	var last float64
	for _, c := range candles {
		atr.Add(c)
		last = c.Close
	}
	return atr, last, nil
}

func parseNum(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
