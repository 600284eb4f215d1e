package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // Must be less than pongWait
)

// BinanceFeed streams klines of one interval from the futures websocket and
// attaches an ATR estimate. One instance serves the strategies sharing an
// interval and ATR period.
type BinanceFeed struct {
	baseURL   string
	interval  string
	atrPeriod int
	history   History
	logger    *zap.Logger
	dialer    *websocket.Dialer
	buffer    int

	// 重连退避上限
	maxReconnectDelay time.Duration
}

// NewBinanceFeed creates a feed for baseURL (e.g. wss://fstream.binance.com).
// history may be nil, in which case volatility stays zero until atrPeriod
// candles have closed on the stream.
func NewBinanceFeed(baseURL, interval string, atrPeriod int, history History, logger *zap.Logger) *BinanceFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BinanceFeed{
		baseURL:           strings.TrimRight(baseURL, "/"),
		interval:          interval,
		atrPeriod:         atrPeriod,
		history:           history,
		logger:            logger,
		dialer:            websocket.DefaultDialer,
		buffer:            64,
		maxReconnectDelay: 30 * time.Second,
	}
}

func (f *BinanceFeed) Subscribe(ctx context.Context, symbol string) (<-chan Event, error) {
	atr, _, err := Warm(ctx, f.history, symbol, f.interval, f.atrPeriod)
	if err != nil {
		// 预热失败不致命, 等待实时K线补足
		f.logger.Warn("ATR warm-up failed, waiting for live candles", zap.String("symbol", symbol), zap.Error(err))
	}

	out := make(chan Event, f.buffer)
	go f.run(ctx, symbol, atr, out)
	return out, nil
}

// run 是一个守护进程，负责维持WebSocket的连接和重连
func (f *BinanceFeed) run(ctx context.Context, symbol string, atr *ATR, out chan<- Event) {
	defer close(out)
	log := f.logger.With(zap.String("symbol", symbol), zap.String("interval", f.interval))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = f.maxReconnectDelay
	bo.MaxElapsedTime = 0

	url := fmt.Sprintf("%s/ws/%s@kline_%s", f.baseURL, strings.ToLower(symbol), f.interval)
	for {
		conn, _, err := f.dialer.DialContext(ctx, url, nil)
		if err == nil {
			log.Info("WebSocket连接成功")
			bo.Reset()
			// stream 会阻塞直到连接断开
			err = f.stream(ctx, conn, symbol, atr, out)
			conn.Close()
		}
		if ctx.Err() != nil {
			log.Info("行情订阅已停止")
			return
		}
		wait := bo.NextBackOff()
		log.Warn("WebSocket连接已断开，准备重连", zap.Error(err), zap.Duration("retryIn", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// stream 为一个已建立的连接处理消息，并实现心跳机制
func (f *BinanceFeed) stream(ctx context.Context, conn *websocket.Conn, symbol string, atr *ATR, out chan<- Event) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-ctx.Done():
				// 优雅关闭, 同时让阻塞中的 ReadMessage 返回
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}
		k, err := parseKline(message)
		if err != nil {
			f.logger.Debug("解析K线失败", zap.Error(err))
			continue
		}
		if k.Closed {
			atr.Add(k.Candle)
		}
		ev := Event{
			Symbol:     symbol,
			Price:      k.Candle.Close,
			Volatility: atr.Value(),
			Closed:     k.Closed,
			Time:       k.EventTime,
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type klineMessage struct {
	EventTime time.Time
	Candle    Candle
	Closed    bool
}

func parseKline(message []byte) (klineMessage, error) {
	var raw struct {
		Event     string `json:"e"`
		EventTime int64  `json:"E"`
		K         struct {
			OpenTime  int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Open      string `json:"o"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Close     string `json:"c"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(message, &raw); err != nil {
		return klineMessage{}, err
	}
	if raw.Event != "kline" {
		return klineMessage{}, fmt.Errorf("unexpected event %q", raw.Event)
	}
	c := Candle{
		OpenTime:  time.UnixMilli(raw.K.OpenTime),
		CloseTime: time.UnixMilli(raw.K.CloseTime),
		Open:      parseNum(raw.K.Open),
		High:      parseNum(raw.K.High),
		Low:       parseNum(raw.K.Low),
		Close:     parseNum(raw.K.Close),
	}
	if c.Close <= 0 {
		return klineMessage{}, fmt.Errorf("invalid close %q", raw.K.Close)
	}
	return klineMessage{EventTime: time.UnixMilli(raw.EventTime), Candle: c, Closed: raw.K.Closed}, nil
}
