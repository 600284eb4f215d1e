package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"volatility-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
)

// BinanceExchange 实现了 Exchange 接口，用于与币安 U 本位合约交互。
type BinanceExchange struct {
	client *futures.Client
	logger *zap.Logger

	mu      sync.Mutex
	filters map[string]models.InstrumentFilters // 缓存交易规则
}

// NewBinanceExchange 创建一个新的 BinanceExchange 实例，并与服务器同步时间。
func NewBinanceExchange(ctx context.Context, apiKey, secretKey string, testnet bool, logger *zap.Logger) (*BinanceExchange, error) {
	if testnet {
		futures.UseTestnet = true
	}
	client := binance.NewFuturesClient(apiKey, secretKey)

	offset, err := client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("与币安服务器同步时间失败: %w", wrapError(err))
	}
	logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffset (ms)", offset))

	return &BinanceExchange{
		client:  client,
		logger:  logger,
		filters: make(map[string]models.InstrumentFilters),
	}, nil
}

// Client exposes the underlying futures client, used to seed kline history.
func (e *BinanceExchange) Client() *futures.Client {
	return e.client
}

func (e *BinanceExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, wrapError(err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return strconv.ParseFloat(p.Price, 64)
		}
	}
	return 0, NewAPIError(CodeBadSymbol, "no price for "+symbol)
}

func (e *BinanceExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(formatFloat(req.Quantity)).
		NewClientOrderID(req.ClientOrderID).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	switch req.Type {
	case models.Limit:
		svc = svc.Price(formatFloat(req.Price)).TimeInForce(futures.TimeInForceTypeGTC)
	case models.StopMarket, models.TakeProfitMarket:
		svc = svc.StopPrice(formatFloat(req.StopPrice)).WorkingType(futures.WorkingTypeMarkPrice)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	return &models.Order{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          models.Side(res.Side),
		Type:          models.OrderType(res.Type),
		Status:        models.OrderStatus(res.Status),
		Price:         parseFloat(res.Price),
		StopPrice:     parseFloat(res.StopPrice),
		OrigQty:       parseFloat(res.OrigQuantity),
		ExecutedQty:   parseFloat(res.ExecutedQuantity),
		AvgPrice:      parseFloat(res.AvgPrice),
		ReduceOnly:    res.ReduceOnly,
		UpdateTime:    time.UnixMilli(res.UpdateTime),
	}, nil
}

func (e *BinanceExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	_, err := e.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	return wrapError(err)
}

func (e *BinanceExchange) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	return wrapError(e.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx))
}

// QueryOrder 通过客户端订单ID查询订单
func (e *BinanceExchange) QueryOrder(ctx context.Context, symbol, clientOrderID string) (*models.Order, error) {
	o, err := e.client.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		// -2013: Order does not exist
		if errors.As(err, &apiErr) && apiErr.Code == -2013 {
			return nil, ErrOrderNotFound
		}
		return nil, wrapError(err)
	}
	return &models.Order{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          models.Side(o.Side),
		Type:          models.OrderType(o.Type),
		Status:        models.OrderStatus(o.Status),
		Price:         parseFloat(o.Price),
		StopPrice:     parseFloat(o.StopPrice),
		OrigQty:       parseFloat(o.OrigQuantity),
		ExecutedQty:   parseFloat(o.ExecutedQuantity),
		AvgPrice:      parseFloat(o.AvgPrice),
		ReduceOnly:    o.ReduceOnly,
		UpdateTime:    time.UnixMilli(o.UpdateTime),
	}, nil
}

// GetInstrumentFilters 获取并缓存交易规则
func (e *BinanceExchange) GetInstrumentFilters(ctx context.Context, symbol string) (models.InstrumentFilters, error) {
	e.mu.Lock()
	f, ok := e.filters[symbol]
	e.mu.Unlock()
	if ok {
		return f, nil
	}

	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return models.InstrumentFilters{}, wrapError(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range info.Symbols {
		var parsed models.InstrumentFilters
		for _, raw := range s.Filters {
			switch raw["filterType"] {
			case "PRICE_FILTER":
				parsed.TickSize = filterValue(raw, "tickSize")
			case "LOT_SIZE":
				parsed.StepSize = filterValue(raw, "stepSize")
				parsed.MinQty = filterValue(raw, "minQty")
				parsed.MaxQty = filterValue(raw, "maxQty")
			case "MIN_NOTIONAL":
				parsed.MinNotional = filterValue(raw, "notional")
			}
		}
		e.filters[s.Symbol] = parsed
	}

	f, ok = e.filters[symbol]
	if !ok {
		return models.InstrumentFilters{}, NewAPIError(CodeBadSymbol, "unknown symbol "+symbol)
	}
	return f, nil
}

func (e *BinanceExchange) GetBalance(ctx context.Context) ([]models.Balance, error) {
	res, err := e.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, wrapError(err)
	}
	out := make([]models.Balance, 0, len(res))
	for _, b := range res {
		out = append(out, models.Balance{
			Asset:     b.Asset,
			Total:     parseFloat(b.Balance),
			Available: parseFloat(b.AvailableBalance),
		})
	}
	return out, nil
}

func (e *BinanceExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := e.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	return wrapError(err)
}

// Close releases idle HTTP connections.
func (e *BinanceExchange) Close() error {
	if e.client.HTTPClient != nil {
		e.client.HTTPClient.CloseIdleConnections()
	}
	return nil
}

// wrapError converts a go-binance API error into a classified *models.Error.
// Other errors (network, context) pass through for the caller to classify.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		// go-binance 对无法解析的错误响应 (通常是 5xx) 给出 Code 0
		if apiErr.Code == 0 {
			msg := apiErr.Message
			if msg == "" {
				msg = string(apiErr.Response)
			}
			return NewGatewayError(msg)
		}
		return NewAPIError(int(apiErr.Code), apiErr.Message)
	}
	return err
}

func filterValue(raw map[string]interface{}, key string) float64 {
	s, _ := raw[key].(string)
	return parseFloat(s)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
