package exchange

import (
	"context"
	"errors"

	"volatility-grid-bot-go/internal/models"
)

// ErrOrderNotFound is returned by QueryOrder when the exchange has no order
// with the given client id.
var ErrOrderNotFound = errors.New("order not found")

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 这使得交易核心可以在真实交易和模拟盘之间轻松切换。
// 所有调用都是带超时的同步请求/响应。
type Exchange interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (*models.Order, error)
	GetInstrumentFilters(ctx context.Context, symbol string) (models.InstrumentFilters, error)
	GetBalance(ctx context.Context) ([]models.Balance, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	Close() error
}

// FindBalance returns the balance of one asset.
func FindBalance(balances []models.Balance, asset string) (models.Balance, bool) {
	for _, b := range balances {
		if b.Asset == asset {
			return b, true
		}
	}
	return models.Balance{}, false
}
