package exchange

import (
	"context"
	"sync"
	"time"

	"binance-grid-engine-go/internal/models"

	"golang.org/x/time/rate"
)

// OrderType 下单类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// PlaceOrderRequest 描述一次下单请求。
type PlaceOrderRequest struct {
	Symbol        string
	Side          models.Side
	PositionSide  models.PositionSide
	Type          OrderType
	Price         float64
	Quantity      float64
	ReduceOnly    bool
	ClientOrderID string
}

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 这使得引擎可以在真实交易和模拟盘之间轻松切换。
// 所有实现返回的错误都必须携带 FailureKind 分类。
type Exchange interface {
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	GetSymbolFilters(ctx context.Context, symbol string) (*models.SymbolFilters, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	// EnsureTradingSetup 保证双向持仓模式和全仓保证金已就位。
	// 已经是目标配置时交易所会拒绝重复设置, 实现必须吞掉这类"无需变更"。
	EnsureTradingSetup(ctx context.Context, symbol string) error
	// GetFundingFee 汇总自 since 以来该交易对的资金费收支。
	GetFundingFee(ctx context.Context, symbol string, since time.Time) (float64, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*models.Order, error)
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol string, exchangeOrderID int64) error
	GetPosition(ctx context.Context, symbol string, side models.PositionSide) (*models.PositionSnapshot, error)
	GetAccount(ctx context.Context) (*models.AccountSnapshot, error)
}

// FillStreamer 由支持成交推送的交易所实现额外提供。
// Runner 将其作为快路径，轮询仍是兜底。
type FillStreamer interface {
	Fills(ctx context.Context) (<-chan models.Fill, error)
}

// limiterRegistry 按 api_key 共享限流预算：同一凭证下的多个 Runner
// 共用一个 rate.Limiter，排队等待而不是直接失败。
type limiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

var registry = &limiterRegistry{
	limiters: make(map[string]*rate.Limiter),
	perSec:   rate.Limit(10),
	burst:    20,
}

// SetRateBudget 配置每个凭证的全局请求预算，应在创建任何交易所实例前调用。
func SetRateBudget(perSec float64, burst int) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.perSec = rate.Limit(perSec)
	registry.burst = burst
}

func limiterFor(apiKey string) *rate.Limiter {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if l, ok := registry.limiters[apiKey]; ok {
		return l
	}
	l := rate.NewLimiter(registry.perSec, registry.burst)
	registry.limiters[apiKey] = l
	return l
}
