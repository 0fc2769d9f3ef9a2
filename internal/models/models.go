package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// PositionSide 定义了持仓方向
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// GridStrategy 是一条网格策略的持久化记录。
// 活动期间由唯一的一个 Runner 独占持有，进程重启后从存储恢复。
type GridStrategy struct {
	ID           string       `json:"id"`
	Symbol       string       `json:"symbol"`
	PositionSide PositionSide `json:"position_side"`
	Leverage     int          `json:"leverage"`

	PriceMin  float64 `json:"price_min"`
	PriceMax  float64 `json:"price_max"`
	GridStep  float64 `json:"grid_step,omitempty"`  // 网格之间的价格差价
	GridCount int     `json:"grid_count,omitempty"` // 可替代 GridStep：按数量均分价格区间
	OrderSize float64 `json:"order_size"`           // 每个网格的交易数量（基础货币）

	// 参考开仓价，用于 PRICE_ABOVE_OPEN / PRICE_BELOW_OPEN 子状态
	OpenPrice float64 `json:"open_price,omitempty"`

	// API 凭证即租户边界：所有查询按凭证隔离，而非按用户登录
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`

	Remark          string          `json:"remark,omitempty"`
	Paused          bool            `json:"paused"`
	Deleted         bool            `json:"deleted,omitempty"`
	ExecutionStatus ExecutionStatus `json:"execution_status"`

	CreatedAt time.Time `json:"created_at"`
	StartTime time.Time `json:"start_time,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`

	// 最近一次计算的收益快照，仅作展示缓存；权威数据始终从订单历史重算
	Profit *ProfitSnapshot `json:"profit,omitempty"`
}

// Step 返回网格的实际价差。配置了 GridStep 时直接使用，
// 否则由 GridCount 均分 [PriceMin, PriceMax] 得出。
func (s *GridStrategy) Step() float64 {
	if s.GridStep > 0 {
		return s.GridStep
	}
	if s.GridCount >= 2 {
		return (s.PriceMax - s.PriceMin) / float64(s.GridCount)
	}
	return 0
}

// OrderStatus 是订单生命周期状态
type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Order 是引擎本地的订单记录，兼有交易所订单ID与本地ID两个身份。
type Order struct {
	ID              string      `json:"id"`
	StrategyID      string      `json:"strategy_id"`
	ExchangeOrderID int64       `json:"exchange_order_id"`
	ClientOrderID   string      `json:"client_order_id"`
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	ReduceOnly      bool        `json:"reduce_only"`
	Price           float64     `json:"price"`
	Quantity        float64     `json:"quantity"`
	ExecutedQty     float64     `json:"executed_qty"`
	AvgFillPrice    float64     `json:"avg_fill_price,omitempty"`
	Status          OrderStatus `json:"status"`
	Fee             float64     `json:"fee,omitempty"`
	RealizedPnl     float64     `json:"realized_pnl,omitempty"`
	IsCollapsed     bool        `json:"is_collapsed,omitempty"` // 仅供 UI 折叠快捷单分组使用
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// ProfitSnapshot 是按需从订单历史重算的收益聚合，从不作为权威数据存储。
// funding_fee 独立于 total_fee 单独上报，不计入 total_profit_loss。
type ProfitSnapshot struct {
	TotalProfitLoss       decimal.Decimal `json:"total_profit_loss"`
	TotalFee              decimal.Decimal `json:"total_fee"`
	FundingFee            decimal.Decimal `json:"funding_fee"`
	TotalTrades           int             `json:"total_trades"`
	TotalPairingTimes     int             `json:"total_pairing_times"`
	OpenPositionQuantity  decimal.Decimal `json:"total_open_position_quantity"`
	OpenPositionValue     decimal.Decimal `json:"total_open_position_value"`
	OpenPositionEntryCost decimal.Decimal `json:"total_open_position_entry_price"`
}

// SymbolFilters 缓存交易对的交易规则，来源于交易所元数据。
type SymbolFilters struct {
	Symbol            string  `json:"symbol"`
	TickSize          float64 `json:"tick_size"`
	StepSize          float64 `json:"step_size"`
	MinNotional       float64 `json:"min_notional"`
	PricePrecision    int     `json:"price_precision"`
	QuantityPrecision int     `json:"quantity_precision"`
}

// PositionSnapshot 是某交易对单个方向的持仓快照。
type PositionSnapshot struct {
	Symbol           string       `json:"symbol"`
	PositionSide     PositionSide `json:"position_side"`
	Quantity         float64      `json:"quantity"`
	EntryPrice       float64      `json:"entry_price"`
	UnrealizedProfit float64      `json:"unrealized_profit"`
	LiquidationPrice float64      `json:"liquidation_price"`
}

// AccountSnapshot 汇总一次周期内引擎关心的账户状态。
type AccountSnapshot struct {
	AvailableBalance float64 `json:"available_balance"`
	TotalEquity      float64 `json:"total_equity"`
}

// Fill 描述一次来自用户数据流或订单查询的成交。
type Fill struct {
	ClientOrderID   string    `json:"client_order_id"`
	ExchangeOrderID int64     `json:"exchange_order_id"`
	Symbol          string    `json:"symbol"`
	Side            Side      `json:"side"`
	Price           float64   `json:"price"`
	Quantity        float64   `json:"quantity"`
	Fee             float64   `json:"fee"`
	RealizedPnl     float64   `json:"realized_pnl"`
	Time            time.Time `json:"time"`
}
