package exchange

import (
	"context"
	"strconv"
	"time"

	"binance-grid-engine-go/internal/models"

	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BinanceExchange 实现了 Exchange 接口，用于与币安 USDT-M 合约交易所交互。
// 每次调用前都会经过按凭证共享的限流器，避免触发交易所限频。
type BinanceExchange struct {
	client    *futures.Client
	limiter   *rate.Limiter
	apiKey    string
	secretKey string
	wsBaseURL string
	logger    *zap.Logger

	stream *userStream
}

// NewBinanceExchange 创建一个新的 BinanceExchange 实例。
// baseURL/wsBaseURL 为空时使用 go-binance 的默认生产地址。
func NewBinanceExchange(apiKey, secretKey, baseURL, wsBaseURL string, logger *zap.Logger) *BinanceExchange {
	client := futures.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	e := &BinanceExchange{
		client:    client,
		limiter:   limiterFor(apiKey),
		apiKey:    apiKey,
		secretKey: secretKey,
		wsBaseURL: wsBaseURL,
		logger:    logger,
	}
	e.stream = newUserStream(e)
	return e
}

// wait 在发起请求前消耗限流预算；排队等待而不是失败。
func (e *BinanceExchange) wait(ctx context.Context, op string) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return classify(op, err)
	}
	return nil
}

// GetMarkPrice 获取指定交易对的标记价格。
func (e *BinanceExchange) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	if err := e.wait(ctx, "markPrice"); err != nil {
		return 0, err
	}
	premiums, err := e.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, classify("markPrice", err)
	}
	if len(premiums) == 0 {
		return 0, classify("markPrice", errNoData(symbol))
	}
	return strconv.ParseFloat(premiums[0].MarkPrice, 64)
}

// GetSymbolFilters 获取交易对的交易规则（价格精度、数量步进、最小名义价值）。
func (e *BinanceExchange) GetSymbolFilters(ctx context.Context, symbol string) (*models.SymbolFilters, error) {
	if err := e.wait(ctx, "exchangeInfo"); err != nil {
		return nil, err
	}
	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, classify("exchangeInfo", err)
	}
	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != symbol {
			continue
		}
		filters := &models.SymbolFilters{
			Symbol:            symbol,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		}
		if pf := s.PriceFilter(); pf != nil {
			filters.TickSize, _ = strconv.ParseFloat(pf.TickSize, 64)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			filters.StepSize, _ = strconv.ParseFloat(lf.StepSize, 64)
		}
		if nf := s.MinNotionalFilter(); nf != nil {
			filters.MinNotional, _ = strconv.ParseFloat(nf.Notional, 64)
		}
		return filters, nil
	}
	return nil, classify("exchangeInfo", errNoData(symbol))
}

// SetLeverage 设置杠杆。目标值已生效时币安直接返回成功，无需特判。
func (e *BinanceExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := e.wait(ctx, "leverage"); err != nil {
		return err
	}
	_, err := e.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	return classify("leverage", err)
}

// EnsureTradingSetup 切换到双向持仓模式并把保证金设为全仓。
// -4046（保证金无需变更）和 -4059（持仓模式无需变更）视同成功。
func (e *BinanceExchange) EnsureTradingSetup(ctx context.Context, symbol string) error {
	if err := e.wait(ctx, "positionMode"); err != nil {
		return err
	}
	err := e.client.NewChangePositionModeService().DualSide(true).Do(ctx)
	if err != nil && !isNoNeedChange(err) {
		return classify("positionMode", err)
	}

	if err := e.wait(ctx, "marginType"); err != nil {
		return err
	}
	err = e.client.NewChangeMarginTypeService().Symbol(symbol).MarginType(futures.MarginTypeCrossed).Do(ctx)
	if err != nil && !isNoNeedChange(err) {
		return classify("marginType", err)
	}
	return nil
}

// GetFundingFee 从收入流水汇总资金费。
func (e *BinanceExchange) GetFundingFee(ctx context.Context, symbol string, since time.Time) (float64, error) {
	if err := e.wait(ctx, "income"); err != nil {
		return 0, err
	}
	incomes, err := e.client.NewGetIncomeHistoryService().
		Symbol(symbol).
		IncomeType("FUNDING_FEE").
		StartTime(since.UnixMilli()).
		Limit(1000).
		Do(ctx)
	if err != nil {
		return 0, classify("income", err)
	}
	var total float64
	for _, income := range incomes {
		v, err := strconv.ParseFloat(income.Income, 64)
		if err != nil {
			continue
		}
		total += v
	}
	return total, nil
}

// GetOpenOrders 获取所有挂单。
func (e *BinanceExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	if err := e.wait(ctx, "openOrders"); err != nil {
		return nil, err
	}
	raw, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify("openOrders", err)
	}
	orders := make([]models.Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, fromFuturesOrder(o))
	}
	return orders, nil
}

// GetOrder 按客户端订单ID查询订单状态。
func (e *BinanceExchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (*models.Order, error) {
	if err := e.wait(ctx, "getOrder"); err != nil {
		return nil, err
	}
	o, err := e.client.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil {
		return nil, classify("getOrder", err)
	}
	order := fromFuturesOrder(o)
	return &order, nil
}

// PlaceOrder 下单。双向持仓模式下通过 positionSide 区分开平方向。
func (e *BinanceExchange) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.Order, error) {
	if err := e.wait(ctx, "placeOrder"); err != nil {
		return nil, err
	}
	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		PositionSide(futures.PositionSideType(req.PositionSide)).
		Quantity(strconv.FormatFloat(req.Quantity, 'f', -1, 64)).
		NewClientOrderID(req.ClientOrderID)

	if req.Type == OrderTypeMarket {
		svc = svc.Type(futures.OrderTypeMarket)
	} else {
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(strconv.FormatFloat(req.Price, 'f', -1, 64))
	}

	res, err := svc.Do(ctx)
	if err != nil {
		cerr := classify("placeOrder", err)
		e.logger.Warn("下单请求失败，交易所返回错误",
			zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)),
			zap.Float64("price", req.Price), zap.Error(cerr))
		return nil, cerr
	}

	price, _ := strconv.ParseFloat(res.Price, 64)
	qty, _ := strconv.ParseFloat(res.OrigQuantity, 64)
	return &models.Order{
		ExchangeOrderID: res.OrderID,
		ClientOrderID:   res.ClientOrderID,
		Symbol:          res.Symbol,
		Side:            models.Side(res.Side),
		ReduceOnly:      res.ReduceOnly,
		Price:           price,
		Quantity:        qty,
		Status:          mapOrderStatus(res.Status),
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}, nil
}

// CancelOrder 取消订单。
func (e *BinanceExchange) CancelOrder(ctx context.Context, symbol string, exchangeOrderID int64) error {
	if err := e.wait(ctx, "cancelOrder"); err != nil {
		return err
	}
	_, err := e.client.NewCancelOrderService().Symbol(symbol).OrderID(exchangeOrderID).Do(ctx)
	return classify("cancelOrder", err)
}

// GetPosition 获取指定交易对某个方向的持仓快照。没有持仓时返回数量为0的快照。
func (e *BinanceExchange) GetPosition(ctx context.Context, symbol string, side models.PositionSide) (*models.PositionSnapshot, error) {
	if err := e.wait(ctx, "positionRisk"); err != nil {
		return nil, err
	}
	risks, err := e.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify("positionRisk", err)
	}
	for _, p := range risks {
		if p.Symbol != symbol || models.PositionSide(p.PositionSide) != side {
			continue
		}
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		unrealized, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		liq, _ := strconv.ParseFloat(p.LiquidationPrice, 64)
		if amt < 0 {
			amt = -amt // 空头仓位数量按绝对值上报
		}
		return &models.PositionSnapshot{
			Symbol:           symbol,
			PositionSide:     side,
			Quantity:         amt,
			EntryPrice:       entry,
			UnrealizedProfit: unrealized,
			LiquidationPrice: liq,
		}, nil
	}
	return &models.PositionSnapshot{Symbol: symbol, PositionSide: side}, nil
}

// GetAccount 获取账户的USDT可用余额与总权益。
func (e *BinanceExchange) GetAccount(ctx context.Context) (*models.AccountSnapshot, error) {
	if err := e.wait(ctx, "balance"); err != nil {
		return nil, err
	}
	balances, err := e.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, classify("balance", err)
	}
	for _, b := range balances {
		if b.Asset != "USDT" {
			continue
		}
		available, _ := strconv.ParseFloat(b.AvailableBalance, 64)
		total, _ := strconv.ParseFloat(b.Balance, 64)
		return &models.AccountSnapshot{AvailableBalance: available, TotalEquity: total}, nil
	}
	return nil, classify("balance", errNoData("USDT"))
}

// Fills 返回用户数据流的成交通道，实现 FillStreamer。
func (e *BinanceExchange) Fills(ctx context.Context) (<-chan models.Fill, error) {
	return e.stream.run(ctx)
}

// Close 停止后台的用户数据流。
func (e *BinanceExchange) Close() {
	e.stream.close()
}

func fromFuturesOrder(o *futures.Order) models.Order {
	price, _ := strconv.ParseFloat(o.Price, 64)
	qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
	executed, _ := strconv.ParseFloat(o.ExecutedQuantity, 64)
	avg, _ := strconv.ParseFloat(o.AvgPrice, 64)
	return models.Order{
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.ClientOrderID,
		Symbol:          o.Symbol,
		Side:            models.Side(o.Side),
		ReduceOnly:      o.ReduceOnly,
		Price:           price,
		Quantity:        qty,
		ExecutedQty:     executed,
		AvgFillPrice:    avg,
		Status:          mapOrderStatus(o.Status),
		CreatedAt:       time.UnixMilli(o.Time),
		UpdatedAt:       time.UnixMilli(o.UpdateTime),
	}
}

func mapOrderStatus(s futures.OrderStatusType) models.OrderStatus {
	switch s {
	case futures.OrderStatusTypeFilled:
		return models.OrderFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired, futures.OrderStatusTypeRejected:
		return models.OrderCancelled
	default:
		return models.OrderOpen
	}
}

type errNoData string

func (e errNoData) Error() string { return "未找到 " + string(e) + " 的数据" }
