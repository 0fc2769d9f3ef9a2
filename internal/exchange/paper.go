package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"binance-grid-engine-go/internal/models"
)

// PaperExchange 是一个内存中的模拟交易所，用于模拟盘和测试。
// 限价单挂在内存中，每次 PushPrice 时按价格穿越规则撮合。
// 手续费按taker费率近似收取。
type PaperExchange struct {
	mu sync.Mutex

	prices    map[string]float64
	filters   map[string]*models.SymbolFilters
	open      map[int64]*models.Order
	positions map[string]*paperPosition
	balance   float64
	feeRate   float64
	nextID    int64

	fills chan models.Fill

	// 测试钩子：设置后对应操作返回该错误
	FailNext map[string]error
}

type paperPosition struct {
	side     models.PositionSide
	quantity float64
	entry    float64
}

// NewPaperExchange 创建模拟交易所，初始余额为 balance USDT。
func NewPaperExchange(balance float64) *PaperExchange {
	return &PaperExchange{
		prices:    make(map[string]float64),
		filters:   make(map[string]*models.SymbolFilters),
		open:      make(map[int64]*models.Order),
		positions: make(map[string]*paperPosition),
		balance:   balance,
		feeRate:   0.0004,
		nextID:    1,
		fills:     make(chan models.Fill, 256),
		FailNext:  make(map[string]error),
	}
}

// SetFilters 注册交易对规则；未注册的交易对使用宽松默认值。
func (p *PaperExchange) SetFilters(symbol string, f *models.SymbolFilters) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters[symbol] = f
}

// PushPrice 推进行情并撮合所有被穿越的限价单。
func (p *PaperExchange) PushPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price

	for id, o := range p.open {
		if o.Symbol != symbol {
			continue
		}
		crossed := (o.Side == models.Buy && price <= o.Price) ||
			(o.Side == models.Sell && price >= o.Price)
		if !crossed {
			continue
		}
		delete(p.open, id)
		p.fill(o, o.Price)
	}
}

func (p *PaperExchange) failNext(op string) error {
	if err, ok := p.FailNext[op]; ok {
		delete(p.FailNext, op)
		return err
	}
	return nil
}

func (p *PaperExchange) positionKey(symbol string, side models.PositionSide) string {
	return symbol + "/" + string(side)
}

// fill 按成交价更新持仓、余额并推送成交事件。调用方必须持有锁。
func (p *PaperExchange) fill(o *models.Order, price float64) {
	fee := price * o.Quantity * p.feeRate
	p.balance -= fee

	positionSide := models.Long
	if (o.Side == models.Sell && !o.ReduceOnly) || (o.Side == models.Buy && o.ReduceOnly) {
		positionSide = models.Short
	}
	key := p.positionKey(o.Symbol, positionSide)
	pos := p.positions[key]
	if pos == nil {
		pos = &paperPosition{side: positionSide}
		p.positions[key] = pos
	}

	var realized float64
	if o.ReduceOnly {
		qty := o.Quantity
		if qty > pos.quantity {
			qty = pos.quantity
		}
		if positionSide == models.Long {
			realized = (price - pos.entry) * qty
		} else {
			realized = (pos.entry - price) * qty
		}
		pos.quantity -= qty
		p.balance += realized
	} else {
		total := pos.entry*pos.quantity + price*o.Quantity
		pos.quantity += o.Quantity
		pos.entry = total / pos.quantity
	}

	o.Status = models.OrderFilled
	o.ExecutedQty = o.Quantity
	o.AvgFillPrice = price
	o.UpdatedAt = time.Now()

	select {
	case p.fills <- models.Fill{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Price:           price,
		Quantity:        o.Quantity,
		Fee:             fee,
		RealizedPnl:     realized,
		Time:            time.Now(),
	}:
	default:
	}
}

func (p *PaperExchange) GetMarkPrice(_ context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failNext("markPrice"); err != nil {
		return 0, err
	}
	price, ok := p.prices[symbol]
	if !ok {
		return 0, &Error{Kind: FailureNetwork, Op: "markPrice", Err: fmt.Errorf("无 %s 行情", symbol)}
	}
	return price, nil
}

func (p *PaperExchange) GetSymbolFilters(_ context.Context, symbol string) (*models.SymbolFilters, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failNext("exchangeInfo"); err != nil {
		return nil, err
	}
	if f, ok := p.filters[symbol]; ok {
		return f, nil
	}
	return &models.SymbolFilters{
		Symbol:            symbol,
		TickSize:          0.01,
		StepSize:          0.001,
		MinNotional:       5,
		PricePrecision:    2,
		QuantityPrecision: 3,
	}, nil
}

func (p *PaperExchange) SetLeverage(_ context.Context, _ string, _ int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failNext("leverage")
}

func (p *PaperExchange) EnsureTradingSetup(_ context.Context, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failNext("tradingSetup")
}

// GetFundingFee 模拟盘不产生资金费。
func (p *PaperExchange) GetFundingFee(_ context.Context, _ string, _ time.Time) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failNext("income"); err != nil {
		return 0, err
	}
	return 0, nil
}

func (p *PaperExchange) GetOpenOrders(_ context.Context, symbol string) ([]models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failNext("openOrders"); err != nil {
		return nil, err
	}
	var orders []models.Order
	for _, o := range p.open {
		if o.Symbol == symbol {
			orders = append(orders, *o)
		}
	}
	return orders, nil
}

func (p *PaperExchange) GetOrder(_ context.Context, symbol, clientOrderID string) (*models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failNext("getOrder"); err != nil {
		return nil, err
	}
	for _, o := range p.open {
		if o.Symbol == symbol && o.ClientOrderID == clientOrderID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, &Error{Kind: FailureReject, Op: "getOrder", Err: fmt.Errorf("订单 %s 不存在", clientOrderID)}
}

func (p *PaperExchange) PlaceOrder(_ context.Context, req PlaceOrderRequest) (*models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failNext("placeOrder"); err != nil {
		return nil, err
	}

	if req.ReduceOnly {
		pos := p.positions[p.positionKey(req.Symbol, req.PositionSide)]
		if pos == nil || pos.quantity <= 0 {
			return nil, &Error{Kind: FailureReject, Code: codeReduceOnlyReject, Op: "placeOrder",
				Err: fmt.Errorf("reduce-only 订单被拒绝, 无可平仓位")}
		}
	}

	id := p.nextID
	p.nextID++
	o := &models.Order{
		ExchangeOrderID: id,
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		ReduceOnly:      req.ReduceOnly,
		Price:           req.Price,
		Quantity:        req.Quantity,
		Status:          models.OrderOpen,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}

	if req.Type == OrderTypeMarket {
		price, ok := p.prices[req.Symbol]
		if !ok {
			return nil, &Error{Kind: FailureNetwork, Op: "placeOrder", Err: fmt.Errorf("无 %s 行情", req.Symbol)}
		}
		p.fill(o, price)
		cp := *o
		return &cp, nil
	}

	p.open[id] = o

	// 下单瞬间已被穿越的限价单立即成交
	if price, ok := p.prices[req.Symbol]; ok {
		crossed := (o.Side == models.Buy && price <= o.Price) ||
			(o.Side == models.Sell && price >= o.Price)
		if crossed {
			delete(p.open, id)
			p.fill(o, o.Price)
		}
	}
	cp := *o
	return &cp, nil
}

func (p *PaperExchange) CancelOrder(_ context.Context, symbol string, exchangeOrderID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failNext("cancelOrder"); err != nil {
		return err
	}
	o, ok := p.open[exchangeOrderID]
	if !ok || o.Symbol != symbol {
		return &Error{Kind: FailureReject, Op: "cancelOrder", Err: fmt.Errorf("订单 %d 不存在", exchangeOrderID)}
	}
	delete(p.open, exchangeOrderID)
	return nil
}

func (p *PaperExchange) GetPosition(_ context.Context, symbol string, side models.PositionSide) (*models.PositionSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failNext("positionRisk"); err != nil {
		return nil, err
	}
	snap := &models.PositionSnapshot{Symbol: symbol, PositionSide: side}
	if pos, ok := p.positions[p.positionKey(symbol, side)]; ok {
		snap.Quantity = pos.quantity
		snap.EntryPrice = pos.entry
		if price, ok := p.prices[symbol]; ok && pos.quantity > 0 {
			if side == models.Long {
				snap.UnrealizedProfit = (price - pos.entry) * pos.quantity
			} else {
				snap.UnrealizedProfit = (pos.entry - price) * pos.quantity
			}
		}
	}
	return snap, nil
}

func (p *PaperExchange) GetAccount(_ context.Context) (*models.AccountSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failNext("balance"); err != nil {
		return nil, err
	}
	return &models.AccountSnapshot{AvailableBalance: p.balance, TotalEquity: p.balance}, nil
}

// Fills 实现 FillStreamer。
func (p *PaperExchange) Fills(_ context.Context) (<-chan models.Fill, error) {
	return p.fills, nil
}
