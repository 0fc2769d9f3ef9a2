package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/feed"
	"binance-grid-engine-go/internal/grid"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/profit"
	"binance-grid-engine-go/internal/reconcile"
	"binance-grid-engine-go/internal/statemachine"
	"binance-grid-engine-go/internal/store"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// 单个周期内网络错误的最大重试次数，超过后把错误交给状态机
const maxNetworkRetries = 3

// RunnerConfig 汇集 Runner 的全部依赖。
type RunnerConfig struct {
	Strategy *models.GridStrategy
	Exchange exchange.Exchange
	Store    *store.Store
	Bus      *Bus
	Feed     *feed.Feed // 可为 nil, 此时每周期走REST取价
	Interval time.Duration
	Logger   *zap.Logger
}

// Runner 独占驱动一条策略：按固定周期观测行情与账户、
// 重估执行状态、对账网格挂单并记录成交。
type Runner struct {
	cfg RunnerConfig
	log *zap.Logger
	// tag 是本策略客户端订单ID的专属前缀, 用于在同一交易对上
	// 区分多条策略各自的挂单
	tag string

	mu       sync.Mutex
	strategy *models.GridStrategy
	// tracked 是本地视角下仍在挂的订单, 以客户端订单ID为键
	tracked map[string]*models.Order
	// resumePending 表示恢复闸门尚未通过：对账必须无重复挂单
	resumePending bool
	// lastTradeFault 记录上个周期交易阶段落入的故障状态,
	// 同一故障持续存在时错误事件只上报一次
	lastTradeFault models.ExecutionStatus

	filters *models.SymbolFilters
	fills   <-chan models.Fill
	retry   *backoff.Backoff

	// 资金费流水拉取较重, 缓存一分钟
	fundingFee  float64
	fundingAsOf time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner 创建 Runner，不启动周期循环。
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Runner{
		cfg:      cfg,
		log:      cfg.Logger.With(zap.String("strategy", cfg.Strategy.ID), zap.String("symbol", cfg.Strategy.Symbol)),
		tag:      clientOrderTag(cfg.Strategy.ID),
		strategy: cfg.Strategy,
		tracked:  make(map[string]*models.Order),
		retry: &backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    10 * time.Second,
			Factor: 2,
			Jitter: true,
		},
		done: make(chan struct{}),
	}
}

// Start 启动周期循环。
func (r *Runner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.loop(ctx)
}

// Stop 在当前周期边界停止 Runner 并等待退出。挂单保持原样。
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

// Pause 设置暂停标记，在下一个周期边界生效。
func (r *Runner) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy.Paused = true
	r.strategy.UpdatedAt = time.Now()
}

// Resume 清除暂停标记并武装恢复闸门：恢复后的首轮对账
// 必须确认没有重复挂单，才会继续补挂新单。
func (r *Runner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategy.Paused = false
	r.strategy.UpdatedAt = time.Now()
	r.resumePending = true
}

// Snapshot 返回策略当前状态的副本。
func (r *Runner) Snapshot() models.GridStrategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.strategy
	if r.strategy.Profit != nil {
		p := *r.strategy.Profit
		cp.Profit = &p
	}
	return cp
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Runner初始化panic, 策略转入OTHER_ERROR", zap.Any("panic", rec))
			r.setStatus(models.StatusOtherError)
		}
	}()

	if err := r.init(ctx); err != nil {
		return
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		r.safeCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if r.Snapshot().ExecutionStatus.Terminal() {
			return
		}
	}
}

// safeCycle 兜住单个周期内的panic：策略转入OTHER_ERROR, 但循环继续,
// 下个周期照常轮询。单次异常不会让Runner永久停摆。
func (r *Runner) safeCycle(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("周期执行panic, 策略转入OTHER_ERROR", zap.Any("panic", rec))
			prev := r.Snapshot().ExecutionStatus
			r.setStatus(models.StatusOtherError)
			if prev != models.StatusOtherError {
				r.emit(models.EventError, "周期内发生未预期异常", map[string]any{"panic": fmt.Sprint(rec)})
			}
		}
	}()
	r.runCycle(ctx)
}

// init 拉取交易规则、设置杠杆并恢复本地挂单视图。
func (r *Runner) init(ctx context.Context) error {
	r.emit(models.EventInit, "策略初始化", nil)

	filters, err := r.cfg.Exchange.GetSymbolFilters(ctx, r.strategy.Symbol)
	if err == nil {
		r.filters = filters
		err = r.cfg.Exchange.EnsureTradingSetup(ctx, r.strategy.Symbol)
	}
	if err == nil {
		err = r.cfg.Exchange.SetLeverage(ctx, r.strategy.Symbol, r.leverage())
	}
	if err != nil {
		tr := statemachine.Evaluate(statemachine.Inputs{
			Current:  models.StatusInitializing,
			Err:      err,
			Strategy: r.snapshotLocked(),
		})
		r.setStatus(tr.To)
		r.emit(models.EventError, tr.Reason, map[string]any{"status": string(tr.To)})
		r.log.Error("初始化失败", zap.Error(err))
		return err
	}

	if acct, err := r.cfg.Exchange.GetAccount(ctx); err == nil {
		r.emit(models.EventAccount, "账户快照", map[string]any{
			"available_balance": acct.AvailableBalance, "total_equity": acct.TotalEquity,
		})
	}

	// 崩溃恢复：重新装载本地仍视为挂出的订单
	if r.cfg.Store != nil {
		orders, err := r.cfg.Store.ListOrders(r.strategy.ID)
		if err != nil {
			r.log.Warn("恢复订单历史失败", zap.Error(err))
		}
		r.mu.Lock()
		for _, o := range orders {
			if o.Status == models.OrderOpen {
				r.tracked[o.ClientOrderID] = o
			}
		}
		r.mu.Unlock()
	}

	if streamer, ok := r.cfg.Exchange.(exchange.FillStreamer); ok {
		if ch, err := streamer.Fills(ctx); err == nil {
			r.fills = ch
		} else {
			r.log.Warn("成交推送不可用, 仅靠轮询兜底", zap.Error(err))
		}
	}
	return nil
}

func (r *Runner) leverage() int {
	if r.strategy.Leverage > 0 {
		return r.strategy.Leverage
	}
	return 1
}

// runCycle 执行一个完整的策略周期。
func (r *Runner) runCycle(ctx context.Context) {
	price, position, obsErr := r.observe(ctx)

	r.mu.Lock()
	in := statemachine.Inputs{
		Current:  r.strategy.ExecutionStatus,
		Paused:   r.strategy.Paused,
		Price:    price,
		Err:      obsErr,
		Strategy: r.strategy,
	}
	r.mu.Unlock()

	tr := statemachine.Evaluate(in)
	r.applyTransition(tr)

	var tradeErr error
	if obsErr == nil && (tr.To.IsTradable() || tr.To.AllowsClosing()) {
		tradeErr = r.reconcileOrders(ctx, price, position, tr.To)
	}

	r.processFills(ctx)

	if tradeErr != nil {
		// 交易阶段的故障同周期内生效
		tr2 := statemachine.Evaluate(statemachine.Inputs{
			Current:  tr.To,
			Paused:   in.Paused,
			Price:    price,
			Err:      tradeErr,
			Strategy: in.Strategy,
		})
		r.mu.Lock()
		repeat := tr2.To.IsFault() && tr2.To == r.lastTradeFault
		r.lastTradeFault = tr2.To
		r.mu.Unlock()
		if repeat {
			// 同一故障在重试中持续存在：状态保持最新, 错误事件不再重复上报
			r.setStatus(tr2.To)
		} else {
			r.applyTransition(tr2)
		}
	} else {
		r.mu.Lock()
		r.lastTradeFault = ""
		r.mu.Unlock()
	}

	r.refreshProfit(ctx, price)
	r.persist()
}

// observe 取价并读取持仓，网络错误在周期内用指数退避重试。
func (r *Runner) observe(ctx context.Context) (float64, *models.PositionSnapshot, error) {
	var lastErr error
	for attempt := 0; attempt < maxNetworkRetries; attempt++ {
		price, err := r.currentPrice(ctx)
		if err == nil {
			var pos *models.PositionSnapshot
			pos, err = r.cfg.Exchange.GetPosition(ctx, r.strategy.Symbol, r.strategy.PositionSide)
			if err == nil {
				r.retry.Reset()
				return price, pos, nil
			}
		}
		lastErr = err
		if !exchange.IsNetwork(err) && !exchange.IsRateLimit(err) {
			break
		}
		select {
		case <-ctx.Done():
			return 0, nil, lastErr
		case <-time.After(r.retry.Duration()):
		}
	}
	return 0, nil, lastErr
}

func (r *Runner) currentPrice(ctx context.Context) (float64, error) {
	if r.cfg.Feed != nil {
		if tick, ok := r.cfg.Feed.Last(r.strategy.Symbol); ok && time.Since(tick.Time) < 30*time.Second {
			return tick.Price, nil
		}
	}
	return r.cfg.Exchange.GetMarkPrice(ctx, r.strategy.Symbol)
}

// reconcileOrders 规划目标网格并使交易所挂单与之对齐。
func (r *Runner) reconcileOrders(ctx context.Context, price float64, position *models.PositionSnapshot, status models.ExecutionStatus) error {
	var positionQty float64
	if position != nil {
		positionQty = position.Quantity
	}

	r.mu.Lock()
	strategy := r.strategy
	resumePending := r.resumePending
	r.mu.Unlock()

	levels := grid.Plan(grid.PlanInput{
		Strategy:     strategy,
		Filters:      r.filters,
		CurrentPrice: price,
		PositionQty:  positionQty,
		AllowOpen:    status.IsTradable(),
	})

	open, err := r.cfg.Exchange.GetOpenOrders(ctx, strategy.Symbol)
	if err != nil {
		return err
	}

	// 只对账本策略自己的挂单：同一凭证同一交易对可能跑着多条策略,
	// 其他策略（或用户手工）的挂单不属于本网格, 不能当作游离单撤掉
	own := make([]models.Order, 0, len(open))
	for _, o := range open {
		if strings.HasPrefix(o.ClientOrderID, r.tag) {
			own = append(own, o)
		}
	}

	actions := reconcile.Diff(levels, own, r.filters.TickSize/2)

	for _, o := range actions.Cancel {
		if err := r.cfg.Exchange.CancelOrder(ctx, strategy.Symbol, o.ExchangeOrderID); err != nil {
			return err
		}
		r.markCancelled(o.ClientOrderID)
	}

	if resumePending {
		if actions.DuplicateCount > 0 {
			// 闸门未通过：重复单已撤, 补挂留到下个周期确认干净后再做
			r.log.Warn("恢复闸门: 发现重复挂单, 本周期只撤不挂",
				zap.Int("duplicates", actions.DuplicateCount))
			return nil
		}
		r.mu.Lock()
		r.resumePending = false
		r.mu.Unlock()
	}

	for _, lvl := range actions.Place {
		if err := r.placeLevel(ctx, strategy, lvl); err != nil {
			if exchange.IsReduceOnlyReject(err) {
				// 持仓已被外部平掉, 下个周期重新同步即可
				r.log.Warn("平仓单被拒, 持仓可能已在别处平掉", zap.Float64("price", lvl.Price))
				r.emit(models.EventExchange, "平仓单被拒, 等待重新同步", map[string]any{"price": lvl.Price})
				continue
			}
			return err
		}
	}
	return nil
}

func (r *Runner) placeLevel(ctx context.Context, strategy *models.GridStrategy, lvl grid.Level) error {
	clientID := r.newClientOrderID()
	placed, err := r.cfg.Exchange.PlaceOrder(ctx, exchange.PlaceOrderRequest{
		Symbol:        strategy.Symbol,
		Side:          lvl.Side,
		PositionSide:  strategy.PositionSide,
		Type:          exchange.OrderTypeLimit,
		Price:         lvl.Price,
		Quantity:      lvl.Quantity,
		ReduceOnly:    lvl.ReduceOnly,
		ClientOrderID: clientID,
	})
	if err != nil {
		return err
	}

	local := &models.Order{
		ID:              uuid.NewString(),
		StrategyID:      strategy.ID,
		ExchangeOrderID: placed.ExchangeOrderID,
		ClientOrderID:   clientID,
		Symbol:          strategy.Symbol,
		Side:            lvl.Side,
		ReduceOnly:      lvl.ReduceOnly,
		Price:           lvl.Price,
		Quantity:        lvl.Quantity,
		Status:          placed.Status,
		ExecutedQty:     placed.ExecutedQty,
		AvgFillPrice:    placed.AvgFillPrice,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	r.mu.Lock()
	if local.Status == models.OrderOpen {
		r.tracked[clientID] = local
	}
	r.mu.Unlock()
	r.saveOrder(local)

	r.emit(models.EventOrder, "挂单", map[string]any{
		"side": string(lvl.Side), "price": lvl.Price, "quantity": lvl.Quantity, "reduce_only": lvl.ReduceOnly,
	})
	return nil
}

// processFills 先吸收推送的成交, 再用交易所挂单列表兜底核对。
func (r *Runner) processFills(ctx context.Context) {
	for r.fills != nil {
		select {
		case fill, ok := <-r.fills:
			if !ok {
				r.fills = nil
				break
			}
			r.applyFill(fill)
			continue
		default:
		}
		break
	}

	// 轮询兜底：本地视为挂出但交易所已不见的订单, 逐个查终态
	r.mu.Lock()
	var pending []*models.Order
	for _, o := range r.tracked {
		pending = append(pending, o)
	}
	r.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	open, err := r.cfg.Exchange.GetOpenOrders(ctx, r.strategy.Symbol)
	if err != nil {
		return
	}
	stillOpen := make(map[string]bool, len(open))
	for _, o := range open {
		stillOpen[o.ClientOrderID] = true
	}

	for _, o := range pending {
		if stillOpen[o.ClientOrderID] {
			continue
		}
		final, err := r.cfg.Exchange.GetOrder(ctx, o.Symbol, o.ClientOrderID)
		if err != nil || final == nil {
			// 查不到按已成交的挂单消失处理不安全, 留到下个周期再查
			continue
		}
		r.mu.Lock()
		o.Status = final.Status
		o.ExecutedQty = final.ExecutedQty
		o.AvgFillPrice = final.AvgFillPrice
		o.UpdatedAt = time.Now()
		delete(r.tracked, o.ClientOrderID)
		r.mu.Unlock()
		r.saveOrder(o)
		if final.Status == models.OrderFilled {
			r.emit(models.EventOrder, "订单成交", map[string]any{
				"price": o.AvgFillPrice, "quantity": o.ExecutedQty, "side": string(o.Side),
			})
		}
	}
}

func (r *Runner) applyFill(fill models.Fill) {
	r.mu.Lock()
	o, ok := r.tracked[fill.ClientOrderID]
	if !ok {
		r.mu.Unlock()
		return
	}
	o.ExecutedQty += fill.Quantity
	o.Fee += fill.Fee
	o.RealizedPnl += fill.RealizedPnl
	if o.AvgFillPrice == 0 {
		o.AvgFillPrice = fill.Price
	}
	o.UpdatedAt = fill.Time
	full := o.ExecutedQty >= o.Quantity-1e-12
	if full {
		o.Status = models.OrderFilled
		delete(r.tracked, fill.ClientOrderID)
	}
	r.mu.Unlock()

	r.saveOrder(o)
	if full {
		r.emit(models.EventOrder, "订单成交", map[string]any{
			"price": fill.Price, "quantity": o.ExecutedQty, "side": string(o.Side),
		})
	}
}

func (r *Runner) markCancelled(clientOrderID string) {
	r.mu.Lock()
	o, ok := r.tracked[clientOrderID]
	if ok {
		o.Status = models.OrderCancelled
		o.UpdatedAt = time.Now()
		delete(r.tracked, clientOrderID)
	}
	r.mu.Unlock()
	if ok {
		r.saveOrder(o)
	}
}

// refreshProfit 从完整订单历史重算收益快照。
func (r *Runner) refreshProfit(ctx context.Context, markPrice float64) {
	if r.cfg.Store == nil {
		return
	}
	orders, err := r.cfg.Store.ListOrders(r.strategy.ID)
	if err != nil {
		return
	}
	flat := make([]models.Order, len(orders))
	for i, o := range orders {
		flat[i] = *o
	}

	if time.Since(r.fundingAsOf) > time.Minute {
		since := r.strategy.CreatedAt
		if fee, err := r.cfg.Exchange.GetFundingFee(ctx, r.strategy.Symbol, since); err == nil {
			r.fundingFee = fee
			r.fundingAsOf = time.Now()
		}
	}

	snap := profit.Compute(profit.Input{
		Orders:       flat,
		PositionSide: r.strategy.PositionSide,
		MarkPrice:    markPrice,
		FundingFee:   r.fundingFee,
	})
	r.mu.Lock()
	r.strategy.Profit = snap
	r.mu.Unlock()
}

func (r *Runner) applyTransition(tr statemachine.Transition) {
	if !tr.Changed() {
		return
	}
	r.setStatus(tr.To)
	if tr.To.IsFault() {
		// 故障事件只在检测到迁移的这个周期上报一次
		r.emit(models.EventError, tr.Reason, map[string]any{
			"from": string(tr.From), "to": string(tr.To),
		})
		r.log.Warn("策略进入故障状态", zap.String("from", string(tr.From)), zap.String("to", string(tr.To)), zap.String("reason", tr.Reason))
	} else {
		r.emit(models.EventGrid, "状态迁移: "+tr.Reason, map[string]any{
			"from": string(tr.From), "to": string(tr.To),
		})
		r.log.Info("状态迁移", zap.String("from", string(tr.From)), zap.String("to", string(tr.To)))
	}
}

func (r *Runner) setStatus(status models.ExecutionStatus) {
	r.mu.Lock()
	r.strategy.ExecutionStatus = status
	r.strategy.UpdatedAt = time.Now()
	if status == models.StatusTrading && r.strategy.StartTime.IsZero() {
		r.strategy.StartTime = time.Now()
	}
	r.mu.Unlock()
	r.persist()
}

func (r *Runner) snapshotLocked() *models.GridStrategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.strategy
	return &cp
}

func (r *Runner) persist() {
	if r.cfg.Store == nil {
		return
	}
	snap := r.Snapshot()
	if err := r.cfg.Store.SaveStrategy(&snap); err != nil {
		r.log.Warn("持久化策略失败", zap.Error(err))
	}
}

func (r *Runner) saveOrder(o *models.Order) {
	if r.cfg.Store == nil {
		return
	}
	r.mu.Lock()
	cp := *o
	r.mu.Unlock()
	if err := r.cfg.Store.SaveOrder(&cp); err != nil {
		r.log.Warn("持久化订单失败", zap.Error(err))
	}
}

func (r *Runner) emit(t models.EventType, msg string, details map[string]any) {
	if r.cfg.Bus == nil {
		return
	}
	r.cfg.Bus.Publish(models.StrategyEvent{
		Type:       t,
		StrategyID: r.strategy.ID,
		Symbol:     r.strategy.Symbol,
		Message:    msg,
		Details:    details,
	})
}

// clientOrderTag 生成策略专属的客户端订单ID前缀。
// 订单归属只能靠此前缀判定, 对账与删除都以它为界。
func clientOrderTag(strategyID string) string {
	id := strings.ReplaceAll(strategyID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return "g" + id + "-"
}

// newClientOrderID 生成紧凑且全局唯一的客户端订单ID。
// 前缀10字符加 base62 编码的 UUID 约22字符, 留在币安36字符限制内。
func (r *Runner) newClientOrderID() string {
	id := uuid.New()
	return r.tag + base62.EncodeToString(id[:])
}
