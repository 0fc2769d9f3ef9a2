package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/store"

	"github.com/jpillora/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testStrategy() *models.GridStrategy {
	return &models.GridStrategy{
		ID:              "s-test",
		Symbol:          "BTCUSDT",
		PositionSide:    models.Long,
		Leverage:        5,
		PriceMin:        90000,
		PriceMax:        100000,
		GridStep:        1000,
		OrderSize:       0.01,
		APIKey:          "k",
		APISecret:       "s",
		ExecutionStatus: models.StatusInitializing,
		CreatedAt:       time.Now(),
	}
}

func newTestRunner(t *testing.T, ex exchange.Exchange) (*Runner, *store.Store, *Bus) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := NewBus()
	r := NewRunner(RunnerConfig{
		Strategy: testStrategy(),
		Exchange: ex,
		Store:    st,
		Bus:      bus,
		Interval: time.Second,
		Logger:   zap.NewNop(),
	})
	// 测试中不等真实的退避间隔
	r.retry = &backoff.Backoff{Min: time.Millisecond, Max: time.Millisecond}
	return r, st, bus
}

func TestCyclePlacesGridAndTrades(t *testing.T) {
	paper := exchange.NewPaperExchange(100000)
	paper.PushPrice("BTCUSDT", 95000)
	r, _, _ := newTestRunner(t, paper)

	ctx := context.Background()
	require.NoError(t, r.init(ctx))
	r.runCycle(ctx)

	snap := r.Snapshot()
	assert.Equal(t, models.StatusTrading, snap.ExecutionStatus)

	open, err := paper.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	// 当前价下方5条网格线挂开仓单; 无持仓时不挂平仓单
	require.Len(t, open, 5)
	for _, o := range open {
		assert.Equal(t, models.Buy, o.Side)
		assert.Less(t, o.Price, 95000.0)
	}
}

func TestCycleIdempotentWhenAligned(t *testing.T) {
	paper := exchange.NewPaperExchange(100000)
	paper.PushPrice("BTCUSDT", 95000)
	r, _, _ := newTestRunner(t, paper)

	ctx := context.Background()
	require.NoError(t, r.init(ctx))
	r.runCycle(ctx)
	r.runCycle(ctx)

	open, err := paper.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 5, "重复周期不应追加挂单")
}

func TestPauseTakesEffectNextCycle(t *testing.T) {
	paper := exchange.NewPaperExchange(100000)
	paper.PushPrice("BTCUSDT", 95000)
	r, _, _ := newTestRunner(t, paper)

	ctx := context.Background()
	require.NoError(t, r.init(ctx))
	r.Pause()
	r.runCycle(ctx)

	snap := r.Snapshot()
	assert.Equal(t, models.StatusPausedManual, snap.ExecutionStatus)

	open, err := paper.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open, "暂停状态不应有任何交易动作")
}

func TestAuthFaultStopsTradingSameCycle(t *testing.T) {
	paper := exchange.NewPaperExchange(100000)
	paper.PushPrice("BTCUSDT", 95000)
	r, _, bus := newTestRunner(t, paper)

	ctx := context.Background()
	require.NoError(t, r.init(ctx))

	events, unsub := bus.Subscribe()
	defer unsub()

	paper.FailNext["markPrice"] = &exchange.Error{Kind: exchange.FailureAuth, Code: -2015, Op: "markPrice", Err: assert.AnError}
	r.runCycle(ctx)

	snap := r.Snapshot()
	assert.Equal(t, models.StatusAPIKeyInvalid, snap.ExecutionStatus)

	open, err := paper.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open, "凭证故障周期内不应有交易动作")

	var sawError bool
	for len(events) > 0 {
		if (<-events).Type == models.EventError {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

type brokenPriceExchange struct {
	*exchange.PaperExchange
}

func (b *brokenPriceExchange) GetMarkPrice(_ context.Context, _ string) (float64, error) {
	return 0, &exchange.Error{Kind: exchange.FailureNetwork, Op: "markPrice", Err: assert.AnError}
}

func TestNetworkFaultEventEmittedOncePerDetection(t *testing.T) {
	paper := exchange.NewPaperExchange(100000)
	paper.PushPrice("BTCUSDT", 95000)
	broken := &brokenPriceExchange{paper}
	r, _, bus := newTestRunner(t, broken)

	ctx := context.Background()
	require.NoError(t, r.init(ctx))

	events, unsub := bus.Subscribe()
	defer unsub()

	r.runCycle(ctx)
	r.runCycle(ctx)
	r.runCycle(ctx)

	assert.Equal(t, models.StatusNetworkError, r.Snapshot().ExecutionStatus)

	errorCount := 0
	for len(events) > 0 {
		if (<-events).Type == models.EventError {
			errorCount++
		}
	}
	assert.Equal(t, 1, errorCount, "持续故障只在检测到迁移时上报一次")
}

func TestFillRecordedAndProfitComputed(t *testing.T) {
	paper := exchange.NewPaperExchange(100000)
	paper.PushPrice("BTCUSDT", 95000)
	r, st, _ := newTestRunner(t, paper)

	ctx := context.Background()
	require.NoError(t, r.init(ctx))
	r.runCycle(ctx)

	// 价格下穿94000, 买单成交
	paper.PushPrice("BTCUSDT", 93990)
	r.runCycle(ctx)

	orders, err := st.ListOrders("s-test")
	require.NoError(t, err)
	var filled int
	for _, o := range orders {
		if o.Status == models.OrderFilled {
			filled++
			assert.Equal(t, 94000.0, o.AvgFillPrice)
		}
	}
	assert.Equal(t, 1, filled)

	snap := r.Snapshot()
	require.NotNil(t, snap.Profit)
	assert.Equal(t, 1, snap.Profit.TotalTrades)
	assert.Equal(t, "0.01", snap.Profit.OpenPositionQuantity.String())

	// 有持仓后, 上方最近的网格线应出现平仓单
	open, err := paper.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	var closes int
	for _, o := range open {
		if o.ReduceOnly {
			closes++
			assert.Equal(t, 94000.0, o.Price)
		}
	}
	assert.Equal(t, 1, closes)
}

func TestResumeGateCancelsDuplicatesBeforePlacing(t *testing.T) {
	paper := exchange.NewPaperExchange(100000)
	paper.PushPrice("BTCUSDT", 95000)
	r, _, _ := newTestRunner(t, paper)

	ctx := context.Background()
	require.NoError(t, r.init(ctx))

	// 模拟上次运行遗留的重复挂单, 带本策略自己的订单ID前缀
	for i := 0; i < 2; i++ {
		_, err := paper.PlaceOrder(ctx, exchange.PlaceOrderRequest{
			Symbol: "BTCUSDT", Side: models.Buy, PositionSide: models.Long,
			Type: exchange.OrderTypeLimit, Price: 94000, Quantity: 0.01, ClientOrderID: r.newClientOrderID(),
		})
		require.NoError(t, err)
	}
	r.Resume()
	r.runCycle(ctx)

	open, err := paper.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1, "闸门周期只撤重复单, 不补挂")
	assert.Equal(t, 94000.0, open[0].Price)

	// 闸门通过后恢复正常补挂
	r.runCycle(ctx)
	open, err = paper.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 5)
}

func TestPriceAboveMaxCancelsOpens(t *testing.T) {
	paper := exchange.NewPaperExchange(100000)
	paper.PushPrice("BTCUSDT", 95000)
	r, _, _ := newTestRunner(t, paper)

	ctx := context.Background()
	require.NoError(t, r.init(ctx))
	r.runCycle(ctx)

	paper.PushPrice("BTCUSDT", 101000)
	r.runCycle(ctx)

	assert.Equal(t, models.StatusPriceAboveMax, r.Snapshot().ExecutionStatus)
	open, err := paper.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open, "越界后开仓单应被撤掉")
}

type panicOnceExchange struct {
	*exchange.PaperExchange
	panicked bool
}

func (p *panicOnceExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	if !p.panicked {
		p.panicked = true
		panic("模拟周期内异常")
	}
	return p.PaperExchange.GetOpenOrders(ctx, symbol)
}

func TestRunnerSurvivesCyclePanic(t *testing.T) {
	paper := exchange.NewPaperExchange(100000)
	paper.PushPrice("BTCUSDT", 95000)
	px := &panicOnceExchange{PaperExchange: paper}

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r := NewRunner(RunnerConfig{
		Strategy: testStrategy(),
		Exchange: px,
		Store:    st,
		Bus:      NewBus(),
		Interval: 10 * time.Millisecond,
		Logger:   zap.NewNop(),
	})
	r.retry = &backoff.Backoff{Min: time.Millisecond, Max: time.Millisecond}

	r.Start()
	defer r.Stop()

	// 首个周期panic, 策略短暂落入OTHER_ERROR; 循环必须继续,
	// 异常来源消失后照常恢复交易并补齐网格
	require.Eventually(t, func() bool {
		if r.Snapshot().ExecutionStatus != models.StatusTrading {
			return false
		}
		open, err := paper.GetOpenOrders(context.Background(), "BTCUSDT")
		return err == nil && len(open) == 5
	}, 5*time.Second, 10*time.Millisecond, "panic后Runner应继续轮询并恢复")
}

func TestRunnersOnSameSymbolDoNotInterfere(t *testing.T) {
	paper := exchange.NewPaperExchange(100000)
	paper.PushPrice("BTCUSDT", 95000)

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	newRunner := func(id string, priceMin, priceMax float64) *Runner {
		s := testStrategy()
		s.ID = id
		s.PriceMin = priceMin
		s.PriceMax = priceMax
		r := NewRunner(RunnerConfig{
			Strategy: s, Exchange: paper, Store: st, Bus: NewBus(),
			Interval: time.Second, Logger: zap.NewNop(),
		})
		r.retry = &backoff.Backoff{Min: time.Millisecond, Max: time.Millisecond}
		return r
	}
	a := newRunner("alpha-strategy", 90000, 100000)
	b := newRunner("beta-strategy", 91000, 100000)

	ctx := context.Background()
	require.NoError(t, a.init(ctx))
	a.runCycle(ctx)

	open, err := paper.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 5)

	// B 在同一交易对上运行, 不得把 A 的挂单当游离单撤掉
	require.NoError(t, b.init(ctx))
	b.runCycle(ctx)

	open, err = paper.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	var survivors int
	for _, o := range open {
		if strings.HasPrefix(o.ClientOrderID, a.tag) {
			survivors++
		}
	}
	assert.Equal(t, 5, survivors, "A 的网格挂单应原封不动")
	assert.Len(t, open, 9, "B 只补挂自己区间内的4条开仓网格")
}

type rejectPlaceExchange struct {
	*exchange.PaperExchange
}

func (b *rejectPlaceExchange) PlaceOrder(_ context.Context, _ exchange.PlaceOrderRequest) (*models.Order, error) {
	return nil, &exchange.Error{Kind: exchange.FailureReject, Code: -2019, Op: "placeOrder", Err: assert.AnError}
}

func TestPersistentTradeFaultEmitsErrorOnce(t *testing.T) {
	paper := exchange.NewPaperExchange(100000)
	paper.PushPrice("BTCUSDT", 95000)
	broken := &rejectPlaceExchange{paper}
	r, _, bus := newTestRunner(t, broken)

	ctx := context.Background()
	require.NoError(t, r.init(ctx))

	events, unsub := bus.Subscribe()
	defer unsub()

	// 每个周期下单都被 -2019 拒绝: 状态保持 INSUFFICIENT_BALANCE,
	// 但错误事件只在首次检测时上报, 不随重试重复
	for i := 0; i < 4; i++ {
		r.runCycle(ctx)
	}
	assert.Equal(t, models.StatusInsufficientBalance, r.Snapshot().ExecutionStatus)

	errorCount := 0
	for len(events) > 0 {
		if (<-events).Type == models.EventError {
			errorCount++
		}
	}
	assert.Equal(t, 1, errorCount, "持续的余额不足只上报一次错误事件")
}

func TestTerminalInitFailure(t *testing.T) {
	paper := exchange.NewPaperExchange(100000)
	paper.PushPrice("BTCUSDT", 95000)
	paper.FailNext["leverage"] = &exchange.Error{Kind: exchange.FailureReject, Code: -4028, Op: "leverage", Err: assert.AnError}
	r, _, _ := newTestRunner(t, paper)

	err := r.init(context.Background())
	require.Error(t, err)
	snap := r.Snapshot()
	assert.Equal(t, models.StatusInitFailed, snap.ExecutionStatus)
	assert.True(t, snap.ExecutionStatus.Terminal())
}
