package statemachine

import (
	"testing"

	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/models"

	"github.com/stretchr/testify/assert"
)

func strategy() *models.GridStrategy {
	return &models.GridStrategy{
		Symbol:       "BTCUSDT",
		PositionSide: models.Long,
		PriceMin:     90000,
		PriceMax:     100000,
	}
}

func faultOf(kind exchange.FailureKind, code int64) error {
	return &exchange.Error{Kind: kind, Code: code, Op: "test", Err: assert.AnError}
}

func TestInBandPriceTrades(t *testing.T) {
	tr := Evaluate(Inputs{Current: models.StatusInitializing, Price: 95000, Strategy: strategy()})
	assert.Equal(t, models.StatusTrading, tr.To)
	assert.True(t, tr.Changed())
}

func TestBandExitAndReentry(t *testing.T) {
	s := strategy()

	tr := Evaluate(Inputs{Current: models.StatusTrading, Price: 100500, Strategy: s})
	assert.Equal(t, models.StatusPriceAboveMax, tr.To)

	// 价格回到区间内, 状态自动恢复
	tr = Evaluate(Inputs{Current: models.StatusPriceAboveMax, Price: 99500, Strategy: s})
	assert.Equal(t, models.StatusTrading, tr.To)
	assert.True(t, tr.Changed())

	tr = Evaluate(Inputs{Current: models.StatusTrading, Price: 89000, Strategy: s})
	assert.Equal(t, models.StatusPriceBelowMin, tr.To)
}

func TestAuthFaultSameCycle(t *testing.T) {
	tr := Evaluate(Inputs{
		Current:  models.StatusTrading,
		Price:    95000,
		Err:      faultOf(exchange.FailureAuth, -2015),
		Strategy: strategy(),
	})
	assert.Equal(t, models.StatusAPIKeyInvalid, tr.To)
	assert.True(t, tr.Changed())
}

func TestFaultOutranksPause(t *testing.T) {
	tr := Evaluate(Inputs{
		Current:  models.StatusPausedManual,
		Paused:   true,
		Price:    95000,
		Err:      faultOf(exchange.FailureNetwork, 0),
		Strategy: strategy(),
	})
	assert.Equal(t, models.StatusNetworkError, tr.To)
}

func TestPauseOutranksBand(t *testing.T) {
	tr := Evaluate(Inputs{Current: models.StatusTrading, Paused: true, Price: 105000, Strategy: strategy()})
	assert.Equal(t, models.StatusPausedManual, tr.To)
}

func TestNetworkFaultRecovers(t *testing.T) {
	s := strategy()
	tr := Evaluate(Inputs{Current: models.StatusTrading, Price: 95000, Err: faultOf(exchange.FailureNetwork, 0), Strategy: s})
	assert.Equal(t, models.StatusNetworkError, tr.To)

	tr = Evaluate(Inputs{Current: models.StatusNetworkError, Price: 95000, Strategy: s})
	assert.Equal(t, models.StatusTrading, tr.To)
}

func TestRateLimitMapsToNetworkError(t *testing.T) {
	tr := Evaluate(Inputs{Current: models.StatusTrading, Price: 95000, Err: faultOf(exchange.FailureRateLimit, -1003), Strategy: strategy()})
	assert.Equal(t, models.StatusNetworkError, tr.To)
}

func TestInsufficientBalance(t *testing.T) {
	tr := Evaluate(Inputs{Current: models.StatusTrading, Price: 95000, Err: faultOf(exchange.FailureReject, -2019), Strategy: strategy()})
	assert.Equal(t, models.StatusInsufficientBalance, tr.To)
}

func TestRejectDuringInitIsTerminal(t *testing.T) {
	tr := Evaluate(Inputs{Current: models.StatusInitializing, Price: 95000, Err: faultOf(exchange.FailureReject, -4164), Strategy: strategy()})
	assert.Equal(t, models.StatusInitFailed, tr.To)

	// 终态不再迁移
	tr = Evaluate(Inputs{Current: models.StatusInitFailed, Price: 95000, Strategy: strategy()})
	assert.Equal(t, models.StatusInitFailed, tr.To)
	assert.False(t, tr.Changed())
}

func TestOpenPriceGateLong(t *testing.T) {
	s := strategy()
	s.OpenPrice = 94000
	tr := Evaluate(Inputs{Current: models.StatusTrading, Price: 95000, Strategy: s})
	assert.Equal(t, models.StatusPriceAboveOpen, tr.To)

	tr = Evaluate(Inputs{Current: models.StatusPriceAboveOpen, Price: 93500, Strategy: s})
	assert.Equal(t, models.StatusTrading, tr.To)
}

func TestOpenPriceGateShort(t *testing.T) {
	s := strategy()
	s.PositionSide = models.Short
	s.OpenPrice = 96000
	tr := Evaluate(Inputs{Current: models.StatusTrading, Price: 95000, Strategy: s})
	assert.Equal(t, models.StatusPriceBelowOpen, tr.To)
}

func TestNoChangeNoTransition(t *testing.T) {
	tr := Evaluate(Inputs{Current: models.StatusTrading, Price: 95000, Strategy: strategy()})
	assert.False(t, tr.Changed())
}
