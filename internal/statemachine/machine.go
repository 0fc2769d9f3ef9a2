package statemachine

import (
	"fmt"

	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/models"
)

// Inputs 是每个周期喂给状态机的观测值。
type Inputs struct {
	Current models.ExecutionStatus
	Paused  bool
	Price   float64
	// Err 是本周期交易所调用产生的已分类错误，nil 表示一切正常
	Err      error
	Strategy *models.GridStrategy
}

// Transition 是一次状态评估的结果。
type Transition struct {
	From   models.ExecutionStatus
	To     models.ExecutionStatus
	Reason string
}

// Changed 为 true 表示发生了状态迁移；故障事件只在迁移时上报一次。
func (t Transition) Changed() bool { return t.From != t.To }

// Evaluate 按固定优先级重新评估执行状态：
// 故障 > 手动暂停 > 价格越界 > 开仓价闸门 > 正常交易。
// 每个周期都会完整评估一次，状态不做粘滞：故障消失后自动回到
// 对应的正常状态。INIT_FAILED 是唯一的终态。
func Evaluate(in Inputs) Transition {
	to, reason := evaluate(in)
	return Transition{From: in.Current, To: to, Reason: reason}
}

func evaluate(in Inputs) (models.ExecutionStatus, string) {
	if in.Current.Terminal() {
		return in.Current, "终态不再迁移"
	}

	if in.Err != nil {
		return classifyFault(in)
	}

	if in.Paused {
		return models.StatusPausedManual, "手动暂停"
	}

	s := in.Strategy
	if in.Price > s.PriceMax {
		return models.StatusPriceAboveMax, fmt.Sprintf("价格 %v 高于区间上限 %v", in.Price, s.PriceMax)
	}
	if in.Price < s.PriceMin {
		return models.StatusPriceBelowMin, fmt.Sprintf("价格 %v 低于区间下限 %v", in.Price, s.PriceMin)
	}

	if s.OpenPrice > 0 {
		if s.PositionSide == models.Long && in.Price > s.OpenPrice {
			return models.StatusPriceAboveOpen, fmt.Sprintf("价格 %v 高于开仓价 %v, 暂停开多", in.Price, s.OpenPrice)
		}
		if s.PositionSide == models.Short && in.Price < s.OpenPrice {
			return models.StatusPriceBelowOpen, fmt.Sprintf("价格 %v 低于开仓价 %v, 暂停开空", in.Price, s.OpenPrice)
		}
	}

	return models.StatusTrading, "正常交易"
}

func classifyFault(in Inputs) (models.ExecutionStatus, string) {
	err := in.Err
	switch {
	case exchange.IsAuth(err):
		return models.StatusAPIKeyInvalid, err.Error()
	case exchange.IsInsufficientBalance(err):
		return models.StatusInsufficientBalance, err.Error()
	case exchange.IsNetwork(err), exchange.IsRateLimit(err):
		// 限频和网络错误同样是临时性的，等待下个周期重试
		return models.StatusNetworkError, err.Error()
	case in.Current == models.StatusInitializing:
		// 初始化阶段的业务拒绝无法自行恢复
		return models.StatusInitFailed, err.Error()
	default:
		return models.StatusOtherError, err.Error()
	}
}
