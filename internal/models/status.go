package models

// ExecutionStatus 是引擎对单条策略自报的运行健康状态。
// 取值是封闭集合：Runner 每个周期都会重新评估一次，
// 不存在未处理的状态值悄悄漏过迁移逻辑的可能。
type ExecutionStatus string

const (
	StatusInitializing ExecutionStatus = "INITIALIZING"
	StatusTrading      ExecutionStatus = "TRADING"
	StatusPausedManual ExecutionStatus = "PAUSED_MANUAL"

	// 价格越界状态：网格停摆, 持仓继续监控
	StatusPriceAboveMax ExecutionStatus = "PRICE_ABOVE_MAX"
	StatusPriceBelowMin ExecutionStatus = "PRICE_BELOW_MIN"

	// 相对参考开仓价的提示性子状态, 属于交易中的细分
	StatusPriceAboveOpen ExecutionStatus = "PRICE_ABOVE_OPEN"
	StatusPriceBelowOpen ExecutionStatus = "PRICE_BELOW_OPEN"

	// 故障状态
	StatusAPIKeyInvalid       ExecutionStatus = "API_KEY_INVALID"
	StatusNetworkError        ExecutionStatus = "NETWORK_ERROR"
	StatusInsufficientBalance ExecutionStatus = "INSUFFICIENT_BALANCE"
	StatusOtherError          ExecutionStatus = "OTHER_ERROR"

	// 终态：初始化本身无法完成
	StatusInitFailed ExecutionStatus = "INIT_FAILED"
)

// IsFault 返回该状态是否属于故障状态。
func (s ExecutionStatus) IsFault() bool {
	switch s {
	case StatusAPIKeyInvalid, StatusNetworkError, StatusInsufficientBalance, StatusOtherError, StatusInitFailed:
		return true
	}
	return false
}

// IsTradable 返回是否允许挂新单。
// PRICE_ABOVE_OPEN / PRICE_BELOW_OPEN 是交易中的子状态, 仍可交易。
func (s ExecutionStatus) IsTradable() bool {
	switch s {
	case StatusTrading, StatusPriceAboveOpen, StatusPriceBelowOpen:
		return true
	}
	return false
}

// AllowsClosing 返回已有持仓的平仓动作是否可以继续。
// 余额不足只挡开仓, 从不挡平仓。
func (s ExecutionStatus) AllowsClosing() bool {
	return s.IsTradable() || s == StatusInsufficientBalance ||
		s == StatusPriceAboveMax || s == StatusPriceBelowMin
}

// CanTogglePause 返回当前状态是否接受用户的暂停/恢复操作。
// 故障状态在诱因消失后自行恢复, 不接受人工切换。
func (s ExecutionStatus) CanTogglePause() bool {
	switch s {
	case StatusInitializing, StatusTrading, StatusPausedManual,
		StatusPriceAboveMax, StatusPriceBelowMin,
		StatusPriceAboveOpen, StatusPriceBelowOpen:
		return true
	}
	return false
}

// Terminal 返回 Runner 是否已永久停止为该策略调度交易。
func (s ExecutionStatus) Terminal() bool {
	return s == StatusInitFailed
}
