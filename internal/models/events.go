package models

import "time"

// EventType 对暴露给日志/UI消费者的策略事件分类。
type EventType string

const (
	EventInit     EventType = "init"
	EventOrder    EventType = "order"
	EventAccount  EventType = "account"
	EventExchange EventType = "exchange"
	EventGrid     EventType = "grid"
	EventError    EventType = "error"
)

// StrategyEvent 是 Runner 发出的单向通知, 发后不管。
// 消费者绝不能阻塞引擎；跟不上的消费者会丢事件。
type StrategyEvent struct {
	Type       EventType      `json:"event_type"`
	StrategyID string         `json:"strategy_id"`
	Symbol     string         `json:"symbol"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Time       time.Time      `json:"created_at"`
}
