package engine

import (
	"sync"
	"time"

	"binance-grid-engine-go/internal/models"
)

// Bus 是进程内的策略事件总线。发布永不阻塞：
// 订阅者跟不上时丢弃最旧的事件，保留最新的。
type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan models.StrategyEvent
	nextSub int
}

// NewBus 创建事件总线。
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan models.StrategyEvent)}
}

// Publish 向所有订阅者广播事件。
func (b *Bus) Publish(ev models.StrategyEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// 通道满：挤掉最旧的一条再塞
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe 返回事件通道和取消函数。
func (b *Bus) Subscribe() (<-chan models.StrategyEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan models.StrategyEvent, 64)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}
