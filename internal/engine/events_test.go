package engine

import (
	"testing"

	"binance-grid-engine-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	b := NewBus()
	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()

	b.Publish(models.StrategyEvent{Type: models.EventGrid, StrategyID: "s1", Message: "hello"})

	ev1 := <-ch1
	ev2 := <-ch2
	assert.Equal(t, "hello", ev1.Message)
	assert.Equal(t, ev1.Message, ev2.Message)
	assert.False(t, ev1.Time.IsZero(), "发布时应补齐时间戳")
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe()
	defer unsub()

	// 订阅者不消费, 超量发布
	for i := 0; i < 100; i++ {
		b.Publish(models.StrategyEvent{Type: models.EventOrder, StrategyID: "s1", Details: map[string]any{"seq": i}})
	}

	var last int
	for len(ch) > 0 {
		last = (<-ch).Details["seq"].(int)
	}
	assert.Equal(t, 99, last, "最新事件不能被丢")
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe()
	unsub()
	unsub() // 幂等

	b.Publish(models.StrategyEvent{Type: models.EventGrid})
	require.Empty(t, ch)
}
