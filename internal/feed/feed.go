package feed

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 70 * time.Second
	pingPeriod = (pongWait * 9) / 10
	redialWait = 5 * time.Second
)

// Tick 是一次标记价格更新。
type Tick struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// markPriceEvent 对应币安 <symbol>@markPrice 推送。
type markPriceEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
	EventTime int64  `json:"E"`
}

// Feed 订阅币安合约的标记价格流并向多个消费者扇出。
// 每个交易对维护一条独立的websocket连接，断线自动重连；
// 订阅者通道发送采用"保留最新"策略，慢消费者不会阻塞行情。
type Feed struct {
	wsBaseURL string
	logger    *zap.Logger

	mu      sync.Mutex
	symbols map[string]*symbolFeed
}

type symbolFeed struct {
	symbol string
	cancel context.CancelFunc

	mu      sync.Mutex
	subs    map[int]chan Tick
	nextSub int
	last    Tick
	hasLast bool
}

// NewFeed 创建行情源。wsBaseURL 形如 wss://fstream.binance.com。
func NewFeed(wsBaseURL string, logger *zap.Logger) *Feed {
	return &Feed{
		wsBaseURL: wsBaseURL,
		logger:    logger,
		symbols:   make(map[string]*symbolFeed),
	}
}

// Subscribe 返回指定交易对的行情通道和取消函数。
// 同一交易对的多个订阅共享一条连接；最后一个订阅取消时断开连接。
func (f *Feed) Subscribe(symbol string) (<-chan Tick, func()) {
	f.mu.Lock()
	sf, ok := f.symbols[symbol]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		sf = &symbolFeed{
			symbol: symbol,
			cancel: cancel,
			subs:   make(map[int]chan Tick),
		}
		f.symbols[symbol] = sf
		go f.readLoop(ctx, sf)
	}
	f.mu.Unlock()

	sf.mu.Lock()
	id := sf.nextSub
	sf.nextSub++
	ch := make(chan Tick, 1)
	sf.subs[id] = ch
	sf.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			sf.mu.Lock()
			delete(sf.subs, id)
			empty := len(sf.subs) == 0
			sf.mu.Unlock()
			if empty {
				f.mu.Lock()
				if f.symbols[symbol] == sf {
					delete(f.symbols, symbol)
				}
				f.mu.Unlock()
				sf.cancel()
			}
		})
	}
	return ch, unsub
}

// Last 返回交易对最近一次收到的标记价格。
func (f *Feed) Last(symbol string) (Tick, bool) {
	f.mu.Lock()
	sf, ok := f.symbols[symbol]
	f.mu.Unlock()
	if !ok {
		return Tick{}, false
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.last, sf.hasLast
}

func (f *Feed) streamURL(symbol string) string {
	return f.wsBaseURL + "/ws/" + strings.ToLower(symbol) + "@markPrice@1s"
}

func (f *Feed) readLoop(ctx context.Context, sf *symbolFeed) {
	url := f.streamURL(sf.symbol)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := f.readOnce(ctx, url, sf); err != nil && ctx.Err() == nil {
			f.logger.Warn("行情连接断开, 稍后重连",
				zap.String("symbol", sf.symbol), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(redialWait):
		}
	}
}

func (f *Feed) readOnce(ctx context.Context, url string, sf *symbolFeed) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(payload string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(writeWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev markPriceEvent
		if err := json.Unmarshal(message, &ev); err != nil || ev.EventType != "markPriceUpdate" {
			continue
		}
		price, err := strconv.ParseFloat(ev.MarkPrice, 64)
		if err != nil {
			continue
		}
		sf.dispatch(Tick{Symbol: ev.Symbol, Price: price, Time: time.UnixMilli(ev.EventTime)})
	}
}

// dispatch 更新最新价并扇出。订阅通道容量为1，发送前先清空旧值，
// 保证消费者读到的永远是最新一笔。
func (sf *symbolFeed) dispatch(tick Tick) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.last = tick
	sf.hasLast = true
	for _, ch := range sf.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- tick:
		default:
		}
	}
}
