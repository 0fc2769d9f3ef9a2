package exchange

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"binance-grid-engine-go/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second
	// 必须比服务端的ping周期长
	pongWait   = 70 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// listenKey 有效期60分钟，提前续期
	keepAlivePeriod = 25 * time.Minute
)

// orderTradeUpdate 是 ORDER_TRADE_UPDATE 事件中我们关心的字段。
type orderTradeUpdate struct {
	EventType string `json:"e"`
	Order     struct {
		Symbol          string `json:"s"`
		ClientOrderID   string `json:"c"`
		Side            string `json:"S"`
		ExecutionType   string `json:"x"`
		OrderStatus     string `json:"X"`
		OrderID         int64  `json:"i"`
		LastFilledQty   string `json:"l"`
		LastFilledPrice string `json:"L"`
		Commission      string `json:"n"`
		TradeTime       int64  `json:"T"`
		RealizedProfit  string `json:"rp"`
	} `json:"o"`
}

// userStream 维护币安用户数据流：申请listenKey、定期续期、
// 断线后自动重连，并把成交事件转换为 models.Fill 推入通道。
type userStream struct {
	ex *BinanceExchange

	mu     sync.Mutex
	fills  chan models.Fill
	cancel context.CancelFunc
}

func newUserStream(ex *BinanceExchange) *userStream {
	return &userStream{ex: ex}
}

// run 启动用户数据流后台协程。重复调用返回同一个通道。
func (s *userStream) run(ctx context.Context) (<-chan models.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fills != nil {
		return s.fills, nil
	}

	listenKey, err := s.ex.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return nil, classify("startUserStream", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.fills = make(chan models.Fill, 256)

	go s.keepAliveLoop(streamCtx, listenKey)
	go s.readLoop(streamCtx, listenKey)
	return s.fills, nil
}

func (s *userStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *userStream) keepAliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(keepAlivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ex.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				s.ex.logger.Warn("续期listenKey失败", zap.Error(err))
			}
		}
	}
}

// readLoop 负责连接和读取；断开后等待数秒重连。
func (s *userStream) readLoop(ctx context.Context, listenKey string) {
	url := s.ex.wsBaseURL + "/ws/" + listenKey
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.readOnce(ctx, url); err != nil {
			s.ex.logger.Warn("用户数据流断开, 5秒后重连", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *userStream) readOnce(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// 币安服务端主动发ping，我们回pong即可
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
		s.handleMessage(message)
	}
}

func (s *userStream) handleMessage(message []byte) {
	var ev orderTradeUpdate
	if err := json.Unmarshal(message, &ev); err != nil {
		return
	}
	if ev.EventType != "ORDER_TRADE_UPDATE" || ev.Order.ExecutionType != "TRADE" {
		return
	}

	price, _ := strconv.ParseFloat(ev.Order.LastFilledPrice, 64)
	qty, _ := strconv.ParseFloat(ev.Order.LastFilledQty, 64)
	fee, _ := strconv.ParseFloat(ev.Order.Commission, 64)
	pnl, _ := strconv.ParseFloat(ev.Order.RealizedProfit, 64)

	fill := models.Fill{
		ClientOrderID:   ev.Order.ClientOrderID,
		ExchangeOrderID: ev.Order.OrderID,
		Symbol:          ev.Order.Symbol,
		Side:            models.Side(ev.Order.Side),
		Price:           price,
		Quantity:        qty,
		Fee:             fee,
		RealizedPnl:     pnl,
		Time:            time.UnixMilli(ev.Order.TradeTime),
	}

	select {
	case s.fills <- fill:
	default:
		// 通道满时丢弃：轮询对账会兜底补齐
		s.ex.logger.Warn("成交通道已满, 丢弃事件",
			zap.String("clientOrderID", fill.ClientOrderID))
	}
}
