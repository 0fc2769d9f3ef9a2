package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"binance-grid-engine-go/internal/config"
	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/feed"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ExchangeFactory 按凭证构造交易所客户端。真实盘和模拟盘各有一个实现。
type ExchangeFactory func(apiKey, apiSecret string) exchange.Exchange

// SupervisorConfig 汇集监督器的依赖。
type SupervisorConfig struct {
	Store       *store.Store
	Bus         *Bus
	Feed        *feed.Feed
	NewExchange ExchangeFactory
	Interval    time.Duration
	Logger      *zap.Logger
}

// Supervisor 管理全部策略的生命周期：创建、暂停、恢复、删除、
// 进程重启后的恢复。每条策略由独占的 Runner 驱动，单条策略的
// 故障不会波及其他策略。
type Supervisor struct {
	cfg SupervisorConfig
	log *zap.Logger

	mu      sync.Mutex
	runners map[string]*Runner
}

// NewSupervisor 创建监督器。
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		log:     cfg.Logger.Named("supervisor"),
		runners: make(map[string]*Runner),
	}
}

// Recover 装载持久化的策略并重启所有存活的 Runner。
// 已删除和处于终态的策略只保留记录，不再调度。
func (s *Supervisor) Recover() error {
	strategies, err := s.cfg.Store.ListStrategies()
	if err != nil {
		return fmt.Errorf("恢复策略失败: %w", err)
	}
	for _, strategy := range strategies {
		if strategy.Deleted || strategy.ExecutionStatus.Terminal() {
			continue
		}
		// 重启后从头评估, 不信任崩溃前的瞬时状态
		strategy.ExecutionStatus = models.StatusInitializing
		s.startRunner(strategy)
		s.log.Info("恢复策略", zap.String("id", strategy.ID), zap.String("symbol", strategy.Symbol))
	}
	return nil
}

// Create 校验并启动一条新策略。
func (s *Supervisor) Create(strategy *models.GridStrategy) (*models.GridStrategy, error) {
	if err := config.ValidateStrategy(strategy); err != nil {
		return nil, err
	}
	strategy.ID = uuid.NewString()
	strategy.ExecutionStatus = models.StatusInitializing
	strategy.CreatedAt = time.Now()
	strategy.UpdatedAt = strategy.CreatedAt

	if err := s.cfg.Store.SaveStrategy(strategy); err != nil {
		return nil, err
	}
	s.startRunner(strategy)

	cp := *strategy
	return &cp, nil
}

func (s *Supervisor) startRunner(strategy *models.GridStrategy) {
	r := NewRunner(RunnerConfig{
		Strategy: strategy,
		Exchange: s.cfg.NewExchange(strategy.APIKey, strategy.APISecret),
		Store:    s.cfg.Store,
		Bus:      s.cfg.Bus,
		Feed:     s.cfg.Feed,
		Interval: s.cfg.Interval,
		Logger:   s.cfg.Logger.Named("runner"),
	})
	s.mu.Lock()
	s.runners[strategy.ID] = r
	s.mu.Unlock()
	r.Start()
}

func (s *Supervisor) runner(id string) (*Runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	return r, ok
}

// Pause 暂停策略, 在周期边界生效。
func (s *Supervisor) Pause(id string) error {
	r, ok := s.runner(id)
	if !ok {
		return fmt.Errorf("策略 %s 不存在或未运行", id)
	}
	snap := r.Snapshot()
	if !snap.ExecutionStatus.CanTogglePause() {
		return fmt.Errorf("策略 %s 当前状态 %s 不允许暂停", id, snap.ExecutionStatus)
	}
	r.Pause()
	return nil
}

// Resume 恢复策略。恢复闸门保证不会在存量挂单未理清前重复挂单。
func (s *Supervisor) Resume(id string) error {
	r, ok := s.runner(id)
	if !ok {
		return fmt.Errorf("策略 %s 不存在或未运行", id)
	}
	snap := r.Snapshot()
	if !snap.ExecutionStatus.CanTogglePause() {
		return fmt.Errorf("策略 %s 当前状态 %s 不允许恢复", id, snap.ExecutionStatus)
	}
	r.Resume()
	return nil
}

// Delete 停止策略并撤掉它的全部挂单, 记录保留为已删除。
func (s *Supervisor) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	r, running := s.runners[id]
	delete(s.runners, id)
	s.mu.Unlock()

	var strategy *models.GridStrategy
	if running {
		r.Stop()
		snap := r.Snapshot()
		strategy = &snap
	} else {
		var err error
		strategy, err = s.cfg.Store.GetStrategy(id)
		if err != nil {
			return err
		}
		if strategy == nil {
			return fmt.Errorf("策略 %s 不存在", id)
		}
	}

	// 撤单尽力而为：失败不阻塞删除, 用户可在交易所手工清理。
	// 只撤带本策略前缀的挂单, 同交易对的其他策略不受影响。
	ex := s.cfg.NewExchange(strategy.APIKey, strategy.APISecret)
	tag := clientOrderTag(strategy.ID)
	if open, err := ex.GetOpenOrders(ctx, strategy.Symbol); err == nil {
		for _, o := range open {
			if !strings.HasPrefix(o.ClientOrderID, tag) {
				continue
			}
			if err := ex.CancelOrder(ctx, strategy.Symbol, o.ExchangeOrderID); err != nil {
				s.log.Warn("删除时撤单失败", zap.Int64("orderID", o.ExchangeOrderID), zap.Error(err))
			}
		}
	} else {
		s.log.Warn("删除时查询挂单失败", zap.Error(err))
	}

	strategy.Deleted = true
	strategy.Paused = true
	strategy.UpdatedAt = time.Now()
	if err := s.cfg.Store.SaveStrategy(strategy); err != nil {
		return err
	}

	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(models.StrategyEvent{
			Type: models.EventGrid, StrategyID: id, Symbol: strategy.Symbol, Message: "策略已删除",
		})
	}
	return nil
}

// Get 返回策略的当前快照：运行中的取 Runner 实时状态, 否则读存储。
func (s *Supervisor) Get(id string) (*models.GridStrategy, error) {
	if r, ok := s.runner(id); ok {
		snap := r.Snapshot()
		return &snap, nil
	}
	return s.cfg.Store.GetStrategy(id)
}

// List 返回全部未删除策略的快照。
func (s *Supervisor) List() ([]models.GridStrategy, error) {
	stored, err := s.cfg.Store.ListStrategies()
	if err != nil {
		return nil, err
	}
	var out []models.GridStrategy
	for _, strategy := range stored {
		if strategy.Deleted {
			continue
		}
		if r, ok := s.runner(strategy.ID); ok {
			out = append(out, r.Snapshot())
		} else {
			out = append(out, *strategy)
		}
	}
	return out, nil
}

// Orders 返回策略的订单历史。
func (s *Supervisor) Orders(id string) ([]*models.Order, error) {
	return s.cfg.Store.ListOrders(id)
}

// Shutdown 在周期边界停掉所有 Runner。挂单保持原样, 重启后恢复。
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	runners := make([]*Runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.runners = make(map[string]*Runner)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			r.Stop()
		}(r)
	}
	wg.Wait()
	s.log.Info("全部Runner已停止", zap.Int("count", len(runners)))
}
