package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"binance-grid-engine-go/internal/api"
	"binance-grid-engine-go/internal/config"
	"binance-grid-engine-go/internal/engine"
	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/feed"
	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/report"
	"binance-grid-engine-go/internal/store"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.json", "配置文件路径")
	mode := flag.String("mode", "live", "运行模式: live 或 paper")
	flag.Parse()

	// .env 可覆盖环境变量, 不存在也无妨
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic("加载配置失败: " + err.Error())
	}
	logger.InitLogger(cfg.LogConfig)
	log := logger.L()
	defer log.Sync()

	exchange.SetRateBudget(cfg.RateLimitPerSec, cfg.RateLimitBurst)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal("打开数据库失败", zap.Error(err))
	}
	defer st.Close()

	marketFeed := feed.NewFeed(cfg.WSBaseURL, logger.Named("feed"))
	bus := engine.NewBus()

	var factory engine.ExchangeFactory
	switch *mode {
	case "paper":
		// 模拟盘: 所有策略共享一个内存交易所, 行情来自真实的标记价格流
		paper := exchange.NewPaperExchange(100000)
		factory = func(_, _ string) exchange.Exchange { return paper }
		go feedPaper(marketFeed, paper, st, log)
		log.Info("以模拟盘模式运行, 不会触达真实交易所下单接口")
	case "live":
		factory = func(apiKey, apiSecret string) exchange.Exchange {
			return exchange.NewBinanceExchange(apiKey, apiSecret, cfg.BaseURL, cfg.WSBaseURL, logger.Named("exchange"))
		}
	default:
		log.Fatal("未知运行模式", zap.String("mode", *mode))
	}

	sup := engine.NewSupervisor(engine.SupervisorConfig{
		Store:       st,
		Bus:         bus,
		Feed:        marketFeed,
		NewExchange: factory,
		Interval:    time.Duration(cfg.CycleIntervalSec) * time.Second,
		Logger:      log,
	})
	if err := sup.Recover(); err != nil {
		log.Fatal("恢复持久化策略失败", zap.Error(err))
	}

	go logEvents(bus, log)

	server := api.NewServer(sup, cfg.APIListenAddr, log)
	go func() {
		if err := server.Run(); err != nil {
			log.Fatal("API服务异常退出", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("收到退出信号, 开始优雅停机")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("API服务关闭异常", zap.Error(err))
	}
	sup.Shutdown()

	if strategies, err := sup.List(); err == nil && len(strategies) > 0 {
		report.Strategies(os.Stdout, strategies)
	}
	log.Info("停机完成, 挂单保持原样, 重启后自动恢复")
}

// feedPaper 把真实标记价格灌进模拟交易所, 驱动撮合。
func feedPaper(f *feed.Feed, paper *exchange.PaperExchange, st *store.Store, log *zap.Logger) {
	seen := make(map[string]bool)
	for {
		strategies, err := st.ListStrategies()
		if err == nil {
			for _, s := range strategies {
				if s.Deleted || seen[s.Symbol] {
					continue
				}
				seen[s.Symbol] = true
				ticks, _ := f.Subscribe(s.Symbol)
				go func(symbol string, ticks <-chan feed.Tick) {
					for tick := range ticks {
						paper.PushPrice(symbol, tick.Price)
					}
				}(s.Symbol, ticks)
				log.Info("模拟盘接入行情", zap.String("symbol", s.Symbol))
			}
		}
		time.Sleep(10 * time.Second)
	}
}

// logEvents 把策略事件写进日志, 作为最朴素的观察通道。
func logEvents(bus *engine.Bus, log *zap.Logger) {
	events, _ := bus.Subscribe()
	for ev := range events {
		fields := []zap.Field{
			zap.String("strategy", ev.StrategyID),
			zap.String("symbol", ev.Symbol),
			zap.String("type", string(ev.Type)),
		}
		if len(ev.Details) > 0 {
			fields = append(fields, zap.Any("details", ev.Details))
		}
		if ev.Type == models.EventError {
			log.Warn(ev.Message, fields...)
		} else {
			log.Info(ev.Message, fields...)
		}
	}
}
