package config

import (
	"encoding/json"
	"fmt"
	"os"

	"binance-grid-engine-go/internal/models"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &models.Config{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *models.Config) {
	if cfg.CycleIntervalSec <= 0 {
		cfg.CycleIntervalSec = 5
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 10
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "grid_engine_db"
	}
	if cfg.APIListenAddr == "" {
		cfg.APIListenAddr = "127.0.0.1:8460"
	}
	if cfg.IsTestnet {
		cfg.BaseURL = cfg.TestnetAPIURL
		cfg.WSBaseURL = cfg.TestnetWSURL
	} else {
		cfg.BaseURL = cfg.LiveAPIURL
		cfg.WSBaseURL = cfg.LiveWSURL
	}
}

// ValidateStrategy 在策略创建时校验配置。
// 配置错误在此被拒绝，永远不会进入 Runner（见错误处理设计）。
func ValidateStrategy(s *models.GridStrategy) error {
	if s.Symbol == "" {
		return fmt.Errorf("symbol 不能为空")
	}
	if s.PositionSide != models.Long && s.PositionSide != models.Short {
		return fmt.Errorf("position_side 必须为 LONG 或 SHORT, 当前为 %q", s.PositionSide)
	}
	if s.Leverage < 1 || s.Leverage > 125 {
		return fmt.Errorf("leverage 必须在 1-125 之间, 当前为 %d", s.Leverage)
	}
	if s.PriceMin <= 0 || s.PriceMax <= 0 || s.PriceMin >= s.PriceMax {
		return fmt.Errorf("价格区间无效: price_min=%v price_max=%v", s.PriceMin, s.PriceMax)
	}
	if s.GridStep <= 0 && s.GridCount < 2 {
		return fmt.Errorf("必须配置 grid_step(>0) 或 grid_count(>=2)")
	}
	if s.GridStep > 0 && s.GridStep >= s.PriceMax-s.PriceMin {
		return fmt.Errorf("grid_step %v 不能大于等于价格区间宽度 %v", s.GridStep, s.PriceMax-s.PriceMin)
	}
	if s.OrderSize <= 0 {
		return fmt.Errorf("order_size 必须大于0, 当前为 %v", s.OrderSize)
	}
	if s.APIKey == "" || s.APISecret == "" {
		return fmt.Errorf("必填项 api_key 和 api_secret 不能为空")
	}
	return nil
}
