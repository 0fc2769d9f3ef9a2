package models

// Config 结构体定义了引擎的所有配置参数
type Config struct {
	IsTestnet     bool   `json:"is_testnet"`
	DBPath        string `json:"db_path"`
	APIListenAddr string `json:"api_listen_addr"`

	LiveAPIURL    string `json:"live_api_url"`
	LiveWSURL     string `json:"live_ws_url"`
	TestnetAPIURL string `json:"testnet_api_url"`
	TestnetWSURL  string `json:"testnet_ws_url"`

	// 周期间隔，单位秒；每个策略的 Runner 以此节奏运行
	CycleIntervalSec int `json:"cycle_interval_sec"`

	// 每个凭证共享的请求预算（次/秒）及突发额度
	RateLimitPerSec float64 `json:"rate_limit_per_sec"`
	RateLimitBurst  int     `json:"rate_limit_burst"`

	LogConfig LogConfig `json:"log"`

	BaseURL   string `json:"base_url"`    // REST API基础地址 (将由程序动态设置)
	WSBaseURL string `json:"ws_base_url"` // WebSocket基础地址 (将由程序动态设置)
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}
