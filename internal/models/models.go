package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	IsTestnet    bool   `json:"is_testnet"` // 是否使用测试网
	Mode         string `json:"mode"`       // live 或 paper
	DBPath       string `json:"db_path"`    // 事件库 (badger) 目录
	LiveWSURL    string `json:"live_ws_url"`
	TestnetWSURL string `json:"testnet_ws_url"`

	Account    AccountConfig    `json:"account"`
	Strategies []StrategyConfig `json:"strategies"`
	Risk       RiskLimits       `json:"risk"`
	Bridge     BridgeConfig     `json:"bridge"`
	Engine     EngineConfig     `json:"engine"`
	Paper      PaperConfig      `json:"paper"`
	LogConfig  LogConfig        `json:"log"`

	WSBaseURL string `json:"ws_base_url"` // 行情 WebSocket 地址 (将由程序动态设置)
}

// AccountConfig 描述交易账户本身
type AccountConfig struct {
	InitialCapital float64 `json:"initial_capital"` // 为0时启动时从交易所余额同步
	QuoteAsset     string  `json:"quote_asset"`     // 保证金资产, 默认 USDT
	Leverage       int     `json:"leverage"`
	RiskFreeRate   float64 `json:"risk_free_rate"` // 年化无风险利率, 用于夏普比率
	TakerFeeRate   float64 `json:"taker_fee_rate"` // 账本记账用的吃单费率
}

// StrategyConfig 定义单个网格策略实例
type StrategyConfig struct {
	ID               string     `json:"id,omitempty"`
	Symbol           string     `json:"symbol"`
	Regime           string     `json:"regime"`            // BULLISH / BEARISH / RANGE / NONE
	Interval         string     `json:"interval"`          // K线周期, 例如 "1m"
	ATRPeriod        int        `json:"atr_period"`        // 波动率 (ATR) 周期
	RiskPerTrade     float64    `json:"risk_per_trade"`    // 单笔风险占资金比例
	ProtectiveOrders bool       `json:"protective_orders"` // 是否在交易所挂止损/止盈保护单
	Grid             GridConfig `json:"grid"`
}

// GridConfig 网格参数, 生命周期内不可变
type GridConfig struct {
	VolatilityMultiplier         float64 `json:"volatility_multiplier"`
	LevelCount                   int     `json:"level_count"`
	MaxPositionFraction          float64 `json:"max_position_fraction"`
	StopLossVolatilityMultiplier float64 `json:"stop_loss_volatility_multiplier"`
	RecalculationThreshold       float64 `json:"recalculation_threshold"`
}

// RiskLimits 账户级风险限制
type RiskLimits struct {
	MaxPositionFraction       float64 `json:"max_position_fraction"`
	MaxTotalExposureFraction  float64 `json:"max_total_exposure_fraction"`
	MaxDailyLossFraction      float64 `json:"max_daily_loss_fraction"`
	MaxDrawdownFraction       float64 `json:"max_drawdown_fraction"`
	MaxPositions              int     `json:"max_positions"`
	MaxLeverage               int     `json:"max_leverage"`
	MinFreeMarginFraction     float64 `json:"min_free_margin_fraction"`
	EmergencyStopLossFraction float64 `json:"emergency_stop_loss_fraction"`
}

// BridgeConfig 下单桥的重试与限流参数
type BridgeConfig struct {
	MaxRetries        int     `json:"max_retries"`         // 包含首次在内的最大尝试次数
	RetryDelayMs      int     `json:"retry_delay_ms"`      // 第 n 次重试前等待 n*RetryDelayMs
	RequestTimeoutMs  int     `json:"request_timeout_ms"`  // 单次交易所调用超时
	RequestsPerSecond float64 `json:"requests_per_second"` // 全局下单速率
	Burst             int     `json:"burst"`
	MaxInFlight       int     `json:"max_in_flight"` // 同时在途的下单请求数
	HistorySize       int     `json:"history_size"`  // 执行历史保留条数
}

// EngineConfig 执行循环参数
type EngineConfig struct {
	RiskCheckIntervalSec int  `json:"risk_check_interval_sec"`
	StatusIntervalSec    int  `json:"status_interval_sec"`
	ReconcileIntervalSec int  `json:"reconcile_interval_sec"`
	CloseOnShutdown      bool `json:"close_on_shutdown"`
	EventBufferSize      int  `json:"event_buffer_size"`
	ShutdownTimeoutSec   int  `json:"shutdown_timeout_sec"`
}

// PaperConfig 模拟盘参数
type PaperConfig struct {
	InitialBalance float64                      `json:"initial_balance"`
	TakerFeeRate   float64                      `json:"taker_fee_rate"` // 吃单手续费率
	SlippageRate   float64                      `json:"slippage_rate"`  // 滑点率
	Filters        map[string]InstrumentFilters `json:"filters"`
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

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// ApplyDefaults fills zero values with the defaults the bot runs with.
func (c *Config) ApplyDefaults() {
	if c.Mode == "" {
		c.Mode = "paper"
	}
	if c.DBPath == "" {
		c.DBPath = "data/events"
	}
	if c.LiveWSURL == "" {
		c.LiveWSURL = "wss://fstream.binance.com"
	}
	if c.TestnetWSURL == "" {
		c.TestnetWSURL = "wss://stream.binancefuture.com"
	}
	if c.Account.QuoteAsset == "" {
		c.Account.QuoteAsset = "USDT"
	}
	if c.Account.Leverage == 0 {
		c.Account.Leverage = 1
	}
	if c.Account.TakerFeeRate == 0 {
		c.Account.TakerFeeRate = 0.0004
	}
	for i := range c.Strategies {
		s := &c.Strategies[i]
		if s.Interval == "" {
			s.Interval = "1m"
		}
		if s.ATRPeriod == 0 {
			s.ATRPeriod = 14
		}
		if s.Regime == "" {
			s.Regime = string(RegimeRange)
		}
		if s.RiskPerTrade == 0 {
			s.RiskPerTrade = 0.01
		}
	}
	b := &c.Bridge
	if b.MaxRetries == 0 {
		b.MaxRetries = 3
	}
	if b.RetryDelayMs == 0 {
		b.RetryDelayMs = 500
	}
	if b.RequestTimeoutMs == 0 {
		b.RequestTimeoutMs = 5000
	}
	if b.RequestsPerSecond == 0 {
		b.RequestsPerSecond = 5
	}
	if b.Burst == 0 {
		b.Burst = 5
	}
	if b.MaxInFlight == 0 {
		b.MaxInFlight = 4
	}
	if b.HistorySize == 0 {
		b.HistorySize = 500
	}
	e := &c.Engine
	if e.RiskCheckIntervalSec == 0 {
		e.RiskCheckIntervalSec = 10
	}
	if e.StatusIntervalSec == 0 {
		e.StatusIntervalSec = 60
	}
	if e.ReconcileIntervalSec == 0 {
		e.ReconcileIntervalSec = 15
	}
	if e.EventBufferSize == 0 {
		e.EventBufferSize = 256
	}
	if e.ShutdownTimeoutSec == 0 {
		e.ShutdownTimeoutSec = 30
	}
	if c.Paper.InitialBalance == 0 {
		c.Paper.InitialBalance = 10000
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.LogConfig.Output == "" {
		c.LogConfig.Output = "console"
	}
}

// Validate checks the whole configuration tree.
func (c *Config) Validate() error {
	mode := strings.ToLower(c.Mode)
	if mode != "live" && mode != "paper" {
		return invalid("unknown mode %q", c.Mode)
	}
	if c.Account.InitialCapital < 0 {
		return invalid("account.initial_capital must not be negative")
	}
	if c.Account.Leverage < 1 {
		return invalid("account.leverage must be >= 1")
	}
	if len(c.Strategies) == 0 {
		return invalid("at least one strategy is required")
	}
	seen := make(map[string]bool)
	for i, s := range c.Strategies {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("strategies[%d]: %w", i, err)
		}
		if s.ID != "" {
			if seen[s.ID] {
				return invalid("duplicate strategy id %q", s.ID)
			}
			seen[s.ID] = true
		}
	}
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	return c.Bridge.Validate()
}

// Validate checks a single strategy definition.
func (s StrategyConfig) Validate() error {
	if strings.TrimSpace(s.Symbol) == "" {
		return invalid("symbol is required")
	}
	if _, err := ParseRegime(s.Regime); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if s.ATRPeriod < 1 {
		return invalid("atr_period must be >= 1")
	}
	if s.RiskPerTrade <= 0 || s.RiskPerTrade > 1 {
		return invalid("risk_per_trade must be in (0,1]")
	}
	return s.Grid.Validate()
}

// Validate enforces: all values positive, max_position_fraction in (0,1].
func (g GridConfig) Validate() error {
	switch {
	case g.VolatilityMultiplier <= 0:
		return invalid("grid.volatility_multiplier must be positive")
	case g.LevelCount <= 0:
		return invalid("grid.level_count must be positive")
	case g.MaxPositionFraction <= 0 || g.MaxPositionFraction > 1:
		return invalid("grid.max_position_fraction must be in (0,1]")
	case g.StopLossVolatilityMultiplier <= 0:
		return invalid("grid.stop_loss_volatility_multiplier must be positive")
	case g.RecalculationThreshold <= 0:
		return invalid("grid.recalculation_threshold must be positive")
	}
	return nil
}

// Validate checks the account risk limits.
func (r RiskLimits) Validate() error {
	fractions := map[string]float64{
		"max_position_fraction":        r.MaxPositionFraction,
		"max_total_exposure_fraction":  r.MaxTotalExposureFraction,
		"max_daily_loss_fraction":      r.MaxDailyLossFraction,
		"max_drawdown_fraction":        r.MaxDrawdownFraction,
		"emergency_stop_loss_fraction": r.EmergencyStopLossFraction,
	}
	for name, v := range fractions {
		if v <= 0 {
			return invalid("risk.%s must be positive", name)
		}
	}
	if r.MaxPositionFraction > 1 {
		return invalid("risk.max_position_fraction must be <= 1")
	}
	if r.MinFreeMarginFraction < 0 || r.MinFreeMarginFraction >= 1 {
		return invalid("risk.min_free_margin_fraction must be in [0,1)")
	}
	if r.MaxPositions <= 0 {
		return invalid("risk.max_positions must be positive")
	}
	if r.MaxLeverage <= 0 {
		return invalid("risk.max_leverage must be positive")
	}
	return nil
}

// Validate checks the bridge settings after defaults were applied.
func (b BridgeConfig) Validate() error {
	if b.MaxRetries < 1 {
		return invalid("bridge.max_retries must be >= 1")
	}
	if b.RetryDelayMs < 0 || b.RequestTimeoutMs <= 0 {
		return invalid("bridge delays must be positive")
	}
	if b.RequestsPerSecond <= 0 || b.Burst <= 0 || b.MaxInFlight <= 0 {
		return invalid("bridge rate limits must be positive")
	}
	return nil
}

func (b BridgeConfig) RetryDelay() time.Duration {
	return time.Duration(b.RetryDelayMs) * time.Millisecond
}

func (b BridgeConfig) RequestTimeout() time.Duration {
	return time.Duration(b.RequestTimeoutMs) * time.Millisecond
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (e EngineConfig) RiskCheckInterval() time.Duration { return seconds(e.RiskCheckIntervalSec) }
func (e EngineConfig) StatusInterval() time.Duration { return seconds(e.StatusIntervalSec) }
func (e EngineConfig) ReconcileInterval() time.Duration { return seconds(e.ReconcileIntervalSec) }
func (e EngineConfig) ShutdownTimeout() time.Duration { return seconds(e.ShutdownTimeoutSec) }

// ErrorReason is the structured classification of an exchange failure.
type ErrorReason int

const (
	ReasonUnknown ErrorReason = iota
	ReasonInsufficientBalance
	ReasonInvalidSymbol
	ReasonFilterViolation
	ReasonMarketClosed
	ReasonTimeout
	ReasonConnection
	ReasonRateLimited
)

func (r ErrorReason) String() string {
	switch r {
	case ReasonInsufficientBalance:
		return "INSUFFICIENT_BALANCE"
	case ReasonInvalidSymbol:
		return "INVALID_SYMBOL"
	case ReasonFilterViolation:
		return "FILTER_VIOLATION"
	case ReasonMarketClosed:
		return "MARKET_CLOSED"
	case ReasonTimeout:
		return "TIMEOUT"
	case ReasonConnection:
		return "CONNECTION"
	case ReasonRateLimited:
		return "RATE_LIMITED"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether a failure of this kind may be retried.
// Unknown failures are not retried.
func (r ErrorReason) Retryable() bool {
	switch r {
	case ReasonTimeout, ReasonConnection, ReasonRateLimited:
		return true
	default:
		return false
	}
}

// Error 定义了交易所返回的错误信息结构
type Error struct {
	Code   int         `json:"code"`
	Msg    string      `json:"msg"`
	Reason ErrorReason `json:"-"`
}

// Error 方法使得 Error 实现了 error 接口
func (e *Error) Error() string {
	return fmt.Sprintf("API Error: code=%d, reason=%s, msg=%s", e.Code, e.Reason, e.Msg)
}
