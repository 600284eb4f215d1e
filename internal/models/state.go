package models

import "time"

// StrategyStatus 单个策略实例的时点快照
type StrategyStatus struct {
	ID                string      `json:"id"`
	Symbol            string      `json:"symbol"`
	State             string      `json:"state"`
	Regime            Regime      `json:"regime"`
	Mode              GridMode    `json:"mode"`
	ReferencePrice    float64     `json:"reference_price"`
	LastVolatility    float64     `json:"last_volatility"`
	LastPrice         float64     `json:"last_price"`
	OpenPositions     int         `json:"open_positions"`
	PositionFraction  float64     `json:"position_fraction"`
	Exposure          float64     `json:"exposure"`
	RealizedPnL       float64     `json:"realized_pnl"`
	UnrealizedPnL     float64     `json:"unrealized_pnl"`
	ConsecutiveLosses int         `json:"consecutive_losses"`
	BuyLevels         []GridLevel `json:"buy_levels"`
	SellLevels        []GridLevel `json:"sell_levels"`
}

// AccountStatus 账户级风险快照
type AccountStatus struct {
	InitialCapital     float64  `json:"initial_capital"`
	CurrentCapital     float64  `json:"current_capital"`
	PeakCapital        float64  `json:"peak_capital"`
	MarginUsed         float64  `json:"margin_used"`
	FreeMargin         float64  `json:"free_margin"`
	Exposure           float64  `json:"exposure"`
	OpenPositions      int      `json:"open_positions"`
	RealizedPnL        float64  `json:"realized_pnl"`
	DailyPnL           float64  `json:"daily_pnl"`
	CurrentDrawdown    float64  `json:"current_drawdown"`
	MaxDrawdown        float64  `json:"max_drawdown"`
	VaR95              float64  `json:"var_95"`
	Sharpe             float64  `json:"sharpe"`
	TradingEnabled     bool     `json:"trading_enabled"`
	EmergencyTriggered bool     `json:"emergency_triggered"`
	Warnings           []string `json:"warnings"`
}

// EngineStatus 引擎整体快照, 也是持久化的状态快照
type EngineStatus struct {
	Time           time.Time        `json:"time"`
	Paused         bool             `json:"paused"`
	EntriesEnabled bool             `json:"entries_enabled"`
	Halted         bool             `json:"halted"`
	Account        AccountStatus    `json:"account"`
	Strategies     []StrategyStatus `json:"strategies"`
}
