package reporter

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"volatility-grid-bot-go/internal/events"
	"volatility-grid-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
)

// TradeMetrics 已平仓交易的统计
type TradeMetrics struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64 // 百分比
	AvgProfitLoss float64 // 平均盈亏比
	TotalProfit   float64
}

// TradeStats accumulates realized pnl of closed grid positions. It is fed
// from GridPositionClosed events and is safe for concurrent use.
type TradeStats struct {
	mu   sync.Mutex
	pnls []float64
}

func NewTradeStats() *TradeStats { return &TradeStats{} }

// Add records one closed trade.
func (t *TradeStats) Add(pnl float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pnls = append(t.pnls, pnl)
}

// HandleEvent picks the pnl out of GridPositionClosed events; other types are ignored.
func (t *TradeStats) HandleEvent(e events.Event) {
	if e.Type != events.GridPositionClosed {
		return
	}
	if pnl, ok := e.Data["pnl"].(float64); ok {
		t.Add(pnl)
	}
}

// Metrics 计算胜率与盈亏比
func (t *TradeStats) Metrics() TradeMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := TradeMetrics{TotalTrades: len(t.pnls)}
	var totalProfit, totalLoss float64
	for _, p := range t.pnls {
		if p > 0 {
			m.WinningTrades++
			totalProfit += p
		} else {
			m.LosingTrades++
			totalLoss += p
		}
	}
	m.TotalProfit = totalProfit + totalLoss
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 && totalLoss != 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		m.AvgProfitLoss = avgWin / avgLoss
	}
	return m
}

// OrderSummary counts bridge results by outcome.
type OrderSummary struct {
	Submitted int
	Succeeded int
	Failed    map[models.ErrorReason]int
}

// SummarizeOrders 汇总下单执行历史
func SummarizeOrders(history []models.OrderResult) OrderSummary {
	s := OrderSummary{Failed: make(map[models.ErrorReason]int)}
	for _, r := range history {
		s.Submitted++
		if r.Success {
			s.Succeeded++
		} else {
			s.Failed[r.Reason]++
		}
	}
	return s
}

// RenderStatus renders the account and strategy tables for the periodic status log.
func RenderStatus(status models.EngineStatus) string {
	var b strings.Builder
	b.WriteString(renderAccount(status))
	b.WriteString("\n")
	b.WriteString(renderStrategies(status.Strategies))
	if len(status.Account.Warnings) > 0 {
		b.WriteString("\n")
		b.WriteString(renderWarnings(status.Account.Warnings, 5))
	}
	return b.String()
}

// RenderFinalReport is emitted once at shutdown.
func RenderFinalReport(status models.EngineStatus, trades TradeMetrics, orders OrderSummary) string {
	a := status.Account
	t := newTable("========== 最终风险报告 ==========")
	t.AppendRows([]table.Row{
		{"初始资金", money(a.InitialCapital)},
		{"最终资金", money(a.CurrentCapital)},
		{"已实现盈亏", money(a.RealizedPnL)},
		{"收益率", pct(ratio(a.CurrentCapital-a.InitialCapital, a.InitialCapital))},
		{"最大回撤", pct(a.MaxDrawdown)},
		{"VaR(95%)", money(a.VaR95)},
		{"夏普比率", fmt.Sprintf("%.2f", a.Sharpe)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"总交易次数", trades.TotalTrades},
		{"盈利次数", trades.WinningTrades},
		{"亏损次数", trades.LosingTrades},
		{"胜率", fmt.Sprintf("%.2f%%", trades.WinRate)},
		{"平均盈亏比", fmt.Sprintf("%.2f", trades.AvgProfitLoss)},
	})
	t.AppendSeparator()
	t.AppendRow(table.Row{"下单次数", orders.Submitted})
	t.AppendRow(table.Row{"成功", orders.Succeeded})
	reasons := make([]models.ErrorReason, 0, len(orders.Failed))
	for r := range orders.Failed {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
	for _, r := range reasons {
		t.AppendRow(table.Row{"失败 " + r.String(), orders.Failed[r]})
	}
	t.AppendSeparator()
	t.AppendRow(table.Row{"交易开启", a.TradingEnabled})
	t.AppendRow(table.Row{"紧急停止", a.EmergencyTriggered})

	out := t.Render()
	if len(a.Warnings) > 0 {
		out += "\n" + renderWarnings(a.Warnings, 20)
	}
	return out
}

func renderAccount(status models.EngineStatus) string {
	a := status.Account
	t := newTable("账户")
	t.AppendHeader(table.Row{"资金", "可用保证金", "敞口", "持仓", "当日盈亏", "回撤", "VaR95", "Sharpe", "交易", "入场"})
	t.AppendRow(table.Row{
		money(a.CurrentCapital),
		money(a.FreeMargin),
		money(a.Exposure),
		a.OpenPositions,
		money(a.DailyPnL),
		pct(a.CurrentDrawdown),
		money(a.VaR95),
		fmt.Sprintf("%.2f", a.Sharpe),
		onOff(a.TradingEnabled && !a.EmergencyTriggered),
		entryState(status),
	})
	return t.Render()
}

func renderStrategies(ss []models.StrategyStatus) string {
	t := newTable("策略")
	t.AppendHeader(table.Row{"ID", "交易对", "状态", "行情", "模式", "参考价", "波动率", "现价", "持仓", "仓位比例", "已实现", "未实现"})
	for _, s := range ss {
		t.AppendRow(table.Row{
			s.ID, s.Symbol, s.State, s.Regime, s.Mode,
			fmt.Sprintf("%.4f", s.ReferencePrice),
			fmt.Sprintf("%.4f", s.LastVolatility),
			fmt.Sprintf("%.4f", s.LastPrice),
			s.OpenPositions,
			pct(s.PositionFraction),
			money(s.RealizedPnL),
			money(s.UnrealizedPnL),
		})
	}
	return t.Render()
}

func renderWarnings(ws []string, last int) string {
	if len(ws) > last {
		ws = ws[len(ws)-last:]
	}
	t := newTable("警告")
	for _, w := range ws {
		t.AppendRow(table.Row{w})
	}
	return t.Render()
}

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetTitle(title)
	t.SetStyle(table.StyleLight)
	return t
}

func entryState(s models.EngineStatus) string {
	switch {
	case s.Halted:
		return "HALTED"
	case s.Paused:
		return "PAUSED"
	case !s.EntriesEnabled:
		return "BLOCKED"
	default:
		return "OPEN"
	}
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func money(v float64) string { return fmt.Sprintf("%.2f", v) }

func pct(v float64) string { return fmt.Sprintf("%.2f%%", v*100) }

func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
