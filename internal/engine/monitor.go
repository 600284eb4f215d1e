package engine

import (
	"time"

	"volatility-grid-bot-go/internal/events"
	"volatility-grid-bot-go/internal/reporter"

	"go.uber.org/zap"
)

// riskMonitor runs the account risk check independently of ticks.
func (e *Engine) riskMonitor() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Engine.RiskCheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.checkRisk()
		}
	}
}

// checkRisk updates drawdown, evaluates the limits, gates new entries and
// liquidates when the ledger says every position must go. Liquidation is
// repeated on every check until no runner holds a position, so an exit that
// failed is retried.
func (e *Engine) checkRisk() {
	e.ledger.UpdateDrawdown()
	ok, warnings := e.ledger.CheckLimits()
	for _, w := range warnings {
		e.logger.Warn("Risk limit", zap.String("warning", w))
		e.emit(events.New(events.RiskLimitBreached, "account", "", e.now(), map[string]interface{}{
			"warning": w,
		}))
	}

	e.mu.Lock()
	changed := e.entriesEnabled != ok
	e.entriesEnabled = ok
	halted := e.halted
	e.mu.Unlock()
	if changed {
		e.logger.Warn("New entries gate changed", zap.Bool("enabled", ok))
	}

	if !e.ledger.ShouldCloseAllPositions() {
		return
	}
	if halted {
		left := e.openPositions()
		if left == 0 {
			return
		}
		e.logger.Warn("Positions left after liquidation, retrying", zap.Int("open", left))
	}
	if err := e.liquidate(e.ctx, "risk limits breached"); err != nil {
		e.logger.Error("Liquidation incomplete", zap.Error(err))
	}
}

// openPositions 汇总所有 runner 最近一次发布的持仓数
func (e *Engine) openPositions() int {
	n := 0
	for _, r := range e.activeRunners() {
		n += r.Status().OpenPositions
	}
	return n
}

// statusLoop 定期打印状态并持久化快照
func (e *Engine) statusLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Engine.StatusInterval())
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			st := e.Status()
			e.logger.Info("Status\n" + reporter.RenderStatus(st))
			e.sink.SaveSnapshot(st)
		}
	}
}
