package engine

import (
	"context"
	"fmt"
	"sync"

	"volatility-grid-bot-go/internal/reporter"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Shutdown stops accepting signals, optionally flattens every position,
// drains in-flight orders, emits the final report and releases the
// exchange, the event sink and the repository. Every step runs even when
// an earlier one failed; the combined error is logged and returned for
// information only.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs error
	e.shutdown.Do(func() {
		errs = e.shutdownSteps(ctx)
	})
	return errs
}

func (e *Engine) shutdownSteps(ctx context.Context) error {
	var errs error
	step := func(name string, err error) {
		if err != nil {
			e.logger.Error("Shutdown step failed", zap.String("step", name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		e.logger.Info("Shutdown step done", zap.String("step", name))
	}

	// 1. 停止接收新信号
	e.mu.Lock()
	e.stopping = true
	cancel := e.cancel
	e.mu.Unlock()

	// 2. 可选: 平掉所有持仓
	if e.cfg.Engine.CloseOnShutdown {
		step("flatten", e.flattenAll(ctx))
	}

	// 3. 停止策略与后台任务
	if cancel != nil {
		cancel()
	}
	step("stop runners", waitGroup(ctx, &e.runnerWG))
	step("stop monitors", waitGroup(ctx, &e.wg))

	// 4. 等待在途订单
	step("drain orders", e.bridge.Drain(ctx))

	// 5. 最终风险报告
	st := e.Status()
	report := reporter.RenderFinalReport(st, e.trades.Metrics(), reporter.SummarizeOrders(e.bridge.History()))
	e.logger.Info("Final report\n" + report)
	e.sink.SaveSnapshot(st)

	// 6. 释放交易所连接
	step("close exchange", e.ex.Close())

	// 7. 事件分发与存储
	step("stop event sink", e.sink.Stop(ctx))
	if e.repo != nil {
		step("close repository", e.repo.Close())
	}
	return errs
}

func (e *Engine) flattenAll(ctx context.Context) error {
	var errs error
	for _, r := range e.activeRunners() {
		r := r
		errs = multierr.Append(errs, r.do(ctx, func(rctx context.Context) {
			r.flattenAll(rctx, "shutdown")
		}))
	}
	return errs
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
