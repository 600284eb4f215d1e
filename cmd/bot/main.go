package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"volatility-grid-bot-go/internal/bridge"
	"volatility-grid-bot-go/internal/config"
	"volatility-grid-bot-go/internal/engine"
	"volatility-grid-bot-go/internal/eventsink"
	"volatility-grid-bot-go/internal/exchange"
	"volatility-grid-bot-go/internal/feed"
	"volatility-grid-bot-go/internal/logger"
	"volatility-grid-bot-go/internal/models"
	"volatility-grid-bot-go/internal/persistence"
	"volatility-grid-bot-go/internal/reporter"
	"volatility-grid-bot-go/internal/risk"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "", "running mode: live or paper (overrides the config file)")
	flag.Parse()

	// 先用默认配置初始化日志, 以便记录配置加载过程
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	if *mode != "" {
		cfg.Mode = strings.ToLower(*mode)
		if err := cfg.Validate(); err != nil {
			logger.S().Fatalf("配置无效: %v", err)
		}
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	if err := run(cfg); err != nil {
		logger.L().Fatal("机器人异常退出", zap.Error(err))
	}
}

func run(cfg *models.Config) error {
	log := logger.L()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("打开事件库失败: %w", err)
	}
	logPreviousSnapshot(repo)

	ex, history, observe, err := connect(ctx, cfg)
	if err != nil {
		repo.Close()
		return err
	}

	ledger, err := risk.NewLedger(cfg.Account.InitialCapital, cfg.Account.Leverage, cfg.Account.RiskFreeRate, cfg.Risk, log.Named("risk"))
	if err != nil {
		ex.Close()
		repo.Close()
		return err
	}
	sink := eventsink.NewDispatcher(repo, cfg.Engine.EventBufferSize*4, log.Named("events"))
	sink.Start()

	eng, err := engine.New(*cfg, engine.Deps{
		Exchange: ex,
		Bridge:   bridge.New(ex, cfg.Bridge, log.Named("bridge")),
		Ledger:   ledger,
		Sink:     sink,
		Repo:     repo,
		Feeds:    feedFactory(cfg, history, observe),
		Logger:   log.Named("engine"),
	})
	if err != nil {
		ex.Close()
		repo.Close()
		return err
	}

	if err := eng.Start(ctx); err != nil {
		log.Error("引擎启动失败", zap.Error(err))
		return shutdown(eng, cfg)
	}

	// 等待中断信号以实现优雅退出
	<-ctx.Done()
	log.Info("收到退出信号，开始关闭...")
	return shutdown(eng, cfg)
}

func shutdown(eng *engine.Engine, cfg *models.Config) error {
	log := logger.L()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout())
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		log.Warn("关闭过程中出现错误", zap.Error(err))
	}
	log.Info("机器人已成功停止。")
	return nil
}

// connect 根据运行模式创建交易所与历史K线来源.
// 模拟盘时 observe 把行情价格同步给 PaperExchange.
func connect(ctx context.Context, cfg *models.Config) (exchange.Exchange, feed.History, func(feed.Event), error) {
	log := logger.L()
	switch cfg.Mode {
	case "live":
		apiKey := os.Getenv("BINANCE_API_KEY")
		secretKey := os.Getenv("BINANCE_SECRET_KEY")
		if apiKey == "" || secretKey == "" {
			return nil, nil, nil, fmt.Errorf("BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置")
		}
		if cfg.IsTestnet {
			log.Info("正在使用币安测试网...")
		} else {
			log.Info("正在使用币安生产网...")
		}
		ex, err := exchange.NewBinanceExchange(ctx, apiKey, secretKey, cfg.IsTestnet, log.Named("exchange"))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("初始化交易所失败: %w", err)
		}
		return ex, feed.NewBinanceHistory(ex.Client()), nil, nil

	default:
		log.Info("--- 启动模拟盘模式 ---", zap.Float64("balance", cfg.Paper.InitialBalance))
		paperCfg := cfg.Paper
		if paperCfg.TakerFeeRate == 0 {
			paperCfg.TakerFeeRate = cfg.Account.TakerFeeRate
		}
		paper := exchange.NewPaperExchange(cfg.Account.QuoteAsset, paperCfg, log.Named("paper"))
		if cfg.IsTestnet {
			futures.UseTestnet = true
		}
		// K线接口无需签名
		history := feed.NewBinanceHistory(futures.NewClient("", ""))
		observe := func(ev feed.Event) { paper.SetPrice(ev.Symbol, ev.Price) }
		return paper, history, observe, nil
	}
}

// feedFactory 为相同周期与 ATR 周期的策略共享一个行情源
func feedFactory(cfg *models.Config, history feed.History, observe func(feed.Event)) engine.FeedFactory {
	log := logger.L().Named("feed")
	var mu sync.Mutex
	feeds := make(map[string]feed.Feed)
	return func(sc models.StrategyConfig) feed.Feed {
		mu.Lock()
		defer mu.Unlock()
		key := fmt.Sprintf("%s/%d", sc.Interval, sc.ATRPeriod)
		if f, ok := feeds[key]; ok {
			return f
		}
		var f feed.Feed = feed.NewBinanceFeed(cfg.WSBaseURL, sc.Interval, sc.ATRPeriod, history, log)
		if observe != nil {
			f = feed.Observe(f, observe)
		}
		feeds[key] = f
		return f
	}
}

func logPreviousSnapshot(repo persistence.EventRepository) {
	st, err := repo.LoadSnapshot()
	if err != nil || st == nil {
		return
	}
	logger.L().Info("上次运行的最后状态 (仅供参考, 不会恢复)\n" + reporter.RenderStatus(*st))
}
