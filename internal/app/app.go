package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gptbot/internal/ai"
	"gptbot/internal/config"
	"gptbot/internal/exchange"
	"gptbot/internal/execution"
	"gptbot/internal/feature"
	"gptbot/internal/indicator"
	"gptbot/internal/monitor"
	"gptbot/internal/position"
	"gptbot/internal/risk"
	"gptbot/internal/scheduler"
	"gptbot/internal/snapshot"
	"gptbot/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	orch     *orchestrator
	exchange *exchange.Client
	counters *monitor.Counters
	monitor  *monitor.Service
}

// New 创建 App 实例并完成全部组件装配。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	exClient, err := exchange.NewClient(cfg.Exchange, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化交易所客户端失败: %w", err)
	}

	ledger, err := store.NewLedger(st)
	if err != nil {
		return nil, fmt.Errorf("初始化幂等台账失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	aiClient, err := ai.NewClient(cfg.OpenAI, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化AI客户端失败: %w", err)
	}

	counters := monitor.NewCounters()
	posMgr := position.NewManager(exClient, cfg.Exchange.Symbol, logger)
	extractor := feature.NewExtractor(indicator.NewCalculator(), logger)
	builder := snapshot.NewBuilder(exClient, posMgr, extractor, cfg.Exchange.Timeframe, cfg.Exchange.PostOnly, logger)

	limits := risk.Limits{
		MaxOpenOrders:     cfg.Limits.MaxOpenOrders,
		MaxPositionUSDT:   cfg.Limits.MaxPositionUSDT,
		MaxOrdersPerHour:  cfg.Limits.MaxOrdersPerHour,
		ReduceOnlyOnClose: cfg.Risk.ReduceOnlyWhenClosing,
	}
	executor := execution.NewExecutor(
		exClient, ledger, counters, monitorSvc, limits,
		cfg.Exchange.Leverage, cfg.Exchange.PostOnly, cfg.Runtime.DryRun,
		logger,
	)

	orch := &orchestrator{
		symbol:    cfg.Exchange.Symbol,
		timeframe: cfg.Exchange.Timeframe,
		limits:    cfg.Limits,
		snapshots: builder,
		decider:   aiClient,
		executor:  executor,
		ledger:    ledger,
		monitor:   monitorSvc,
		counters:  counters,
		logger:    logger,
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		orch:     orch,
		exchange: exClient,
		counters: counters,
		monitor:  monitorSvc,
	}, nil
}

// Init 连接交易所并设置保证金模式与杠杆。
func (a *App) Init(ctx context.Context) error {
	if err := a.exchange.Init(ctx); err != nil {
		return fmt.Errorf("初始化交易所失败: %w", err)
	}
	return nil
}

// Check 验证交易所连通性与市场元数据，供启动自检使用。
func (a *App) Check(ctx context.Context) error {
	if err := a.Init(ctx); err != nil {
		return err
	}

	marketInfo, err := a.exchange.MarketInfo(ctx)
	if err != nil {
		return fmt.Errorf("获取市场信息失败: %w", err)
	}
	a.logger.Info("交易所连接正常",
		zap.String("symbol", a.cfg.Exchange.Symbol),
		zap.Float64("price_step", marketInfo.PriceStep),
		zap.Float64("amount_step", marketInfo.AmountStep),
	)

	balances, err := a.exchange.FetchBalance(ctx)
	if err != nil {
		a.logger.Warn("获取余额失败", zap.Error(err))
		return nil
	}
	balance := position.ParseBalance(balances)
	a.logger.Info("账户余额",
		zap.Float64("usdt_free", balance.FreeUSDT),
		zap.Float64("usdt_total", balance.TotalUSDT),
	)
	return nil
}

// RunOnce 只执行一个决策周期后退出。
func (a *App) RunOnce(ctx context.Context) error {
	if err := a.Init(ctx); err != nil {
		return err
	}
	return a.orch.RunCycle(ctx)
}

// Run 以K线收盘为节拍持续运行，并托管监控接口的生命周期。
func (a *App) Run(ctx context.Context) error {
	if err := a.Init(ctx); err != nil {
		return err
	}

	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("symbol", a.cfg.Exchange.Symbol),
		zap.String("timeframe", a.cfg.Exchange.Timeframe),
		zap.Bool("dry_run", a.cfg.Runtime.DryRun),
	)

	group, ctx := errgroup.WithContext(ctx)

	if a.cfg.Monitor.Enabled {
		group.Go(func() error {
			return runMonitorServer(ctx, a.monitor, a.counters, a.cfg.Monitor.Port, a.logger)
		})
	}

	group.Go(func() error {
		return a.runLoop(ctx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

func (a *App) runLoop(ctx context.Context) error {
	timeframe := a.cfg.Exchange.Timeframe
	a.logger.Info("开始按K线收盘驱动决策循环", zap.String("timeframe", timeframe))

	for {
		if err := scheduler.WaitNextClose(ctx, timeframe); err != nil {
			return err
		}

		// 单周期失败不终止进程，记录后等待下一根K线
		if err := a.orch.RunCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			a.counters.IncErrors()
			a.monitor.RecordError(ctx, "决策周期执行失败", err, map[string]interface{}{
				"symbol":    a.cfg.Exchange.Symbol,
				"timeframe": timeframe,
			})
			a.logger.Error("决策周期执行失败", zap.Error(err))
		}
	}
}
