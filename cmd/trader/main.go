package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"gptbot/internal/app"
	"gptbot/internal/config"
	"gptbot/internal/log"
	"gptbot/internal/store"
)

func main() {
	var (
		configPath string
		envFile    string
		once       bool
		check      bool
		dryRun     bool
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&envFile, "env-file", "", "可选的 .env 文件路径")
	flag.BoolVar(&once, "once", false, "只执行一个决策周期后退出")
	flag.BoolVar(&check, "check", false, "只做交易所连通性自检后退出")
	flag.BoolVar(&dryRun, "dry-run", false, "强制开启 dry-run，不提交真实订单")
	flag.Parse()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			fmt.Fprintf(os.Stderr, "加载环境文件失败: %v\n", err)
			os.Exit(1)
		}
	} else {
		// 默认 .env 不存在时忽略
		_ = godotenv.Load()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if dryRun {
		cfg.Runtime.DryRun = true
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	tradingApp, err := app.New(cfg, logger, sqliteStore)
	if err != nil {
		logger.Error("装配系统失败", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case check:
		err = tradingApp.Check(ctx)
	case once:
		err = tradingApp.RunOnce(ctx)
	default:
		err = tradingApp.Run(ctx)
	}
	if err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}
