package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"autohunter/internal/api"
	"autohunter/internal/app"
	"autohunter/internal/config"
	"autohunter/internal/pkg/logger"
	"autohunter/internal/pkg/metrics"
	"autohunter/internal/pkg/queue"
)

// main 是 API 服务的入口函数。
//
// 它负责：
// 1. 加载配置
// 2. 初始化日志与依赖
// 3. 启动 HTTP 服务与后台数据集处理池
// 4. 收到信号后优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("init app failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			appLogger.Error("close resources failed", slog.String("error", err.Error()))
		}
	}()

	metrics.InitMetrics(cfg.App.WorkerPoolSize)
	pool := queue.NewQueue(appLogger, cfg.App.WorkerPoolSize, cfg.App.QueueCapacity)
	// 池内任务独立于信号 ctx，Shutdown 时排空
	pool.Start(context.Background())

	srv := api.NewServer(cfg, appLogger, a.APIDeps(pool))
	if err := srv.Run(ctx); err != nil {
		appLogger.Error("server run failed", slog.String("error", err.Error()))
	}

	appLogger.Info("shutting down api server...")
	if err := pool.Shutdown(cfg.App.ShutdownTimeout); err != nil {
		appLogger.Error("dataset pool shutdown error", slog.String("error", err.Error()))
	}
	appLogger.Info("api server stopped")
}
