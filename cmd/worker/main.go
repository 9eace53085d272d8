package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autohunter/internal/app"
	"autohunter/internal/config"
	"autohunter/internal/jobqueue"
	"autohunter/internal/pkg/logger"
	"autohunter/internal/pkg/metrics"
	"autohunter/internal/pkg/queue"
	"autohunter/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// main 是任务 Worker 的入口函数。
//
// 它负责：
// 1. 加载配置并组装依赖
// 2. 启动 Redis Streams 消费循环与延迟重试提升
// 3. 启动 Metrics 服务
// 4. 优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx := context.Background()

	a, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("init app failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	consumerID := cfg.Jobs.ConsumerID
	if consumerID == "" {
		host, _ := os.Hostname()
		consumerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	consumer, err := jobqueue.NewConsumer(ctx, a.Jobs, appLogger, cfg.Jobs.Group, consumerID,
		jobqueue.WithBlockTime(cfg.Jobs.BlockTime),
		jobqueue.WithPendingIdle(cfg.Jobs.PendingIdle),
		jobqueue.WithBatchSize(int64(cfg.App.WorkerPoolSize)),
		jobqueue.WithDeadLetterHook(a.DeadLetterHook()),
	)
	if err != nil {
		appLogger.Error("init consumer failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	metrics.InitMetrics(cfg.App.WorkerPoolSize)
	pool := queue.NewQueue(appLogger, cfg.App.WorkerPoolSize, cfg.App.QueueCapacity)
	pool.Start(context.Background())

	handlers := a.Handlers()
	w := worker.New(consumer, pool, handlers.Dispatch, appLogger)
	promoter := jobqueue.NewPromoter(a.Jobs, appLogger)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	// 续约在池排空之后才停止，长任务在关闭期间也不会被其他进程认领
	keepAliveCtx, stopKeepAlive := context.WithCancel(context.Background())
	go consumer.KeepAlive(keepAliveCtx, cfg.Jobs.PendingIdle/3)
	go promoter.Run(workerCtx, cfg.Jobs.PromoteInterval)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		// 保险丝：消费循环 panic 时退出进程，交给编排系统重启
		defer func() {
			if r := recover(); r != nil {
				appLogger.Error("PANIC in job worker loop", slog.Any("panic", r))
				os.Exit(1)
			}
		}()

		appLogger.Info("starting job worker loop",
			slog.String("stream", a.Jobs.Name()),
			slog.String("consumer", consumerID))
		if err := w.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("job worker loop stopped", slog.String("error", err.Error()))
		}
	}()

	metricsServer := &http.Server{
		Addr:              cfg.App.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		appLogger.Info("worker metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	// 等待中断信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	appLogger.Info("received os signal", slog.String("signal", sig.String()))

	// 1. 停止拉取新任务，等待消费循环退出后再关闭池
	stopWorkers()
	<-loopDone

	// 2. 等待进行中的任务完成
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}
	if err := pool.Shutdown(cfg.App.ShutdownTimeout); err != nil {
		appLogger.Error("worker pool shutdown error", slog.String("error", err.Error()))
	} else {
		appLogger.Info("worker pool shutdown completed")
	}
	stopKeepAlive()
	if err := a.Close(); err != nil {
		appLogger.Error("close resources failed", slog.String("error", err.Error()))
	}

	appLogger.Info("worker stopped gracefully")
}
