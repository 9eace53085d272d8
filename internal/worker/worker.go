package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"autohunter/internal/jobqueue"
	"autohunter/internal/pkg/metrics"
	"autohunter/internal/pkg/queue"
)

// Consumer 是 Worker 依赖的队列操作。
type Consumer interface {
	Read(ctx context.Context) ([]*jobqueue.Delivery, error)
	Complete(ctx context.Context, d *jobqueue.Delivery) error
	HandleFailure(ctx context.Context, d *jobqueue.Delivery, cause error) (jobqueue.FailureAction, error)
	Release(msgID string)
}

// DispatchFunc 执行一个任务。
type DispatchFunc func(ctx context.Context, job *jobqueue.Job) error

// Worker 领取任务 -> 交给进程内任务池执行 -> 成功确认，失败按尝试次数重试或转入死信。
type Worker struct {
	consumer Consumer
	pool     *queue.Queue
	dispatch DispatchFunc
	logger   *slog.Logger
}

// New 创建 Worker。pool 需已 Start。
func New(consumer Consumer, pool *queue.Queue, dispatch DispatchFunc, logger *slog.Logger) *Worker {
	return &Worker{
		consumer: consumer,
		pool:     pool,
		dispatch: dispatch,
		logger:   logger,
	}
}

// Run 循环领取任务直到 ctx 取消。
//
// ctx 取消时已领取但未入池的消息保持未确认状态，由其他消费者通过 XAUTOCLAIM 接管。
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("job worker started", slog.Int("workers", w.pool.Workers()))

	for {
		if ctx.Err() != nil {
			return nil
		}

		deliveries, err := w.consumer.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil
			}
			w.logger.Error("read jobs failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		for i, d := range deliveries {
			d := d
			task := queue.Task{
				Name: d.Job.Kind + ":" + d.Job.ID,
				Run: func(taskCtx context.Context) error {
					// 任务开始后不随进程关闭中断
					return w.handle(context.WithoutCancel(taskCtx), d)
				},
			}
			if err := w.pool.EnqueueBlocking(ctx, task); err != nil {
				for _, left := range deliveries[i:] {
					w.consumer.Release(left.ID)
					w.logger.Warn("job left pending",
						slog.String("job_id", left.Job.ID),
						slog.String("error", err.Error()))
				}
				return nil
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, d *jobqueue.Delivery) error {
	job := d.Job
	start := time.Now()
	err := w.safeDispatch(ctx, job)
	metrics.JobDuration.WithLabelValues(job.Kind).Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.JobsTotal.WithLabelValues(job.Kind, "completed").Inc()
		w.logger.Info("job completed",
			slog.String("job_id", job.ID),
			slog.String("kind", job.Kind),
			slog.Duration("elapsed", time.Since(start)))
		return w.consumer.Complete(ctx, d)
	}

	action, ferr := w.consumer.HandleFailure(ctx, d, err)
	status := "retry"
	if action == jobqueue.FailureActionDLQ {
		status = "dead_letter"
	}
	metrics.JobsTotal.WithLabelValues(job.Kind, status).Inc()
	if ferr != nil {
		return fmt.Errorf("record failure of %s: %w (cause: %v)", job.ID, ferr, err)
	}
	return err
}

func (w *Worker) safeDispatch(ctx context.Context, job *jobqueue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("PANIC in job handler",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return w.dispatch(ctx, job)
}
