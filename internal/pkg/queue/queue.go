// Package queue 进程内的有界任务池。
//
// Worker 用它执行领取到的队列任务，API 用它在后台处理上传的数据集。
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"autohunter/internal/pkg/metrics"
)

// ErrClosed 表示任务池已关闭。
var ErrClosed = errors.New("queue: closed")

// ErrPanic 包装任务中恢复的 panic。
var ErrPanic = errors.New("queue: task panicked")

// Task 是一个带名字的异步任务，名字只用于日志。
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// ErrorHandler 任务失败（含 panic）时的回调。
type ErrorHandler func(task Task, err error)

// Queue 固定数量 worker 消费一个有界通道。
type Queue struct {
	logger       *slog.Logger
	workers      int
	tasks        chan Task
	errorHandler ErrorHandler

	wg     sync.WaitGroup
	closed atomic.Bool
	busy   atomic.Int64

	stats queueStats
}

type queueStats struct {
	TotalEnqueued  atomic.Int64
	TotalSucceeded atomic.Int64
	TotalFailed    atomic.Int64
	TotalDropped   atomic.Int64
	TotalPanics    atomic.Int64
}

// Stats 统计快照。
type Stats struct {
	Enqueued  int64
	Succeeded int64
	Failed    int64 // 含 panic
	Dropped   int64 // 队列满被拒绝
	Panics    int64
}

// NewQueue 创建任务池。
//
// 参数:
//   - logger: 日志记录器
//   - workers: worker 数量（至少为 1）
//   - capacity: 通道容量（至少为 1）
func NewQueue(logger *slog.Logger, workers int, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		logger:  logger,
		workers: workers,
		tasks:   make(chan Task, capacity),
	}
}

// SetErrorHandler 设置失败回调，需在 Start 之前调用。
func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.errorHandler = handler
}

// Start 启动 worker，直到 ctx 取消或 Shutdown。
func (q *Queue) Start(ctx context.Context) {
	metrics.WorkerPoolSize.Set(float64(q.workers))
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return
		case task, ok := <-q.tasks:
			if !ok {
				return
			}
			q.execute(ctx, task, id)
		}
	}
}

func (q *Queue) execute(ctx context.Context, task Task, workerID int) {
	q.busy.Add(1)
	metrics.WorkerPoolBusy.Inc()
	defer func() {
		q.busy.Add(-1)
		metrics.WorkerPoolBusy.Dec()
	}()

	err := q.run(ctx, task, workerID)
	if err == nil {
		q.stats.TotalSucceeded.Add(1)
		return
	}

	q.stats.TotalFailed.Add(1)
	q.logger.Warn("task failed",
		slog.Int("worker_id", workerID),
		slog.String("task", task.Name),
		slog.String("error", err.Error()))
	if q.errorHandler != nil {
		q.errorHandler(task, err)
	}
}

func (q *Queue) run(ctx context.Context, task Task, workerID int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.stats.TotalPanics.Add(1)
			q.logger.Error("task panic recovered",
				slog.Int("worker_id", workerID),
				slog.String("task", task.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return task.Run(ctx)
}

// Enqueue 非阻塞入队，队列满或已关闭时返回 false。
func (q *Queue) Enqueue(task Task) bool {
	if task.Run == nil || q.closed.Load() {
		return false
	}
	select {
	case q.tasks <- task:
		q.stats.TotalEnqueued.Add(1)
		return true
	default:
		q.stats.TotalDropped.Add(1)
		q.logger.Warn("queue full, reject task",
			slog.String("task", task.Name),
			slog.Int("capacity", cap(q.tasks)))
		return false
	}
}

// EnqueueBlocking 阻塞入队，直到成功或 ctx 取消。
func (q *Queue) EnqueueBlocking(ctx context.Context, task Task) error {
	if task.Run == nil {
		return fmt.Errorf("task %q has no body", task.Name)
	}
	if q.closed.Load() {
		return ErrClosed
	}
	select {
	case q.tasks <- task:
		q.stats.TotalEnqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 拒绝新任务，关闭通道并等待 worker 退出。超时返回错误。
func (q *Queue) Shutdown(timeout time.Duration) error {
	if !q.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(q.tasks)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("worker pool drained")
		return nil
	case <-time.After(timeout):
		q.logger.Error("worker pool shutdown timeout", slog.Duration("timeout", timeout))
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}

// Stats 返回统计快照。
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.stats.TotalEnqueued.Load(),
		Succeeded: q.stats.TotalSucceeded.Load(),
		Failed:    q.stats.TotalFailed.Load(),
		Dropped:   q.stats.TotalDropped.Load(),
		Panics:    q.stats.TotalPanics.Load(),
	}
}

// Idle 在没有排队和执行中的任务时返回 true。
func (q *Queue) Idle() bool {
	return len(q.tasks) == 0 && q.busy.Load() == 0
}

// Workers 返回 worker 数量。
func (q *Queue) Workers() int { return q.workers }
