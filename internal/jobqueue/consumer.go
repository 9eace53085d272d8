package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"autohunter/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// FailureAction 失败任务的处理结果。
type FailureAction string

const (
	FailureActionNone  FailureAction = "none"
	FailureActionRetry FailureAction = "retry"
	FailureActionDLQ   FailureAction = "dlq"
)

// DeadLetter 是写入死信 Stream 的一条记录。
type DeadLetter struct {
	StreamID     string
	Queue        string
	Kind         string
	OriginalID   string
	JobID        string
	AttemptsMade int
	MaxAttempts  int
	Reason       string
	Payload      string
	FailedAt     time.Time
}

// DeadLetterHook 在死信写入 Stream 之后调用，用于持久化或告警。
type DeadLetterHook func(ctx context.Context, dl DeadLetter)

// Consumer 任务消费者，从消费者组中领取任务并根据结果确认、延迟重试或转入死信。
type Consumer struct {
	queue        *Queue
	logger       *slog.Logger
	groupName    string
	consumerID   string
	blockTime    time.Duration
	batchSize    int64
	pendingIdle  time.Duration
	pendingStart string
	hook         DeadLetterHook
	now          func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{} // 已交给 worker、尚未完成的消息 ID
}

// ConsumerOption 消费者配置选项。
type ConsumerOption func(*Consumer)

// WithBlockTime 设置阻塞等待时间。
func WithBlockTime(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.blockTime = d
	}
}

// WithBatchSize 设置每次读取的消息数量。
func WithBatchSize(size int64) ConsumerOption {
	return func(c *Consumer) {
		c.batchSize = size
	}
}

// WithPendingIdle 设置 Pending 消息的最小空闲时间。
func WithPendingIdle(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.pendingIdle = d
	}
}

// WithDeadLetterHook 设置死信回调。
func WithDeadLetterHook(h DeadLetterHook) ConsumerOption {
	return func(c *Consumer) {
		c.hook = h
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) ConsumerOption {
	return func(c *Consumer) {
		c.now = now
	}
}

// NewConsumer 创建任务消费者，并确保消费者组存在。
//
// 参数:
//   - queue: 任务队列
//   - logger: 日志记录器
//   - groupName: 消费者组名称
//   - consumerID: 消费者唯一标识（为空时自动生成）
//   - opts: 可选配置
func NewConsumer(ctx context.Context, queue *Queue, logger *slog.Logger, groupName, consumerID string, opts ...ConsumerOption) (*Consumer, error) {
	if groupName == "" {
		return nil, fmt.Errorf("group name is required")
	}
	if consumerID == "" {
		consumerID = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}

	c := &Consumer{
		queue:        queue,
		logger:       logger,
		groupName:    groupName,
		consumerID:   consumerID,
		blockTime:    time.Second,
		batchSize:    10,
		pendingIdle:  time.Minute,
		pendingStart: "0-0",
		now:          time.Now,
		inflight:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := queue.CreateConsumerGroup(ctx, groupName); err != nil {
		return nil, err
	}

	c.logger.Info("consumer created",
		slog.String("group", groupName),
		slog.String("consumer_id", consumerID))

	return c, nil
}

// Delivery 是一次领取到的任务。
type Delivery struct {
	ID  string // Stream 消息 ID
	Job *Job
}

// Read 先认领超时未确认的消息，没有时再读取新消息。
//
// 本消费者仍在执行的消息即使被 XAUTOCLAIM 认领也不会再次交付。
// 返回的消息在 Complete 或 HandleFailure 之前都视为执行中。
func (c *Consumer) Read(ctx context.Context) ([]*Delivery, error) {
	pending, err := c.readPending(ctx)
	if err != nil {
		return nil, err
	}
	if pending = c.track(pending); len(pending) > 0 {
		return pending, nil
	}
	fresh, err := c.readNew(ctx)
	if err != nil {
		return nil, err
	}
	return c.track(fresh), nil
}

// track 过滤掉仍在执行的消息，并登记其余消息。
func (c *Consumer) track(deliveries []*Delivery) []*Delivery {
	if len(deliveries) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := deliveries[:0]
	for _, d := range deliveries {
		if _, running := c.inflight[d.ID]; running {
			c.logger.Debug("skip reclaimed message still running", slog.String("msg_id", d.ID))
			continue
		}
		c.inflight[d.ID] = struct{}{}
		out = append(out, d)
	}
	return out
}

// Release 取消消息的执行中标记而不确认，之后可被 XAUTOCLAIM 重新领取。
func (c *Consumer) Release(msgID string) {
	c.mu.Lock()
	delete(c.inflight, msgID)
	c.mu.Unlock()
}

// InFlight 返回执行中的消息数量。
func (c *Consumer) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Touch 将执行中的消息重新认领给自己（XCLAIM JUSTID），重置空闲时间，
// 避免其他进程在长任务执行期间通过 XAUTOCLAIM 重复领取。
func (c *Consumer) Touch(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.inflight))
	for id := range c.inflight {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	if err := c.queue.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   c.queue.streamName,
		Group:    c.groupName,
		Consumer: c.consumerID,
		MinIdle:  0,
		Messages: ids,
	}).Err(); err != nil {
		return fmt.Errorf("xclaim failed: %w", err)
	}
	return nil
}

// KeepAlive 按 interval 周期调用 Touch，直到 ctx 取消。
func (c *Consumer) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.pendingIdle / 3
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Touch(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("refresh in-flight jobs failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (c *Consumer) readPending(ctx context.Context) ([]*Delivery, error) {
	messages, nextStart, err := c.queue.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.queue.streamName,
		Group:    c.groupName,
		Consumer: c.consumerID,
		MinIdle:  c.pendingIdle,
		Start:    c.pendingStart,
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim failed: %w", err)
	}
	if nextStart != "" {
		c.pendingStart = nextStart
	}
	if len(messages) > 0 {
		metrics.TaskAutoClaimTotal.Add(float64(len(messages)))
	}
	return c.parseMessages(ctx, messages), nil
}

func (c *Consumer) readNew(ctx context.Context) ([]*Delivery, error) {
	streams, err := c.queue.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.groupName,
		Consumer: c.consumerID,
		Streams:  []string{c.queue.streamName, ">"},
		Count:    c.batchSize,
		Block:    c.blockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}

	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return c.parseMessages(ctx, messages), nil
}

func (c *Consumer) parseMessages(ctx context.Context, messages []redis.XMessage) []*Delivery {
	if len(messages) == 0 {
		return nil
	}
	out := make([]*Delivery, 0, len(messages))
	for _, msg := range messages {
		data, ok := msg.Values["data"].(string)
		if !ok || data == "" {
			c.logger.Warn("invalid message format", slog.String("msg_id", msg.ID))
			c.handlePoisonMessage(ctx, msg.ID, fmt.Sprintf("%v", msg.Values["data"]), "invalid message format")
			continue
		}
		job, err := parseJob(data)
		if err != nil {
			c.logger.Error("parse job failed",
				slog.String("msg_id", msg.ID),
				slog.String("error", err.Error()))
			c.handlePoisonMessage(ctx, msg.ID, data, err.Error())
			continue
		}
		out = append(out, &Delivery{ID: msg.ID, Job: job})
	}
	return out
}

// Ack 确认消息已处理。
func (c *Consumer) Ack(ctx context.Context, msgID string) error {
	acked, err := c.queue.rdb.XAck(ctx, c.queue.streamName, c.groupName, msgID).Result()
	if err != nil {
		return fmt.Errorf("xack failed: %w", err)
	}
	if acked == 0 {
		c.logger.Warn("message not acked (may already be acked)", slog.String("msg_id", msgID))
	}
	return nil
}

// Complete 确认成功的任务并写入保留列表。
func (c *Consumer) Complete(ctx context.Context, d *Delivery) error {
	if d == nil || d.Job == nil {
		return fmt.Errorf("delivery is nil")
	}
	defer c.Release(d.ID)
	if policy, err := c.queue.Policy(d.Job.Kind); err == nil {
		if err := c.queue.retain(ctx, c.queue.completedKey(d.Job.Kind), policy.KeepCompleted, d.Job); err != nil {
			c.logger.Warn("retain completed job failed",
				slog.String("job_id", d.Job.ID),
				slog.String("error", err.Error()))
		}
	}
	return c.Ack(ctx, d.ID)
}

// HandleFailure 处理执行失败的任务。
//
// attemptsMade+1 >= maxAttempts 时为最后一次尝试：写入死信 Stream、调用死信回调并确认；
// 否则放入延迟集合，到期后由 Promoter 重新投递，不产生死信。
//
// 返回值:
//   - FailureAction: 实际采取的处理方式
//   - error: 写 Redis 失败时返回错误，此时消息保持未确认，由 XAUTOCLAIM 兜底
func (c *Consumer) HandleFailure(ctx context.Context, d *Delivery, cause error) (FailureAction, error) {
	if d == nil || d.Job == nil {
		return FailureActionNone, fmt.Errorf("delivery is nil")
	}
	defer c.Release(d.ID)
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	job := d.Job

	maxAttempts := job.MaxAttempts
	policy, err := c.queue.Policy(job.Kind)
	if err == nil && maxAttempts <= 0 {
		maxAttempts = policy.MaxAttempts
	}
	final := err != nil || job.AttemptsMade+1 >= maxAttempts
	job.AttemptsMade++
	job.MaxAttempts = maxAttempts

	if final {
		payload, _ := json.Marshal(job)
		if err := c.publishDeadLetter(ctx, d.ID, job.Kind, job.ID, job.AttemptsMade, maxAttempts, string(payload), cause); err != nil {
			return FailureActionDLQ, err
		}
		if err := c.queue.retain(ctx, c.queue.failedKey(job.Kind), policy.KeepFailed, job); err != nil {
			c.logger.Warn("retain failed job failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()))
		}
		return FailureActionDLQ, c.Ack(ctx, d.ID)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return FailureActionRetry, fmt.Errorf("marshal job: %w", err)
	}
	readyAt := c.now().Add(policy.Delay(job.AttemptsMade))
	if err := c.queue.rdb.ZAdd(ctx, c.queue.delayedKey(), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: string(data),
	}).Err(); err != nil {
		return FailureActionRetry, fmt.Errorf("schedule retry: %w", err)
	}

	c.logger.Warn("job scheduled for retry",
		slog.String("job_id", job.ID),
		slog.String("kind", job.Kind),
		slog.Int("attempts_made", job.AttemptsMade),
		slog.Int("max_attempts", maxAttempts),
		slog.Time("ready_at", readyAt),
		slog.String("error", cause.Error()))

	return FailureActionRetry, c.Ack(ctx, d.ID)
}

func (c *Consumer) handlePoisonMessage(ctx context.Context, msgID, payload, reason string) {
	if err := c.publishDeadLetter(ctx, msgID, "unknown", "", 0, 0, payload, errors.New(reason)); err != nil {
		c.logger.Error("publish dead letter failed",
			slog.String("msg_id", msgID),
			slog.String("error", err.Error()))
	}
	if err := c.Ack(ctx, msgID); err != nil {
		c.logger.Error("ack poison message failed",
			slog.String("msg_id", msgID),
			slog.String("error", err.Error()))
	}
}

func (c *Consumer) publishDeadLetter(ctx context.Context, msgID, kind, jobID string, attempts, maxAttempts int, payload string, cause error) error {
	failedAt := c.now().UTC()
	streamID, err := c.queue.publishRaw(ctx, c.queue.DeadLetterStream(), map[string]interface{}{
		"queue":         c.queue.streamName,
		"kind":          kind,
		"original_id":   msgID,
		"job_id":        jobID,
		"attempts_made": strconv.Itoa(attempts),
		"max_attempts":  strconv.Itoa(maxAttempts),
		"reason":        cause.Error(),
		"payload":       payload,
		"failed_at":     failedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	metrics.TaskDLQTotal.Inc()

	c.logger.Error("job dead-lettered",
		slog.String("msg_id", msgID),
		slog.String("kind", kind),
		slog.String("job_id", jobID),
		slog.Int("attempts_made", attempts),
		slog.String("reason", cause.Error()))

	if c.hook != nil {
		c.hook(ctx, DeadLetter{
			StreamID:     streamID,
			Queue:        c.queue.streamName,
			Kind:         kind,
			OriginalID:   msgID,
			JobID:        jobID,
			AttemptsMade: attempts,
			MaxAttempts:  maxAttempts,
			Reason:       cause.Error(),
			Payload:      payload,
			FailedAt:     failedAt,
		})
	}
	return nil
}

// Pending 获取已领取未确认的消息数量。
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	info, err := c.queue.rdb.XPending(ctx, c.queue.streamName, c.groupName).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending failed: %w", err)
	}
	return info.Count, nil
}
