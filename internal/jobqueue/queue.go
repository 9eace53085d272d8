package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultStream = "autohunter:jobs"

// Queue 封装任务 Stream 及其附属键。
//
//   - <stream>            待处理任务
//   - <stream>:delayed    等待重试的任务（ZSET，score 为可执行时间）
//   - <stream>:dlq        死信
//   - <stream>:completed:<kind> / <stream>:failed:<kind>  保留列表
type Queue struct {
	rdb        *redis.Client
	logger     *slog.Logger
	streamName string
	policies   map[string]Policy
}

// NewQueue 创建任务队列，policies 为空时使用 DefaultPolicies。
func NewQueue(rdb *redis.Client, logger *slog.Logger, streamName string, policies map[string]Policy) *Queue {
	if streamName == "" {
		streamName = defaultStream
	}
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	return &Queue{
		rdb:        rdb,
		logger:     logger,
		streamName: streamName,
		policies:   policies,
	}
}

// Name 返回 Stream 名称。
func (q *Queue) Name() string { return q.streamName }

func (q *Queue) delayedKey() string { return q.streamName + ":delayed" }

// DeadLetterStream 返回死信 Stream 名称。
func (q *Queue) DeadLetterStream() string { return q.streamName + ":dlq" }

func (q *Queue) completedKey(kind string) string { return q.streamName + ":completed:" + kind }

func (q *Queue) failedKey(kind string) string { return q.streamName + ":failed:" + kind }

// Policy 返回任务类型的策略。
func (q *Queue) Policy(kind string) (Policy, error) {
	p, ok := q.policies[kind]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return p, nil
}

// Enqueue 投递一个新任务并返回任务 ID。
//
// 参数:
//   - ctx: 上下文
//   - kind: 任务类型
//   - payload: 任务参数，会被序列化为 JSON
//
// 返回值:
//   - *Job: 已投递的任务
//   - error: 类型未注册或写入失败时返回错误
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any) (*Job, error) {
	policy, err := q.Policy(kind)
	if err != nil {
		return nil, err
	}
	raw, ok := payload.(json.RawMessage)
	if !ok {
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
	}
	job := &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     raw,
		MaxAttempts: policy.MaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := q.publish(ctx, job); err != nil {
		return nil, err
	}
	q.logger.Info("job enqueued",
		slog.String("job_id", job.ID),
		slog.String("kind", kind))
	return job, nil
}

func (q *Queue) publish(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.publishRaw(ctx, q.streamName, map[string]interface{}{
		"data": string(data),
	})
	return err
}

func (q *Queue) publishRaw(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	msgID, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: 100000,
		Approx: false,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd failed: %w", err)
	}

	q.logger.Debug("job message published",
		slog.String("stream", stream),
		slog.String("msg_id", msgID))

	return msgID, nil
}

// CreateConsumerGroup 创建消费者组，已存在时忽略。
func (q *Queue) CreateConsumerGroup(ctx context.Context, groupName string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.streamName, groupName, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create consumer group: %w", err)
	}

	q.logger.Info("consumer group ready",
		slog.String("stream", q.streamName),
		slog.String("group", groupName))

	return nil
}

// Depth 返回待处理与等待重试的任务数。
func (q *Queue) Depth(ctx context.Context) (ready int64, delayed int64, err error) {
	ready, err = q.rdb.XLen(ctx, q.streamName).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("xlen failed: %w", err)
	}
	delayed, err = q.rdb.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("zcard failed: %w", err)
	}
	return ready, delayed, nil
}

// Retained 返回某类任务保留列表中的最新条目（最多 limit 条）。
func (q *Queue) Retained(ctx context.Context, kind string, failed bool, limit int64) ([]string, error) {
	key := q.completedKey(kind)
	if failed {
		key = q.failedKey(kind)
	}
	if limit <= 0 {
		limit = 50
	}
	return q.rdb.LRange(ctx, key, 0, limit-1).Result()
}

func (q *Queue) retain(ctx context.Context, key string, keep int64, job *Job) error {
	if keep <= 0 {
		return nil
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, keep-1)
	_, err = pipe.Exec(ctx)
	return err
}
