// Package jobqueue 基于 Redis Streams 的异步任务队列。
//
// 每种任务有独立的重试策略；失败的任务进入延迟集合按指数退避重新投递，
// 耗尽重试后写入死信 Stream 供排查与重放。
package jobqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"autohunter/internal/engagement"
	"autohunter/internal/lifecycle"
)

// 任务类型。
const (
	KindDatasetImport   = "dataset-import"
	KindScrapeImport    = "scrape-import"
	KindMetricIncrement = "metric-increment"
)

// ErrUnknownKind 表示任务类型没有注册策略。
var ErrUnknownKind = errors.New("jobqueue: unknown job kind")

// Job 是队列中传递的任务。
type Job struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
}

// Policy 单类任务的重试与保留策略。
type Policy struct {
	MaxAttempts   int           // 最大尝试次数（含首次）
	Backoff       time.Duration // 指数退避基数
	KeepCompleted int64         // 保留的已完成任务条数
	KeepFailed    int64         // 保留的失败任务条数
}

const maxBackoff = time.Hour

// Delay 返回第 attemptsMade 次失败后的等待时间：Backoff * 2^(attemptsMade-1)。
func (p Policy) Delay(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	d := p.Backoff
	for i := 1; i < attemptsMade; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// DefaultPolicies 返回三种任务的默认策略。
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		KindDatasetImport:   {MaxAttempts: 3, Backoff: 30 * time.Second, KeepCompleted: 100, KeepFailed: 500},
		KindScrapeImport:    {MaxAttempts: 3, Backoff: time.Minute, KeepCompleted: 100, KeepFailed: 500},
		KindMetricIncrement: {MaxAttempts: 5, Backoff: 2 * time.Second, KeepCompleted: 1000, KeepFailed: 1000},
	}
}

// DatasetImportPayload 触发一次数据集导入。
type DatasetImportPayload struct {
	lifecycle.ImportOptions
}

// ScrapeImportPayload 触发一次目录抓取。
type ScrapeImportPayload struct {
	Pages int `json:"pages"` // 最多抓取的页数
	lifecycle.ImportOptions
}

// MetricIncrementPayload 累加一次互动计数。
type MetricIncrementPayload struct {
	PostID        string `json:"postId"`
	Metric        string `json:"metric"`
	VisitorID     string `json:"visitorId,omitempty"`
	ContactMethod string `json:"contactMethod,omitempty"`
}

// Event 转换为已校验的互动事件。
func (p MetricIncrementPayload) Event() (engagement.Event, error) {
	id, err := strconv.ParseInt(p.PostID, 10, 64)
	if err != nil {
		return engagement.Event{}, fmt.Errorf("%w: post id %q", engagement.ErrInvalidEvent, p.PostID)
	}
	e := engagement.Event{
		PostID:    id,
		Metric:    p.Metric,
		VisitorID: p.VisitorID,
		Method:    p.ContactMethod,
	}
	return e, e.Validate()
}

func parseJob(data string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	if job.Kind == "" {
		return nil, fmt.Errorf("job without kind")
	}
	return &job, nil
}
