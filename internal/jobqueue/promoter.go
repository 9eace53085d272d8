package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"autohunter/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// promoteScript 把到期的延迟任务原子地移回 Stream。
//
// KEYS[1]: 延迟集合
// KEYS[2]: 任务 Stream
// ARGV[1]: 当前时间（毫秒）
// ARGV[2]: 单次最多移动条数
// ARGV[3]: Stream 最大长度
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
  redis.call("XADD", KEYS[2], "MAXLEN", ARGV[3], "*", "data", member)
  redis.call("ZREM", KEYS[1], member)
end
return #due
`)

// Promoter 周期性地把到期的重试任务重新投递。
type Promoter struct {
	queue  *Queue
	logger *slog.Logger
	batch  int
	now    func() time.Time
}

func NewPromoter(queue *Queue, logger *slog.Logger) *Promoter {
	return &Promoter{queue: queue, logger: logger, batch: 100, now: time.Now}
}

// PromoteDue 移动所有已到期的任务，返回移动条数。
func (p *Promoter) PromoteDue(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := promoteScript.Run(ctx, p.queue.rdb,
			[]string{p.queue.delayedKey(), p.queue.streamName},
			strconv.FormatInt(p.now().UnixMilli(), 10), p.batch, 100000,
		).Int()
		if err != nil {
			return total, fmt.Errorf("promote delayed jobs: %w", err)
		}
		total += n
		if n < p.batch {
			break
		}
	}
	if total > 0 {
		metrics.DelayedJobsPromoted.Add(float64(total))
		p.logger.Debug("delayed jobs promoted", slog.Int("count", total))
	}
	return total, nil
}

// Run 按 interval 执行 PromoteDue 并上报队列深度，直到 ctx 结束。
func (p *Promoter) Run(ctx context.Context, interval time.Duration) {
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
			if _, err := p.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("promote failed", slog.String("error", err.Error()))
			}
			if ready, delayed, err := p.queue.Depth(ctx); err == nil {
				metrics.JobQueueDepth.WithLabelValues("ready").Set(float64(ready))
				metrics.JobQueueDepth.WithLabelValues("delayed").Set(float64(delayed))
			}
		}
	}
}
