// Package ratelimit provides a Redis-backed token bucket shared by every process that hits the same upstream.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"autohunter/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

const defaultKey = "autohunter:ratelimit:default"

// 令牌桶：tokens 按 rate/s 补充，上限 burst。返回 {allowed, wait_ms, tokens}。
const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

if rate <= 0 or burst <= 0 then
  return {1, 0, burst}
end

local state = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now

tokens = math.min(burst, tokens + (math.max(0, now - ts) * rate) / 1000.0)

local wait_ms = 0
local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  wait_ms = math.ceil((cost - tokens) * 1000.0 / rate)
end

redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 2000.0))

return {allowed, wait_ms, tostring(tokens)}
`

// Bucket 是一个分布式令牌桶。
type Bucket struct {
	rdb    redis.Scripter
	key    string
	rate   float64
	burst  float64
	logger *slog.Logger
	script *redis.Script
	now    func() time.Time
}

// NewBucket 创建令牌桶。
//
// 参数:
//
//	rdb: Redis 客户端
//	logger: 日志记录器，可为 nil
//	key: 桶的 Redis 键，空值使用默认键
//	rate: 每秒补充的令牌数，<= 0 表示不限速
//	burst: 桶容量
func NewBucket(rdb redis.Scripter, logger *slog.Logger, key string, rate, burst float64) *Bucket {
	if key == "" {
		key = defaultKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bucket{
		rdb:    rdb,
		key:    key,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(tokenBucketLua),
		now:    time.Now,
	}
}

// Allow 尝试立即取得一个令牌，不等待。
func (b *Bucket) Allow(ctx context.Context) (bool, error) {
	if b.disabled() {
		return true, nil
	}
	ok, _, err := b.take(ctx)
	return ok, err
}

// Wait 阻塞直到取得令牌；ctx 结束时返回 ErrRateLimitTimeout。
func (b *Bucket) Wait(ctx context.Context) error {
	if b.disabled() {
		return nil
	}

	start := b.now()
	for {
		ok, wait, err := b.take(ctx)
		if err != nil {
			return err
		}
		if ok {
			metrics.RateLimitWaitDuration.Observe(b.now().Sub(start).Seconds())
			return nil
		}
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		// 抖动，避免多个进程同时醒来
		wait += time.Duration(rand.Int63n(int64(10 * time.Millisecond)))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RateLimitWaitDuration.Observe(b.now().Sub(start).Seconds())
			metrics.RateLimitTimeoutTotal.Inc()
			b.logger.Debug("rate limit wait aborted",
				slog.String("key", b.key),
				slog.Duration("waited", b.now().Sub(start)))
			return ErrRateLimitTimeout
		case <-timer.C:
		}
	}
}

func (b *Bucket) disabled() bool {
	return b == nil || b.rdb == nil || b.rate <= 0 || b.burst <= 0
}

func (b *Bucket) take(ctx context.Context) (bool, time.Duration, error) {
	res, err := b.script.Run(ctx, b.rdb, []string{b.key}, b.rate, b.burst, b.now().UnixMilli(), 1).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}
	if len(res) < 2 {
		return false, 0, errors.New("ratelimit: malformed script result")
	}
	return asInt(res[0]) == 1, time.Duration(asInt(res[1])) * time.Millisecond, nil
}

func asInt(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseFloat(t, 64)
		return int64(n)
	}
	return 0
}
