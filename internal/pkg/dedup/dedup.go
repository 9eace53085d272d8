// Package dedup answers "has this key been seen inside the window" with Redis SETNX.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "autohunter:seen:"

// Window 记录窗口期内出现过的键，用于按访客去重计数。
type Window struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewWindow(rdb redis.Cmdable, ttl time.Duration) *Window {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Window{rdb: rdb, ttl: ttl}
}

// FirstSeen 原子地标记 parts 组成的键，返回该键是否在窗口内首次出现。
//
// 未配置 Redis 时总是返回 true。
func (w *Window) FirstSeen(ctx context.Context, parts ...string) (bool, error) {
	if w == nil || w.rdb == nil || len(parts) == 0 {
		return true, nil
	}
	ok, err := w.rdb.SetNX(ctx, w.key(parts), "1", w.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return ok, nil
}

// Forget 删除标记，使下一次 FirstSeen 重新返回 true。
func (w *Window) Forget(ctx context.Context, parts ...string) error {
	if w == nil || w.rdb == nil || len(parts) == 0 {
		return nil
	}
	if err := w.rdb.Del(ctx, w.key(parts)).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

func (w *Window) key(parts []string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return keyPrefix + hex.EncodeToString(sum[:])
}
