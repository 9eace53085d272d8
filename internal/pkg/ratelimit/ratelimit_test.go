package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestBucket_WaitConsumesToken(t *testing.T) {
	rdb := newMiniRedis(t)

	b := NewBucket(rdb, nil, "test:ratelimit:basic", 10, 2)
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	raw, err := rdb.HGet(context.Background(), b.key, "tokens").Result()
	if err != nil {
		t.Fatalf("hget tokens: %v", err)
	}
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		t.Fatalf("parse tokens: %v", err)
	}
	if tokens > 1.1 {
		t.Fatalf("expected tokens to decrease, got %.2f", tokens)
	}
}

func TestBucket_WaitBlocksUntilRefill(t *testing.T) {
	rdb := newMiniRedis(t)

	b := NewBucket(rdb, nil, "test:ratelimit:block", 10, 1)
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("warm wait: %v", err)
	}

	start := time.Now()
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("blocked wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("expected blocking, elapsed=%v", elapsed)
	}
}

func TestBucket_AllowDoesNotBlock(t *testing.T) {
	rdb := newMiniRedis(t)

	b := NewBucket(rdb, nil, "test:ratelimit:allow", 1, 1)
	ok, err := b.Allow(context.Background())
	if err != nil || !ok {
		t.Fatalf("first allow: ok=%v err=%v", ok, err)
	}
	ok, err = b.Allow(context.Background())
	if err != nil {
		t.Fatalf("second allow: %v", err)
	}
	if ok {
		t.Fatalf("expected empty bucket to refuse")
	}
}

func TestBucket_ContextTimeout(t *testing.T) {
	rdb := newMiniRedis(t)

	b := NewBucket(rdb, nil, "test:ratelimit:timeout", 1, 1)
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("warm wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := b.Wait(ctx); !errors.Is(err, ErrRateLimitTimeout) {
		t.Fatalf("expected ErrRateLimitTimeout, got %v", err)
	}
}

func TestBucket_ConcurrentWait(t *testing.T) {
	rdb := newMiniRedis(t)

	b := NewBucket(rdb, nil, "test:ratelimit:concurrent", 5, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	success := 0

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Wait(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
			}
		}()
	}
	wg.Wait()

	if success != 5 {
		t.Fatalf("expected 5 immediate successes, got %d", success)
	}
}

func TestBucket_DisabledWhenRateZero(t *testing.T) {
	b := NewBucket(nil, nil, "", 0, 0)
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("disabled bucket must not block: %v", err)
	}
}

func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}
