package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newWindow(t *testing.T, ttl time.Duration) (*Window, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})
	return NewWindow(rdb, ttl), s
}

func TestWindow_FirstSeen(t *testing.T) {
	w, _ := newWindow(t, time.Minute)
	ctx := context.Background()

	first, err := w.FirstSeen(ctx, "view", "1001", "visitor-a")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if !first {
		t.Fatalf("expected first sighting")
	}

	again, err := w.FirstSeen(ctx, "view", "1001", "visitor-a")
	if err != nil {
		t.Fatalf("again: %v", err)
	}
	if again {
		t.Fatalf("expected repeat sighting to be deduplicated")
	}

	other, err := w.FirstSeen(ctx, "view", "1001", "visitor-b")
	if err != nil {
		t.Fatalf("other: %v", err)
	}
	if !other {
		t.Fatalf("different visitor must count")
	}
}

func TestWindow_ExpiresAfterTTL(t *testing.T) {
	w, s := newWindow(t, time.Minute)
	ctx := context.Background()

	if _, err := w.FirstSeen(ctx, "share", "7"); err != nil {
		t.Fatalf("first: %v", err)
	}
	s.FastForward(2 * time.Minute)

	seen, err := w.FirstSeen(ctx, "share", "7")
	if err != nil {
		t.Fatalf("after ttl: %v", err)
	}
	if !seen {
		t.Fatalf("expected key to expire with the window")
	}
}

func TestWindow_Forget(t *testing.T) {
	w, _ := newWindow(t, time.Minute)
	ctx := context.Background()

	_, _ = w.FirstSeen(ctx, "contact", "9")
	if err := w.Forget(ctx, "contact", "9"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	seen, _ := w.FirstSeen(ctx, "contact", "9")
	if !seen {
		t.Fatalf("expected forgotten key to be new again")
	}
}

func TestWindow_NilRedisAlwaysCounts(t *testing.T) {
	w := NewWindow(nil, 0)
	seen, err := w.FirstSeen(context.Background(), "view", "1")
	if err != nil || !seen {
		t.Fatalf("expected pass-through, seen=%v err=%v", seen, err)
	}
}
