package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"autohunter/internal/model"
	"autohunter/internal/store"
	"autohunter/internal/store/storetest"
)

func newGuard() *Guard {
	return NewGuard(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGuard_CompleteThenSkipIdentical(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	g := newGuard()

	ticket, err := g.Begin(ctx, s, "social", 100, "fp1")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if ticket.Skip() {
		t.Fatalf("first import must not skip")
	}
	if err := s.WithinTx(ctx, func(tx store.Store) error { return g.Complete(ctx, tx, ticket) }); err != nil {
		t.Fatalf("complete: %v", err)
	}

	again, err := g.Begin(ctx, s, "social", 100, "fp1")
	if err != nil {
		t.Fatalf("begin again: %v", err)
	}
	if again.SkipReason != SkipCompleted {
		t.Fatalf("expected completed skip, got %q", again.SkipReason)
	}

	rec, _ := s.GetIdempotency(ctx, "social:100")
	if rec.Status != model.IdempotencyCompleted || rec.Attempts != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestGuard_ChangedContentProceeds(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	g := newGuard()

	ticket, _ := g.Begin(ctx, s, "auction", 7, "fp1")
	if err := g.Complete(ctx, s, ticket); err != nil {
		t.Fatalf("complete: %v", err)
	}

	next, err := g.Begin(ctx, s, "auction", 7, "fp2")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if next.Skip() {
		t.Fatalf("changed content must proceed")
	}
	if err := g.Complete(ctx, s, next); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rec, _ := s.GetIdempotency(ctx, "auction:7")
	if rec.Attempts != 2 || rec.Fingerprint != "fp2" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestGuard_FailAllowsRetry(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	g := newGuard()

	ticket, _ := g.Begin(ctx, s, "social", 5, "fp")
	if err := g.Fail(ctx, s, ticket, errors.New("write failed")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	rec, _ := s.GetIdempotency(ctx, "social:5")
	if rec.Status != model.IdempotencyFailed || rec.Attempts != 1 || rec.LastError != "write failed" {
		t.Fatalf("unexpected record %+v", rec)
	}

	retry, err := g.Begin(ctx, s, "social", 5, "fp")
	if err != nil {
		t.Fatalf("begin retry: %v", err)
	}
	if retry.Skip() {
		t.Fatalf("failed record must allow retry")
	}
	if retry.Attempts() != 1 {
		t.Fatalf("expected attempts carried over, got %d", retry.Attempts())
	}
}

type racingStore struct {
	store.Store
}

func (racingStore) GetIdempotency(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	return nil, store.ErrNotFound
}

func (racingStore) CreateIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error {
	return store.ErrDuplicate
}

func TestGuard_DuplicateInsertIsLostRace(t *testing.T) {
	g := newGuard()
	ticket, err := g.Begin(context.Background(), racingStore{}, "social", 1, "fp")
	if err != nil {
		t.Fatalf("lost race must not be an error: %v", err)
	}
	if ticket.SkipReason != SkipLostRace {
		t.Fatalf("expected lost race skip, got %q", ticket.SkipReason)
	}
}

func TestGuard_StaleTicketCannotOverwriteCompleted(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	g := newGuard()

	first, _ := g.Begin(ctx, s, "social", 777, "fp")
	second, err := g.Begin(ctx, s, "social", 777, "fp")
	if err != nil || second.Skip() {
		t.Fatalf("pending record must let the second import proceed: %+v %v", second, err)
	}

	if err := g.Complete(ctx, s, first); err != nil {
		t.Fatalf("complete first: %v", err)
	}
	if err := g.Complete(ctx, s, second); !errors.Is(err, ErrLostRace) {
		t.Fatalf("expected ErrLostRace, got %v", err)
	}
	if err := g.Fail(ctx, s, second, errors.New("late")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	rec, _ := s.GetIdempotency(ctx, "social:777")
	if rec.Status != model.IdempotencyCompleted {
		t.Fatalf("completed record must stay completed, got %+v", rec)
	}
	replay, _ := g.Begin(ctx, s, "social", 777, "fp")
	if replay.SkipReason != SkipCompleted {
		t.Fatalf("identical replay must skip, got %q", replay.SkipReason)
	}
}
