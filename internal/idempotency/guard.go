// Package idempotency guards (origin, externalId) imports against duplicate side effects.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"autohunter/internal/model"
	"autohunter/internal/store"
)

// Skip reasons reported by Begin.
const (
	SkipCompleted = "completed" // identical content already imported
	SkipLostRace  = "lost_race" // another worker created the key first
)

// ErrLostRace 表示同一键已被并发导入完成，本次写入需要放弃。
var ErrLostRace = errors.New("idempotency: key completed by concurrent import")

// Key 返回幂等键 origin:externalId。
func Key(origin string, externalID int64) string {
	return fmt.Sprintf("%s:%d", origin, externalID)
}

// Ticket 表示一次被守护的导入。
type Ticket struct {
	Key         string
	Fingerprint string
	SkipReason  string // 非空表示无需执行任何写入

	record *model.IdempotencyRecord
}

// Skip reports whether the import must be short-circuited.
func (t *Ticket) Skip() bool { return t.SkipReason != "" }

// Attempts returns the attempt counter recorded so far.
func (t *Ticket) Attempts() int {
	if t.record == nil {
		return 0
	}
	return t.record.Attempts
}

// Guard 基于存储层唯一约束实现幂等检查。
type Guard struct {
	logger *slog.Logger
}

func NewGuard(logger *slog.Logger) *Guard {
	return &Guard{logger: logger}
}

// Begin 查找或创建幂等记录。
//
// completed 且内容指纹相同时返回 SkipCompleted；
// 并发插入唯一键冲突时返回 SkipLostRace；
// 其余情况（新记录、pending、failed、或内容已变化的 completed）允许继续。
func (g *Guard) Begin(ctx context.Context, st store.Store, origin string, externalID int64, fingerprint string) (*Ticket, error) {
	key := Key(origin, externalID)
	ticket := &Ticket{Key: key, Fingerprint: fingerprint}

	rec, err := st.GetIdempotency(ctx, key)
	switch {
	case err == nil:
		ticket.record = rec
		if rec.Status == model.IdempotencyCompleted && rec.Fingerprint == fingerprint {
			ticket.SkipReason = SkipCompleted
		}
		return ticket, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("lookup idempotency %s: %w", key, err)
	}

	rec = &model.IdempotencyRecord{
		Key:    key,
		Status: model.IdempotencyPending,
		PostID: externalID,
	}
	if err := st.CreateIdempotency(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			g.logger.Info("idempotency key taken by concurrent import", slog.String("key", key))
			ticket.SkipReason = SkipLostRace
			return ticket, nil
		}
		return nil, fmt.Errorf("create idempotency %s: %w", key, err)
	}
	ticket.record = rec
	return ticket, nil
}

// Complete 将记录标记为 completed 并递增 attempts。
//
// tx 应与帖子 / 详情写入属于同一事务。记录在 Begin 之后被其他导入推进时返回 ErrLostRace，
// 调用方回滚事务即可。
func (g *Guard) Complete(ctx context.Context, tx store.Store, ticket *Ticket) error {
	if ticket == nil || ticket.record == nil {
		return errors.New("idempotency: ticket has no record")
	}
	err := tx.CompleteIdempotency(ctx, ticket.Key, ticket.record.Attempts, ticket.Fingerprint)
	if errors.Is(err, store.ErrConflict) {
		g.logger.Info("idempotency key completed concurrently", slog.String("key", ticket.Key))
		return ErrLostRace
	}
	if err != nil {
		return fmt.Errorf("complete idempotency %s: %w", ticket.Key, err)
	}
	rec := *ticket.record
	rec.Status = model.IdempotencyCompleted
	rec.Attempts++
	rec.Fingerprint = ticket.Fingerprint
	rec.LastError = ""
	ticket.record = &rec
	return nil
}

// Fail 记录失败并递增 attempts，允许后续重试。
//
// 更新在存储层原子完成，已 completed 的记录保持 completed。
func (g *Guard) Fail(ctx context.Context, st store.Store, ticket *Ticket, cause error) error {
	if ticket == nil || ticket.record == nil {
		return nil
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := st.FailIdempotency(ctx, ticket.Key, msg); err != nil {
		return fmt.Errorf("fail idempotency %s: %w", ticket.Key, err)
	}
	rec := *ticket.record
	if rec.Status != model.IdempotencyCompleted {
		rec.Status = model.IdempotencyFailed
	}
	rec.Attempts++
	rec.LastError = msg
	ticket.record = &rec
	return nil
}
