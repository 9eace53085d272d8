// Package store is the transactional persistence port used by the ingest core.
package store

import (
	"context"
	"errors"

	"autohunter/internal/model"
)

var (
	ErrNotFound  = errors.New("store: record not found")
	ErrDuplicate = errors.New("store: duplicate key")
	ErrConflict  = errors.New("store: row changed concurrently")
)

// Store 是导入核心所需的持久化操作集合。
//
// WithinTx 中传入的 tx 绑定到同一事务，回调内只能使用 tx。
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Store) error) error

	GetPost(ctx context.Context, id int64) (*model.Post, error)
	CreatePost(ctx context.Context, post *model.Post) error
	SavePost(ctx context.Context, post *model.Post) error

	GetVehicleDetail(ctx context.Context, id int64) (*model.VehicleDetail, error)
	CreateVehicleDetail(ctx context.Context, detail *model.VehicleDetail) error
	SaveVehicleDetail(ctx context.Context, detail *model.VehicleDetail) error

	EnsureAccount(ctx context.Context, id int64, username string) error

	GetIdempotency(ctx context.Context, key string) (*model.IdempotencyRecord, error)
	CreateIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error
	// CompleteIdempotency 仅当 attempts 仍等于 seenAttempts 时标记 completed，否则返回 ErrConflict。
	CompleteIdempotency(ctx context.Context, key string, seenAttempts int, fingerprint string) error
	// FailIdempotency 原子递增 attempts；completed 状态不会被改回 failed。
	FailIdempotency(ctx context.Context, key, lastError string) error

	IncrementMetric(ctx context.Context, postID int64, metric, method string) error

	SaveDeadLetter(ctx context.Context, rec *model.DeadLetter) error
	GetDeadLetter(ctx context.Context, id uint) (*model.DeadLetter, error)
	ListDeadLetters(ctx context.Context, kind string, limit int) ([]model.DeadLetter, error)
	MarkDeadLetterReplayed(ctx context.Context, id uint) error
}
