package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autohunter/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore 基于 GORM 的 Store 实现（生产环境使用 MySQL）。
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建 GormStore。
//
// db 建议以 TranslateError: true 打开，以便唯一键冲突映射为 gorm.ErrDuplicatedKey。
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate 创建或更新全部表结构。
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(model.AllModels()...)
}

// DB 返回底层连接。
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) GetPost(ctx context.Context, id int64) (*model.Post, error) {
	var post model.Post
	if err := s.db.WithContext(ctx).First(&post, id).Error; err != nil {
		return nil, translate(err)
	}
	return &post, nil
}

func (s *GormStore) CreatePost(ctx context.Context, post *model.Post) error {
	return translate(s.db.WithContext(ctx).Create(post).Error)
}

func (s *GormStore) SavePost(ctx context.Context, post *model.Post) error {
	return translate(s.db.WithContext(ctx).Save(post).Error)
}

func (s *GormStore) GetVehicleDetail(ctx context.Context, id int64) (*model.VehicleDetail, error) {
	var detail model.VehicleDetail
	if err := s.db.WithContext(ctx).First(&detail, id).Error; err != nil {
		return nil, translate(err)
	}
	return &detail, nil
}

func (s *GormStore) CreateVehicleDetail(ctx context.Context, detail *model.VehicleDetail) error {
	return translate(s.db.WithContext(ctx).Create(detail).Error)
}

func (s *GormStore) SaveVehicleDetail(ctx context.Context, detail *model.VehicleDetail) error {
	return translate(s.db.WithContext(ctx).Save(detail).Error)
}

// EnsureAccount 创建最小账号记录，已存在时不做任何修改。
func (s *GormStore) EnsureAccount(ctx context.Context, id int64, username string) error {
	account := model.Account{ID: id, Username: username}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&account).Error
	return translate(err)
}

func (s *GormStore) GetIdempotency(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	if err := s.db.WithContext(ctx).Where(&model.IdempotencyRecord{Key: key}).First(&rec).Error; err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

// CreateIdempotency 插入新的幂等记录，唯一键冲突返回 ErrDuplicate。
func (s *GormStore) CreateIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error {
	return translate(s.db.WithContext(ctx).Create(rec).Error)
}

func (s *GormStore) CompleteIdempotency(ctx context.Context, key string, seenAttempts int, fingerprint string) error {
	res := s.db.WithContext(ctx).Model(&model.IdempotencyRecord{}).
		Where(map[string]interface{}{"key": key, "attempts": seenAttempts}).
		Updates(map[string]interface{}{
			"status":      model.IdempotencyCompleted,
			"attempts":    gorm.Expr("attempts + 1"),
			"fingerprint": fingerprint,
			"last_error":  "",
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *GormStore) FailIdempotency(ctx context.Context, key, lastError string) error {
	res := s.db.WithContext(ctx).Model(&model.IdempotencyRecord{}).
		Where(map[string]interface{}{"key": key}).
		Updates(map[string]interface{}{
			"status":     gorm.Expr("CASE WHEN status = ? THEN status ELSE ? END", model.IdempotencyCompleted, model.IdempotencyFailed),
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": lastError,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementMetric 对 (post, metric, method) 计数 +1，不存在时创建。
func (s *GormStore) IncrementMetric(ctx context.Context, postID int64, metric, method string) error {
	row := model.PostMetric{PostID: postID, Metric: metric, Method: method, Total: 1}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "post_id"}, {Name: "metric"}, {Name: "method"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total":      gorm.Expr("total + 1"),
			"updated_at": time.Now(),
		}),
	}).Create(&row).Error
	return translate(err)
}

func (s *GormStore) SaveDeadLetter(ctx context.Context, rec *model.DeadLetter) error {
	return translate(s.db.WithContext(ctx).Create(rec).Error)
}

func (s *GormStore) GetDeadLetter(ctx context.Context, id uint) (*model.DeadLetter, error) {
	var rec model.DeadLetter
	if err := s.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

// ListDeadLetters 按失败时间倒序返回死信，kind 为空时不过滤。
func (s *GormStore) ListDeadLetters(ctx context.Context, kind string, limit int) ([]model.DeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("failed_at DESC, id DESC").Limit(limit)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var out []model.DeadLetter
	if err := q.Find(&out).Error; err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (s *GormStore) MarkDeadLetterReplayed(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&model.DeadLetter{}).
		Where("id = ?", id).
		Update("replayed_at", time.Now().UTC())
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// translate 将 GORM / 驱动错误映射为包内哨兵错误。
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), isDuplicateMessage(err):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	default:
		return err
	}
}

// Drivers without error translation still report duplicates in the message.
func isDuplicateMessage(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "UNIQUE constraint failed")
}
