package model

import (
	"time"

	"gorm.io/datatypes"
)

// Post 表示归并后的帖子记录。
//
// ID 直接复用来源平台的外部 ID，多次导入保持不变。帖子只做软删除，
// 一旦 Deleted 为 true，导入路径不会再将其恢复。
type Post struct {
	ID        int64  `gorm:"primaryKey;autoIncrement:false"`
	AccountID int64  `gorm:"index;not null"`
	Origin    string `gorm:"type:varchar(32);not null"`

	Caption      string    `gorm:"type:text"` // 可逆编码后的原始文案
	CleanCaption string    `gorm:"type:text"` // 清洗后的纯文本
	PostedAt     time.Time `gorm:"index"`     // 帖子在来源平台的发布时间

	Media datatypes.JSONSlice[MediaVariant] `gorm:"type:json"`

	LikeCount    int64
	CommentCount int64
	ViewCount    int64

	Deleted    bool `gorm:"default:false"`
	Revalidate bool `gorm:"default:false"` // 文案变化，详情需要重新核对

	VehicleDetailID *int64 `gorm:"index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MediaVariant 是帖子媒体列表中的一项，引用派生图片的路径。
type MediaVariant struct {
	ImageStandardResolutionURL string `json:"imageStandardResolutionUrl"`
	ImageThumbnailURL          string `json:"imageThumbnailUrl"`
	Metadata                   string `json:"metadata"`
}

// VehicleDetail 表示车辆详情。
//
// ID 要么与所属帖子相同（无结构化数据的占位详情），要么是首次导入时生成的独立 ID。
// 创建后不会被替换，后续导入只做选择性补丁。
type VehicleDetail struct {
	ID int64 `gorm:"primaryKey;autoIncrement:false"`

	Make              string `gorm:"type:varchar(64)"`
	Model             string `gorm:"type:varchar(128)"`
	Variant           string `gorm:"type:varchar(191)"`
	FirstRegistration string `gorm:"type:varchar(32)"`
	Transmission      string `gorm:"type:varchar(32)"`
	FuelType          string `gorm:"type:varchar(32)"`
	Engine            string `gorm:"type:varchar(64)"`
	Drivetrain        string `gorm:"type:varchar(16)"`
	BodyType          string `gorm:"type:varchar(32)"`
	Contact           string `gorm:"type:varchar(191)"`

	Mileage *int64
	Seats   *int
	Doors   *int
	Price   *int64

	Options datatypes.JSONSlice[string] `gorm:"type:json"`

	Sold        bool `gorm:"default:false"`
	Published   bool `gorm:"default:false"`
	CustomsPaid bool `gorm:"default:false"`
	Deleted     bool `gorm:"default:false"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// 幂等记录状态。
const (
	IdempotencyPending   = "pending"
	IdempotencyCompleted = "completed"
	IdempotencyFailed    = "failed"
)

// IdempotencyRecord 记录 origin:externalId 的处理状态。
type IdempotencyRecord struct {
	ID          uint   `gorm:"primaryKey"`
	Key         string `gorm:"type:varchar(191);uniqueIndex;not null"` // origin:externalId
	Status      string `gorm:"type:varchar(16);not null"`
	Attempts    int    `gorm:"not null;default:0"`
	Fingerprint string `gorm:"type:varchar(64)"` // 最近一次成功导入内容的哈希
	PostID      int64
	LastError   string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PostMetric 帖子互动计数（浏览 / 联系 / 分享）。
type PostMetric struct {
	ID     uint   `gorm:"primaryKey"`
	PostID int64  `gorm:"uniqueIndex:idx_post_metric;not null"`
	Metric string `gorm:"type:varchar(16);uniqueIndex:idx_post_metric;not null"`
	Method string `gorm:"type:varchar(16);uniqueIndex:idx_post_metric;not null;default:''"` // 联系方式，非 contact 时为空
	Total  int64  `gorm:"not null;default:0"`

	UpdatedAt time.Time
}

// DeadLetter 是耗尽重试的任务的持久化副本，供人工排查与重放。
type DeadLetter struct {
	ID           uint   `gorm:"primaryKey"`
	StreamID     string `gorm:"type:varchar(64);index"` // 死信 Stream 中的消息 ID
	Queue        string `gorm:"type:varchar(64)"`
	Kind         string `gorm:"type:varchar(32);index"`
	OriginalID   string `gorm:"type:varchar(64)"` // 原始 Stream 消息 ID
	JobID        string `gorm:"type:varchar(64)"`
	AttemptsMade int
	MaxAttempts  int
	Reason       string `gorm:"type:text"`
	Payload      string `gorm:"type:text"`
	FailedAt     time.Time
	ReplayedAt   *time.Time
	CreatedAt    time.Time
}

// AllModels 返回需要自动迁移的全部模型。
func AllModels() []interface{} {
	return []interface{}{
		&Account{},
		&Post{},
		&VehicleDetail{},
		&IdempotencyRecord{},
		&PostMetric{},
		&DeadLetter{},
	}
}
