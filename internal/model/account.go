package model

import "time"

// Account 表示帖子所属的外部账号（卖家）。
//
// 导入时遇到未知账号会自动创建最小记录，避免外键阻塞导入。
type Account struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false"` // 来源平台账号 ID
	Username  string    `gorm:"type:varchar(191)"`
	CreatedAt time.Time
}
