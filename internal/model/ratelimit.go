package model

import "time"

// RateLimitWindow 外部平台配额窗口（按 scope 持久化，跨重启累计）
type RateLimitWindow struct {
	Scope       string    `gorm:"primaryKey;type:varchar(64)"`
	WindowStart time.Time `gorm:"not null"`
	Count       int       `gorm:"not null;default:0"`
	Limit       int       `gorm:"column:limit_max;not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (RateLimitWindow) TableName() string { return "rate_limit_windows" }
