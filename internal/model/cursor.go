package model

import "time"

// Cursor 事件流消费进度（每个流一行，由其消费者独占更新）
type Cursor struct {
	StreamName string    `gorm:"primaryKey;type:varchar(255)"`
	LastSeenID string    `gorm:"type:varchar(255);not null"`
	LastSeenAt time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (Cursor) TableName() string { return "cursors" }
