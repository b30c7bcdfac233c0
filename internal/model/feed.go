package model

import "time"

// Feed 事件源注册表（对应外部订阅源，enabled=false 则轮询跳过）
type Feed struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)"`
	Name        string    `gorm:"type:varchar(255);uniqueIndex;not null"`
	Category    string    `gorm:"type:varchar(100)"`
	URL         string    `gorm:"type:varchar(1000)"`
	Enabled     bool      `gorm:"not null;default:true"`
	LastFetched *time.Time
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (Feed) TableName() string { return "feeds" }

// FeedEvent 入站事件（guid 唯一，重复抓取不重复落库）
type FeedEvent struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)"`
	FeedName  string    `gorm:"type:varchar(255);index:idx_event_feed_seq,priority:1;not null"`
	GUID      string    `gorm:"type:varchar(500);uniqueIndex;not null"`
	Title     string    `gorm:"type:varchar(1000)"`
	Payload   string    `gorm:"type:text"`
	Seq       int64     `gorm:"index:idx_event_feed_seq,priority:2;autoIncrement:false"`
	FetchedAt time.Time `gorm:"not null"`
}

func (FeedEvent) TableName() string { return "feed_events" }
