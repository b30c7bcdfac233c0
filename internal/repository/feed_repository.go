package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/watchingthewheelsgo/xbot/internal/model"
)

// FeedRepository 事件源与入站事件仓储
type FeedRepository interface {
	UpsertFeed(ctx context.Context, feed *model.Feed) error
	ListEnabled(ctx context.Context) ([]*model.Feed, error)
	MarkFetched(ctx context.Context, name string, at time.Time) error

	// AppendEvent guid 冲突时静默跳过（重复抓取不重复落库），
	// 返回是否实际写入
	AppendEvent(ctx context.Context, event *model.FeedEvent) (bool, error)

	// ListEventsAfter 按 seq 升序返回某流在位点之后的事件
	ListEventsAfter(ctx context.Context, feedName string, afterSeq int64, limit int) ([]*model.FeedEvent, error)
}

type feedRepository struct{ db *gorm.DB }

func NewFeedRepository(db *gorm.DB) FeedRepository { return &feedRepository{db: db} }

func (r *feedRepository) UpsertFeed(ctx context.Context, feed *model.Feed) error {
	now := time.Now()
	if feed.ID == "" {
		feed.ID = uuid.New().String()
	}
	if feed.CreatedAt.IsZero() {
		feed.CreatedAt = now
	}
	feed.UpdatedAt = now
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"category", "url", "enabled", "updated_at"}),
	}).Create(feed).Error
}

func (r *feedRepository) ListEnabled(ctx context.Context) ([]*model.Feed, error) {
	var res []*model.Feed
	err := r.db.WithContext(ctx).Where("enabled = ?", true).Order("name").Find(&res).Error
	return res, err
}

func (r *feedRepository) MarkFetched(ctx context.Context, name string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Feed{}).
		Where("name = ?", name).
		Updates(map[string]interface{}{"last_fetched": at, "updated_at": time.Now()}).Error
}

func (r *feedRepository) AppendEvent(ctx context.Context, event *model.FeedEvent) (bool, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.FetchedAt.IsZero() {
		event.FetchedAt = time.Now()
	}
	if event.Seq == 0 {
		event.Seq = event.FetchedAt.UnixNano()
	}
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(event)
	return tx.RowsAffected > 0, tx.Error
}

func (r *feedRepository) ListEventsAfter(ctx context.Context, feedName string, afterSeq int64, limit int) ([]*model.FeedEvent, error) {
	var res []*model.FeedEvent
	err := r.db.WithContext(ctx).
		Where("feed_name = ? AND seq > ?", feedName, afterSeq).
		Order("seq").
		Limit(limit).
		Find(&res).Error
	return res, err
}
