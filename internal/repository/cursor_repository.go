package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/watchingthewheelsgo/xbot/internal/model"
)

// CursorRepository 事件流消费位点仓储
type CursorRepository interface {
	Get(ctx context.Context, stream string) (*model.Cursor, error)
	Set(ctx context.Context, stream, lastSeenID string, lastSeenAt time.Time) error
}

type cursorRepository struct{ db *gorm.DB }

func NewCursorRepository(db *gorm.DB) CursorRepository { return &cursorRepository{db: db} }

// Get 流不存在时返回零位点而非错误，首轮消费从头开始
func (r *cursorRepository) Get(ctx context.Context, stream string) (*model.Cursor, error) {
	var c model.Cursor
	err := r.db.WithContext(ctx).Where("stream_name = ?", stream).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &model.Cursor{StreamName: stream}, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *cursorRepository) Set(ctx context.Context, stream, lastSeenID string, lastSeenAt time.Time) error {
	c := &model.Cursor{
		StreamName: stream,
		LastSeenID: lastSeenID,
		LastSeenAt: lastSeenAt,
		UpdatedAt:  time.Now(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stream_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seen_id", "last_seen_at", "updated_at"}),
	}).Create(c).Error
}
