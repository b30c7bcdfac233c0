package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/watchingthewheelsgo/xbot/internal/model"
)

// RateLimitRepository 持久化配额窗口（按 scope 固定窗口计数）
type RateLimitRepository interface {
	// Take 尝试占用一次配额。窗口已满时 allowed=false，
	// resetAt 为窗口重置时间，调度器据此推迟动作
	Take(ctx context.Context, scope string, now time.Time, limit int, period time.Duration) (allowed bool, resetAt time.Time, err error)
}

type rateLimitRepository struct{ db *gorm.DB }

func NewRateLimitRepository(db *gorm.DB) RateLimitRepository { return &rateLimitRepository{db: db} }

func (r *rateLimitRepository) Take(ctx context.Context, scope string, now time.Time, limit int, period time.Duration) (bool, time.Time, error) {
	allowed := false
	var resetAt time.Time
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var w model.RateLimitWindow
		err := tx.Where("scope = ?", scope).First(&w).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			w = model.RateLimitWindow{Scope: scope, WindowStart: now, Count: 1, Limit: limit, UpdatedAt: now}
			allowed = true
			return tx.Create(&w).Error
		case err != nil:
			return err
		}

		windowEnd := w.WindowStart.Add(period)
		if !now.Before(windowEnd) {
			// 窗口过期，重开
			w.WindowStart = now
			w.Count = 1
			allowed = true
		} else if w.Count < limit {
			w.Count++
			allowed = true
		} else {
			resetAt = windowEnd
			return nil
		}
		w.Limit = limit
		w.UpdatedAt = now
		return tx.Save(&w).Error
	})
	return allowed, resetAt, err
}
