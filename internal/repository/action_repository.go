package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/watchingthewheelsgo/xbot/internal/model"
)

var (
	// ErrNotFound 目标行不存在
	ErrNotFound = errors.New("action not found")
	// ErrConflict CAS 失败：行状态与期望不符（他人已领取或已进入终态）
	ErrConflict = errors.New("action status conflict")
)

// ActionRepository 动作持久化仓储（Durable Store）
type ActionRepository interface {
	// Upsert 幂等入队：已存在且仍为 pending 时仅刷新 payload/not_before；
	// 终态行保持不变，绝不复活
	Upsert(ctx context.Context, action *model.Action) error

	// Get 按幂等键查询
	Get(ctx context.Context, id string) (*model.Action, error)

	// ListDue 返回 status=pending 且 not_before<=now 的动作，
	// 按 (not_before, id) 排序保证确定性 FIFO
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Action, error)

	// MarkInFlight 状态 CAS：当前状态不等于 expected 时返回 ErrConflict
	MarkInFlight(ctx context.Context, id string, expected model.ActionStatus) error

	// MarkResult 记录执行结果；仅 in_flight 行可写，防止越权变更
	MarkResult(ctx context.Context, id string, status model.ActionStatus, attemptCount int, notBefore time.Time, lastError string) error

	// Defer 限流推迟：仅改 not_before，不计入重试次数
	Defer(ctx context.Context, id string, notBefore time.Time) error

	// RecoverStale 崩溃恢复：in_flight 超过宽限期的行重置为 pending 并累加尝试次数
	RecoverStale(ctx context.Context, cutoff time.Time) (int64, error)

	// ListByStatus 按状态查询（运维检视 abandoned 等）
	ListByStatus(ctx context.Context, status model.ActionStatus, limit int) ([]*model.Action, error)

	// CountByStatus 各状态行数统计
	CountByStatus(ctx context.Context) (map[model.ActionStatus]int64, error)
}

type actionRepository struct {
	db *gorm.DB
}

func NewActionRepository(db *gorm.DB) ActionRepository { return &actionRepository{db: db} }

func (r *actionRepository) Upsert(ctx context.Context, action *model.Action) error {
	now := time.Now()
	if action.CreatedAt.IsZero() {
		action.CreatedAt = now
	}
	action.UpdatedAt = now
	if action.Status == "" {
		action.Status = model.StatusPending
	}
	// 冲突时仅当现存行仍为 pending 才刷新，终态行不受影响
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"payload":    action.Payload,
			"not_before": action.NotBefore,
			"updated_at": now,
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Eq{Column: clause.Column{Name: "status"}, Value: string(model.StatusPending)},
		}},
	}).Create(action).Error
}

func (r *actionRepository) Get(ctx context.Context, id string) (*model.Action, error) {
	var a model.Action
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *actionRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Action, error) {
	var res []*model.Action
	err := r.db.WithContext(ctx).
		Where("status = ? AND not_before <= ?", model.StatusPending, now).
		Order("not_before, id").
		Limit(limit).
		Find(&res).Error
	return res, err
}

func (r *actionRepository) MarkInFlight(ctx context.Context, id string, expected model.ActionStatus) error {
	tx := r.db.WithContext(ctx).Model(&model.Action{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(map[string]interface{}{
			"status":     model.StatusInFlight,
			"updated_at": time.Now(),
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (r *actionRepository) MarkResult(ctx context.Context, id string, status model.ActionStatus, attemptCount int, notBefore time.Time, lastError string) error {
	tx := r.db.WithContext(ctx).Model(&model.Action{}).
		Where("id = ? AND status = ?", id, model.StatusInFlight).
		Updates(map[string]interface{}{
			"status":        status,
			"attempt_count": attemptCount,
			"not_before":    notBefore,
			"last_error":    lastError,
			"updated_at":    time.Now(),
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("mark result %s -> %s: %w", id, status, ErrConflict)
	}
	return nil
}

func (r *actionRepository) Defer(ctx context.Context, id string, notBefore time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Action{}).
		Where("id = ? AND status = ?", id, model.StatusPending).
		Updates(map[string]interface{}{
			"not_before": notBefore,
			"updated_at": time.Now(),
		}).Error
}

func (r *actionRepository) RecoverStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).Model(&model.Action{}).
		Where("status = ? AND updated_at < ?", model.StatusInFlight, cutoff).
		Updates(map[string]interface{}{
			"status":        model.StatusPending,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"updated_at":    time.Now(),
		})
	return tx.RowsAffected, tx.Error
}

func (r *actionRepository) ListByStatus(ctx context.Context, status model.ActionStatus, limit int) ([]*model.Action, error) {
	var res []*model.Action
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("updated_at DESC").
		Limit(limit).
		Find(&res).Error
	return res, err
}

func (r *actionRepository) CountByStatus(ctx context.Context) (map[model.ActionStatus]int64, error) {
	type row struct {
		Status model.ActionStatus
		Cnt    int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&model.Action{}).
		Select("status, count(*) as cnt").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[model.ActionStatus]int64, len(rows))
	for _, rr := range rows {
		out[rr.Status] = rr.Cnt
	}
	return out, nil
}
