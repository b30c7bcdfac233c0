package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/watchingthewheelsgo/xbot/internal/model"
	"github.com/watchingthewheelsgo/xbot/internal/repository"
)

var (
	ErrEmptyTarget = errors.New("action target is empty")
)

// Queue 动作队列：把触发器翻译成 Action 行。
// 幂等键吸收 at-least-once 投递，重复触发等价于一次。
type Queue struct {
	actions repository.ActionRepository
}

func NewQueue(actions repository.ActionRepository) *Queue {
	return &Queue{actions: actions}
}

// Enqueue 入队一个动作并返回幂等键。
// dedupe 为空时以 payload 作为去重依据；notBefore 零值表示立即可派发。
func (q *Queue) Enqueue(ctx context.Context, kind model.ActionKind, target, dedupe, payload string, notBefore time.Time) (string, error) {
	if strings.TrimSpace(target) == "" {
		return "", ErrEmptyTarget
	}
	if dedupe == "" {
		dedupe = payload
	}
	if notBefore.IsZero() {
		notBefore = time.Now()
	}

	id := model.DeriveActionID(kind, target, dedupe)
	a := &model.Action{
		ID:        id,
		Kind:      kind,
		Target:    target,
		Payload:   payload,
		NotBefore: notBefore,
		Status:    model.StatusPending,
	}
	if err := q.actions.Upsert(ctx, a); err != nil {
		return "", err
	}
	return id, nil
}
