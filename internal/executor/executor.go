package executor

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/watchingthewheelsgo/xbot/internal/model"
	"github.com/watchingthewheelsgo/xbot/pkg/logger"
)

// Outcome 执行结果三分类
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeRetryable
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	}
	return "unknown"
}

// Result 分类结果与诊断信息；状态迁移由调度器决定
type Result struct {
	Outcome Outcome
	Detail  string
}

// Capability 外部平台抽象能力，具体 API 客户端在本仓库之外绑定
type Capability interface {
	Submit(ctx context.Context, action *model.Action) error
}

// CapabilityFunc 函数适配器
type CapabilityFunc func(ctx context.Context, action *model.Action) error

func (f CapabilityFunc) Submit(ctx context.Context, action *model.Action) error {
	return f(ctx, action)
}

// Handler 将动作适配为一次外部调用
type Handler func(ctx context.Context, action *model.Action) error

// Executor 按 kind 分发到启动时注册的处理函数，并分类结果。
// 不触碰 Durable Store。
type Executor struct {
	handlers map[model.ActionKind]Handler
}

func New() *Executor {
	return &Executor{handlers: make(map[model.ActionKind]Handler)}
}

// Register 注册 kind 处理函数；重复注册以后者为准
func (e *Executor) Register(kind model.ActionKind, h Handler) {
	e.handlers[kind] = h
}

// RegisterCapability 为一组 kind 统一绑定外部能力
func (e *Executor) RegisterCapability(cap Capability, kinds ...model.ActionKind) {
	for _, k := range kinds {
		e.Register(k, func(ctx context.Context, action *model.Action) error {
			return cap.Submit(ctx, action)
		})
	}
}

// Execute 执行并分类。未知 kind 视为终局失败；
// 未分类错误按瞬时处理，交给重试上限兜底。
func (e *Executor) Execute(ctx context.Context, action *model.Action) Result {
	h, ok := e.handlers[action.Kind]
	if !ok {
		return Result{Outcome: OutcomePermanent, Detail: "no handler for kind " + string(action.Kind)}
	}

	err := h(ctx, action)
	if err == nil {
		return Result{Outcome: OutcomeSuccess}
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		return Result{Outcome: OutcomePermanent, Detail: err.Error()}
	}
	var retry *RetryableError
	if errors.As(err, &retry) {
		return Result{Outcome: OutcomeRetryable, Detail: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Result{Outcome: OutcomeRetryable, Detail: "dispatch timeout: " + err.Error()}
	}

	logger.Warn("unclassified executor error, treating as retryable",
		zap.String("action", action.ID), zap.Error(err))
	return Result{Outcome: OutcomeRetryable, Detail: err.Error()}
}
