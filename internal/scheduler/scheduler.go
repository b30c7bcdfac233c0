package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/watchingthewheelsgo/xbot/internal/executor"
	"github.com/watchingthewheelsgo/xbot/internal/model"
	"github.com/watchingthewheelsgo/xbot/internal/repository"
	"github.com/watchingthewheelsgo/xbot/pkg/logger"
)

// Options 调度参数
type Options struct {
	TickInterval    time.Duration
	BatchSize       int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	BackoffJitter   float64 // 抖动比例 [0,1)
	DispatchTimeout time.Duration
	InFlightGrace   time.Duration // 崩溃恢复宽限期
	StoreCooldown   time.Duration // StoreError 后整轮冷却
	StoreEscalation int           // 连续失败 tick 次数达到后上报
	RateLimitPeriod time.Duration
	RateLimits      map[string]int // scope(=kind) -> 窗口配额
	RateLimitDef    int            // 未配置 scope 的默认配额
	DispatchRate    float64        // 进程级派发速率 (次/秒)，0 不限
}

func (o *Options) fill() {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 32
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 10 * time.Minute
	}
	if o.BackoffJitter <= 0 || o.BackoffJitter >= 1 {
		o.BackoffJitter = 0.2
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = 30 * time.Second
	}
	if o.InFlightGrace <= 0 {
		o.InFlightGrace = 5 * time.Minute
	}
	if o.StoreCooldown <= 0 {
		o.StoreCooldown = 5 * time.Second
	}
	if o.StoreEscalation <= 0 {
		o.StoreEscalation = 3
	}
	if o.RateLimitPeriod <= 0 {
		o.RateLimitPeriod = time.Minute
	}
	if o.RateLimitDef <= 0 {
		o.RateLimitDef = 30
	}
}

// Scheduler 单线程协作式派发循环：listDue → 限流检查 → CAS 领取 → 执行 → 落结果。
// 所有状态迁移都由这里决定，Executor 只分类。
type Scheduler struct {
	actions repository.ActionRepository
	quotas  repository.RateLimitRepository
	exec    *executor.Executor
	opts    Options

	pacer   *rate.Limiter
	nowFn   func() time.Time
	rng     *rand.Rand
	healthy atomic.Bool

	storeFailures int
}

func New(actions repository.ActionRepository, quotas repository.RateLimitRepository, exec *executor.Executor, opts Options) *Scheduler {
	opts.fill()
	s := &Scheduler{
		actions: actions,
		quotas:  quotas,
		exec:    exec,
		opts:    opts,
		nowFn:   time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if opts.DispatchRate > 0 {
		s.pacer = rate.NewLimiter(rate.Limit(opts.DispatchRate), 1)
	}
	s.healthy.Store(true)
	return s
}

// Healthy 最近一轮是否成功（/healthz 使用）
func (s *Scheduler) Healthy() bool { return s.healthy.Load() }

// Recover 启动恢复：把滞留 in_flight 超过宽限期的动作重置为 pending
func (s *Scheduler) Recover(ctx context.Context) (int64, error) {
	cutoff := s.nowFn().Add(-s.opts.InFlightGrace)
	n, err := s.actions.RecoverStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale actions: %w", err)
	}
	if n > 0 {
		logger.Warn("recovered stale in-flight actions", zap.Int64("count", n))
	}
	return n, nil
}

// Run 阻塞运行 tick 循环直到 ctx 取消。
// 取消后不再拉取新批次，执行中的派发自然收尾。
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	logger.Info("scheduler started",
		zap.Duration("tick", s.opts.TickInterval),
		zap.Int("batch", s.opts.BatchSize),
		zap.Int("max_attempts", s.opts.MaxAttempts))

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.TickOnce(ctx); err != nil {
				// 整轮冷却后重试，而不是对单个动作空转
				select {
				case <-time.After(s.opts.StoreCooldown):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// TickOnce 处理一批到期动作并维护健康信号。返回的 error 只代表
// 存储层失败；单个动作的执行失败在内部消化。
// 连续失败达到 StoreEscalation 轮后 Healthy 置 false 并上报，
// 任意一轮成功即恢复。
func (s *Scheduler) TickOnce(ctx context.Context) error {
	err := s.tick(ctx)
	if err == nil {
		s.storeFailures = 0
		s.healthy.Store(true)
		return nil
	}
	s.storeFailures++
	logger.Error("tick failed", zap.Error(err), zap.Int("consecutive", s.storeFailures))
	if s.storeFailures >= s.opts.StoreEscalation {
		s.healthy.Store(false)
		sentry.CaptureException(fmt.Errorf("scheduler store unavailable for %d ticks: %w", s.storeFailures, err))
	}
	return err
}

func (s *Scheduler) tick(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}

	now := s.nowFn()
	due, err := s.actions.ListDue(ctx, now, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list due: %w", err)
	}

	for _, a := range due {
		if ctx.Err() != nil {
			return nil
		}

		scope := string(a.Kind)
		allowed, resetAt, err := s.quotas.Take(ctx, scope, s.nowFn(), s.limitFor(scope), s.opts.RateLimitPeriod)
		if err != nil {
			return fmt.Errorf("rate limit take %s: %w", scope, err)
		}
		if !allowed {
			// 限流推迟不是失败：不迁移状态、不计尝试次数
			if err := s.actions.Defer(ctx, a.ID, resetAt); err != nil {
				return fmt.Errorf("defer %s: %w", a.ID, err)
			}
			continue
		}

		if s.pacer != nil {
			if err := s.pacer.Wait(ctx); err != nil {
				return nil
			}
		}

		err = s.actions.MarkInFlight(ctx, a.ID, model.StatusPending)
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			// CAS 落败：并发实例已领取，跳过即可
			continue
		}
		if err != nil {
			return fmt.Errorf("mark in-flight %s: %w", a.ID, err)
		}

		s.dispatch(a)
	}
	return nil
}

// dispatch 同步执行一个已领取的动作并落结果。
// 使用独立超时上下文：进程收到停止信号后在途派发仍可完成或超时。
func (s *Scheduler) dispatch(a *model.Action) {
	dctx, cancel := context.WithTimeout(context.Background(), s.opts.DispatchTimeout)
	res := s.exec.Execute(dctx, a)
	cancel()

	// 结果落库同样不随进程关停取消
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()

	now := s.nowFn()
	// attempt_count 只统计失败的派发；成功不消耗重试预算
	attempts := a.AttemptCount + 1

	var err error
	switch res.Outcome {
	case executor.OutcomeSuccess:
		err = s.actions.MarkResult(sctx, a.ID, model.StatusSucceeded, a.AttemptCount, now, "")
		logger.Info("action succeeded", zap.String("id", a.ID), zap.Int("failed_attempts", a.AttemptCount))

	case executor.OutcomeRetryable:
		if attempts >= s.opts.MaxAttempts {
			err = s.actions.MarkResult(sctx, a.ID, model.StatusAbandoned, attempts, now, res.Detail)
			logger.Error("action abandoned after retry budget",
				zap.String("id", a.ID), zap.Int("attempts", attempts), zap.String("last_error", res.Detail))
			sentry.CaptureMessage(fmt.Sprintf("action %s abandoned after %d attempts: %s", a.ID, attempts, res.Detail))
		} else {
			next := now.Add(s.backoff(attempts))
			err = s.actions.MarkResult(sctx, a.ID, model.StatusPending, attempts, next, res.Detail)
			logger.Warn("action rescheduled",
				zap.String("id", a.ID), zap.Int("attempts", attempts), zap.Time("not_before", next))
		}

	case executor.OutcomePermanent:
		err = s.actions.MarkResult(sctx, a.ID, model.StatusAbandoned, attempts, now, res.Detail)
		logger.Error("action abandoned, permanent failure",
			zap.String("id", a.ID), zap.String("last_error", res.Detail))
		sentry.CaptureMessage(fmt.Sprintf("action %s permanently rejected: %s", a.ID, res.Detail))
	}

	if err != nil {
		logger.Error("mark result failed", zap.String("id", a.ID), zap.Error(err))
	}
}

func (s *Scheduler) limitFor(scope string) int {
	if l, ok := s.opts.RateLimits[scope]; ok {
		return l
	}
	return s.opts.RateLimitDef
}

// backoff 指数退避加抖动：base * 2^(n-1) * (1 + jitter*rand)，封顶 BackoffMax
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.opts.BackoffMax {
			d = s.opts.BackoffMax
			break
		}
	}
	if d > s.opts.BackoffMax {
		d = s.opts.BackoffMax
	}
	if s.opts.BackoffJitter > 0 {
		d += time.Duration(s.opts.BackoffJitter * s.rng.Float64() * float64(d))
		if d > s.opts.BackoffMax {
			d = s.opts.BackoffMax
		}
	}
	return d
}
