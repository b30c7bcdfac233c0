package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/watchingthewheelsgo/xbot/internal/model"
	"github.com/watchingthewheelsgo/xbot/pkg/logger"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed BreakerState = iota + 1
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Breaker 包装外部能力的熔断器。
// closed → open：连续失败达到阈值；open → half_open：冷却期满；
// half_open 放行一次探测，成功回 closed，失败回 open。
// 熔断打开期间 Submit 返回 RetryableError，调度器按退避推迟而非消耗配额。
type Breaker struct {
	inner            Capability
	failureThreshold int
	resetTimeout     time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
	nowFn    func() time.Time
}

func NewBreaker(inner Capability, failureThreshold int, resetTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{
		inner:            inner,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            BreakerClosed,
		nowFn:            time.Now,
	}
}

// State 返回当前状态（含 open→half_open 的自动迁移）
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked()
}

func (b *Breaker) currentLocked() BreakerState {
	if b.state == BreakerOpen && !b.nowFn().Before(b.openedAt.Add(b.resetTimeout)) {
		b.state = BreakerHalfOpen
		b.probing = false
		logger.Info("circuit breaker half-open, probing")
	}
	return b.state
}

func (b *Breaker) Submit(ctx context.Context, action *model.Action) error {
	b.mu.Lock()
	switch b.currentLocked() {
	case BreakerOpen:
		retryAt := b.openedAt.Add(b.resetTimeout)
		b.mu.Unlock()
		return Retryable("circuit open, retry after "+retryAt.Format(time.RFC3339), nil)
	case BreakerHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return Retryable("circuit half-open, probe in flight", nil)
		}
		b.probing = true
	}
	b.mu.Unlock()

	err := b.inner.Submit(ctx, action)
	b.record(err)
	return err
}

// record 终局拒绝说明平台本身可达，不计入熔断失败
func (b *Breaker) record(err error) {
	var perm *PermanentError
	failed := err != nil && !errors.As(err, &perm)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.probing = false
		if failed {
			b.trip()
		} else {
			b.state = BreakerClosed
			b.failures = 0
			logger.Info("circuit breaker closed")
		}
		return
	}

	if failed {
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
		return
	}
	b.failures = 0
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.nowFn()
	logger.Warn("circuit breaker opened",
		zap.Int("failures", b.failures),
		zap.Duration("reset_timeout", b.resetTimeout))
}
