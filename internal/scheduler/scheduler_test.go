package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/watchingthewheelsgo/xbot/internal/executor"
	"github.com/watchingthewheelsgo/xbot/internal/model"
	"github.com/watchingthewheelsgo/xbot/internal/repository"
)

type schedFixture struct {
	sched   *Scheduler
	db      *gorm.DB
	actions repository.ActionRepository
	exec    *executor.Executor
	now     time.Time
}

func newFixture(t *testing.T, opts Options) *schedFixture {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: glogger.Default.LogMode(glogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Action{}, &model.RateLimitWindow{}))

	f := &schedFixture{
		db:      db,
		actions: repository.NewActionRepository(db),
		exec:    executor.New(),
		// 仓储层写 updated_at 用的是真实时钟，基准时间取当前时刻
		now:     time.Now().Truncate(time.Second),
	}
	f.sched = New(f.actions, repository.NewRateLimitRepository(db), f.exec, opts)
	f.sched.nowFn = func() time.Time { return f.now }
	return f
}

func (f *schedFixture) enqueue(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.actions.Upsert(context.Background(), &model.Action{
		ID:        id,
		Kind:      model.KindPost,
		Target:    "chan-1",
		Payload:   "hello",
		NotBefore: f.now,
		Status:    model.StatusPending,
	}))
}

func (f *schedFixture) get(t *testing.T, id string) *model.Action {
	t.Helper()
	a, err := f.actions.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

// 首次派发瞬时失败，退避到期后重派成功
func TestRetryThenSucceed(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 5, BackoffBase: 2 * time.Second, BackoffJitter: 0.2})
	ctx := context.Background()

	calls := 0
	f.exec.Register(model.KindPost, func(ctx context.Context, a *model.Action) error {
		calls++
		if calls == 1 {
			return executor.Retryable("rate_limited", nil)
		}
		return nil
	})

	f.enqueue(t, "post:123")
	require.NoError(t, f.sched.TickOnce(ctx))

	a := f.get(t, "post:123")
	assert.Equal(t, model.StatusPending, a.Status)
	assert.Equal(t, 1, a.AttemptCount)
	assert.Contains(t, a.LastError, "rate_limited")
	// not_before ≈ now + backoff(1)，抖动上限 20%
	delta := a.NotBefore.Sub(f.now)
	assert.GreaterOrEqual(t, delta, 2*time.Second)
	assert.LessOrEqual(t, delta, 2400*time.Millisecond)

	// 退避未到期不重派
	require.NoError(t, f.sched.TickOnce(ctx))
	assert.Equal(t, 1, calls)

	f.now = a.NotBefore.Add(time.Second)
	require.NoError(t, f.sched.TickOnce(ctx))

	a = f.get(t, "post:123")
	assert.Equal(t, model.StatusSucceeded, a.Status)
	// 成功不消耗重试预算，计数停留在失败的那一次
	assert.Equal(t, 1, a.AttemptCount)
	assert.Equal(t, 2, calls)
}

func TestBackoffMonotonicUntilAbandoned(t *testing.T) {
	const maxAttempts = 4
	f := newFixture(t, Options{MaxAttempts: maxAttempts, BackoffBase: time.Second, BackoffMax: time.Hour})
	ctx := context.Background()

	f.exec.Register(model.KindPost, func(ctx context.Context, a *model.Action) error {
		return executor.Retryable("upstream 503", nil)
	})
	f.enqueue(t, "post:unlucky")

	var backoffs []time.Duration
	for attempt := 1; attempt < maxAttempts; attempt++ {
		require.NoError(t, f.sched.TickOnce(ctx))
		a := f.get(t, "post:unlucky")
		require.Equal(t, model.StatusPending, a.Status)
		require.Equal(t, attempt, a.AttemptCount)
		backoffs = append(backoffs, a.NotBefore.Sub(f.now))
		f.now = a.NotBefore.Add(time.Millisecond)
	}

	// 退避严格递增
	for i := 1; i < len(backoffs); i++ {
		assert.Greater(t, backoffs[i], backoffs[i-1], "backoff must grow strictly")
	}

	// 恰好在第 maxAttempts 次尝试后放弃
	require.NoError(t, f.sched.TickOnce(ctx))
	a := f.get(t, "post:unlucky")
	assert.Equal(t, model.StatusAbandoned, a.Status)
	assert.Equal(t, maxAttempts, a.AttemptCount)
	assert.Contains(t, a.LastError, "upstream 503")
}

func TestPermanentFailureAbandonsImmediately(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 5})
	ctx := context.Background()

	f.exec.Register(model.KindPost, func(ctx context.Context, a *model.Action) error {
		return executor.Permanent("duplicate content", nil)
	})
	f.enqueue(t, "post:dup")

	require.NoError(t, f.sched.TickOnce(ctx))

	a := f.get(t, "post:dup")
	assert.Equal(t, model.StatusAbandoned, a.Status)
	assert.Equal(t, 1, a.AttemptCount, "permanent failure must not wait for the retry budget")
	assert.Contains(t, a.LastError, "duplicate content")
}

func TestRateLimitDefersWithoutAttempt(t *testing.T) {
	f := newFixture(t, Options{
		RateLimits:      map[string]int{"post": 1},
		RateLimitPeriod: time.Minute,
	})
	ctx := context.Background()

	dispatched := 0
	f.exec.Register(model.KindPost, func(ctx context.Context, a *model.Action) error {
		dispatched++
		return nil
	})
	f.enqueue(t, "post:a")
	f.enqueue(t, "post:b")

	require.NoError(t, f.sched.TickOnce(ctx))
	assert.Equal(t, 1, dispatched, "quota of 1 allows a single dispatch per window")

	// 被限流的动作：仍 pending、零尝试、推迟到窗口重置
	b := f.get(t, "post:b")
	assert.Equal(t, model.StatusPending, b.Status)
	assert.Equal(t, 0, b.AttemptCount)
	assert.WithinDuration(t, f.now.Add(time.Minute), b.NotBefore, time.Second)
	assert.Empty(t, b.LastError)

	// 窗口重置后派发
	f.now = f.now.Add(61 * time.Second)
	require.NoError(t, f.sched.TickOnce(ctx))
	assert.Equal(t, 2, dispatched)
	assert.Equal(t, model.StatusSucceeded, f.get(t, "post:b").Status)
}

func TestUnknownKindIsPermanent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.enqueue(t, "post:orphan") // 没有注册任何 handler

	require.NoError(t, f.sched.TickOnce(ctx))
	a := f.get(t, "post:orphan")
	assert.Equal(t, model.StatusAbandoned, a.Status)
	assert.Contains(t, a.LastError, "no handler")
}

func TestRecoverResetsStaleInFlight(t *testing.T) {
	f := newFixture(t, Options{InFlightGrace: 5 * time.Minute})
	ctx := context.Background()

	f.enqueue(t, "post:crashed")
	require.NoError(t, f.actions.MarkInFlight(ctx, "post:crashed", model.StatusPending))

	// 宽限期内不回收
	n, err := f.sched.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.now = f.now.Add(10 * time.Minute)
	n, err = f.sched.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	a := f.get(t, "post:crashed")
	assert.Equal(t, model.StatusPending, a.Status)
	assert.Equal(t, 1, a.AttemptCount)
}

func TestCanceledContextStopsBatch(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	f.exec.Register(model.KindPost, func(ctx context.Context, a *model.Action) error { return nil })
	f.enqueue(t, "post:x")
	cancel()

	require.NoError(t, f.sched.TickOnce(ctx))
	assert.Equal(t, model.StatusPending, f.get(t, "post:x").Status, "canceled tick must not pick up new work")
}

// flakyStore 前 failures 次 ListDue 返回存储错误，之后恢复正常
type flakyStore struct {
	repository.ActionRepository
	failures int
}

func (s *flakyStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Action, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("database is locked")
	}
	return s.ActionRepository.ListDue(ctx, now, limit)
}

func TestStoreFailureEscalatesThenRecovers(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	store := &flakyStore{ActionRepository: f.actions, failures: 2}
	sched := New(store, repository.NewRateLimitRepository(f.db), f.exec, Options{StoreEscalation: 2})

	// 单次存储失败不降级健康信号
	require.Error(t, sched.TickOnce(ctx))
	assert.True(t, sched.Healthy())

	// 连续失败达到阈值后进程级降级
	require.Error(t, sched.TickOnce(ctx))
	assert.False(t, sched.Healthy())

	// 存储恢复：下一轮成功即回到健康并清零计数
	require.NoError(t, sched.TickOnce(ctx))
	assert.True(t, sched.Healthy())
	assert.Zero(t, sched.storeFailures)
}

func TestBackoffCap(t *testing.T) {
	f := newFixture(t, Options{BackoffBase: time.Second, BackoffMax: 8 * time.Second, BackoffJitter: 0.2})

	for attempt := 1; attempt <= 10; attempt++ {
		d := f.sched.backoff(attempt)
		assert.LessOrEqual(t, d, 8*time.Second)
		assert.GreaterOrEqual(t, d, time.Second)
	}
}
