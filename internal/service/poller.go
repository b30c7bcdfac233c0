package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/watchingthewheelsgo/xbot/internal/cache"
	"github.com/watchingthewheelsgo/xbot/internal/model"
	"github.com/watchingthewheelsgo/xbot/internal/repository"
	"github.com/watchingthewheelsgo/xbot/pkg/logger"
)

// Event 入站事件，经队列转化为动作
type Event struct {
	ID      string // 源内稳定标识（guid），作为去重依据
	Kind    model.ActionKind
	Target  string
	Payload string
	At      time.Time
}

// EventSource 抽象事件流。Poll 返回位点之后的事件与新位点；
// 无新事件时返回原位点
type EventSource interface {
	Name() string
	Poll(ctx context.Context, after string, limit int) ([]Event, string, error)
}

// Poller 定时消费事件源：读事件 → 入队动作 → 推进位点。
// 位点只在整批入队成功后持久化，重启最多重读一批，
// 幂等键保证重读不产生重复动作。
type Poller struct {
	queue    *Queue
	cursors  repository.CursorRepository
	sources  []EventSource
	recent   *cache.Cache
	interval time.Duration
	batch    int
	nowFn    func() time.Time
}

func NewPoller(queue *Queue, cursors repository.CursorRepository, recent *cache.Cache, interval time.Duration, batch int, sources ...EventSource) *Poller {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &Poller{
		queue:    queue,
		cursors:  cursors,
		sources:  sources,
		recent:   recent,
		interval: interval,
		batch:    batch,
		nowFn:    time.Now,
	}
}

// Run 阻塞运行轮询循环直到 ctx 取消。启动即执行首轮
func (p *Poller) Run(ctx context.Context) error {
	logger.Info("poller started", zap.Duration("interval", p.interval), zap.Int("sources", len(p.sources)))
	if err := p.PollOnce(ctx); err != nil {
		logger.Error("initial poll failed", zap.Error(err))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("poller stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil {
				logger.Error("poll failed", zap.Error(err))
			}
		}
	}
}

// PollOnce 消费所有源各一轮。单个源失败不影响其他源
func (p *Poller) PollOnce(ctx context.Context) error {
	var firstErr error
	for _, src := range p.sources {
		if err := p.pollSource(ctx, src); err != nil {
			logger.Warn("poll source failed", zap.String("source", src.Name()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *Poller) pollSource(ctx context.Context, src EventSource) error {
	cur, err := p.cursors.Get(ctx, src.Name())
	if err != nil {
		return fmt.Errorf("get cursor %s: %w", src.Name(), err)
	}

	events, next, err := src.Poll(ctx, cur.LastSeenID, p.batch)
	if err != nil {
		return fmt.Errorf("poll %s: %w", src.Name(), err)
	}
	if len(events) == 0 {
		return nil
	}

	enqueued := 0
	for _, ev := range events {
		if p.recent.Seen(ctx, ev.ID) {
			continue
		}
		if _, err := p.queue.Enqueue(ctx, ev.Kind, ev.Target, ev.ID, ev.Payload, ev.At); err != nil {
			// 入队失败则不推进位点，下一轮从原位点重读
			return fmt.Errorf("enqueue event %s: %w", ev.ID, err)
		}
		p.recent.MarkSeen(ctx, ev.ID)
		enqueued++
	}

	if err := p.cursors.Set(ctx, src.Name(), next, p.nowFn()); err != nil {
		return fmt.Errorf("advance cursor %s: %w", src.Name(), err)
	}
	logger.Info("poll round done",
		zap.String("source", src.Name()), zap.Int("events", len(events)), zap.Int("enqueued", enqueued))
	return nil
}
