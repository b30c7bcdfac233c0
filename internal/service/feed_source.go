package service

import (
	"context"
	"strconv"

	"github.com/watchingthewheelsgo/xbot/internal/model"
	"github.com/watchingthewheelsgo/xbot/internal/repository"
)

// FeedEventSource 以 feed_events 表为事件流的默认实现。
// 位点是事件 seq 的十进制字符串。
type FeedEventSource struct {
	repo     repository.FeedRepository
	feedName string
	kind     model.ActionKind
}

func NewFeedEventSource(repo repository.FeedRepository, feedName string, kind model.ActionKind) *FeedEventSource {
	if kind == "" {
		kind = model.KindPushDigest
	}
	return &FeedEventSource{repo: repo, feedName: feedName, kind: kind}
}

func (s *FeedEventSource) Name() string { return "feed:" + s.feedName }

func (s *FeedEventSource) Poll(ctx context.Context, after string, limit int) ([]Event, string, error) {
	var afterSeq int64
	if after != "" {
		v, err := strconv.ParseInt(after, 10, 64)
		if err == nil {
			afterSeq = v
		}
		// 解析失败按从头消费处理，幂等键避免重复动作
	}

	rows, err := s.repo.ListEventsAfter(ctx, s.feedName, afterSeq, limit)
	if err != nil {
		return nil, after, err
	}
	if len(rows) == 0 {
		return nil, after, nil
	}

	events := make([]Event, 0, len(rows))
	last := afterSeq
	for _, r := range rows {
		events = append(events, Event{
			ID:      r.GUID,
			Kind:    s.kind,
			Target:  s.feedName,
			Payload: r.Payload,
			At:      r.FetchedAt,
		})
		if r.Seq > last {
			last = r.Seq
		}
	}
	return events, strconv.FormatInt(last, 10), nil
}
