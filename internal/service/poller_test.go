package service

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchingthewheelsgo/xbot/internal/model"
	"github.com/watchingthewheelsgo/xbot/internal/repository"
)

// fakeSource 以数组下标为位点的内存事件源
type fakeSource struct {
	name   string
	events []Event
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) Poll(ctx context.Context, after string, limit int) ([]Event, string, error) {
	idx := 0
	if after != "" {
		idx, _ = strconv.Atoi(after)
	}
	if idx >= len(s.events) {
		return nil, after, nil
	}
	end := idx + limit
	if end > len(s.events) {
		end = len(s.events)
	}
	return s.events[idx:end], strconv.Itoa(end), nil
}

func ev(guid string) Event {
	return Event{ID: guid, Kind: model.KindPushDigest, Target: "chan-1", Payload: "p-" + guid, At: time.Now()}
}

func TestPollerAdvancesCursor(t *testing.T) {
	db := setupDB(t)
	actions := repository.NewActionRepository(db)
	cursors := repository.NewCursorRepository(db)
	src := &fakeSource{name: "feed:test", events: []Event{ev("g1"), ev("g2")}}
	p := NewPoller(NewQueue(actions), cursors, nil, time.Minute, 10, src)
	ctx := context.Background()

	require.NoError(t, p.PollOnce(ctx))

	var count int64
	require.NoError(t, db.Model(&model.Action{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	cur, err := cursors.Get(ctx, "feed:test")
	require.NoError(t, err)
	assert.Equal(t, "2", cur.LastSeenID)

	// 无新事件的轮次：位点与行数不变
	require.NoError(t, p.PollOnce(ctx))
	require.NoError(t, db.Model(&model.Action{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	// 追加事件后只消费增量
	src.events = append(src.events, ev("g3"))
	require.NoError(t, p.PollOnce(ctx))
	require.NoError(t, db.Model(&model.Action{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)
}

func TestPollerRereadIsIdempotent(t *testing.T) {
	db := setupDB(t)
	actions := repository.NewActionRepository(db)
	cursors := repository.NewCursorRepository(db)
	src := &fakeSource{name: "feed:test", events: []Event{ev("g1"), ev("g2")}}
	p := NewPoller(NewQueue(actions), cursors, nil, time.Minute, 10, src)
	ctx := context.Background()

	require.NoError(t, p.PollOnce(ctx))

	// 模拟位点丢失导致整批重读：幂等键吸收重复
	require.NoError(t, cursors.Set(ctx, "feed:test", "", time.Now()))
	require.NoError(t, p.PollOnce(ctx))

	var count int64
	require.NoError(t, db.Model(&model.Action{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestPollerBatchLimit(t *testing.T) {
	db := setupDB(t)
	cursors := repository.NewCursorRepository(db)
	src := &fakeSource{name: "feed:test", events: []Event{ev("g1"), ev("g2"), ev("g3")}}
	p := NewPoller(NewQueue(repository.NewActionRepository(db)), cursors, nil, time.Minute, 2, src)
	ctx := context.Background()

	require.NoError(t, p.PollOnce(ctx))
	cur, err := cursors.Get(ctx, "feed:test")
	require.NoError(t, err)
	assert.Equal(t, "2", cur.LastSeenID, "batch limit caps a single round")

	require.NoError(t, p.PollOnce(ctx))
	cur, err = cursors.Get(ctx, "feed:test")
	require.NoError(t, err)
	assert.Equal(t, "3", cur.LastSeenID)
}

func TestFeedEventSource(t *testing.T) {
	db := setupDB(t)
	feeds := repository.NewFeedRepository(db)
	actions := repository.NewActionRepository(db)
	cursors := repository.NewCursorRepository(db)
	ctx := context.Background()

	base := time.Now()
	for i, guid := range []string{"g1", "g2"} {
		_, err := feeds.AppendEvent(ctx, &model.FeedEvent{
			FeedName:  "reuters",
			GUID:      guid,
			Payload:   "news " + guid,
			FetchedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	src := NewFeedEventSource(feeds, "reuters", model.KindPushDigest)
	p := NewPoller(NewQueue(actions), cursors, nil, time.Minute, 10, src)

	require.NoError(t, p.PollOnce(ctx))

	due, err := actions.ListDue(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, model.KindPushDigest, due[0].Kind)
	assert.Equal(t, "reuters", due[0].Target)

	// 位点指向最后的 seq，重复轮询不增行
	require.NoError(t, p.PollOnce(ctx))
	var count int64
	require.NoError(t, db.Model(&model.Action{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}
