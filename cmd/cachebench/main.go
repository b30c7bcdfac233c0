package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/watchingthewheelsgo/xbot/internal/cache"
	"github.com/watchingthewheelsgo/xbot/internal/model"
	"github.com/watchingthewheelsgo/xbot/internal/repository"
)

// 对比事件去重两条路径的延迟：
//   - 纯 DB：每条事件都走 AppendEvent 的唯一键冲突判定
//   - Redis 前置：seen 缓存命中则完全跳过 DB
// 轮询场景里绝大多数事件是重复的，前置缓存省掉的是大头。
func main() {
	ctx := context.Background()

	n := envInt("N", 5000)
	dupRatio := 0.9 // 重复事件占比，贴近 RSS 增量轮询

	db := must(gorm.Open(sqlite.Open("file:cachebench?mode=memory&cache=shared"), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	}))
	mustDo(db.AutoMigrate(&model.Feed{}, &model.FeedEvent{}))
	feeds := repository.NewFeedRepository(db)
	mustDo(feeds.UpsertFeed(ctx, &model.Feed{Name: "bench", URL: "http://localhost/bench.xml", Enabled: true}))

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer client.Close()
	mustDo(client.Ping(ctx).Err())
	client.FlushDB(ctx)

	recent := cache.New(client, 10*time.Minute)

	guids := makeGUIDs(n, dupRatio)

	dbOnly := make([]time.Duration, 0, n)
	for _, g := range guids {
		start := time.Now()
		_ = must(feeds.AppendEvent(ctx, event(g)))
		dbOnly = append(dbOnly, time.Since(start))
	}

	mustDo(db.Exec("DELETE FROM feed_events").Error)

	cached := make([]time.Duration, 0, n)
	for _, g := range guids {
		start := time.Now()
		if !recent.Seen(ctx, g) {
			if inserted := must(feeds.AppendEvent(ctx, event(g))); inserted {
				recent.MarkSeen(ctx, g)
			}
		}
		cached = append(cached, time.Since(start))
	}

	fmt.Printf("event dedup latency (%d events, %.0f%% duplicates)\n", n, dupRatio*100)
	fmt.Printf("%-14s avg=%v p95=%v p99=%v\n", "DB only", avg(dbOnly), pct(dbOnly, 0.95), pct(dbOnly, 0.99))
	fmt.Printf("%-14s avg=%v p95=%v p99=%v\n", "Redis first", avg(cached), pct(cached, 0.95), pct(cached, 0.99))
}

func event(guid string) *model.FeedEvent {
	return &model.FeedEvent{
		FeedName:  "bench",
		GUID:      guid,
		Title:     "bench item " + guid,
		Seq:       time.Now().UnixNano(),
		FetchedAt: time.Now(),
	}
}

func makeGUIDs(n int, dupRatio float64) []string {
	rnd := rand.New(rand.NewSource(42))
	unique := int(float64(n) * (1 - dupRatio))
	if unique < 1 {
		unique = 1
	}
	out := make([]string, n)
	for i := range out {
		out[i] = "guid-" + strconv.Itoa(rnd.Intn(unique))
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func avg(vs []time.Duration) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range vs {
		sum += v
	}
	return sum / time.Duration(len(vs))
}

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), vs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func mustDo(err error) {
	if err != nil {
		panic(err)
	}
}
