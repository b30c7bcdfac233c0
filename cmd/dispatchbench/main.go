package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/watchingthewheelsgo/xbot/internal/executor"
	"github.com/watchingthewheelsgo/xbot/internal/model"
	"github.com/watchingthewheelsgo/xbot/internal/repository"
	"github.com/watchingthewheelsgo/xbot/internal/scheduler"
	"github.com/watchingthewheelsgo/xbot/internal/service"
)

func must[T any](v T, err error) T { if err != nil { panic(err) }; return v }

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 { return 0 }
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(p*float64(len(xs))) - 1
	if k < 0 { k = 0 }
	if k >= len(xs) { k = len(xs)-1 }
	return xs[k]
}

func main() {
	N := 2000
	if s := os.Getenv("N"); s != "" { if v, e := strconv.Atoi(s); e == nil && v > 0 { N = v } }
	BATCH := 128
	if s := os.Getenv("BATCH"); s != "" { if v, e := strconv.Atoi(s); e == nil && v > 0 { BATCH = v } }

	db := must(gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: glogger.Default.LogMode(glogger.Silent)}))
	if err := db.AutoMigrate(&model.Action{}, &model.RateLimitWindow{}); err != nil { panic(err) }

	actionRepo := repository.NewActionRepository(db)
	quotaRepo := repository.NewRateLimitRepository(db)
	queue := service.NewQueue(actionRepo)

	exec := executor.New()
	exec.Register(model.KindPost, func(ctx context.Context, a *model.Action) error { return nil })

	sched := scheduler.New(actionRepo, quotaRepo, exec, scheduler.Options{
		BatchSize:    BATCH,
		RateLimitDef: N + 1, // 基准不测限流路径
	})

	ctx := context.Background()
	seedStart := time.Now()
	for i := 0; i < N; i++ {
		_ = must(queue.Enqueue(ctx, model.KindPost, "bench", uuid.New().String(), fmt.Sprintf("payload-%d", i), time.Now()))
	}
	seedCost := time.Since(seedStart)

	ticks := make([]time.Duration, 0, N/BATCH+1)
	runStart := time.Now()
	for {
		st := time.Now()
		if err := sched.TickOnce(ctx); err != nil { panic(err) }
		ticks = append(ticks, time.Since(st))

		counts := must(actionRepo.CountByStatus(ctx))
		if counts[model.StatusPending] == 0 {
			break
		}
	}
	total := time.Since(runStart)

	fmt.Printf("N=%d BATCH=%d\n", N, BATCH)
	fmt.Printf("Seed: %v (%.0f actions/s)\n", seedCost, float64(N)/seedCost.Seconds())
	fmt.Printf("Drain: %v over %d ticks (%.0f actions/s)\n", total, len(ticks), float64(N)/total.Seconds())
	fmt.Printf("Tick latency: p50=%v p95=%v p99=%v\n", pct(ticks, 0.50), pct(ticks, 0.95), pct(ticks, 0.99))
}
