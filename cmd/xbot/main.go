package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/watchingthewheelsgo/xbot/config"
	"github.com/watchingthewheelsgo/xbot/internal/api"
	"github.com/watchingthewheelsgo/xbot/internal/api/handler"
	"github.com/watchingthewheelsgo/xbot/internal/cache"
	"github.com/watchingthewheelsgo/xbot/internal/executor"
	"github.com/watchingthewheelsgo/xbot/internal/model"
	"github.com/watchingthewheelsgo/xbot/internal/repository"
	"github.com/watchingthewheelsgo/xbot/internal/scheduler"
	"github.com/watchingthewheelsgo/xbot/internal/service"
	"github.com/watchingthewheelsgo/xbot/pkg/database"
	"github.com/watchingthewheelsgo/xbot/pkg/logger"
	"github.com/watchingthewheelsgo/xbot/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "xbot:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	logger.Info("starting xbot")

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN}); err != nil {
			logger.Warn("sentry init failed", zap.Error(err))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing.Endpoint, "xbot")
	if err != nil {
		logger.Warn("tracing init failed", zap.Error(err))
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	db, err := database.InitDB(cfg)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	if err := db.AutoMigrate(
		&model.Action{}, &model.Cursor{}, &model.RateLimitWindow{},
		&model.Feed{}, &model.FeedEvent{},
	); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready", zap.String("url", cfg.Database.URL))

	actionRepo := repository.NewActionRepository(db)
	cursorRepo := repository.NewCursorRepository(db)
	quotaRepo := repository.NewRateLimitRepository(db)
	feedRepo := repository.NewFeedRepository(db)

	// 外部能力占位绑定：真实平台客户端在部署侧注入，
	// 默认实现仅记录提交，便于空跑验证调度语义
	capability := executor.NewBreaker(executor.CapabilityFunc(func(ctx context.Context, a *model.Action) error {
		logger.Info("submit action",
			zap.String("id", a.ID), zap.String("kind", string(a.Kind)), zap.String("target", a.Target))
		return nil
	}), cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeout)

	exec := executor.New()
	exec.RegisterCapability(capability,
		model.KindPost, model.KindReply, model.KindLike, model.KindFollow,
		model.KindPushDigest, model.KindPushBriefing)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}
	recent := cache.New(rdb, cfg.Poller.CacheTTL)

	queue := service.NewQueue(actionRepo)

	feeds, err := feedRepo.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("list feeds: %w", err)
	}
	sources := make([]service.EventSource, 0, len(feeds))
	for _, f := range feeds {
		sources = append(sources, service.NewFeedEventSource(feedRepo, f.Name, model.KindPushDigest))
	}
	poller := service.NewPoller(queue, cursorRepo, recent, cfg.Poller.Interval, cfg.Poller.BatchSize, sources...)

	sched := scheduler.New(actionRepo, quotaRepo, exec, scheduler.Options{
		TickInterval:    cfg.Scheduler.TickInterval,
		BatchSize:       cfg.Scheduler.BatchSize,
		MaxAttempts:     cfg.Scheduler.MaxAttempts,
		BackoffBase:     cfg.Scheduler.BackoffBase,
		BackoffMax:      cfg.Scheduler.BackoffMax,
		BackoffJitter:   cfg.Scheduler.BackoffJitter,
		DispatchTimeout: cfg.Scheduler.DispatchTimeout,
		InFlightGrace:   cfg.Scheduler.InFlightGrace,
		StoreCooldown:   cfg.Scheduler.StoreCooldown,
		StoreEscalation: cfg.Scheduler.StoreEscalation,
		RateLimitPeriod: cfg.RateLimit.Period,
		RateLimits:      cfg.RateLimit.Scopes,
		RateLimitDef:    cfg.RateLimit.DefaultLimit,
		DispatchRate:    cfg.Scheduler.DispatchRate,
	})

	// 启动恢复：上次崩溃滞留的 in_flight 行重新可派发
	if _, err := sched.Recover(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewRouter(cfg, handler.New(actionRepo, queue, sched)),
	}
	go func() {
		logger.Info("admin api listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin api failed", zap.Error(err))
		}
	}()

	go func() { _ = poller.Run(ctx) }()

	err = sched.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if errors.Is(err, context.Canceled) {
		logger.Info("xbot stopped")
		return nil
	}
	return err
}
