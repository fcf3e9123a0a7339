package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/tempverify/internal/config"
	"github.com/example/tempverify/internal/database"
	"github.com/example/tempverify/internal/handlers"
	"github.com/example/tempverify/internal/ledger"
	"github.com/example/tempverify/internal/middleware"
	"github.com/example/tempverify/internal/notify"
	"github.com/example/tempverify/internal/orchestrator"
	"github.com/example/tempverify/internal/pricing"
	"github.com/example/tempverify/internal/ratelimit"
	"github.com/example/tempverify/internal/resilience"
	"github.com/example/tempverify/internal/routes"
	"github.com/example/tempverify/internal/store/sqlstore"
	"github.com/example/tempverify/internal/telemetry"
	"github.com/example/tempverify/internal/upstream"
	"github.com/example/tempverify/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.IsProduction() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	return logger.With(zap.String("service", "tempverify"))
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meterProvider, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  "tempverify",
		Environment:  cfg.AppEnv,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Insecure:     cfg.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = meterProvider.Shutdown(shutdownCtx)
	}()

	db, err := database.Connect(cfg.DatabaseURL, !cfg.IsProduction(), logger)
	if err != nil {
		return err
	}
	st := sqlstore.New(db)

	tables, err := pricing.LoadTables(cfg.PricingFile)
	if err != nil {
		return err
	}
	engine, err := pricing.NewEngine(tables)
	if err != nil {
		return err
	}

	client, err := upstream.NewHTTPClient(upstream.HTTPConfig{
		BaseURL:           cfg.ProviderBaseURL,
		APIKey:            cfg.ProviderAPIKey,
		Timeout:           cfg.ProviderTimeout,
		RequestsPerSecond: cfg.ProviderRPS,
		Burst:             cfg.ProviderBurst,
	})
	if err != nil {
		return err
	}

	metrics, err := resilience.NewMetricsObserver(meterProvider)
	if err != nil {
		return err
	}
	alerts := resilience.NewAsyncObserver(
		notify.NewTelegramService(cfg.TelegramBotToken, cfg.TelegramAdminChat, logger.Named("telegram")),
		64,
	)
	defer alerts.Close()

	retry := resilience.DefaultPolicy()
	retry.MaxAttempts = cfg.RetryAttempts
	retry.BaseDelay = cfg.RetryBaseDelay
	retry.MaxDelay = cfg.RetryMaxDelay
	layer := resilience.New(client, resilience.Config{
		Retry:            retry,
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.BreakerCooldown,
	},
		resilience.WithObserver(resilience.Observers{
			resilience.LogObserver{Logger: logger.Named("breaker")},
			metrics,
			alerts,
		}),
		resilience.WithCallRecorder(metrics),
		resilience.WithLogger(logger.Named("upstream")),
	)

	led := ledger.New(st,
		ledger.WithQuotaPolicy(engine.FreeQuotaAllows),
		ledger.WithLogger(logger.Named("ledger")),
	)
	orch := orchestrator.New(st, layer, engine, led, orchestrator.WithLogger(logger.Named("orchestrator")))
	defer orch.Wait()

	limiter, closeLimiter := newLimiter(ctx, cfg, logger)
	defer closeLimiter()

	app := fiber.New(fiber.Config{
		AppName:      "tempverify",
		ErrorHandler: handlers.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(middleware.RequestLogger(logger.Named("http")))

	routes.Register(app, routes.Deps{
		Config:       cfg,
		Logger:       logger,
		Users:        st,
		Orchestrator: orch,
		Ledger:       led,
		Pricing:      engine,
		Provider:     layer,
		Limiter:      limiter,
	})

	poller := worker.NewPoller(orch, st, worker.Config{
		Interval:       cfg.PollInterval,
		SessionTimeout: cfg.SessionTimeout,
	}, logger.Named("poller"))
	quotas := worker.NewQuotaResetter(led, st, func(plan string) int {
		return engine.Plan(plan).FreeVerifications
	}, cfg.QuotaResetInterval, logger.Named("quota"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", zap.String("port", cfg.AppPort))
		if err := app.Listen(":" + cfg.AppPort); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return poller.Run(gctx)
	})
	g.Go(func() error {
		return quotas.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	return g.Wait()
}

// newLimiter shares limits through Redis when REDIS_ADDR is set.
func newLimiter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ratelimit.Limiter, func()) {
	rlCfg := ratelimit.Config{Limit: cfg.RateLimit, Window: cfg.RateWindow}
	if cfg.RedisAddr == "" {
		return ratelimit.NewSlidingWindow(rlCfg), func() {}
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, using in-process rate limiting", zap.Error(err))
		_ = client.Close()
		return ratelimit.NewSlidingWindow(rlCfg), func() {}
	}
	return ratelimit.NewRedisSlidingWindow(client, rlCfg), func() { _ = client.Close() }
}
