package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/franzego/pushcadence/internal/cadence"
	"github.com/franzego/pushcadence/internal/clock"
	"github.com/franzego/pushcadence/internal/config"
	"github.com/franzego/pushcadence/internal/delivery"
	"github.com/franzego/pushcadence/internal/engine"
	"github.com/franzego/pushcadence/internal/handlers"
	"github.com/franzego/pushcadence/internal/middleware"
	"github.com/franzego/pushcadence/internal/queue"
	"github.com/franzego/pushcadence/internal/safeguard"
	"github.com/franzego/pushcadence/internal/sequence"
	"github.com/franzego/pushcadence/internal/services"
	"github.com/franzego/pushcadence/internal/store"
	"github.com/franzego/pushcadence/pkg/logger"
	"github.com/franzego/pushcadence/pkg/redis"
	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configFlag)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if err := os.MkdirAll(filepath.Dir(cfg.LockFile), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(cfg.LockFile)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another pushcadence instance holds %s", cfg.LockFile)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn("failed to release instance lock", zap.Error(err))
		}
	}()

	clk := clock.New()

	redisClient, err := redis.InitRedis(cfg.Redis, log)
	if err != nil {
		log.Warn("redis unavailable, cadence checks will fail open", zap.Error(err))
	}
	defer func() { _ = redisClient.Close() }()

	filter := cadence.New(redisClient, cadence.Options{
		BypassLayer: cfg.Cadence.BypassLayer,
		Retention:   time.Duration(cfg.Cadence.RetentionDays) * 24 * time.Hour,
		BatchSize:   cfg.Cadence.BatchSize,
	}, clk, log)
	if len(cfg.Cadence.Rules) > 0 {
		if added, err := filter.SeedRules(ctx, cfg.Cadence.Rules); err != nil {
			log.Warn("failed to seed cadence rules", zap.Error(err))
		} else if added > 0 {
			log.Info("seeded cadence rules", zap.Int("added", added))
		}
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	var (
		sender  delivery.Sender
		alerter safeguard.Alerter
		conn    handlers.Connectivity
	)
	if !cfg.Delivery.DryRun {
		rabbit, err := queue.NewRabbitMqService(cfg.RabbitMQ, log)
		switch {
		case err == nil:
			defer rabbit.CloseConnection()
			if err := rabbit.SetUpExchangeAndQueue(); err != nil {
				return fmt.Errorf("declare rabbitmq topology: %w", err)
			}
			sender, alerter, conn = rabbit, rabbit, rabbit
		case cfg.MockServices:
			log.Warn("rabbitmq unavailable, running in mock mode", zap.Error(err))
		default:
			return fmt.Errorf("connect rabbitmq: %w", err)
		}
	}
	if sender == nil {
		log.Info("delivery dry run enabled, pushes are logged only")
		sender = delivery.NewDryRunSender(log)
	}
	sender = delivery.NewIdempotentSender(sender, redisClient, cfg.Delivery.IdempotencyTTL, log)

	var provider services.AudienceProvider
	if cfg.MockServices {
		log.Info("running in mock mode, audiences come from criteria.userIds")
		provider = services.StaticProvider{}
	} else {
		provider = services.NewAudienceServiceClient(cfg.Services.AudienceServiceURL, cfg.Services.AudienceTimeout, log)
	}

	seq := sequence.New(provider, sender, sequence.Options{
		PrepareConcurrency: cfg.Sequence.PrepareConcurrency,
		SendConcurrency:    cfg.Sequence.SendConcurrency,
		FailureThreshold:   cfg.Sequence.FailureThreshold,
		ProviderTimeout:    cfg.Services.AudienceTimeout,
	}, clk, log)

	guard := safeguard.New(safeguard.Options{
		MaxConcurrent:          cfg.Engine.MaxConcurrentExecutions,
		DefaultMaxAudienceSize: cfg.Safeguards.DefaultMaxAudienceSize,
		HistorySize:            cfg.Safeguards.ViolationHistory,
	}, alerter, clk, log)

	eng := engine.New(st, seq, filter, guard, engine.Options{
		PollInterval:         cfg.Engine.PollInterval,
		RemainingLogInterval: cfg.Engine.RemainingLogInterval,
		CleanupDelay:         cfg.Engine.CleanupDelay,
		HistorySize:          cfg.Engine.HistorySize,
		RecordRetry:          cfg.Cadence.RecordRetry,
	}, clk, log)
	eng.Start(ctx)
	defer eng.Stop()

	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     newRouter(cfg, eng, filter, guard, conn, redisClient, log),
		ReadTimeout: cfg.Server.Timeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr), zap.String("instance_id", eng.InstanceID()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}
	return nil
}

type apiEngine interface {
	handlers.AutomationService
	handlers.HealthReporter
}

func newRouter(
	cfg *config.Config,
	eng apiEngine,
	rules handlers.RuleStore,
	violations handlers.ViolationSource,
	conn handlers.Connectivity,
	redisClient *goredis.Client,
	log *zap.Logger,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.CorrelationID(), middleware.RequestLogger(log))

	automations := handlers.NewAutomationHandler(eng, log)
	cadenceRules := handlers.NewCadenceHandler(rules)
	health := handlers.NewHealthHandler(eng, conn, redisClient)

	r.GET("/health", health.HealthCheck)

	api := r.Group("/api/v1")
	if cfg.Auth.Enabled {
		api.Use(middleware.AuthMiddleware(cfg.Auth.JWTSecret))
	}
	{
		api.POST("/automations", automations.Create)
		api.GET("/automations", automations.List)
		api.GET("/automations/:id", automations.Get)
		api.PUT("/automations/:id", automations.Update)
		api.DELETE("/automations/:id", automations.Delete)
		api.POST("/automations/:id/test", automations.RunTest)
		api.POST("/automations/:id/control", automations.Control)
		api.GET("/executions", automations.Executions)
		api.POST("/restore", automations.Restore)
		api.GET("/violations", handlers.Violations(violations))
		api.GET("/cadence/rules", cadenceRules.List)
		api.GET("/cadence/rules/:layer", cadenceRules.Get)
		api.PUT("/cadence/rules/:layer", cadenceRules.Put)
		api.GET("/health", health.HealthCheck)
	}
	return r
}
