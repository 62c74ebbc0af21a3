package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trimatrix/internal/address"
	"trimatrix/internal/allocation"
	"trimatrix/internal/deposit"
	"trimatrix/internal/domain"
	"trimatrix/internal/events"
	"trimatrix/internal/handler"
	"trimatrix/internal/ledger"
	"trimatrix/internal/metrics"
	"trimatrix/internal/middleware"
	"trimatrix/internal/notification"
	"trimatrix/internal/plan"
	"trimatrix/internal/query"
	"trimatrix/internal/registry"
	"trimatrix/internal/repository"
	"trimatrix/internal/repository/postgres"
	"trimatrix/internal/scheduler"
	"trimatrix/internal/settlement"
	"trimatrix/pkg/cache"
	"trimatrix/pkg/config"
	"trimatrix/pkg/logger"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.NewWithLevel("trimatrix-engine", cfg.Log.Level)

	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Engine stopped with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	log.Info("Engine stopped gracefully", nil)
}

func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	m := metrics.New()
	store := repository.NewRetryingStore(
		postgres.NewStore(db, cfg.Database.LockTimeout),
		cfg.Engine.ConflictRetries,
		cfg.Engine.ConflictBackoff,
		m.RecordConflict,
	)

	catalog := plan.NewCatalog(postgres.NewPlanRepository(db), log)
	if err := catalog.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load plans: %w", err)
	}
	issuer, err := address.NewIssuer(cfg.Address.MasterSeed)
	if err != nil {
		return fmt.Errorf("failed to init address issuer: %w", err)
	}

	// Redis is optional: without it the engine runs uncached, without
	// idempotency keys or rate limits, and every replica runs every job.
	var (
		balanceCache ledger.BalanceCache
		locker       scheduler.Locker
		idempotency  *middleware.IdempotencyMiddleware
		rateLimiter  *middleware.RateLimiter
		checks       = []handler.Check{{Name: "database", Ping: db.PingContext}}
	)
	rc, err := cache.NewRedisCache(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Warn("Redis unavailable, continuing without cache", map[string]interface{}{"error": err.Error()})
	} else {
		defer rc.Close()
		balanceCache = rc
		locker = cache.NewLockManager(rc.Client())
		idempotency = middleware.NewIdempotencyMiddleware(rc.Client(), cfg.Admin.IdempotencyTTL, log)
		rateLimiter = middleware.NewRateLimiter(rc.Client(), cfg.Admin.RateLimit, time.Minute, log)
		checks = append(checks, handler.Check{Name: "redis", Ping: rc.Ping})
	}

	reg := registry.New(catalog, issuer)
	engine := allocation.NewEngine(store, reg, catalog, log)
	ledgers := ledger.NewService(store, balanceCache, cfg.Redis.BalanceTTL, log)
	reconciler := deposit.NewReconciler(store, reg, ledgers, log)
	settlements := settlement.NewService(store, reg, engine, catalog, ledgers, log)
	queries := query.NewService(store, cfg.Engine.StaleHorizon)

	relay := events.NewRelay(store, cfg.Engine.OutboxBatch, cfg.Engine.OutboxMaxTries, m, log)
	relay.Subscribe("settlement", events.PublisherFunc(func(ctx context.Context, e *domain.Event) error {
		if e.Type != domain.EventTriangleCompleted {
			return nil
		}
		start := time.Now()
		err := settlements.HandleEvent(ctx, e)
		m.RecordSettlement(time.Since(start), err)
		return err
	}))
	if cfg.RabbitMQ.URL != "" {
		amqpPub, err := events.DialAMQP(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, log)
		if err != nil {
			return fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		defer amqpPub.Close()
		relay.Subscribe("amqp", amqpPub)
	}
	var sender notification.Sender = notification.LogSender{Logger: log}
	if cfg.Notifier.SocketURL != "" {
		ws := notification.NewWebSocketSender(cfg.Notifier.SocketURL, nil, cfg.Notifier.WriteTimeout, log)
		defer ws.Close()
		sender = ws
	}
	relay.Subscribe("notifier", notification.NewService(sender, log))

	jobs := scheduler.NewScheduler(locker, cfg.Engine.SweepLockTTL, m, log)
	if err := jobs.Register(scheduler.SettlementSweep(cfg.Engine.SweepSchedule, settlements, log)); err != nil {
		return err
	}
	if err := jobs.Register(scheduler.StaleScan(cfg.Engine.StaleSchedule, queries, log)); err != nil {
		return err
	}
	if err := jobs.Register(scheduler.PlanReload(cfg.Engine.PlanSchedule, catalog)); err != nil {
		return err
	}

	router := handler.NewRouter(handler.Services{
		Engine:     engine,
		Reconciler: reconciler,
		Ledger:     ledgers,
		Settlement: settlements,
		Plans:      catalog,
		Query:      queries,
	}, handler.RouterOptions{
		Auth:        middleware.NewAuthMiddleware(cfg.JWT.Secret),
		TOTP:        middleware.NewTOTPMiddleware(cfg.Admin.TOTPSecret),
		Idempotency: idempotency,
		RateLimiter: rateLimiter,
		Metrics:     m,
		Checks:      checks,
		Logger:      log,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Engine API listening", map[string]interface{}{"address": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx, cfg.Engine.OutboxInterval)
	})
	g.Go(func() error {
		jobs.Start()
		// Catch up on anything completed while the engine was down.
		if _, err := settlements.RecoverCompleted(gctx); err != nil {
			log.Error("Startup settlement recovery failed", map[string]interface{}{"error": err.Error()})
		}
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		log.Info("Shutting down engine", nil)
		jobs.Stop(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
