package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"payments-core/internal/cache"
	"payments-core/internal/config"
	"payments-core/internal/handler/rest"
	"payments-core/internal/logger"
	"payments-core/internal/provider"
	"payments-core/internal/provider/sandbox"
	"payments-core/internal/pub"
	"payments-core/internal/repository"
	"payments-core/internal/risk"
	"payments-core/internal/router"
	"payments-core/internal/server"
	"payments-core/internal/usecase"
	"payments-core/internal/worker"
)

const cacheNamespace = "payments"

func main() {
	log, err := logger.New(os.Getenv("ENVIRONMENT"))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	if err := run(log); err != nil {
		log.Fatal("payments core exited", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	log.Info("starting payments core")

	cfg, err := config.Load(log)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := config.ConnectDB(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := cache.NewClient([]string{cfg.Redis.Addr}, cfg.Redis.Password, cfg.Redis.DB)
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unreachable at start-up", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	kv := cache.New(rdb, cacheNamespace)

	// Repositories
	ledgerStore := repository.NewLedgerStore(db)
	paymentRepo := repository.NewPaymentRepo(db)
	webhookRepo := repository.NewWebhookRepo(db)
	reconRepo := repository.NewReconciliationRepo(db)

	// Events go to Redis pub/sub always and to Kafka when enabled.
	notifiers := pub.Multi{pub.NewRedisPublisher(rdb, log)}
	if cfg.Kafka.Enabled {
		kafkaNotifier := pub.NewKafkaNotifier(pub.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, log), log)
		defer func() { _ = kafkaNotifier.Close() }()
		notifiers = append(notifiers, kafkaNotifier)
	}

	registry, err := buildRegistry(cfg.Providers)
	if err != nil {
		return err
	}

	// Usecases
	ledgerUC := usecase.NewLedgerUsecase(ledgerStore,
		cache.NewBalanceCache(kv, cfg.Ledger.BalanceCacheTTL),
		notifiers, cfg.Ledger, log)

	if err := ledgerUC.SeedPlatformAccounts(ctx, cfg.Providers); err != nil {
		return fmt.Errorf("seed platform accounts: %w", err)
	}

	health := usecase.NewHealthTracker(
		cache.NewHealthStore(rdb, cacheNamespace, cfg.Orchestrator.FailureThreshold),
		registry, cfg.Providers, cfg.Orchestrator.ProviderTimeout, log)

	paymentUC := usecase.NewPaymentUsecase(paymentRepo, ledgerUC, registry,
		usecase.NewRouter(cfg.Routes), health, buildAssessor(cfg.Risk, kv, log),
		cache.NewStatusCache(kv, cfg.Orchestrator.StatusCacheTTL),
		notifiers, cfg.Orchestrator, log)

	webhookUC := usecase.NewWebhookUsecase(webhookRepo, paymentUC, registry, cfg.Orchestrator, log)

	reconUC := usecase.NewReconciliationUsecase(reconRepo, paymentRepo, ledgerUC, registry,
		cache.NewRunLock(rdb, cacheNamespace), notifiers, cfg.Reconciliation, cfg.Providers, log)

	// Transport
	checks := map[string]router.HealthCheck{
		"postgres": func(ctx context.Context) error { return db.Ping(ctx) },
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
	grpcChecks := make(map[string]server.Check, len(checks))
	for name, check := range checks {
		grpcChecks[name] = server.Check(check)
	}

	handler := router.SetupRoutes(router.Handlers{
		Payments:       rest.NewPaymentHandler(paymentUC, log),
		Webhooks:       rest.NewWebhookHandler(webhookUC, log),
		Ledger:         rest.NewLedgerHandler(ledgerUC, log),
		Reconciliation: rest.NewReconciliationHandler(reconUC, log),
	}, *cfg, checks, log)

	httpSrv := server.NewHTTPServer(cfg.Server.HTTPAddr, handler, log)
	grpcSrv := server.NewGRPCServer(cfg.Server.GRPCAddr, grpcChecks, cfg.Orchestrator.HealthCheckInterval, log)

	// Workers
	sweeper := worker.NewHoldSweeper(ledgerUC, cfg.Ledger.HoldSweepInterval, cfg.Ledger.HoldSweepBatch, log)
	checker := worker.NewHealthChecker(health, cfg.Orchestrator.HealthCheckInterval, log)
	poller := worker.NewPaymentPoller(paymentUC, cfg.Orchestrator.PollInterval, 0, log)
	scheduler, err := worker.NewReconScheduler(reconUC, cfg.Reconciliation.RunAt, log)
	if err != nil {
		return err
	}

	webhookUC.Start()
	defer webhookUC.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { sweeper.Start(gctx); return nil })
	g.Go(func() error { checker.Start(gctx); return nil })
	g.Go(func() error { poller.Start(gctx); return nil })
	g.Go(func() error { scheduler.Start(gctx); return nil })
	g.Go(httpSrv.Start)
	g.Go(func() error { return grpcSrv.Start(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down payments core")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()

		grpcSrv.Stop()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("http server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	log.Info("payments core started",
		zap.String("http_addr", cfg.Server.HTTPAddr),
		zap.String("grpc_addr", cfg.Server.GRPCAddr),
		zap.Strings("providers", registry.Names()),
		zap.String("environment", cfg.Server.Env))

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("payments core stopped")
	return nil
}

// buildRegistry instantiates one adapter per configured provider.
func buildRegistry(providers []config.ProviderConfig) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	for _, p := range providers {
		switch strings.ToLower(p.Kind) {
		case "", "sandbox":
			registry.Register(sandbox.New(p.Name, p.WebhookSecret))
		default:
			return nil, fmt.Errorf("provider %q: unsupported kind %q", p.Name, p.Kind)
		}
	}
	return registry, nil
}

func buildAssessor(cfg config.RiskConfig, counter risk.Counter, log *zap.Logger) risk.Assessor {
	blocked := make(map[string]bool, len(cfg.Blocked))
	for _, b := range cfg.Blocked {
		blocked[strings.ToLower(strings.TrimSpace(b))] = true
		blocked[strings.TrimSpace(b)] = true
	}
	return risk.NewRuleAssessor(risk.Rules{
		LargeAmount:    cfg.LargeAmounts,
		VelocityLimit:  int64(cfg.VelocityLimit),
		VelocityWindow: cfg.VelocityWindow,
		Blocked:        blocked,
	}, counter, log)
}
