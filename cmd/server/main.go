package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tripsync/internal/app"
	"tripsync/internal/config"
	"tripsync/internal/connectivity"
	"tripsync/internal/domain"
	"tripsync/internal/duty"
	"tripsync/internal/handler"
	"tripsync/internal/kv"
	"tripsync/internal/logger"
	"tripsync/internal/queue"
	internalRedis "tripsync/internal/redis"
	"tripsync/internal/repository/kvrepo"
	"tripsync/internal/repository/postgres"
	"tripsync/internal/service"
)

const (
	redisKeyPrefix = "tripsync:"
	queueLeaseWait = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.Log.Env, cfg.Log.Level)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize New Relic FIRST (before the store so we can instrument it).
	var nrApp *newrelic.Application
	if cfg.NewRelic.Enabled && cfg.NewRelic.LicenseKey != "" {
		nrApp, err = newrelic.NewApplication(
			newrelic.ConfigAppName(cfg.NewRelic.AppName),
			newrelic.ConfigLicense(cfg.NewRelic.LicenseKey),
			newrelic.ConfigDistributedTracerEnabled(true),
			newrelic.ConfigAppLogForwardingEnabled(true),
		)
		if err != nil {
			zl.Warn("failed to initialize New Relic", zap.Error(err))
		} else {
			zl.Info("New Relic enabled", zap.String("app", cfg.NewRelic.AppName))
		}
	}

	store, lease, closeStore, err := openStore(ctx, cfg, nrApp, zl)
	if err != nil {
		zl.Fatal("failed to open store", zap.String("backend", cfg.Store.Backend), zap.Error(err))
	}
	defer closeStore()

	observer, reporter := newObserver(cfg.Connectivity, zl)

	publisher, closePublisher := app.NewPublisher(cfg.RabbitMQ, zl)
	defer closePublisher()

	loc, _ := cfg.Duty.Location()

	// Wire dependencies.
	svc := wireAgent(store, lease, observer, publisher, loc, nrApp, zl)

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	if prober, ok := observer.(*connectivity.Prober); ok {
		prober.Start(runCtx)
	}
	if err := svc.coordinator.Start(runCtx); err != nil {
		zl.Fatal("failed to start coordinator", zap.Error(err))
	}

	router := app.NewRouter(app.RouterDeps{
		TripHandler:         handler.NewTripHandler(svc.tripService),
		SyncHandler:         handler.NewSyncHandler(svc.coordinator, svc.queue),
		ConnectivityHandler: handler.NewConnectivityHandler(reporter),
		DutyHandler:         handler.NewDutyHandler(svc.compliance),
		IdempotencyStore:    store,
		NewRelicApp:         nrApp,
		Logger:              zl,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine.
	go func() {
		zl.Info("starting server", zap.String("port", cfg.Server.Port), zap.String("store", cfg.Store.Backend))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zl.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Error("server forced to shutdown", zap.Error(err))
	}

	// Let an in-flight flush finish before the store closes.
	svc.coordinator.Stop()
	stopRun()

	if nrApp != nil {
		nrApp.Shutdown(5 * time.Second)
	}

	zl.Info("server exited")
}

// openStore opens the configured durable store. lease is nil unless the
// backend can coordinate queue writes across agents.
func openStore(ctx context.Context, cfg *config.Config, nrApp *newrelic.Application, zl *zap.Logger) (kv.ExpiringStore, queue.Lease, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		client, err := app.NewRedisClient(ctx, cfg.Redis, nrApp)
		if err != nil {
			return nil, nil, nil, err
		}
		zl.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
		closeFn := func() { closeRedis(client, zl) }
		return internalRedis.NewStore(client, redisKeyPrefix), internalRedis.NewLockStore(client, redisKeyPrefix), closeFn, nil

	case config.BackendPostgres:
		db, err := app.NewDatabase(ctx, cfg.Database, nrApp)
		if err != nil {
			return nil, nil, nil, err
		}
		store := postgres.NewStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		zl.Info("connected to postgres", zap.String("host", cfg.Database.Host))
		closeFn := func() { closeDB(db, zl) }
		return store, nil, closeFn, nil

	default:
		zl.Warn("using in-memory store; state is lost on restart")
		return kv.NewMemoryStore(), nil, func() {}, nil
	}
}

func closeRedis(client *redis.Client, zl *zap.Logger) {
	if err := client.Close(); err != nil {
		zl.Warn("failed to close redis", zap.Error(err))
	}
}

func closeDB(db *sql.DB, zl *zap.Logger) {
	if err := db.Close(); err != nil {
		zl.Warn("failed to close database", zap.Error(err))
	}
}

// newObserver returns the connectivity observer and the reporter the UI shell
// talks to. With a probe URL the prober is both.
func newObserver(cfg config.ConnectivityConfig, zl *zap.Logger) (connectivity.Observer, handler.ConnectivityReporter) {
	if cfg.ProbeURL != "" {
		prober := connectivity.NewProber(cfg.ProbeURL, cfg.ProbeInterval, zl)
		zl.Info("probing connectivity", zap.String("url", cfg.ProbeURL), zap.Duration("interval", cfg.ProbeInterval))
		return prober, prober
	}
	manual := connectivity.NewManual(cfg.StartOnline)
	return manual, manual
}

type agent struct {
	queue       *queue.Queue
	coordinator *service.Coordinator
	compliance  *service.ComplianceService
	tripService *service.TripService
}

// wireAgent wires the queue, coordinator and services over store.
func wireAgent(
	store kv.Store,
	lease queue.Lease,
	observer connectivity.Observer,
	publisher service.Publisher,
	loc *time.Location,
	nrApp *newrelic.Application,
	zl *zap.Logger,
) *agent {
	// Initialize repositories.
	tripRepo := kvrepo.NewTripRepository(store)
	podRepo := kvrepo.NewPODRepository(store)
	complianceRepo := kvrepo.NewComplianceRepository(store)

	// Initialize services.
	notificationService := service.NewNotificationService(publisher, zl)
	var queueOpts []queue.Option
	if lease != nil {
		queueOpts = append(queueOpts, queue.WithLease(lease, queueLeaseWait))
	}
	q := queue.New(store, zl.Named("queue"), queueOpts...)

	var opts []service.CoordinatorOption
	if nrApp != nil {
		opts = append(opts, service.WithNewRelic(nrApp))
	}
	coordinator := service.NewCoordinator(q, observer, notificationService, zl.Named("coordinator"), opts...)

	complianceService := service.NewComplianceService(complianceRepo, duty.NewClock(store, loc), notificationService, zl)
	tripService := service.NewTripService(tripRepo, podRepo, coordinator, complianceService, notificationService, zl)

	// Register replay appliers.
	stageApplier := queue.NewTripStageApplier(tripRepo, tripService.OnReplayCommitted)
	q.Register(domain.ActionTripStateTransition, stageApplier)
	q.Register(domain.ActionOTPVerification, stageApplier)
	q.Register(domain.ActionPODUpload, queue.NewPODApplier(podRepo))

	return &agent{
		queue:       q,
		coordinator: coordinator,
		compliance:  complianceService,
		tripService: tripService,
	}
}
