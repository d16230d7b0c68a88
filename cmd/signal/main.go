package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"callguard/internal/core/ports"
	"callguard/internal/core/services"
	"callguard/internal/infrastructure/backup"
	"callguard/internal/infrastructure/distributed"
	"callguard/internal/infrastructure/monitoring"
	"callguard/internal/infrastructure/repositories"
	"callguard/internal/infrastructure/repositories/memory"
	"callguard/internal/infrastructure/signal"
	pkgbackup "callguard/pkg/backup"
	"callguard/pkg/config"
	pkgdistributed "callguard/pkg/distributed"
	"callguard/pkg/logger"
	"callguard/pkg/tracing"
	"callguard/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func loadConfig() (*config.Config, string) {
	// Try multiple config paths
	configPaths := []string{
		os.Getenv("CALLGUARD_CONFIG"),
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/callguard/config.yaml",
		"config.yaml",
	}

	for _, path := range configPaths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid config %s: %v\n", path, err)
			os.Exit(1)
		}
		return cfg, path
	}

	// Load applies env overrides on top of defaults when the file is missing
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	return cfg, ""
}

// newSnapshotScheduler restores the memory blocklist from the newest
// snapshot. It returns nil when the snapshot directory is unusable, leaving
// the relay running without persistence.
func newSnapshotScheduler(ctx context.Context, cfg *config.Config, store backup.Snapshotter, log *zap.SugaredLogger) *backup.Scheduler {
	storage, err := pkgbackup.NewFileStorage(cfg.Store.Snapshot.Dir)
	if err != nil {
		log.Errorw("blocklist snapshots disabled", "dir", cfg.Store.Snapshot.Dir, "error", err)
		return nil
	}
	scheduler := backup.NewScheduler(
		pkgbackup.NewBackupService(storage, "1", "blocklist"),
		store,
		backup.Config{Interval: cfg.Store.Snapshot.Interval, Keep: cfg.Store.Snapshot.Keep},
		log,
	)
	if _, err := scheduler.RestoreLatest(ctx); err != nil {
		log.Warnw("failed to restore blocklist snapshot, starting empty", "error", err)
	}
	return scheduler
}

func main() {
	startTime := time.Now()
	cfg, cfgPath := loadConfig()

	zapLogger, err := logger.NewWithOptions(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zapLogger.Sync() }()
	log := zapLogger.Sugar()
	if cfgPath != "" {
		log.Infow("loaded config", "path", cfgPath)
	} else {
		log.Infow("no config file found, using defaults")
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "callguard-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Warnw("tracing disabled", "error", err)
		tp, _ = tracing.Init(tracing.Config{})
	}

	clock := utils.RealClock{}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewPrometheusCollector(registry)

	storeFactory, err := repositories.NewStoreFactory(cfg, clock, log)
	if err != nil {
		log.Fatalw("failed to create blocklist store", "error", err)
	}
	store := storeFactory.Store()
	redisClient := storeFactory.RedisClient()

	counter := services.NewAbuseCounter(cfg.Abuse.Window, cfg.Abuse.HardCapPerSecond, clock)
	hub := signal.NewHub(clock, metrics, log)

	// with redis every instance hears about blocks made elsewhere
	var notifier ports.AbuseNotifier = hub
	var eventBus *distributed.EventBus
	var locker services.Locker
	if redisClient != nil {
		instanceID := utils.GenerateInstanceID()
		eventBus = distributed.NewEventBus(redisClient, instanceID, hub, log)
		notifier = eventBus
		locker = pkgdistributed.NewLockManager(redisClient, "callguard:lock:")
		log.Infow("cross-instance notices enabled", "instance_id", instanceID)
	}

	guard := services.NewAbuseGuard(store, counter, notifier, services.AbuseGuardConfig{
		SuspiciousThreshold: cfg.Abuse.SuspiciousThreshold,
		BlockDuration:       cfg.Abuse.BlockDuration,
		FailOpen:            cfg.Abuse.FailOpen,
	}, log)
	adminService := services.NewAdminService(store, counter, notifier, clock, log)
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	sessions := memory.NewMemorySessionRegistry(clock)
	wsServer := signal.NewWebSocketServer(sessions, guard, hub, signal.ConfigFrom(cfg), clock, metrics, log)

	health := monitoring.NewHealthChecker()
	health.AddBlocklistStoreCheck(store, 30*time.Second, 2*time.Second)
	if breaker, ok := store.(monitoring.BreakerReporter); ok {
		health.AddBreakerCheck("blocklist_store_breaker", breaker, 10*time.Second)
	}
	if redisClient != nil {
		health.AddRedisCheck(redisClient, 30*time.Second, 2*time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	health.StartBackgroundChecks(ctx)
	if eventBus != nil {
		go func() {
			if err := eventBus.Subscribe(ctx); err != nil && ctx.Err() == nil {
				log.Errorw("abuse event subscription ended", "error", err)
			}
		}()
	}

	var snapshots *backup.Scheduler
	if mem := storeFactory.MemoryStore(); mem != nil && cfg.Store.Snapshot.Dir != "" {
		snapshots = newSnapshotScheduler(ctx, cfg, mem, log)
		if snapshots != nil {
			go snapshots.Run(ctx)
		}
	}

	sweeper := services.NewSweeper(store, counter, locker, cfg.Abuse.SweepInterval, 2*cfg.Abuse.Window,
		func(r services.SweepResult) { metrics.RecordSweep(r.Removed, r.Blocked) }, log)
	go sweeper.Run(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newRouter(routerDeps{
		cfg:       cfg,
		log:       log,
		auth:      authService,
		admin:     adminService,
		ws:        wsServer.HandleWebSocket,
		health:    health,
		gatherer:  registry,
		startTime: startTime,
	})

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting callguard signaling relay",
			"address", cfg.Server.Address,
			"store", storeFactory.Backend(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		_ = srv.Close()
	}
	// hijacked websocket connections are not covered by srv.Shutdown
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("websocket connections did not drain", "error", err, "remaining", wsServer.ConnectionCount())
	}

	cancel()
	if snapshots != nil {
		if _, err := snapshots.SnapshotOnce(shutdownCtx); err != nil {
			log.Warnw("final blocklist snapshot failed", "error", err)
		}
	}
	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			log.Warnw("error closing event bus", "error", err)
		}
	}
	if err := storeFactory.Close(); err != nil {
		log.Errorw("error closing blocklist store", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}

	log.Info("callguard signaling relay stopped")
}
