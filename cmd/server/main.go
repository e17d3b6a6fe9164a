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

	"github.com/crosslogic/quota-engine/internal/config"
	"github.com/crosslogic/quota-engine/internal/gateway"
	"github.com/crosslogic/quota-engine/internal/grpcapi"
	"github.com/crosslogic/quota-engine/internal/kv"
	"github.com/crosslogic/quota-engine/internal/meterstate"
	"github.com/crosslogic/quota-engine/internal/plans"
	"github.com/crosslogic/quota-engine/internal/quota"
	"github.com/crosslogic/quota-engine/internal/retention"
	"github.com/crosslogic/quota-engine/pkg/cache"
	"github.com/crosslogic/quota-engine/pkg/database"
	"github.com/crosslogic/quota-engine/pkg/events"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := newLogger(cfg.Monitoring.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting CrossLogic Quota Engine",
		zap.String("store", cfg.Store.Backend),
		zap.Int("window_seconds", cfg.Quota.WindowSeconds),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize the durable store
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer store.Close()

	// Initialize event bus
	eventBus := events.NewBus(logger)
	for _, eventType := range []events.EventType{
		events.EventBackpressure,
		events.EventDailyCapReached,
		events.EventPlanAssigned,
		events.EventLimitsOverridden,
		events.EventPlansReloaded,
	} {
		eventBus.Subscribe(eventType, events.LogHandler(logger))
	}
	logger.Info("initialized event bus", zap.Any("handlers", eventBus.Stats()))

	// Plans and quota engine
	catalog := plans.NewCatalog(store, logger)
	resolver := plans.NewResolver(store, catalog, eventBus, logger)
	states := meterstate.NewStore(store, meterstate.Config{
		TTL:            cfg.Quota.MeterStateTTL,
		Window:         cfg.Quota.Window(),
		IdempotencyTTL: cfg.Quota.IdempotencyKeyTTL,
	})
	engine := quota.NewEngine(resolver, states, eventBus, logger, quota.EngineConfig{
		Window:         cfg.Quota.Window(),
		IdempotencyTTL: cfg.Quota.IdempotencyKeyTTL,
	})
	registry := quota.NewRegistry(quota.RegistryConfig{
		MailboxSize: cfg.Quota.MailboxSize,
		IdleTimeout: cfg.Quota.ActorIdleTimeout,
	}, logger)
	service := quota.NewService(engine, registry, logger)
	logger.Info("initialized quota engine")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		registry.Run(gctx)
		return nil
	})

	// Seed plans from file
	if cfg.Plans.File != "" {
		watcher := plans.NewWatcher(cfg.Plans.File, resolver, eventBus, logger)
		if err := watcher.Reload(ctx); err != nil {
			logger.Fatal("failed to seed plans", zap.String("path", cfg.Plans.File), zap.Error(err))
		}
		if cfg.Plans.Watch {
			g.Go(func() error {
				return watcher.Run(gctx)
			})
		}
	}

	// Backends without native expiry get a pruning schedule
	if pruner, ok := store.(kv.Pruner); ok {
		scheduler := retention.NewScheduler(pruner, cfg.Retention.Schedule, logger)
		if err := scheduler.Start(gctx); err != nil {
			logger.Fatal("failed to start retention scheduler", zap.Error(err))
		}
		defer scheduler.Stop()
	}

	// Initialize API gateway
	gw := gateway.NewGateway(service, resolver, store, logger, gateway.Config{
		AdminToken:   cfg.Security.AdminAPIToken,
		MetricsPath:  cfg.Monitoring.MetricsPath,
		StoreBackend: cfg.Store.Backend,
	})
	gw.StartHealthMetrics(gctx)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g.Go(func() error {
		logger.Info("starting HTTP server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var grpcServer *grpcapi.Server
	if cfg.GRPC.Enabled {
		grpcServer = grpcapi.NewServer(service, logger, cfg.Security.AdminAPIToken)
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.GRPC.Port)
		g.Go(func() error {
			if err := grpcServer.ListenAndServe(addr); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	// Wait for a signal or a failed component, then shut everything down
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", zap.Error(err))
		}
		if grpcServer != nil {
			if err := grpcServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("grpc server forced to shutdown", zap.Error(err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("quota engine stopped with error", zap.Error(err))
	}

	// In-flight checks finish before their events are flushed.
	registry.Close()
	eventBus.Drain()

	logger.Info("server exited")
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = atomicLevel
	return zcfg.Build()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (kv.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory store, quota state is lost on restart")
		return kv.NewMemoryStore(), nil

	case config.BackendRedis:
		redisCache, err := cache.NewCache(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("connected to Redis")
		return kv.NewRedisStore(redisCache), nil

	case config.BackendPostgres:
		db, err := database.NewDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		store, err := kv.NewPostgresStore(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("connected to database")
		return store, nil

	case config.BackendSQLite:
		store, err := kv.NewSQLiteStore(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("opened SQLite store", zap.String("path", cfg.SQLite.Path))
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
