package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/entitystore/internal/client"
	"github.com/devrev/entitystore/internal/config"
	"github.com/devrev/entitystore/internal/health"
	"github.com/devrev/entitystore/internal/metrics"
	"github.com/devrev/entitystore/internal/service"
	"github.com/devrev/entitystore/internal/storage"
	"github.com/devrev/entitystore/internal/storage/memory"
	"github.com/devrev/entitystore/internal/storage/postgres"
	"github.com/devrev/entitystore/internal/store"
	"github.com/devrev/entitystore/internal/util/clock"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting entitystore",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("database_backend", cfg.Database.Backend),
		zap.String("redis_backend", cfg.Redis.Backend),
		zap.Int("shards", len(cfg.Shards)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	clk := clock.System{}
	versions := clock.NewVersionSource(clk)

	// Entity set definitions and edges
	var (
		entitySets store.EntitySetStore
		edges      store.EdgeStore
	)
	switch cfg.Database.Backend {
	case config.BackendPostgres:
		pool, err := store.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.ConnMaxLifetime)
		if err != nil {
			logger.Fatal("Failed to connect to metadata database", zap.Error(err))
		}
		entitySets = store.NewPostgresEntitySetStore(pool, logger)
		edges = store.NewPostgresEdgeStore(pool, logger)
	default:
		logger.Warn("Using in-memory metadata store; definitions are lost on restart")
		entitySets = store.NewInMemoryEntitySetStore()
		edges = store.NewInMemoryEdgeStore()
	}
	defer entitySets.Close()

	// Leases and deletion jobs
	var (
		leaseStore store.LeaseStore
		jobs       client.JobQueue
	)
	switch cfg.Redis.Backend {
	case config.BackendRedis:
		rdb, err := store.NewRedisClient(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB,
			cfg.Redis.PoolSize, cfg.Redis.MinIdleConns, cfg.Redis.MaxRetries)
		if err != nil {
			logger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		leaseStore = store.NewRedisLeaseStore(rdb, clk, logger)
		jobs = client.NewRedisJobQueue(rdb, logger)
	default:
		logger.Warn("Using in-memory leases; only run a single worker")
		leaseStore = store.NewInMemoryLeaseStore(clk)
		jobs = client.NewInMemoryJobQueue(1024)
	}
	defer leaseStore.Close()
	defer jobs.Close()

	// Shards open lazily on first use
	shardNames := make([]string, 0, len(cfg.Shards))
	for name := range cfg.Shards {
		shardNames = append(shardNames, name)
	}
	sort.Strings(shardNames)
	opener := func(ctx context.Context, name string) (storage.Shard, error) {
		sc := cfg.Shards[name]
		if sc.Backend == config.BackendMemory {
			return memory.NewShard(name), nil
		}
		return postgres.Open(ctx, name, sc.DSN, sc.MaxConnections, logger)
	}

	router := service.NewRoutingService(entitySets, shardNames, opener, cfg.Router, m, logger)
	defer router.Close()

	search := client.NewInMemorySearchClient()
	authorizer := client.NewStaticAuthorizer()
	observer := service.NewLoggingObserver(logger)

	properties := service.NewPropertyService(router, entitySets, versions, observer, logger)
	tracker := service.NewIndexingMetadataService(router, logger)
	leaseOwner := cfg.Server.LeaseOwner()
	logger.Info("Lease owner assigned", zap.String("owner", leaseOwner))
	leases := service.NewLeaseService(leaseStore, leaseOwner, m, logger)

	indexing := service.NewIndexingService(entitySets, router, properties, tracker, search, leases, cfg.Indexing, m, logger)
	linking := service.NewLinkingIndexingService(entitySets, router, properties, tracker, search, leases, cfg.Linking, m, logger)
	expiration := service.NewExpirationService(entitySets, router, tracker, edges, search, leases, versions, clk, observer, cfg.Expiration, m, logger)
	hardDelete := service.NewHardDeleteService(entitySets, router, edges, search, leases, clk, observer, cfg.HardDelete, m, logger)
	deletion := service.NewDeletionService(entitySets, edges, properties, tracker, authorizer, jobs, versions, clk, observer, cfg.Deletion, m, logger)

	logger.Info("All services initialized")

	if cfg.Indexing.Enabled {
		indexing.Start(ctx)
	}
	if cfg.Linking.Enabled {
		linking.Start(ctx)
	}
	if cfg.Expiration.Enabled {
		expiration.Start(ctx)
	}
	if cfg.HardDelete.Enabled {
		hardDelete.Start(ctx)
	}
	leases.StartScavenger(cfg.Leases.ScavengePeriod, service.AllLeaseDomains...)
	deletion.StartJobRunner(ctx)

	serverErrors := make(chan error, 2)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
		go func() {
			logger.Info("Starting metrics server", zap.String("address", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var healthServer *http.Server
	if cfg.Health.Enabled {
		healthServer = health.NewHealthServer(health.NewHealthChecker(entitySets, leaseStore, router, logger), cfg.Health.Port)
		go func() {
			logger.Info("Starting health check server", zap.String("address", healthServer.Addr))
			if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- fmt.Errorf("health server: %w", err)
			}
		}()
	}

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	for _, srv := range []*http.Server{metricsServer, healthServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown failed", zap.String("address", srv.Addr), zap.Error(err))
		}
	}

	// Schedulers finish their current batch and release their leases
	cancel()
	deletion.Stop()
	indexing.Stop()
	linking.Stop()
	expiration.Stop()
	hardDelete.Stop()
	leases.Stop()

	logger.Info("Entitystore stopped")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
