// Command fluxgrid runs one data grid node.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fluxgrid/fluxgrid/internal/cluster"
	"github.com/fluxgrid/fluxgrid/internal/config"
	"github.com/fluxgrid/fluxgrid/internal/connection"
	"github.com/fluxgrid/fluxgrid/internal/hlc"
	"github.com/fluxgrid/fluxgrid/internal/metrics"
	"github.com/fluxgrid/fluxgrid/internal/operation"
	"github.com/fluxgrid/fluxgrid/internal/partition"
	"github.com/fluxgrid/fluxgrid/internal/server"
	"github.com/fluxgrid/fluxgrid/internal/service"
	"github.com/fluxgrid/fluxgrid/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fluxgrid: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fluxgrid: logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("node failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := hlc.New(cfg.Node.ID, hlc.SystemClock{}, hlc.Options{
		MaxDriftMillis: cfg.Clock.MaxDriftMs,
		Strict:         cfg.Clock.Strict,
		Logger:         logger,
	})

	table := partition.NewTable()
	state := cluster.NewState(table, logger)
	clusterCfg := cfg.ClusterSettings()

	var detector cluster.FailureDetector
	if cfg.Cluster.Detector == "deadline" {
		detector = cluster.NewDeadlineDetector(clusterCfg)
	} else {
		detector = cluster.NewPhiAccrualDetector(clusterCfg)
	}

	local := cluster.MemberInfo{
		NodeID:      cfg.Node.ID,
		Host:        cfg.Node.Host,
		ClientPort:  cfg.Node.ClientPort,
		ClusterPort: cfg.Node.ClusterPort,
	}
	membership := cluster.NewMembership(state, detector, clusterCfg, local, logger)
	migrations := cluster.NewMigrationManager(logger)

	nodeMetrics := metrics.New(cfg.Node.ID, nil)

	provider, closeBackend, err := buildProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	expiry := storage.ExpiryPolicy{TTLMillis: cfg.Storage.TTLMs, MaxIdleMillis: cfg.Storage.MaxIdleMs}
	stores := storage.NewRecordStoreFactory(nil, provider,
		[]storage.MutationObserver{metrics.NewStorageObserver(nodeMetrics)},
		expiry, hlc.SystemClock{}, logger)

	container := service.NewContainer(clock, cfg.Storage.MerkleDepth, logger)
	connections := connection.NewRegistry(connection.DefaultOutboundCapacity, logger)

	router := operation.NewRouter(cfg.Router.MaxConcurrent,
		time.Duration(cfg.Router.TimeoutMs)*time.Millisecond, logger)

	crdtSvc := service.NewCrdtService(container, stores, table, cfg.Node.ID, logger)
	syncSvc := service.NewSyncService(container, crdtSvc, logger)
	querySvc := service.NewQueryService(container, connections, logger)
	searchSvc := service.NewSearchService(container, connections, logger)
	messagingSvc := service.NewMessagingService(connections, hlc.SystemClock{}, logger)
	coordSvc := service.NewCoordinationService(state, table, connections, hlc.SystemClock{}, logger)
	persistSvc := service.NewPersistenceService(container, stores, cfg.Node.ID, logger)
	clusterSvc := service.NewClusterService(membership, state, migrations, stores,
		container, nil, router, clusterCfg, cfg.Cluster.Seeds, hlc.SystemClock{}, logger)
	janitorSvc := service.NewJanitorService(container, stores, hlc.SystemClock{},
		time.Duration(cfg.Storage.JanitorMs)*time.Millisecond,
		time.Duration(cfg.Storage.TombstoneMs)*time.Millisecond, logger)

	router.Instrument(nodeMetrics)
	connections.Instrument(nodeMetrics)
	crdtSvc.Instrument(nodeMetrics)
	syncSvc.Instrument(nodeMetrics)
	clusterSvc.Instrument(nodeMetrics)
	janitorSvc.Instrument(nodeMetrics)

	crdtSvc.AddListener(querySvc)
	crdtSvc.AddListener(searchSvc)

	services := service.NewRegistry(logger)
	for _, svc := range []service.ManagedService{
		clusterSvc, crdtSvc, syncSvc, querySvc, searchSvc,
		messagingSvc, coordSvc, persistSvc, janitorSvc,
	} {
		if err := services.Register(svc); err != nil {
			return err
		}
	}

	for _, h := range []operation.Handler{
		crdtSvc, syncSvc, querySvc, searchSvc, messagingSvc, coordSvc, persistSvc,
	} {
		router.Register(h)
	}

	if err := services.InitAll(ctx); err != nil {
		return err
	}

	httpServer := server.New(router, container, clock, state, migrations, server.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.ClientPort),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}, logger)

	errs := make(chan error, 1)
	go func() { errs <- httpServer.Start() }()

	logger.Info("node started",
		zap.String("node_id", cfg.Node.ID),
		zap.String("cluster_id", cfg.Cluster.ClusterID),
		zap.String("backend", cfg.Storage.Backend))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errs:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	if err := services.ShutdownAll(shutdownCtx, false); err != nil {
		logger.Error("service shutdown failed", zap.Error(err))
	}
	return nil
}

// buildProvider selects the persistence backend. The returned closer tears
// down the backend's client after the stores are done with it.
func buildProvider(ctx context.Context, cfg *config.Config,
	logger *zap.Logger) (storage.DataStoreProvider, func(), error) {
	switch cfg.Storage.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis unreachable: %w", err)
		}
		provider := func(mapName string) storage.MapDataStore {
			return storage.NewRedisDataStore(client, mapName, logger)
		}
		return provider, func() { client.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		provider := func(mapName string) storage.MapDataStore {
			store, err := storage.NewPostgresDataStore(ctx, pool, mapName, logger)
			if err != nil {
				logger.Error("postgres store init failed",
					zap.String("map", mapName), zap.Error(err))
				return storage.NewNullDataStore()
			}
			return store
		}
		return provider, pool.Close, nil
	default:
		return storage.NullProvider(), func() {}, nil
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
