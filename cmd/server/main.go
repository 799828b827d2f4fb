package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/stagecoach-io/stagecoach/apiserver"
	"github.com/stagecoach-io/stagecoach/config"
	"github.com/stagecoach-io/stagecoach/pipelines"
	"github.com/stagecoach-io/stagecoach/storage"
	"github.com/stagecoach-io/stagecoach/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg.Logging)
	defer logger.Sync()

	store, closeStore, err := newStorage(cfg)
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer closeStore()

	snowflake := generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)

	coord, err := workflow.NewCoordinator(snowflake, store,
		workflow.WithLogger(logger),
		workflow.WithRetryPolicy(cfg.Pipeline.MaxAttempts, cfg.Pipeline.RetryBase, cfg.Pipeline.RetryMax),
		workflow.WithApprovalTTL(cfg.Pipeline.ApprovalTTL))
	if err != nil {
		logger.Fatal("failed to create coordinator", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pipelines.RegisterBuiltin(ctx, coord); err != nil {
		logger.Fatal("failed to register pipelines", zap.Error(err))
	}

	go runExpirySweep(ctx, coord, cfg.Pipeline.SweepInterval, logger)

	server := apiserver.NewServer(coord, cfg, logger)
	logger.Info("starting server", zap.Int("port", cfg.Server.HTTPPort))
	if err := server.Run(ctx, fmt.Sprintf(":%d", cfg.Server.HTTPPort)); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := coord.Stop(shutdownCtx); err != nil {
		logger.Error("coordinator shutdown failed", zap.Error(err))
	}
}

// runExpirySweep periodically fails workflows whose approval deadline passed
// without a decision.
func runExpirySweep(ctx context.Context, coord *workflow.Coordinator, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := coord.ExpireApprovals(ctx)
			if err != nil {
				logger.Error("approval expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("expired stale approvals", zap.Int("count", n))
			}
		}
	}
}

func newLogger(cfg config.LoggingConfig) *zap.Logger {
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if level, err := zap.ParseAtomicLevel(cfg.Level); err == nil {
		zapCfg.Level = level
	}

	logger, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func newStorage(cfg *config.Config) (storage.Storage, func(), error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return storage.NewMemoryStorage(), func() {}, nil

	case "redis":
		store, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil

	case "postgres":
		store, err := storage.NewPostgresStorage(storage.PostgresOptions{
			DSN:          cfg.Database.DSN(),
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}
}
