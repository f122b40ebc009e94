package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/vincentbai/pageping/internal/config"
	"github.com/vincentbai/pageping/internal/database"
	"github.com/vincentbai/pageping/internal/logging"
	"github.com/vincentbai/pageping/internal/monitoring"
	"github.com/vincentbai/pageping/internal/queue"
	"github.com/vincentbai/pageping/internal/server"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.ValidateCollector(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to open store", zap.String("driver", cfg.StorageDriver), zap.Error(err))
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)

	// Drain pings agents queued on Redis
	drained := make(chan struct{})
	if cfg.RedisAddr != "" {
		q := queue.Connect(cfg.RedisAddr, cfg.RedisQueueKey)
		defer q.Close()
		if err := q.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, drainer will keep retrying", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		drainer := queue.NewDrainer(q, store, time.Second, 100, metrics, logger)
		go func() {
			defer close(drained)
			drainer.Run(ctx)
		}()
		logger.Info("draining redis queue", zap.String("addr", cfg.RedisAddr), zap.String("key", q.Key()))
	} else {
		close(drained)
	}

	srv := server.NewServer(store, cfg.CollectorAddress, metrics, reg, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down collector")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	<-drained

	logger.Info("collector exited")
}

func openStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	if cfg.StorageDriver == "postgres" {
		return database.NewPostgres(ctx, cfg.PostgresURL)
	}

	databasePath, err := cfg.DatabasePath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(databasePath), 0o755); err != nil {
		return nil, err
	}
	return database.NewDatabase(databasePath)
}
