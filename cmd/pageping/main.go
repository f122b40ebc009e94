package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/vincentbai/pageping/internal/activity"
	"github.com/vincentbai/pageping/internal/browser"
	"github.com/vincentbai/pageping/internal/clock"
	"github.com/vincentbai/pageping/internal/config"
	"github.com/vincentbai/pageping/internal/database"
	"github.com/vincentbai/pageping/internal/logging"
	"github.com/vincentbai/pageping/internal/monitoring"
	"github.com/vincentbai/pageping/internal/queue"
	"github.com/vincentbai/pageping/internal/sink"
)

// deliveryQueueSize bounds the pings waiting for a slow sink.
const deliveryQueueSize = 64

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("agent failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

// run tracks one page view until interrupted or the tab goes away. The sink
// and the browser are released on every return path.
func run(cfg *config.Config, logger *zap.Logger) error {
	if err := cfg.ValidateAgent(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pingSink, closeSink, err := openSink(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open %s sink: %w", cfg.Sink, err)
	}
	defer closeSink()

	loop := clock.NewReal()
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())

	host := browser.NewHost(ctx, loop, browser.Options{Headless: cfg.Headless, Logger: logger})
	defer host.Close()

	loadedAt := loop.Now()
	page, err := host.Open(cfg.TargetURL)
	if err != nil {
		return fmt.Errorf("failed to open target: %w", err)
	}
	page.View = activity.PageView{ID: uuid.NewString(), LoadedAt: loadedAt}

	opts := []activity.Option{
		activity.WithLogger(logger),
		activity.WithMetrics(metrics),
		activity.WithDeliveryQueue(deliveryQueueSize),
	}
	if cfg.LegacyPings {
		opts = append(opts, activity.WithLegacyPings())
	}
	scheduler := activity.New(loop, host.Feed(), host, pingSink, opts...)
	defer loop.Do(scheduler.Close)

	loop.Do(func() {
		if err = scheduler.Enable(cfg.MinimumVisit(), cfg.Heartbeat()); err != nil {
			return
		}
		if cfg.EngagementTracking() {
			if err = scheduler.EnableEngagementTracking(cfg.IdleTimeout()); err != nil {
				return
			}
		}
		scheduler.Install(page)
	})
	if err != nil {
		return fmt.Errorf("failed to start activity tracking: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-host.Done():
		logger.Warn("browser tab closed")
	}

	loop.Do(func() {
		logger.Info("page view finished",
			zap.String("page_view_id", page.View.ID),
			zap.Int("engaged_seconds", scheduler.EngagedSeconds()),
			zap.Duration("visit", loop.Now().Sub(loadedAt).Round(time.Second)),
		)
	})
	return nil
}

func openSink(cfg *config.Config, logger *zap.Logger) (activity.Sink, func(), error) {
	switch cfg.Sink {
	case "redis":
		q := queue.Connect(cfg.RedisAddr, cfg.RedisQueueKey)
		return sink.NewQueueSink(q), func() { q.Close() }, nil
	case "sqlite":
		databasePath, err := cfg.DatabasePath()
		if err != nil {
			return nil, nil, err
		}
		db, err := database.NewDatabase(databasePath)
		if err != nil {
			return nil, nil, err
		}
		return sink.NewStoreSink(db), func() { db.Close() }, nil
	case "log":
		return sink.NewLogSink(logger), func() {}, nil
	default:
		return sink.NewHTTPSink(cfg.CollectorURL, nil), func() {}, nil
	}
}
