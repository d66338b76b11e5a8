package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/app"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/collection/collector"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup always runs first.
func run() int {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger.Setup("impact-cron", cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting impact cron worker",
		"queue_interval", cfg.Cron.QueueInterval,
		"retry_interval", cfg.Cron.RetryInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
	}

	a, err := app.Build(ctx, cfg, m)
	if err != nil {
		slog.Error("failed to build pipeline", "error", err)
		return 1
	}
	defer a.Close()

	if cfg.Metrics.Enabled {
		checker := a.HealthChecker()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, map[string]http.Handler{
			"GET /health/live":  checker.LiveHandler(),
			"GET /health/ready": checker.ReadyHandler(),
		})
		defer shutdownMetrics(context.Background())
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		every(ctx, cfg.Cron.QueueInterval, func(ctx context.Context) {
			report, err := a.Processor.Process(ctx, cfg.Queue.MaxEvents)
			if err != nil {
				slog.Error("webhook queue processing failed", "error", err)
				return
			}
			if report.Processed > 0 {
				slog.Info("webhook queue drained",
					"processed", report.Processed,
					"applied", report.Applied,
					"duplicates", report.Duplicates,
					"failed", report.Failed,
					"remaining", report.RemainingQueueLength,
				)
			}
		})
		return nil
	})
	g.Go(func() error {
		every(ctx, cfg.Cron.RetryInterval, func(ctx context.Context) {
			if _, err := a.Scheduler.ProcessDue(ctx, cfg.Cron.MaxRetriesPerTick, cfg.Cron.MaxStalePerTick); err != nil {
				slog.Error("scheduler tick failed", "error", err)
			}
		})
		return nil
	})

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topics.CollectionCompleted != "" {
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.CollectionCompleted, refreshAllocation(a))
		g.Go(func() error { return consumer.Start(ctx) })
		slog.Info("allocation refresh consumer started", "topic", cfg.Kafka.Topics.CollectionCompleted)
	}

	if err := g.Wait(); err != nil {
		slog.Error("cron worker error", "error", err)
		return 1
	}
	slog.Info("impact cron worker stopped")
	return 0
}

// refreshAllocation recomputes the current quarter's allocation whenever a
// collection changes the metrics it is based on.
func refreshAllocation(a *app.App) kafka.MessageHandler {
	return func(ctx context.Context, key, value []byte) error {
		event, err := kafka.DecodeJSON[collector.CompletedEvent](value)
		if err != nil {
			return err
		}
		period := a.Allocations.Current()
		refreshed, err := a.Allocations.Refresh(ctx, period)
		if err != nil {
			return fmt.Errorf("refreshing %s allocation: %w", period, err)
		}
		slog.Debug("collection completed",
			"library", string(key),
			"status", event.Status,
			"allocation_refreshed", refreshed,
			"period", period.String(),
		)
		return nil
	}
}

// every runs fn immediately and then on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
