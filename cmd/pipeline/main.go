package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/api"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/app"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/ratelimit"
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

	logger.Setup("impact-pipeline", cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting impact pipeline", "port", cfg.Server.Port, "libraries", len(cfg.Libraries))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, nil)
		defer shutdownMetrics(context.Background())
	}

	a, err := app.Build(ctx, cfg, m)
	if err != nil {
		slog.Error("failed to build pipeline", "error", err)
		return 1
	}
	defer a.Close()
	if !a.Intake.Configured() {
		slog.Error("GITHUB_WEBHOOK_SECRET is not set; every webhook delivery will be rejected")
	}

	h := api.NewHandler(api.Deps{
		Intake:      a.Intake,
		Queue:       a.Queue,
		Processor:   a.Processor,
		Scheduler:   a.Scheduler,
		Runner:      a.Runner,
		Collector:   a.Collector,
		States:      a.States,
		Lock:        a.Global,
		Metrics:     a.Cache,
		Scorer:      a.Scorer,
		Allocations: a.Allocations,
		Eligibility: a.Eligibility,
		Libraries:   a.Libraries,
	}, api.Limits{
		Threshold:         cfg.Scoring.EligibilityThreshold,
		QueueMaxEvents:    cfg.Queue.MaxEvents,
		DefaultMaxRetries: cfg.Collection.DefaultMaxRetries,
	})
	auth := api.NewAuth(cfg.Admin.Emails, cfg.Admin.CronSecret)

	limiter := ratelimit.New(cfg.Server.PublicRateLimit, time.Minute)
	go limiter.Run(ctx, 5*time.Minute)

	// Bulk collections outlive a normal request; the server write timeout
	// bounds every route instead of a per-request deadline.
	router := api.NewRouter(h, auth, a.HealthChecker(), m, api.RouterOptions{
		Limiter:     limiter,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("impact pipeline listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		return 1
	}
	// In-flight requests still use the stores closed by the deferred calls.
	<-drained

	slog.Info("impact pipeline stopped")
	return 0
}
