// Package app wires the pipeline's components from configuration. Both the
// API server and the cron worker build the same graph so they agree on
// storage backends and key layouts.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/allocation"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/collection/collector"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/collection/lock"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/collection/scheduler"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/collection/state"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/eligibility"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/library"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/metricscache"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/scoring"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/webhook"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/redis"
)

// App is the wired component graph.
type App struct {
	Config *config.Config

	KV       kv.Store
	Redis    *pkgredis.Client
	DB       *postgres.Client
	Producer *kafka.Producer

	States        *state.Store
	Cache         *metricscache.Cache
	Installations *library.Installations
	Libraries     *library.Registry
	Global        *lock.Global
	Collector     *collector.Collector
	Scheduler     *scheduler.Scheduler
	Runner        *scheduler.Runner

	Queue     *webhook.Queue
	Intake    *webhook.Intake
	Processor *webhook.Processor

	Scorer      *scoring.Engine
	Allocations *allocation.Service
	Eligibility *eligibility.Service

	closers []func() error
}

// Build connects to the configured backends and wires every component.
// Redis and Postgres are optional: without them the pipeline runs on the
// in-process store, which is only safe for a single instance.
func Build(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*App, error) {
	a := &App{Config: cfg}
	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}

	scorer, err := scoring.NewEngine(cfg.Scoring.Ceilings)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("scoring ceilings: %w", err)
	}
	a.Scorer = scorer

	a.States = state.NewStore(a.KV, state.Policy{
		MaxAttempts:    cfg.Collection.MaxAttempts,
		BackoffBase:    cfg.Collection.BackoffBase,
		BackoffMax:     cfg.Collection.BackoffMax,
		RunningTimeout: cfg.Collection.LibraryLockTTL,
	})
	a.Cache = metricscache.New(a.KV)
	a.Installations = library.NewInstallations(a.KV)

	var (
		libraryStore     library.Store
		eligibilityStore eligibility.Store
		archive          allocation.Archive
	)
	if a.DB != nil {
		libraryStore = library.NewPostgresStore(a.DB)
		eligibilityStore = eligibility.NewPostgresStore(a.DB)
		archive = allocation.NewPostgresArchive(a.DB)
	} else {
		libraryStore = library.NewKVStore(a.KV)
		eligibilityStore = eligibility.NewMemoryStore()
		slog.Warn("postgres not configured, eligibility reviews are kept in memory and allocations are not archived")
	}
	a.Libraries = library.NewRegistry(cfg.Libraries, libraryStore, a.Installations)
	a.Eligibility = eligibility.NewService(eligibilityStore, a.Cache)

	gh, err := collector.NewGitHubClient(cfg.GitHub.Token, cfg.GitHub.APIURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	if cfg.GitHub.Token == "" {
		slog.Warn("GITHUB_TOKEN not set, GitHub API requests are unauthenticated and heavily rate limited")
	}
	httpClient := &http.Client{Timeout: cfg.Collection.SourceTimeout}
	sources := []collector.Source{
		collector.NewGitHubSource(gh),
		collector.NewSearchSource(gh),
		collector.NewNPMSource(cfg.GitHub.NPMURL, httpClient),
		collector.NewCDNSource(cfg.GitHub.CDNURL, httpClient),
		collector.NewActivitySource(a.KV),
	}
	libraryLocks := lock.NewLibraries(a.KV, cfg.Collection.LibraryLockTTL, m)
	deps := collector.Deps{
		States:      a.States,
		Cache:       a.Cache,
		Locks:       libraryLocks,
		Eligibility: a.Eligibility,
		Metrics:     m,
	}
	if a.Producer != nil {
		deps.Publisher = a.Producer
	}
	a.Collector = collector.New(sources, collector.Config{
		SourceTimeout:     cfg.Collection.SourceTimeout,
		SourceConcurrency: cfg.Collection.SourceConcurrency,
		SourceRetries:     cfg.Collection.SourceRetries,
	}, deps)

	a.Global = lock.NewGlobal(a.KV, cfg.Collection.LockTTL, cfg.Collection.LockStaleGrace, m)
	a.Scheduler = scheduler.New(a.Collector, a.States, a.Libraries, a.Global, libraryLocks)
	a.Runner = scheduler.NewRunner(a.Global, a.Libraries, a.Collector)

	a.Queue = webhook.NewQueue(a.KV)
	a.Intake = webhook.NewIntake(cfg.GitHub.WebhookSecret, a.Queue, a.Installations, m)
	a.Processor = webhook.NewProcessor(a.Queue, a.KV, a.States, cfg.Queue.DedupeTTL, m)

	a.Allocations = allocation.NewService(
		allocation.FromConfig(cfg.Pool),
		cfg.Scoring.EligibilityThreshold,
		a.Cache,
		a.Scorer,
		allocation.NewCache(a.KV),
		allocation.Options{Archive: archive, Metrics: m},
	)
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config
	if cfg.Redis.Addr != "" {
		client, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		a.Redis = client
		a.KV = kv.NewRedis(client)
		a.closers = append(a.closers, client.Close)
		slog.Info("using redis store", "addr", cfg.Redis.Addr)
	} else {
		a.KV = kv.NewMemory()
		slog.Warn("redis not configured, using in-process store; run a single instance only")
	}

	if cfg.Postgres.Host != "" {
		db, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating postgres: %w", err)
		}
		a.DB = db
	}

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topics.CollectionCompleted != "" {
		a.Producer = kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.CollectionCompleted)
		a.closers = append(a.closers, a.Producer.Close)
		slog.Info("collection notifications enabled", "topic", cfg.Kafka.Topics.CollectionCompleted)
	}
	return nil
}

// HealthChecker registers a check per configured dependency.
func (a *App) HealthChecker() *health.Checker {
	checker := health.NewChecker()
	checker.Register("store", health.PingCheck(a.KV))
	if a.DB != nil {
		checker.Register("postgres", health.PingCheck(a.DB))
	}
	checker.Register("webhook_secret", health.ConfiguredCheck(a.Intake.Configured(), "GITHUB_WEBHOOK_SECRET is not set; webhook deliveries are rejected"))
	checker.Register("cron_secret", health.ConfiguredCheck(a.Config.Admin.CronSecret != "", "CRON_SECRET is not set; scheduler endpoints are rejected"))
	return checker
}

// Close releases every connection in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
