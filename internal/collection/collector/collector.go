// Package collector runs baseline collections: it fetches one library's raw
// metrics from independent sources, isolates per-source failures, and
// records the outcome in the collection state store.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/collection/lock"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/collection/state"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/library"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/metricscache"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
	apperrors "github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/tracing"
	"golang.org/x/sync/errgroup"
)

// Source fetches one independent slice of a library's raw metrics. The
// returned map is keyed by ris field name.
type Source interface {
	ID() string
	Fetch(ctx context.Context, lib library.Library) (map[string]float64, error)
}

// EligibilityOverlay copies stored eligibility reviews onto collected
// metrics.
type EligibilityOverlay interface {
	Overlay(ctx context.Context, m *ris.LibraryRawMetrics) error
}

// Publisher announces finished collections.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Options selects how a collection runs.
type Options struct {
	// Resume re-fetches only the sources that failed on the previous
	// attempt and reuses the cached data of the rest.
	Resume bool
}

// Result is the outcome of one collection.
type Result struct {
	Owner         string       `json:"owner"`
	Repo          string       `json:"repo"`
	Status        state.Status `json:"status"`
	Success       bool         `json:"success"`
	IsPartial     bool         `json:"isPartial"`
	Error         string       `json:"error,omitempty"`
	FailedSources []string     `json:"failedSources,omitempty"`
	Fetched       []string     `json:"fetched,omitempty"`
	Reused        []string     `json:"reused,omitempty"`
	DurationMs    int64        `json:"durationMs"`
}

// CompletedEventType tags CompletedEvent messages.
const CompletedEventType = "collection.completed"

// CompletedEvent is published after every collection.
type CompletedEvent struct {
	Owner         string       `json:"owner"`
	Repo          string       `json:"repo"`
	Status        state.Status `json:"status"`
	FailedSources []string     `json:"failedSources,omitempty"`
	CompletedAt   time.Time    `json:"completedAt"`
}

// Config bounds source execution.
type Config struct {
	SourceTimeout     time.Duration
	SourceConcurrency int
	SourceRetries     int
}

// Deps are the collector's collaborators. Eligibility, Publisher and
// Metrics are optional.
type Deps struct {
	States      *state.Store
	Cache       *metricscache.Cache
	Locks       *lock.Libraries
	Eligibility EligibilityOverlay
	Publisher   Publisher
	Metrics     *metrics.Metrics
}

// Collector runs baseline collections.
type Collector struct {
	sources  []Source
	breakers map[string]*resilience.CircuitBreaker
	cfg      Config
	deps     Deps
	now      func() time.Time
	logger   *slog.Logger
}

func New(sources []Source, cfg Config, deps Deps) *Collector {
	if cfg.SourceConcurrency <= 0 {
		cfg.SourceConcurrency = 1
	}
	c := &Collector{
		sources:  sources,
		breakers: make(map[string]*resilience.CircuitBreaker, len(sources)),
		cfg:      cfg,
		deps:     deps,
		now:      time.Now,
		logger:   slog.Default().With("component", "collector"),
	}
	for _, src := range sources {
		bcfg := resilience.CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: time.Minute}
		if deps.Metrics != nil {
			gauge := deps.Metrics.CircuitBreakerState
			bcfg.OnStateChange = func(name string, to resilience.State) {
				gauge.WithLabelValues(name).Set(float64(to))
			}
		}
		c.breakers[src.ID()] = resilience.NewCircuitBreaker("source:"+src.ID(), bcfg)
	}
	return c
}

// SourceStates reports each source's circuit breaker state by source id.
func (c *Collector) SourceStates() map[string]string {
	out := make(map[string]string, len(c.breakers))
	for id, cb := range c.breakers {
		out[id] = cb.GetState().String()
	}
	return out
}

// SourceIDs returns the configured source ids in order.
func (c *Collector) SourceIDs() []string {
	ids := make([]string, len(c.sources))
	for i, s := range c.sources {
		ids[i] = s.ID()
	}
	return ids
}

type fetchResult struct {
	source Source
	err    error
}

// Collect runs one library's collection under its per-library lock. It
// returns ErrLibraryBusy without touching state if another collection of
// the same library is in flight. Source failures are reported in the
// Result, not as an error.
func (c *Collector) Collect(ctx context.Context, lib library.Library, opts Options) (*Result, error) {
	lease, err := c.deps.Locks.Acquire(ctx, lib.Owner, lib.Repo)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			c.logger.Error("library lock release failed", "library", lib.Key(), "error", err)
		}
	}()

	start := c.now()
	log := logger.FromContext(ctx).With("library", lib.Key(), "resume", opts.Resume)
	result := &Result{Owner: lib.Owner, Repo: lib.Repo}
	ctx, span := tracing.Start(ctx, "collection")
	span.SetAttr("library", lib.Key())
	defer func() {
		span.End(nil)
		span.Log(log)
	}()

	prev, err := c.deps.States.Get(ctx, lib.Owner, lib.Repo)
	if err != nil {
		return c.fatal(ctx, lib, result, start, fmt.Errorf("reading previous state: %w", err))
	}
	run, reused := c.plan(ctx, lib, prev, opts)
	if _, err := c.deps.States.MarkRunning(ctx, lib.Owner, lib.Repo); err != nil {
		return c.fatal(ctx, lib, result, start, fmt.Errorf("marking running: %w", err))
	}

	results := make([]fetchResult, len(run))
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.SourceConcurrency)
	for i, src := range run {
		g.Go(func() error {
			ctx, span := tracing.Start(ctx, "source:"+src.ID())
			err := c.fetch(ctx, lib, src)
			span.End(err)
			results[i] = fetchResult{source: src, err: err}
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		return c.interrupted(ctx, lib, results, log)
	}

	failed := make(map[string]string)
	for _, r := range results {
		if r.err != nil {
			failed[r.source.ID()] = r.err.Error()
			if c.deps.Metrics != nil {
				c.deps.Metrics.SourceFailures.WithLabelValues(r.source.ID()).Inc()
			}
			log.Warn("source fetch failed", "source", r.source.ID(), "error", r.err)
			continue
		}
		result.Fetched = append(result.Fetched, r.source.ID())
	}
	result.Reused = reused

	status := state.StatusSucceeded
	switch {
	case len(failed) == len(c.sources):
		status = state.StatusFailed
	case len(failed) > 0:
		status = state.StatusPartial
	}
	if status != state.StatusFailed {
		if err := c.merge(ctx, lib); err != nil {
			return c.fatal(ctx, lib, result, start, fmt.Errorf("merging metrics: %w", err))
		}
	}

	if _, err := c.deps.States.RecordOutcome(context.WithoutCancel(ctx), lib.Owner, lib.Repo, status, failed, ""); err != nil {
		return nil, fmt.Errorf("recording outcome for %s: %w", lib.Key(), err)
	}
	c.finish(ctx, result, status, failed, start)
	log.Info("collection finished",
		"status", status,
		"fetched", result.Fetched,
		"reused", result.Reused,
		"failed_sources", result.FailedSources,
		"duration_ms", result.DurationMs,
	)
	return result, nil
}

// plan picks the sources to run. A resume run reuses every source that did
// not fail last time and still has a cached fragment.
func (c *Collector) plan(ctx context.Context, lib library.Library, prev *state.CollectionState, opts Options) (run []Source, reused []string) {
	if !opts.Resume || len(prev.FailedSources) == 0 {
		return c.sources, nil
	}
	for _, src := range c.sources {
		if _, failed := prev.FailedSources[src.ID()]; failed {
			run = append(run, src)
			continue
		}
		if _, err := c.deps.Cache.GetFragment(ctx, lib.Owner, lib.Repo, src.ID()); err != nil {
			run = append(run, src)
			continue
		}
		reused = append(reused, src.ID())
	}
	return run, reused
}

// fetch runs one source with its timeout, retry budget and circuit breaker,
// and caches its fragment on success.
func (c *Collector) fetch(ctx context.Context, lib library.Library, src Source) error {
	var fields map[string]float64
	err := c.breakers[src.ID()].Execute(func() error {
		return resilience.WithTimeout(ctx, c.cfg.SourceTimeout, src.ID(), func(ctx context.Context) error {
			return resilience.Retry(ctx, "source:"+src.ID(), resilience.RetryConfig{MaxAttempts: c.cfg.SourceRetries}, func(ctx context.Context) error {
				f, err := src.Fetch(ctx, lib)
				if err != nil {
					return err
				}
				fields = f
				return nil
			})
		})
	})
	if err != nil {
		return err
	}
	return c.deps.Cache.SetFragment(ctx, lib.Owner, lib.Repo, &metricscache.Fragment{
		Source:    src.ID(),
		Fields:    fields,
		FetchedAt: c.now().UTC(),
	})
}

// merge rebuilds the library's raw metrics from every cached fragment.
func (c *Collector) merge(ctx context.Context, lib library.Library) error {
	m := &ris.LibraryRawMetrics{
		Owner:       lib.Owner,
		Repo:        lib.Repo,
		LibraryName: lib.PackageName(),
		CollectedAt: c.now().UTC(),
	}
	for _, src := range c.sources {
		f, err := c.deps.Cache.GetFragment(ctx, lib.Owner, lib.Repo, src.ID())
		if errors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if unknown := m.Apply(f.Fields); len(unknown) > 0 {
			c.logger.Warn("source produced unknown fields", "source", src.ID(), "fields", unknown)
		}
	}
	if c.deps.Eligibility != nil {
		if err := c.deps.Eligibility.Overlay(ctx, m); err != nil {
			return fmt.Errorf("overlaying eligibility: %w", err)
		}
	}
	return c.deps.Cache.Set(ctx, m)
}

// interrupted records a run cut short by cancellation without spending an
// attempt. Sources that had not finished are marked failed for the resume.
func (c *Collector) interrupted(ctx context.Context, lib library.Library, results []fetchResult, log *slog.Logger) (*Result, error) {
	unfinished := make(map[string]string)
	for _, r := range results {
		if r.err != nil {
			unfinished[r.source.ID()] = r.err.Error()
		}
	}
	if _, err := c.deps.States.RecordInterrupted(context.WithoutCancel(ctx), lib.Owner, lib.Repo, unfinished); err != nil {
		log.Error("recording interrupted collection failed", "error", err)
	}
	log.Warn("collection interrupted", "unfinished_sources", sortedKeys(unfinished), "error", ctx.Err())
	return nil, fmt.Errorf("collection of %s interrupted: %w", lib.Key(), ctx.Err())
}

// fatal records a failure that happened before or outside the sources.
func (c *Collector) fatal(ctx context.Context, lib library.Library, result *Result, start time.Time, cause error) (*Result, error) {
	if ctx.Err() != nil {
		return c.interrupted(ctx, lib, nil, logger.FromContext(ctx).With("library", lib.Key()))
	}
	logger.FromContext(ctx).Error("collection failed", "library", lib.Key(), "error", cause)
	if _, err := c.deps.States.RecordOutcome(context.WithoutCancel(ctx), lib.Owner, lib.Repo, state.StatusFailed, nil, cause.Error()); err != nil {
		c.logger.Error("recording fatal outcome failed", "library", lib.Key(), "error", err)
	}
	result.Error = cause.Error()
	c.finish(ctx, result, state.StatusFailed, nil, start)
	return result, nil
}

func (c *Collector) finish(ctx context.Context, result *Result, status state.Status, failed map[string]string, start time.Time) {
	result.Status = status
	result.Success = status == state.StatusSucceeded
	result.IsPartial = status == state.StatusPartial
	result.FailedSources = sortedKeys(failed)
	if status == state.StatusFailed && result.Error == "" {
		result.Error = "all sources failed"
	}
	elapsed := c.now().Sub(start)
	result.DurationMs = elapsed.Milliseconds()

	if c.deps.Metrics != nil {
		c.deps.Metrics.CollectionRuns.WithLabelValues(string(status)).Inc()
		c.deps.Metrics.CollectionDuration.Observe(elapsed.Seconds())
	}
	if c.deps.Publisher != nil {
		event := kafka.Event{
			Key:  ris.Key(result.Owner, result.Repo),
			Type: CompletedEventType,
			Value: CompletedEvent{
				Owner:         result.Owner,
				Repo:          result.Repo,
				Status:        status,
				FailedSources: result.FailedSources,
				CompletedAt:   c.now().UTC(),
			},
		}
		if err := c.deps.Publisher.Publish(ctx, event); err != nil {
			c.logger.Error("publishing collection event failed", "library", event.Key, "error", err)
		}
	}
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
