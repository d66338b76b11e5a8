package allocation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/metrics"
)

// MetricsSource supplies the raw metrics snapshot to score.
type MetricsSource interface {
	All(ctx context.Context) ([]ris.LibraryRawMetrics, error)
}

// Scorer turns raw metrics into scores.
type Scorer interface {
	CalculateScores(metrics []ris.LibraryRawMetrics) []ris.LibraryScore
}

// Service computes, caches and archives quarterly allocations.
type Service struct {
	pool      PoolConfig
	threshold float64
	source    MetricsSource
	scorer    Scorer
	cache     *Cache
	archive   Archive
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// Options carries the optional collaborators of a Service.
type Options struct {
	Archive Archive
	Metrics *metrics.Metrics
}

func NewService(pool PoolConfig, threshold float64, source MetricsSource, scorer Scorer, cache *Cache, opts Options) *Service {
	return &Service{
		pool:      pool,
		threshold: threshold,
		source:    source,
		scorer:    scorer,
		cache:     cache,
		archive:   opts.Archive,
		metrics:   opts.Metrics,
		now:       time.Now,
		logger:    slog.Default().With("component", "allocation"),
	}
}

// Compute scores the current metrics snapshot, allocates the period's RIS
// pool and overwrites the cached allocation for that period.
func (s *Service) Compute(ctx context.Context, period Period, totalRevenue float64) (*QuarterlyAllocation, error) {
	pools, err := CalculatePoolAllocations(totalRevenue, s.pool)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.source.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading metrics snapshot: %w", err)
	}
	scores := s.scorer.CalculateScores(snapshot)
	libs := AllocateRIS(scores, pools.RISPool, s.threshold)

	qa := &QuarterlyAllocation{
		Period:        period.String(),
		ComputedAt:    s.now().UTC(),
		TotalRevenue:  totalRevenue,
		Config:        s.pool,
		Pools:         pools,
		Threshold:     s.threshold,
		EligibleCount: len(libs),
		Libraries:     libs,
	}
	if err := s.cache.SetRevenue(ctx, qa.Period, totalRevenue); err != nil {
		return nil, fmt.Errorf("recording revenue: %w", err)
	}
	if err := s.cache.Put(ctx, qa); err != nil {
		return nil, err
	}
	if s.archive != nil {
		if err := s.archive.Save(ctx, qa); err != nil {
			// The cache is authoritative for reads; the archive catches up on
			// the next computation.
			s.logger.Error("allocation archive failed", "period", qa.Period, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.PoolSizeUSD.WithLabelValues("total").Set(pools.TotalImpactPool)
		s.metrics.PoolSizeUSD.WithLabelValues("ris").Set(pools.RISPool)
		s.metrics.PoolSizeUSD.WithLabelValues("cis").Set(pools.CISPool)
		s.metrics.PoolSizeUSD.WithLabelValues("cois").Set(pools.CoISPool)
	}
	s.logger.Info("allocation computed",
		"period", qa.Period,
		"libraries", len(scores),
		"eligible", len(libs),
		"ris_pool", pools.RISPool,
		"should_distribute", pools.ShouldDistribute,
	)
	return qa, nil
}

// Refresh recomputes period using its recorded revenue. It reports false
// when no revenue has been recorded for the period yet.
func (s *Service) Refresh(ctx context.Context, period Period) (bool, error) {
	revenue, err := s.cache.Revenue(ctx, period.String())
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if _, err := s.Compute(ctx, period, revenue); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the cached allocation for period.
func (s *Service) Get(ctx context.Context, period Period) (*QuarterlyAllocation, error) {
	return s.cache.Get(ctx, period.String())
}

// Current returns the period containing now.
func (s *Service) Current() Period {
	return PeriodFor(s.now())
}
