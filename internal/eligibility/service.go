package eligibility

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
	apperrors "github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/logger"
)

// MetricsCache is the subset of the raw-metrics cache the service patches.
type MetricsCache interface {
	Get(ctx context.Context, owner, repo string) (*ris.LibraryRawMetrics, error)
	Set(ctx context.Context, m *ris.LibraryRawMetrics) error
}

// Service records admin reviews and overlays them on collected metrics.
type Service struct {
	store  Store
	cache  MetricsCache
	now    func() time.Time
	logger *slog.Logger
}

func NewService(store Store, cache MetricsCache) *Service {
	return &Service{
		store:  store,
		cache:  cache,
		now:    time.Now,
		logger: slog.Default().With("component", "eligibility"),
	}
}

// Record validates and persists a review, then patches the cached metrics
// so the next scoring pass sees it without waiting for a collection.
func (s *Service) Record(ctx context.Context, in ReviewInput, reviewer string) (Review, error) {
	review, err := NewReview(in, reviewer, s.now())
	if err != nil {
		return Review{}, err
	}
	previous, err := s.store.Get(ctx, review.Owner, review.Repo)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return Review{}, err
	}
	if err := s.store.Put(ctx, review); err != nil {
		return Review{}, err
	}

	log := logger.FromContext(ctx)
	args := []any{
		"library", ris.Key(review.Owner, review.Repo),
		"reviewer", reviewer,
		"status", review.Status,
		"adjustment", review.Adjustment,
	}
	if previous != nil {
		args = append(args, "previous_status", previous.Status, "previous_adjustment", previous.Adjustment)
	}
	log.Warn("eligibility override recorded", args...)

	m, err := s.cache.Get(ctx, review.Owner, review.Repo)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return review, nil
	case err != nil:
		return review, fmt.Errorf("loading cached metrics: %w", err)
	}
	review.ApplyTo(m)
	if err := s.cache.Set(ctx, m); err != nil {
		return review, fmt.Errorf("patching cached metrics: %w", err)
	}
	return review, nil
}

// Overlay copies the stored review, if any, onto freshly collected metrics.
func (s *Service) Overlay(ctx context.Context, m *ris.LibraryRawMetrics) error {
	review, err := s.store.Get(ctx, m.Owner, m.Repo)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	review.ApplyTo(m)
	return nil
}

// Get returns the stored review for a library.
func (s *Service) Get(ctx context.Context, owner, repo string) (*Review, error) {
	return s.store.Get(ctx, owner, repo)
}
