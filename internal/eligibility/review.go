package eligibility

import (
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
	apperrors "github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/errors"
)

// Review is an admin's eligibility decision for one library.
type Review struct {
	Owner      string    `json:"owner"`
	Repo       string    `json:"repo"`
	Status     Status    `json:"eligibility_status"`
	Level      Level     `json:"sponsorship_level"`
	Adjustment float64   `json:"sponsorship_adjustment"`
	Notes      string    `json:"eligibility_notes,omitempty"`
	ReviewedBy string    `json:"reviewed_by,omitempty"`
	ReviewedAt time.Time `json:"eligibility_last_reviewed"`
}

// ReviewInput is the unvalidated form of a Review. Empty Status and nil
// Adjustment are derived from Level.
type ReviewInput struct {
	Owner      string   `json:"owner"`
	Repo       string   `json:"repo"`
	Status     string   `json:"eligibility_status"`
	Level      string   `json:"sponsorship_level"`
	Adjustment *float64 `json:"sponsorship_adjustment"`
	Notes      string   `json:"eligibility_notes"`
}

// NewReview validates in and applies the consistency rule: an ineligible
// library always stores an adjustment of 0.0, whatever its level says.
func NewReview(in ReviewInput, reviewer string, now time.Time) (Review, error) {
	if in.Owner == "" || in.Repo == "" {
		return Review{}, fmt.Errorf("%w: owner and repo are required", apperrors.ErrInvalidInput)
	}
	level, err := ParseLevel(in.Level)
	if err != nil {
		return Review{}, err
	}
	status := GetEligibilityFromSponsorship(level)
	if in.Status != "" {
		if status, err = ParseStatus(in.Status); err != nil {
			return Review{}, err
		}
	}
	adj := GetSponsorshipAdjustment(level)
	if in.Adjustment != nil {
		adj = *in.Adjustment
		if adj < 0 || adj > 1 {
			return Review{}, fmt.Errorf("%w: sponsorship_adjustment must be in [0,1], got %v", apperrors.ErrInvalidInput, adj)
		}
	}
	if status == StatusIneligible {
		adj = 0
	}
	return Review{
		Owner:      in.Owner,
		Repo:       in.Repo,
		Status:     status,
		Level:      level,
		Adjustment: adj,
		Notes:      in.Notes,
		ReviewedBy: reviewer,
		ReviewedAt: now.UTC(),
	}, nil
}

// ApplyTo copies the review's eligibility fields onto m.
func (r Review) ApplyTo(m *ris.LibraryRawMetrics) {
	adj := r.Adjustment
	reviewed := r.ReviewedAt
	m.EligibilityStatus = string(r.Status)
	m.SponsorshipLevel = string(r.Level)
	m.SponsorshipAdjustment = &adj
	m.EligibilityNotes = r.Notes
	m.EligibilityLastReviewed = &reviewed
}
