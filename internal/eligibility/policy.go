// Package eligibility maps corporate sponsorship to a funding-eligibility
// status and a multiplicative score adjustment, and persists admin reviews.
package eligibility

import (
	"fmt"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/errors"
)

// Level classifies existing corporate funding of a library.
type Level string

const (
	LevelNone        Level = "none"
	LevelMinimal     Level = "minimal"
	LevelModerate    Level = "moderate"
	LevelSubstantial Level = "substantial"
	LevelExclusive   Level = "exclusive"
)

// Status is whether a library may receive funding at all.
type Status string

const (
	StatusFullyEligible      Status = "fully_eligible"
	StatusPartiallySponsored Status = "partially_sponsored"
	StatusIneligible         Status = "ineligible"
)

var adjustments = map[Level]float64{
	LevelNone:        1.0,
	LevelMinimal:     0.9,
	LevelModerate:    0.7,
	LevelSubstantial: 0.4,
	LevelExclusive:   0.0,
}

// ParseLevel accepts a level name case-insensitively.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := adjustments[l]; !ok {
		return "", fmt.Errorf("%w: unknown sponsorship level %q", apperrors.ErrInvalidInput, s)
	}
	return l, nil
}

// ParseStatus accepts a status name case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusFullyEligible, StatusPartiallySponsored, StatusIneligible:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown eligibility status %q", apperrors.ErrInvalidInput, s)
}

// GetSponsorshipAdjustment returns the score multiplier for a level. Unknown
// levels are treated as unsponsored.
func GetSponsorshipAdjustment(level Level) float64 {
	if adj, ok := adjustments[level]; ok {
		return adj
	}
	return 1.0
}

// GetEligibilityFromSponsorship derives the default status for a level.
func GetEligibilityFromSponsorship(level Level) Status {
	switch level {
	case LevelExclusive:
		return StatusIneligible
	case LevelNone, LevelMinimal:
		return StatusFullyEligible
	default:
		return StatusPartiallySponsored
	}
}
