// Package allocation splits quarterly revenue into impact pools and
// distributes the RIS pool across eligible libraries.
package allocation

import (
	"fmt"
	"math"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/errors"
)

// PoolTolerance is how far the three pool percentages may drift from 1.0.
const PoolTolerance = 1e-3

// PoolConfig is the impact pool split.
type PoolConfig struct {
	RISPoolPercent          float64 `json:"ris_pool_percent"`
	CISPoolPercent          float64 `json:"cis_pool_percent"`
	CoISPoolPercent         float64 `json:"cois_pool_percent"`
	TotalAllocationPercent  float64 `json:"total_allocation_percent"`
	MinimumQuarterlyPoolUSD float64 `json:"minimum_quarterly_pool_usd"`
}

// FromConfig converts the loaded configuration section.
func FromConfig(c config.PoolConfig) PoolConfig {
	return PoolConfig{
		RISPoolPercent:          c.RISPoolPercent,
		CISPoolPercent:          c.CISPoolPercent,
		CoISPoolPercent:         c.CoISPoolPercent,
		TotalAllocationPercent:  c.TotalAllocationPercent,
		MinimumQuarterlyPoolUSD: c.MinimumQuarterlyPoolUSD,
	}
}

// Validate reports an ErrInvalidPoolConfig error if the split is unusable.
func (c PoolConfig) Validate() error {
	sum := c.RISPoolPercent + c.CISPoolPercent + c.CoISPoolPercent
	if math.IsNaN(sum) || math.Abs(sum-1.0) > PoolTolerance {
		return fmt.Errorf("%w: pool percentages sum to %.4f, want 1.0", apperrors.ErrInvalidPoolConfig, sum)
	}
	for name, v := range map[string]float64{
		"ris_pool_percent":         c.RISPoolPercent,
		"cis_pool_percent":         c.CISPoolPercent,
		"cois_pool_percent":        c.CoISPoolPercent,
		"total_allocation_percent": c.TotalAllocationPercent,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s must be in [0,1], got %v", apperrors.ErrInvalidPoolConfig, name, v)
		}
	}
	if c.MinimumQuarterlyPoolUSD < 0 {
		return fmt.Errorf("%w: minimum_quarterly_pool_usd must not be negative", apperrors.ErrInvalidPoolConfig)
	}
	return nil
}

// PoolAllocations is the revenue split for one quarter.
type PoolAllocations struct {
	TotalImpactPool  float64 `json:"total_impact_pool"`
	RISPool          float64 `json:"ris_pool"`
	CISPool          float64 `json:"cis_pool"`
	CoISPool         float64 `json:"cois_pool"`
	ShouldDistribute bool    `json:"should_distribute"`
}

// CalculatePoolAllocations validates cfg on every call and splits the
// revenue's impact share into the three pools.
func CalculatePoolAllocations(totalRevenue float64, cfg PoolConfig) (PoolAllocations, error) {
	if err := cfg.Validate(); err != nil {
		return PoolAllocations{}, err
	}
	if totalRevenue < 0 || math.IsNaN(totalRevenue) || math.IsInf(totalRevenue, 0) {
		return PoolAllocations{}, fmt.Errorf("%w: total revenue must be a non-negative number", apperrors.ErrInvalidInput)
	}
	total := totalRevenue * cfg.TotalAllocationPercent
	return PoolAllocations{
		TotalImpactPool:  total,
		RISPool:          total * cfg.RISPoolPercent,
		CISPool:          total * cfg.CISPoolPercent,
		CoISPool:         total * cfg.CoISPoolPercent,
		ShouldDistribute: total >= cfg.MinimumQuarterlyPoolUSD,
	}, nil
}

// LibraryAllocation is one library's share of the RIS pool.
type LibraryAllocation struct {
	Owner           string  `json:"owner"`
	Repo            string  `json:"repo"`
	LibraryName     string  `json:"libraryName"`
	RIS             float64 `json:"ris"`
	AllocatedAmount float64 `json:"allocated_amount"`
}

// AllocateRIS distributes risPool across libraries scoring at least
// threshold, proportionally to their score. Input order is preserved.
func AllocateRIS(scores []ris.LibraryScore, risPool, threshold float64) []LibraryAllocation {
	var total float64
	for _, s := range scores {
		if s.RIS >= threshold {
			total += s.RIS
		}
	}
	out := make([]LibraryAllocation, 0, len(scores))
	if total <= 0 {
		return out
	}
	for _, s := range scores {
		if s.RIS < threshold {
			continue
		}
		out = append(out, LibraryAllocation{
			Owner:           s.Owner,
			Repo:            s.Repo,
			LibraryName:     s.LibraryName,
			RIS:             s.RIS,
			AllocatedAmount: risPool * (s.RIS / total),
		})
	}
	return out
}
