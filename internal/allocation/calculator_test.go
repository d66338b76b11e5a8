package allocation

import (
	"errors"
	"math"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
	apperrors "github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/errors"
)

const eps = 1e-6

func defaultPool() PoolConfig {
	return PoolConfig{
		RISPoolPercent:          0.60,
		CISPoolPercent:          0.24,
		CoISPoolPercent:         0.16,
		TotalAllocationPercent:  0.20,
		MinimumQuarterlyPoolUSD: 10_000,
	}
}

func TestCalculatePoolAllocationsExample(t *testing.T) {
	got, err := CalculatePoolAllocations(1_000_000, defaultPool())
	if err != nil {
		t.Fatalf("CalculatePoolAllocations: %v", err)
	}
	checks := []struct {
		name      string
		got, want float64
	}{
		{"total", got.TotalImpactPool, 200_000},
		{"ris", got.RISPool, 120_000},
		{"cis", got.CISPool, 48_000},
		{"cois", got.CoISPool, 32_000},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > eps {
			t.Errorf("%s pool = %v, want %v", c.name, c.got, c.want)
		}
	}
	if !got.ShouldDistribute {
		t.Error("expected should_distribute")
	}
}

func TestCalculatePoolAllocationsBelowMinimum(t *testing.T) {
	got, err := CalculatePoolAllocations(40_000, defaultPool())
	if err != nil {
		t.Fatal(err)
	}
	if got.ShouldDistribute {
		t.Fatalf("8000 impact pool should not distribute: %+v", got)
	}
}

func TestPoolsSumToTotal(t *testing.T) {
	configs := []PoolConfig{
		defaultPool(),
		{RISPoolPercent: 0.5, CISPoolPercent: 0.3, CoISPoolPercent: 0.2, TotalAllocationPercent: 0.1},
		{RISPoolPercent: 0.3334, CISPoolPercent: 0.3333, CoISPoolPercent: 0.3333, TotalAllocationPercent: 1},
		{RISPoolPercent: 0.6005, CISPoolPercent: 0.24, CoISPoolPercent: 0.16, TotalAllocationPercent: 0.2},
	}
	for _, cfg := range configs {
		for _, revenue := range []float64{0, 1, 12_345.67, 1e9} {
			got, err := CalculatePoolAllocations(revenue, cfg)
			if err != nil {
				t.Fatalf("cfg %+v: %v", cfg, err)
			}
			if want := revenue * cfg.TotalAllocationPercent; math.Abs(got.TotalImpactPool-want) > eps {
				t.Errorf("total = %v, want %v", got.TotalImpactPool, want)
			}
			sum := got.RISPool + got.CISPool + got.CoISPool
			if math.Abs(sum-got.TotalImpactPool) > got.TotalImpactPool*PoolTolerance+eps {
				t.Errorf("pools sum %v != total %v", sum, got.TotalImpactPool)
			}
		}
	}
}

func TestCalculatePoolAllocationsRejectsBadSplit(t *testing.T) {
	tests := []struct {
		name string
		cfg  PoolConfig
	}{
		{"sums to 1.1", PoolConfig{RISPoolPercent: 0.5, CISPoolPercent: 0.3, CoISPoolPercent: 0.3, TotalAllocationPercent: 0.2}},
		{"sums to 0.9", PoolConfig{RISPoolPercent: 0.5, CISPoolPercent: 0.2, CoISPoolPercent: 0.2, TotalAllocationPercent: 0.2}},
		{"negative share", PoolConfig{RISPoolPercent: 1.2, CISPoolPercent: -0.1, CoISPoolPercent: -0.1, TotalAllocationPercent: 0.2}},
		{"total above one", PoolConfig{RISPoolPercent: 0.6, CISPoolPercent: 0.24, CoISPoolPercent: 0.16, TotalAllocationPercent: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CalculatePoolAllocations(1000, tt.cfg)
			if !errors.Is(err, apperrors.ErrInvalidPoolConfig) {
				t.Fatalf("expected ErrInvalidPoolConfig, got %v", err)
			}
		})
	}
}

func TestCalculatePoolAllocationsRejectsNegativeRevenue(t *testing.T) {
	_, err := CalculatePoolAllocations(-1, defaultPool())
	if !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAllocateRIS(t *testing.T) {
	scores := []ris.LibraryScore{
		{LibraryName: "a", RIS: 0.6},
		{LibraryName: "b", RIS: 0.1},
		{LibraryName: "c", RIS: 0.15},
		{LibraryName: "d", RIS: 0.25},
	}
	got := AllocateRIS(scores, 100_000, 0.15)
	if len(got) != 3 {
		t.Fatalf("expected 3 eligible libraries, got %+v", got)
	}
	want := map[string]float64{"a": 60_000, "c": 15_000, "d": 25_000}
	var sum float64
	for _, a := range got {
		if math.Abs(a.AllocatedAmount-want[a.LibraryName]) > eps {
			t.Errorf("%s allocated %v, want %v", a.LibraryName, a.AllocatedAmount, want[a.LibraryName])
		}
		sum += a.AllocatedAmount
	}
	if math.Abs(sum-100_000) > eps {
		t.Errorf("allocations sum to %v", sum)
	}
}

func TestAllocateRISNoneEligible(t *testing.T) {
	got := AllocateRIS([]ris.LibraryScore{{RIS: 0.1}}, 1000, 0.15)
	if len(got) != 0 {
		t.Fatalf("expected no allocations, got %+v", got)
	}
}

func TestPeriods(t *testing.T) {
	p, err := ParsePeriod("2026-q3")
	if err != nil {
		t.Fatalf("ParsePeriod: %v", err)
	}
	if p.String() != "2026-Q3" {
		t.Errorf("String = %s", p)
	}
	for _, bad := range []string{"", "2026", "2026-Q5", "26-Q1", "2026-Q0", "abcd-Q1"} {
		if _, err := ParsePeriod(bad); !errors.Is(err, apperrors.ErrInvalidInput) {
			t.Errorf("ParsePeriod(%q) err = %v", bad, err)
		}
	}
}
