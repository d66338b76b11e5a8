package allocation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/kv"
	apperrors "github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/postgres"
)

// QuarterlyAllocation is the computed distribution for one period.
type QuarterlyAllocation struct {
	Period        string              `json:"period"`
	ComputedAt    time.Time           `json:"computedAt"`
	TotalRevenue  float64             `json:"totalRevenue"`
	Config        PoolConfig          `json:"config"`
	Pools         PoolAllocations     `json:"pools"`
	Threshold     float64             `json:"threshold"`
	EligibleCount int                 `json:"eligibleCount"`
	Libraries     []LibraryAllocation `json:"libraries"`
}

const (
	allocationPrefix = "allocation:"
	revenuePrefix    = "allocation:revenue:"
)

// Cache holds the latest allocation and the recorded revenue per period.
type Cache struct {
	store kv.Store
}

func NewCache(store kv.Store) *Cache {
	return &Cache{store: store}
}

// Get returns the cached allocation for period or ErrNotFound.
func (c *Cache) Get(ctx context.Context, period string) (*QuarterlyAllocation, error) {
	data, err := c.store.Get(ctx, allocationPrefix+period)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("allocation for %s: %w", period, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading allocation: %w", err)
	}
	var qa QuarterlyAllocation
	if err := json.Unmarshal([]byte(data), &qa); err != nil {
		return nil, fmt.Errorf("decoding allocation %s: %w", period, err)
	}
	return &qa, nil
}

// Put replaces whatever was cached for the allocation's period.
func (c *Cache) Put(ctx context.Context, qa *QuarterlyAllocation) error {
	data, err := json.Marshal(qa)
	if err != nil {
		return fmt.Errorf("encoding allocation: %w", err)
	}
	if err := c.store.Set(ctx, allocationPrefix+qa.Period, string(data), 0); err != nil {
		return fmt.Errorf("writing allocation: %w", err)
	}
	return nil
}

// Revenue returns the revenue recorded for period or ErrNotFound.
func (c *Cache) Revenue(ctx context.Context, period string) (float64, error) {
	v, err := c.store.Get(ctx, revenuePrefix+period)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, fmt.Errorf("revenue for %s: %w", period, apperrors.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("reading revenue: %w", err)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing revenue for %s: %w", period, err)
	}
	return f, nil
}

// SetRevenue records the revenue figure for period.
func (c *Cache) SetRevenue(ctx context.Context, period string, revenue float64) error {
	return c.store.Set(ctx, revenuePrefix+period, strconv.FormatFloat(revenue, 'f', -1, 64), 0)
}

// Archive keeps a durable copy of each period's final allocation.
type Archive interface {
	Save(ctx context.Context, qa *QuarterlyAllocation) error
}

// PostgresArchive upserts allocations into quarterly_allocations, one row
// per period.
type PostgresArchive struct {
	db *postgres.Client
}

func NewPostgresArchive(db *postgres.Client) *PostgresArchive {
	return &PostgresArchive{db: db}
}

func (a *PostgresArchive) Save(ctx context.Context, qa *QuarterlyAllocation) error {
	doc, err := json.Marshal(qa)
	if err != nil {
		return fmt.Errorf("encoding allocation: %w", err)
	}
	return a.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO quarterly_allocations
			   (period, total_revenue, total_impact_pool, ris_pool, should_distribute, document, computed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (period) DO UPDATE SET
			   total_revenue = EXCLUDED.total_revenue,
			   total_impact_pool = EXCLUDED.total_impact_pool,
			   ris_pool = EXCLUDED.ris_pool,
			   should_distribute = EXCLUDED.should_distribute,
			   document = EXCLUDED.document,
			   computed_at = EXCLUDED.computed_at`,
			qa.Period, qa.TotalRevenue, qa.Pools.TotalImpactPool, qa.Pools.RISPool,
			qa.Pools.ShouldDistribute, doc, qa.ComputedAt,
		)
		if err != nil {
			return fmt.Errorf("archiving allocation %s: %w", qa.Period, err)
		}
		return nil
	})
}
