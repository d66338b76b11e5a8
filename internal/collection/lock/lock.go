// Package lock provides the global bulk-collection lock and the per-library
// collection locks. Both are fail-fast leases built on SetNX with a TTL.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
	apperrors "github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/metrics"
	"github.com/google/uuid"
)

const (
	globalKey     = "collection:lock"
	libraryPrefix = "collection:lock:library:"
)

// Holder is the payload stored in the global lock.
type Holder struct {
	IngestionID string    `json:"ingestionId"`
	StartedAt   time.Time `json:"startedAt"`
}

// Status describes the global lock for operators.
type Status struct {
	Locked bool    `json:"locked"`
	Lock   *Holder `json:"lock"`
	AgeMs  int64   `json:"ageMs"`
	Stale  bool    `json:"stale"`
}

// Lease is a held lock. Release only deletes the key while it still holds
// this lease's value, so a lease that outlived its TTL cannot free a lock
// someone else acquired since.
type Lease struct {
	store kv.Store
	key   string
	value string
	// Holder is set for the global lock.
	Holder *Holder
}

// Release frees the lock if this lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := l.store.DelIfEqual(ctx, l.key, l.value); err != nil {
		return fmt.Errorf("releasing %s: %w", l.key, err)
	}
	return nil
}

// Global is the single lock guarding bulk collection runs.
type Global struct {
	store   kv.Store
	ttl     time.Duration
	grace   time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewGlobal returns the global lock. The key outlives the lease by grace so
// a crashed holder shows up as stale before the key expires on its own.
func NewGlobal(store kv.Store, ttl, grace time.Duration, m *metrics.Metrics) *Global {
	if grace <= 0 {
		grace = ttl
	}
	return &Global{
		store:   store,
		ttl:     ttl,
		grace:   grace,
		now:     time.Now,
		metrics: m,
		logger:  slog.Default().With("component", "collection-lock"),
	}
}

// WithClock overrides the lock's clock.
func (g *Global) WithClock(now func() time.Time) *Global {
	g.now = now
	return g
}

// TTL returns the lease duration after which a holder is considered stale.
func (g *Global) TTL() time.Duration { return g.ttl }

// Acquire takes the lock or fails immediately with ErrAlreadyRunning.
func (g *Global) Acquire(ctx context.Context) (*Lease, error) {
	holder := &Holder{IngestionID: uuid.NewString(), StartedAt: g.now().UTC()}
	data, err := json.Marshal(holder)
	if err != nil {
		return nil, fmt.Errorf("encoding lock holder: %w", err)
	}
	ok, err := g.store.SetNX(ctx, globalKey, string(data), g.ttl+g.grace)
	if err != nil {
		return nil, fmt.Errorf("acquiring collection lock: %w", err)
	}
	if !ok {
		if g.metrics != nil {
			g.metrics.LockContention.WithLabelValues("global").Inc()
		}
		return nil, apperrors.ErrAlreadyRunning
	}
	g.logger.Info("collection lock acquired", "ingestion_id", holder.IngestionID)
	return &Lease{store: g.store, key: globalKey, value: string(data), Holder: holder}, nil
}

// Status reports the current holder, its age, and whether it is stale.
func (g *Global) Status(ctx context.Context) (Status, error) {
	data, err := g.store.Get(ctx, globalKey)
	if errors.Is(err, kv.ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("reading collection lock: %w", err)
	}
	var h Holder
	if err := json.Unmarshal([]byte(data), &h); err != nil {
		// An unreadable payload can only be cleared by hand.
		return Status{Locked: true, Stale: true}, nil
	}
	age := g.now().Sub(h.StartedAt)
	return Status{
		Locked: true,
		Lock:   &h,
		AgeMs:  age.Milliseconds(),
		Stale:  age > g.ttl,
	}, nil
}

// HeldByLiveRun reports whether a non-stale holder owns the lock.
func (g *Global) HeldByLiveRun(ctx context.Context) (bool, error) {
	st, err := g.Status(ctx)
	if err != nil {
		return false, err
	}
	return st.Locked && !st.Stale, nil
}

// ForceClear deletes the lock regardless of holder and returns what was
// cleared.
func (g *Global) ForceClear(ctx context.Context, actor string) (Status, error) {
	previous, err := g.Status(ctx)
	if err != nil {
		return Status{}, err
	}
	if err := g.store.Del(ctx, globalKey); err != nil {
		return Status{}, fmt.Errorf("clearing collection lock: %w", err)
	}
	args := []any{"actor", actor, "was_locked", previous.Locked, "age_ms", previous.AgeMs, "stale", previous.Stale}
	if previous.Lock != nil {
		args = append(args, "previous_ingestion_id", previous.Lock.IngestionID, "previous_started_at", previous.Lock.StartedAt)
	}
	logger.FromContext(ctx).Warn("collection lock force-cleared", args...)
	return previous, nil
}

// Libraries hands out per-library collection locks.
type Libraries struct {
	store   kv.Store
	ttl     time.Duration
	metrics *metrics.Metrics
}

func NewLibraries(store kv.Store, ttl time.Duration, m *metrics.Metrics) *Libraries {
	return &Libraries{store: store, ttl: ttl, metrics: m}
}

// Acquire takes the library's lock or fails immediately with ErrLibraryBusy.
func (l *Libraries) Acquire(ctx context.Context, owner, repo string) (*Lease, error) {
	key := libraryPrefix + ris.Key(owner, repo)
	token := uuid.NewString()
	ok, err := l.store.SetNX(ctx, key, token, l.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquiring library lock: %w", err)
	}
	if !ok {
		if l.metrics != nil {
			l.metrics.LockContention.WithLabelValues("library").Inc()
		}
		return nil, fmt.Errorf("%s: %w", ris.Key(owner, repo), apperrors.ErrLibraryBusy)
	}
	return &Lease{store: l.store, key: key, value: token}, nil
}
