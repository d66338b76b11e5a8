// Package metricscache stores collected raw metrics per library. Each
// source's fragment is kept under its own key so a resumed collection can
// reuse the data of sources that already succeeded.
package metricscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
	apperrors "github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/errors"
	"golang.org/x/sync/singleflight"
)

const (
	rawPrefix      = "metrics:raw:"
	fragmentPrefix = "metrics:source:"
	indexKey       = "metrics:libraries"
)

// Fragment is the output of one collection source for one library.
type Fragment struct {
	Source    string             `json:"source"`
	Fields    map[string]float64 `json:"fields"`
	FetchedAt time.Time          `json:"fetchedAt"`
}

// Cache reads and writes LibraryRawMetrics through a kv.Store.
type Cache struct {
	store  kv.Store
	group  singleflight.Group
	logger *slog.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

func New(store kv.Store) *Cache {
	return &Cache{
		store:  store,
		logger: slog.Default().With("component", "metrics-cache"),
	}
}

// Get returns the merged metrics for a library. Concurrent reads of the same
// key share one store round trip. A missing entry yields ErrNotFound.
func (c *Cache) Get(ctx context.Context, owner, repo string) (*ris.LibraryRawMetrics, error) {
	key := rawPrefix + ris.Key(owner, repo)
	val, err, _ := c.group.Do(key, func() (any, error) {
		return c.load(ctx, key)
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			c.misses.Add(1)
		}
		return nil, err
	}
	c.hits.Add(1)
	// Callers may mutate the result; never hand out the shared value.
	m := *val.(*ris.LibraryRawMetrics)
	return &m, nil
}

func (c *Cache) load(ctx context.Context, key string) (*ris.LibraryRawMetrics, error) {
	data, err := c.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("raw metrics %s: %w", key, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading raw metrics: %w", err)
	}
	var m ris.LibraryRawMetrics
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		return nil, fmt.Errorf("decoding raw metrics %s: %w", key, err)
	}
	return &m, nil
}

// Set overwrites the merged metrics for m's library.
func (c *Cache) Set(ctx context.Context, m *ris.LibraryRawMetrics) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding raw metrics: %w", err)
	}
	key := m.Key()
	if err := c.store.Set(ctx, rawPrefix+key, string(data), 0); err != nil {
		return fmt.Errorf("writing raw metrics: %w", err)
	}
	if err := c.store.SAdd(ctx, indexKey, key); err != nil {
		return fmt.Errorf("indexing raw metrics: %w", err)
	}
	return nil
}

// All returns every cached library's metrics ordered by key. Entries that
// fail to decode are logged and skipped.
func (c *Cache) All(ctx context.Context) ([]ris.LibraryRawMetrics, error) {
	keys, err := c.store.SMembers(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("listing cached libraries: %w", err)
	}
	sort.Strings(keys)
	out := make([]ris.LibraryRawMetrics, 0, len(keys))
	for _, key := range keys {
		m, err := c.load(ctx, rawPrefix+key)
		if errors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			c.logger.Warn("skipping unreadable cache entry", "library", key, "error", err)
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

// GetFragment returns the last successful fragment of one source.
func (c *Cache) GetFragment(ctx context.Context, owner, repo, source string) (*Fragment, error) {
	key := fragmentKey(owner, repo, source)
	data, err := c.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("fragment %s: %w", key, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading fragment: %w", err)
	}
	var f Fragment
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return nil, fmt.Errorf("decoding fragment %s: %w", key, err)
	}
	return &f, nil
}

// SetFragment stores a source's fragment.
func (c *Cache) SetFragment(ctx context.Context, owner, repo string, f *Fragment) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding fragment: %w", err)
	}
	if err := c.store.Set(ctx, fragmentKey(owner, repo, f.Source), string(data), 0); err != nil {
		return fmt.Errorf("writing fragment: %w", err)
	}
	return nil
}

// Stats returns hit and miss counts since startup.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func fragmentKey(owner, repo, source string) string {
	return fragmentPrefix + ris.Key(owner, repo) + ":" + source
}
