// Package scheduler drives collections over time: retries of failed and
// partial libraries on their backoff schedule, refreshes of libraries that
// webhooks marked stale, and operator-triggered resets.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/collection/collector"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/collection/lock"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/collection/state"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/library"
	apperrors "github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/logger"
)

// Collector runs one library's collection.
type Collector interface {
	Collect(ctx context.Context, lib library.Library, opts collector.Options) (*collector.Result, error)
}

// Libraries resolves library keys to registry entries.
type Libraries interface {
	List(ctx context.Context) ([]library.Library, error)
	Resolve(ctx context.Context, owner, repo string) (library.Library, error)
}

// BulkLock reports whether a bulk run currently owns the collection lock.
type BulkLock interface {
	HeldByLiveRun(ctx context.Context) (bool, error)
}

// LibraryLocks hands out the per-library locks collectors run under.
type LibraryLocks interface {
	Acquire(ctx context.Context, owner, repo string) (*lock.Lease, error)
}

// Summary aggregates the outcomes of a batch of collections.
type Summary struct {
	Attempted int                 `json:"attempted"`
	Succeeded int                 `json:"succeeded"`
	Partial   int                 `json:"partial"`
	Failed    int                 `json:"failed"`
	Busy      int                 `json:"busy,omitempty"`
	Results   []*collector.Result `json:"results,omitempty"`
}

func (s *Summary) add(res *collector.Result) {
	s.Attempted++
	switch res.Status {
	case state.StatusSucceeded:
		s.Succeeded++
	case state.StatusPartial:
		s.Partial++
	default:
		s.Failed++
	}
	s.Results = append(s.Results, res)
}

// TickSummary is the outcome of ProcessDue.
type TickSummary struct {
	Skipped bool    `json:"skipped"`
	Reason  string  `json:"reason,omitempty"`
	Retries Summary `json:"retries"`
	Stale   Summary `json:"stale"`
}

// Stats counts tracked libraries for dashboards.
type Stats struct {
	Total    int                  `json:"total"`
	ByStatus map[state.Status]int `json:"byStatus"`
	Due      int                  `json:"due"`
	Stale    int                  `json:"stale"`
	Terminal int                  `json:"terminal"`
}

type Scheduler struct {
	collector Collector
	states    *state.Store
	libraries Libraries
	bulk      BulkLock
	locks     LibraryLocks
	logger    *slog.Logger
}

func New(c Collector, states *state.Store, libraries Libraries, bulk BulkLock, locks LibraryLocks) *Scheduler {
	return &Scheduler{
		collector: c,
		states:    states,
		libraries: libraries,
		bulk:      bulk,
		locks:     locks,
		logger:    slog.Default().With("component", "collection-scheduler"),
	}
}

// ProcessRetries resumes up to max due libraries, oldest retry time first.
// Running records whose collector died count as due.
func (s *Scheduler) ProcessRetries(ctx context.Context, max int) (*Summary, error) {
	all, err := s.states.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.states.Now()
	var due []*state.CollectionState
	for _, st := range all {
		if s.states.Retryable(st, now) {
			due = append(due, st)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return retryTime(due[i]).Before(retryTime(due[j]))
	})
	if max > 0 && len(due) > max {
		due = due[:max]
	}
	return s.run(ctx, due, collector.Options{Resume: true}), nil
}

// ProcessStale runs a full collection for up to max libraries that webhook
// activity marked stale, oldest first.
func (s *Scheduler) ProcessStale(ctx context.Context, max int) (*Summary, error) {
	all, err := s.states.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.states.Now()
	var stale []*state.CollectionState
	for _, st := range all {
		if st.Stale && !s.states.Live(st, now) {
			stale = append(stale, st)
		}
	}
	sort.SliceStable(stale, func(i, j int) bool {
		return staleTime(stale[i]).Before(staleTime(stale[j]))
	})
	if max > 0 && len(stale) > max {
		stale = stale[:max]
	}
	return s.run(ctx, stale, collector.Options{}), nil
}

// checkBulk returns ErrAlreadyRunning while a live bulk run holds the
// collection lock.
func (s *Scheduler) checkBulk(ctx context.Context) error {
	if s.bulk == nil {
		return nil
	}
	held, err := s.bulk.HeldByLiveRun(ctx)
	if err != nil {
		return fmt.Errorf("checking collection lock: %w", err)
	}
	if held {
		return apperrors.ErrAlreadyRunning
	}
	return nil
}

// RetryDue is ProcessRetries for callers outside the scheduler tick. It
// refuses with ErrAlreadyRunning while a live bulk run holds the lock.
func (s *Scheduler) RetryDue(ctx context.Context, max int) (*Summary, error) {
	if err := s.checkBulk(ctx); err != nil {
		return nil, err
	}
	return s.ProcessRetries(ctx, max)
}

// ProcessDue is one scheduler tick: retries first, then stale refreshes.
// The tick is skipped while a live bulk run holds the collection lock.
func (s *Scheduler) ProcessDue(ctx context.Context, maxRetries, maxStale int) (*TickSummary, error) {
	if err := s.checkBulk(ctx); errors.Is(err, apperrors.ErrAlreadyRunning) {
		s.logger.Info("scheduler tick skipped, bulk collection in progress")
		return &TickSummary{Skipped: true, Reason: "bulk collection in progress"}, nil
	} else if err != nil {
		return nil, err
	}
	retries, err := s.ProcessRetries(ctx, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("processing retries: %w", err)
	}
	stale, err := s.ProcessStale(ctx, maxStale)
	if err != nil {
		return nil, fmt.Errorf("processing stale libraries: %w", err)
	}
	tick := &TickSummary{Retries: *retries, Stale: *stale}
	s.logger.Info("scheduler tick finished",
		"retries_attempted", retries.Attempted,
		"retries_succeeded", retries.Succeeded,
		"stale_attempted", stale.Attempted,
	)
	return tick, nil
}

func (s *Scheduler) run(ctx context.Context, targets []*state.CollectionState, opts collector.Options) *Summary {
	libs := make([]library.Library, 0, len(targets))
	for _, st := range targets {
		lib, err := s.libraries.Resolve(ctx, st.Owner, st.Repo)
		if err != nil {
			s.logger.Error("resolving library failed", "library", st.Key(), "error", err)
			continue
		}
		libs = append(libs, lib)
	}
	return collectBatch(ctx, s.collector, libs, opts, s.logger)
}

// collectBatch collects libs one after another. A library whose lock is
// held elsewhere is counted as busy, not failed. Cancellation ends the batch
// without counting the interrupted library.
func collectBatch(ctx context.Context, c Collector, libs []library.Library, opts collector.Options, log *slog.Logger) *Summary {
	sum := &Summary{}
	for _, lib := range libs {
		if ctx.Err() != nil {
			break
		}
		res, err := c.Collect(ctx, lib, opts)
		if errors.Is(err, apperrors.ErrLibraryBusy) {
			sum.Busy++
			continue
		}
		if err != nil && ctx.Err() != nil {
			log.Warn("collection interrupted", "library", lib.Key())
			break
		}
		if err != nil {
			log.Error("collection errored", "library", lib.Key(), "error", err)
			sum.add(&collector.Result{Owner: lib.Owner, Repo: lib.Repo, Status: state.StatusFailed, Error: err.Error()})
			continue
		}
		sum.add(res)
	}
	return sum
}

// Stats counts tracked libraries by status.
func (s *Scheduler) Stats(ctx context.Context) (*Stats, error) {
	all, err := s.states.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.states.Now()
	st := &Stats{Total: len(all), ByStatus: make(map[state.Status]int)}
	for _, cs := range all {
		st.ByStatus[cs.Status]++
		if s.states.Retryable(cs, now) {
			st.Due++
		}
		if cs.Stale {
			st.Stale++
		}
		if cs.Terminal {
			st.Terminal++
		}
	}
	return st, nil
}

// Failed returns up to limit libraries whose last collection failed or was
// partial, terminal ones first.
func (s *Scheduler) Failed(ctx context.Context, limit int) ([]*state.CollectionState, error) {
	all, err := s.states.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*state.CollectionState
	for _, st := range all {
		if st.Status == state.StatusFailed || st.Status == state.StatusPartial {
			out = append(out, st)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Terminal && !out[j].Terminal
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ResetCollectionState clears a library's attempts and retry schedule. It
// takes the library lock, so a collection in flight makes it fail with
// ErrLibraryBusy, and a record still marked running is known to be
// abandoned and becomes failed.
func (s *Scheduler) ResetCollectionState(ctx context.Context, owner, repo, actor string) (*state.CollectionState, error) {
	if s.locks != nil {
		lease, err := s.locks.Acquire(ctx, owner, repo)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Error("releasing library lock failed", "library", owner+"/"+repo, "error", err)
			}
		}()
	}
	previous, err := s.states.Reset(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Warn("collection state reset",
		"actor", actor,
		"library", previous.Key(),
		"previous_status", previous.Status,
		"previous_attempts", previous.Attempts,
		"previous_terminal", previous.Terminal,
	)
	return s.states.Get(ctx, owner, repo)
}

// RetryLibrary resets one library and immediately resumes its collection.
// It targets a single library and so does not take the bulk lock.
func (s *Scheduler) RetryLibrary(ctx context.Context, owner, repo, actor string) (*collector.Result, error) {
	lib, err := s.libraries.Resolve(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	if _, err := s.ResetCollectionState(ctx, owner, repo, actor); err != nil {
		return nil, err
	}
	return s.collector.Collect(ctx, lib, collector.Options{Resume: true})
}

func retryTime(st *state.CollectionState) time.Time {
	if st.NextRetryAt == nil {
		return time.Time{}
	}
	return *st.NextRetryAt
}

func staleTime(st *state.CollectionState) time.Time {
	if st.StaleAt == nil {
		return time.Time{}
	}
	return *st.StaleAt
}
