// Package state persists the per-library collection state machine: status,
// attempt count, per-source failures and the next retry time.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/resilience"
)

// Status is the outcome of the last collection attempt.
type Status string

const (
	StatusNever     Status = "never"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

const (
	keyPrefix      = "collection:state:"
	stalePrefix    = "collection:stale:"
	trackedKey     = "collection:tracked"
	interruptedMsg = "collection interrupted"
)

// CollectionState is the durable record of one library's collection
// progress.
type CollectionState struct {
	Owner         string            `json:"owner"`
	Repo          string            `json:"repo"`
	Status        Status            `json:"status"`
	Attempts      int               `json:"attempts"`
	LastAttemptAt *time.Time        `json:"lastAttemptAt,omitempty"`
	LastSuccessAt *time.Time        `json:"lastSuccessAt,omitempty"`
	FailedSources map[string]string `json:"failedSources,omitempty"`
	NextRetryAt   *time.Time        `json:"nextRetryAt,omitempty"`
	// Stale marks a library whose upstream changed since its last
	// collection; the scheduler refreshes it with a full run. Stale and
	// StaleAt live under their own key so webhook processing never rewrites
	// the record a running collection owns.
	Stale     bool       `json:"stale,omitempty"`
	StaleAt   *time.Time `json:"staleAt,omitempty"`
	Terminal  bool       `json:"terminal,omitempty"`
	LastError string     `json:"lastError,omitempty"`
}

// Key returns the library key of the state.
func (s *CollectionState) Key() string { return ris.Key(s.Owner, s.Repo) }

// FailedSourceIDs returns the failing sources in sorted order.
func (s *CollectionState) FailedSourceIDs() []string {
	ids := make([]string, 0, len(s.FailedSources))
	for id := range s.FailedSources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Due reports whether a failed or partial library may be retried at now.
func (s *CollectionState) Due(now time.Time) bool {
	if s.Terminal || (s.Status != StatusFailed && s.Status != StatusPartial) {
		return false
	}
	return s.NextRetryAt == nil || !s.NextRetryAt.After(now)
}

// Abandoned reports whether a running attempt started at least timeout ago.
// Its collector is gone: a live one holds the library lock, which expires
// after the same timeout.
func (s *CollectionState) Abandoned(now time.Time, timeout time.Duration) bool {
	if s.Status != StatusRunning || timeout <= 0 || s.LastAttemptAt == nil {
		return false
	}
	return !now.Before(s.LastAttemptAt.Add(timeout))
}

// Policy bounds retries. RunningTimeout matches the per-library lock TTL; a
// zero value never treats a running record as abandoned.
type Policy struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RunningTimeout time.Duration
}

// Backoff returns the delay before retry number attempts.
func (p Policy) Backoff(attempts int) time.Duration {
	return resilience.Backoff(attempts, p.BackoffBase, p.BackoffMax)
}

// Store reads and writes CollectionState records through a kv.Store.
type Store struct {
	kv     kv.Store
	policy Policy
	now    func() time.Time
	logger *slog.Logger
}

// NewStore returns a Store applying policy to recorded outcomes.
func NewStore(store kv.Store, policy Policy) *Store {
	return &Store{
		kv:     store,
		policy: policy,
		now:    time.Now,
		logger: slog.Default().With("component", "collection-state"),
	}
}

// WithClock overrides the store's clock.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.now() }

// Policy returns the retry policy.
func (s *Store) Policy() Policy { return s.policy }

// Retryable reports whether the scheduler should resume st now: a due
// failed or partial library, or a running one whose collector died.
func (s *Store) Retryable(st *CollectionState, now time.Time) bool {
	if st.Due(now) {
		return true
	}
	return !st.Terminal && st.Abandoned(now, s.policy.RunningTimeout)
}

// Live reports whether st is running under a collector that may still be
// alive.
func (s *Store) Live(st *CollectionState, now time.Time) bool {
	return st.Status == StatusRunning && !st.Abandoned(now, s.policy.RunningTimeout)
}

// Get returns the state for a library; an unknown library is in status never.
func (s *Store) Get(ctx context.Context, owner, repo string) (*CollectionState, error) {
	st := &CollectionState{Owner: owner, Repo: repo, Status: StatusNever}
	data, err := s.kv.Get(ctx, keyPrefix+ris.Key(owner, repo))
	switch {
	case errors.Is(err, kv.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("reading collection state: %w", err)
	default:
		if err := json.Unmarshal([]byte(data), st); err != nil {
			return nil, fmt.Errorf("decoding collection state %s: %w", ris.Key(owner, repo), err)
		}
	}
	staleAt, _, err := s.staleMark(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	st.Stale = staleAt != nil
	st.StaleAt = staleAt
	return st, nil
}

// staleMark returns the time of the latest activity that marked the library
// stale, and the raw stored value for compare-and-delete.
func (s *Store) staleMark(ctx context.Context, owner, repo string) (*time.Time, string, error) {
	raw, err := s.kv.Get(ctx, stalePrefix+ris.Key(owner, repo))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading stale mark: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, "", fmt.Errorf("decoding stale mark %s: %w", ris.Key(owner, repo), err)
	}
	return &at, raw, nil
}

// clearStale drops the stale mark if no activity arrived after attemptStart.
// A newer mark, including one written concurrently, survives for the next
// refresh.
func (s *Store) clearStale(ctx context.Context, st *CollectionState, attemptStart time.Time) error {
	at, raw, err := s.staleMark(ctx, st.Owner, st.Repo)
	if err != nil || at == nil {
		st.Stale, st.StaleAt = at != nil, at
		return err
	}
	if at.After(attemptStart) {
		st.Stale, st.StaleAt = true, at
		return nil
	}
	if _, err := s.kv.DelIfEqual(ctx, stalePrefix+st.Key(), raw); err != nil {
		return fmt.Errorf("clearing stale mark: %w", err)
	}
	st.Stale, st.StaleAt = false, nil
	return nil
}

// Put writes st and adds the library to the tracked set. The stale flag is
// not part of the record and is ignored.
func (s *Store) Put(ctx context.Context, st *CollectionState) error {
	record := *st
	record.Stale = false
	record.StaleAt = nil
	data, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("encoding collection state: %w", err)
	}
	key := st.Key()
	if err := s.kv.Set(ctx, keyPrefix+key, string(data), 0); err != nil {
		return fmt.Errorf("writing collection state: %w", err)
	}
	if err := s.kv.SAdd(ctx, trackedKey, key); err != nil {
		return fmt.Errorf("tracking library: %w", err)
	}
	return nil
}

// List returns every tracked library's state ordered by key.
func (s *Store) List(ctx context.Context) ([]*CollectionState, error) {
	keys, err := s.kv.SMembers(ctx, trackedKey)
	if err != nil {
		return nil, fmt.Errorf("listing tracked libraries: %w", err)
	}
	sort.Strings(keys)
	out := make([]*CollectionState, 0, len(keys))
	for _, key := range keys {
		owner, repo, err := ris.SplitKey(key)
		if err != nil {
			s.logger.Warn("dropping malformed tracked key", "key", key)
			continue
		}
		st, err := s.Get(ctx, owner, repo)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// MarkRunning records the start of an attempt.
func (s *Store) MarkRunning(ctx context.Context, owner, repo string) (*CollectionState, error) {
	st, err := s.Get(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	st.Status = StatusRunning
	st.LastAttemptAt = &now
	return st, s.Put(ctx, st)
}

// RecordOutcome applies a finished attempt. failed maps each still-failing
// source to its last error; fatal is set when no source could run at all.
// A success clears attempts; a failure schedules the next retry or, past the
// attempt cap, leaves the library terminal. Either way the stale mark is
// cleared unless activity arrived after the attempt started.
func (s *Store) RecordOutcome(ctx context.Context, owner, repo string, status Status, failed map[string]string, fatal string) (*CollectionState, error) {
	st, err := s.Get(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	attemptStart := now
	if st.Status == StatusRunning && st.LastAttemptAt != nil {
		attemptStart = *st.LastAttemptAt
	}
	st.Status = status
	st.LastAttemptAt = &now
	st.LastError = fatal

	switch status {
	case StatusSucceeded:
		st.Attempts = 0
		st.FailedSources = nil
		st.NextRetryAt = nil
		st.Terminal = false
		st.LastSuccessAt = &now
	case StatusPartial, StatusFailed:
		st.Attempts++
		st.FailedSources = failed
		if status == StatusPartial {
			st.LastSuccessAt = &now
		}
		if st.Attempts >= s.policy.MaxAttempts {
			st.NextRetryAt = nil
			st.Terminal = true
		} else {
			next := now.Add(s.policy.Backoff(st.Attempts))
			st.NextRetryAt = &next
		}
	default:
		return nil, fmt.Errorf("cannot record outcome %q", status)
	}

	if err := s.Put(ctx, st); err != nil {
		return nil, err
	}
	// A stale library has been refreshed once, successfully or not; further
	// attempts follow the retry schedule.
	if err := s.clearStale(ctx, st, attemptStart); err != nil {
		return nil, err
	}
	if st.Terminal {
		s.logger.Warn("library collection is terminally failed",
			"library", st.Key(),
			"attempts", st.Attempts,
			"failed_sources", st.FailedSourceIDs(),
		)
	}
	return st, nil
}

// RecordInterrupted ends an attempt cut short by shutdown or cancellation.
// It does not count against the attempt budget: the library is left failed
// and immediately due, with the interrupted sources added to the failed set
// so a resume run fetches them. The stale mark is kept.
func (s *Store) RecordInterrupted(ctx context.Context, owner, repo string, interrupted map[string]string) (*CollectionState, error) {
	st, err := s.Get(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	st.Status = StatusFailed
	st.LastAttemptAt = &now
	st.LastError = interruptedMsg
	st.NextRetryAt = nil
	if len(interrupted) > 0 {
		merged := make(map[string]string, len(st.FailedSources)+len(interrupted))
		for id, msg := range st.FailedSources {
			merged[id] = msg
		}
		for id, msg := range interrupted {
			merged[id] = msg
		}
		st.FailedSources = merged
	}
	if err := s.Put(ctx, st); err != nil {
		return nil, err
	}
	s.logger.Info("collection interrupted", "library", st.Key(), "attempts", st.Attempts)
	return st, nil
}

// MarkStale flags a library for a full refresh on the next scheduler tick.
// It only writes the stale mark, so it is safe while a collection of the
// same library is running. A later activity moves the mark forward.
func (s *Store) MarkStale(ctx context.Context, owner, repo string) error {
	key := ris.Key(owner, repo)
	now := s.now().UTC().Format(time.RFC3339Nano)
	if err := s.kv.Set(ctx, stalePrefix+key, now, 0); err != nil {
		return fmt.Errorf("writing stale mark: %w", err)
	}
	if err := s.kv.SAdd(ctx, trackedKey, key); err != nil {
		return fmt.Errorf("tracking library: %w", err)
	}
	return nil
}

// Reset clears attempts and the retry schedule so the library can be
// retried immediately, and returns the state as it was before the reset.
// The caller must hold the library lock: a running record is then known to
// be abandoned and is moved to failed.
func (s *Store) Reset(ctx context.Context, owner, repo string) (*CollectionState, error) {
	st, err := s.Get(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	previous := *st
	st.Attempts = 0
	st.NextRetryAt = nil
	st.Terminal = false
	if st.Status == StatusRunning {
		st.Status = StatusFailed
		st.LastError = interruptedMsg
	}
	if err := s.Put(ctx, st); err != nil {
		return nil, err
	}
	return &previous, nil
}
