package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/kv"
	apperrors "github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/errors"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestGlobalAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	g := NewGlobal(kv.NewMemory(), 15*time.Minute, 0, nil)

	lease, err := g.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := g.Acquire(ctx); !errors.Is(err, apperrors.ErrAlreadyRunning) {
		t.Fatalf("second Acquire err = %v, want ErrAlreadyRunning", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Acquire(ctx); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestGlobalStatusReportsStale(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := kv.NewMemory(kv.WithClock(c.now))
	g := NewGlobal(store, 15*time.Minute, 0, nil).WithClock(c.now)

	st, _ := g.Status(ctx)
	if st.Locked {
		t.Fatal("fresh lock should be free")
	}
	lease, err := g.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	c.t = c.t.Add(10 * time.Minute)
	st, _ = g.Status(ctx)
	if !st.Locked || st.Stale || st.AgeMs != (10*time.Minute).Milliseconds() {
		t.Fatalf("live status = %+v", st)
	}
	if st.Lock.IngestionID != lease.Holder.IngestionID {
		t.Fatal("status should report the holder")
	}

	c.t = c.t.Add(6 * time.Minute)
	st, _ = g.Status(ctx)
	if !st.Locked || !st.Stale {
		t.Fatalf("expected stale lock past TTL, got %+v", st)
	}
	if held, _ := g.HeldByLiveRun(ctx); held {
		t.Fatal("stale lock is not held by a live run")
	}
	// Still fail-fast while the key exists.
	if _, err := g.Acquire(ctx); !errors.Is(err, apperrors.ErrAlreadyRunning) {
		t.Fatalf("Acquire on stale lock err = %v", err)
	}

	// The key expires after TTL + grace.
	c.t = c.t.Add(15 * time.Minute)
	if st, _ = g.Status(ctx); st.Locked {
		t.Fatalf("expected key expiry, got %+v", st)
	}
}

func TestGlobalForceClear(t *testing.T) {
	ctx := context.Background()
	g := NewGlobal(kv.NewMemory(), time.Minute, 0, nil)
	lease, _ := g.Acquire(ctx)

	prev, err := g.ForceClear(ctx, "ops@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !prev.Locked || prev.Lock.IngestionID != lease.Holder.IngestionID {
		t.Fatalf("ForceClear returned %+v", prev)
	}
	next, err := g.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after clear: %v", err)
	}
	// The old lease must not release the new holder's lock.
	lease.Release(ctx)
	if st, _ := g.Status(ctx); !st.Locked || st.Lock.IngestionID != next.Holder.IngestionID {
		t.Fatalf("stale lease released the new lock: %+v", st)
	}
}

func TestLibraryLocks(t *testing.T) {
	ctx := context.Background()
	l := NewLibraries(kv.NewMemory(), time.Minute, nil)

	a, err := l.Acquire(ctx, "o", "a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Acquire(ctx, "O", "A"); !errors.Is(err, apperrors.ErrLibraryBusy) {
		t.Fatalf("err = %v, want ErrLibraryBusy", err)
	}
	if _, err := l.Acquire(ctx, "o", "b"); err != nil {
		t.Fatalf("other library should be free: %v", err)
	}
	a.Release(ctx)
	if _, err := l.Acquire(ctx, "o", "a"); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}
