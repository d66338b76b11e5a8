package kv

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemorySetGetExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory(WithClock(clock.Now))

	if err := m.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, err := m.Get(ctx, "k"); err != nil || v != "v" {
		t.Fatalf("Get = %q, %v", v, err)
	}
	clock.Advance(time.Minute)
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestMemorySetNX(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(0, 0)}
	m := NewMemory(WithClock(clock.Now))

	ok, _ := m.SetNX(ctx, "lock", "a", time.Second)
	if !ok {
		t.Fatal("first SetNX should succeed")
	}
	ok, _ = m.SetNX(ctx, "lock", "b", time.Second)
	if ok {
		t.Fatal("second SetNX should fail while key is live")
	}
	clock.Advance(2 * time.Second)
	ok, _ = m.SetNX(ctx, "lock", "c", time.Second)
	if !ok {
		t.Fatal("SetNX should succeed after expiry")
	}
}

func TestMemoryDelIfEqual(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Set(ctx, "k", "token-1", 0)

	if ok, _ := m.DelIfEqual(ctx, "k", "token-2"); ok {
		t.Fatal("should not delete with wrong value")
	}
	if ok, _ := m.DelIfEqual(ctx, "k", "token-1"); !ok {
		t.Fatal("should delete with matching value")
	}
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected key gone, got %v", err)
	}
}

func TestMemoryIncrAndInt(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := 0; i < 3; i++ {
		if _, err := m.Incr(ctx, "c"); err != nil {
			t.Fatalf("Incr: %v", err)
		}
	}
	n, err := Int(ctx, m, "c")
	if err != nil || n != 3 {
		t.Fatalf("Int = %d, %v", n, err)
	}
	n, err = Int(ctx, m, "missing")
	if err != nil || n != 0 {
		t.Fatalf("Int(missing) = %d, %v", n, err)
	}
}

func TestMemorySets(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SAdd(ctx, "s", "a", "b", "a")
	members, _ := m.SMembers(ctx, "s")
	sort.Strings(members)
	if len(members) != 2 || members[0] != "a" || members[1] != "b" {
		t.Fatalf("unexpected members %v", members)
	}
	m.SRem(ctx, "s", "a")
	if ok, _ := m.SIsMember(ctx, "s", "a"); ok {
		t.Fatal("a should be removed")
	}
	if ok, _ := m.SIsMember(ctx, "s", "b"); !ok {
		t.Fatal("b should remain")
	}
}

func TestMemoryListIsFIFO(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.LPush(ctx, "q", "1")
	m.LPush(ctx, "q", "2")
	n, _ := m.LPush(ctx, "q", "3")
	if n != 3 {
		t.Fatalf("expected length 3, got %d", n)
	}
	head, _ := m.LRange(ctx, "q", 0, 0)
	if len(head) != 1 || head[0] != "3" {
		t.Fatalf("LRange head = %v", head)
	}
	all, _ := m.LRange(ctx, "q", 0, -1)
	if len(all) != 3 {
		t.Fatalf("LRange all = %v", all)
	}
	for _, want := range []string{"1", "2", "3"} {
		got, err := m.RPop(ctx, "q")
		if err != nil || got != want {
			t.Fatalf("RPop = %q, %v; want %q", got, err, want)
		}
	}
	if _, err := m.RPop(ctx, "q"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty list, got %v", err)
	}
	if n, _ := m.LLen(ctx, "q"); n != 0 {
		t.Fatalf("expected empty list, got %d", n)
	}
}

func TestMemoryConcurrentRPopDeliversOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	const total = 200
	for i := 0; i < total; i++ {
		m.LPush(ctx, "q", string(rune('a'+i%26)))
	}
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		count int
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, err := m.RPop(ctx, "q"); err != nil {
					return
				}
				mu.Lock()
				count++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if count != total {
		t.Fatalf("popped %d items, want %d", count, total)
	}
}

func TestMemoryWrongType(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Set(ctx, "k", "v", 0)
	if _, err := m.LPush(ctx, "k", "x"); err == nil {
		t.Fatal("expected wrong-type error")
	}
}
