package kv

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type kind int

const (
	kindString kind = iota
	kindSet
	kindList
)

type entry struct {
	kind    kind
	str     string
	set     map[string]struct{}
	list    []string // head first; LPush prepends, RPop takes the tail
	expires time.Time
}

// Memory is an in-process Store. It is only correct for a single process.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the clock used for TTL expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns an empty in-process store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lookup returns the live entry for key, evicting it if expired. The caller
// holds m.mu.
func (m *Memory) lookup(key string) *entry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *Memory) typed(key string, k kind) (*entry, error) {
	e := m.lookup(key)
	if e != nil && e.kind != k {
		return nil, fmt.Errorf("kv: wrong type for key %s", key)
	}
	return e, nil
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.typed(key, kindString)
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", ErrNotFound
	}
	return e.str, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &entry{kind: kindString, str: value, expires: m.expiry(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookup(key) != nil {
		return false, nil
	}
	m.entries[key] = &entry{kind: kindString, str: value, expires: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) DelIfEqual(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil || e.kind != kindString || e.str != value {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.typed(key, kindString)
	if err != nil {
		return 0, err
	}
	if e == nil {
		m.entries[key] = &entry{kind: kindString, str: "1"}
		return 1, nil
	}
	n, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("kv: value at %s is not an integer", key)
	}
	n++
	e.str = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.typed(key, kindSet)
	if err != nil {
		return err
	}
	if e == nil {
		e = &entry{kind: kindSet, set: make(map[string]struct{})}
		m.entries[key] = e
	}
	for _, member := range members {
		e.set[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.typed(key, kindSet)
	if err != nil || e == nil {
		return err
	}
	for _, member := range members {
		delete(e.set, member)
	}
	if len(e.set) == 0 {
		delete(m.entries, key)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.typed(key, kindSet)
	if err != nil || e == nil {
		return nil, err
	}
	out := make([]string, 0, len(e.set))
	for member := range e.set {
		out = append(out, member)
	}
	return out, nil
}

func (m *Memory) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.typed(key, kindSet)
	if err != nil || e == nil {
		return false, err
	}
	_, ok := e.set[member]
	return ok, nil
}

func (m *Memory) LPush(_ context.Context, key string, values ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.typed(key, kindList)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = &entry{kind: kindList}
		m.entries[key] = e
	}
	for _, v := range values {
		e.list = append([]string{v}, e.list...)
	}
	return int64(len(e.list)), nil
}

func (m *Memory) RPop(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.typed(key, kindList)
	if err != nil {
		return "", err
	}
	if e == nil || len(e.list) == 0 {
		return "", ErrNotFound
	}
	last := e.list[len(e.list)-1]
	e.list = e.list[:len(e.list)-1]
	if len(e.list) == 0 {
		delete(m.entries, key)
	}
	return last, nil
}

func (m *Memory) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.typed(key, kindList)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.list)), nil
}

// LRange follows Redis index rules: negative indexes count from the tail.
func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.typed(key, kindList)
	if err != nil || e == nil {
		return nil, err
	}
	n := int64(len(e.list))
	if start < 0 {
		start = max(n+start, 0)
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, e.list[start:stop+1])
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
