// Package kv defines the key/value, set and list primitives the pipeline
// coordinates through, with a Redis backend for shared deployments and an
// in-process backend for single instances and tests.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrNotFound is returned by Get and RPop when the key or list is empty.
var ErrNotFound = errors.New("kv: key not found")

// Store is the shared-state contract. Every method must be safe for
// concurrent use and, for a shared backend, atomic across processes.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value; a zero ttl keeps the key until deleted.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	// DelIfEqual deletes key only while it still holds value.
	DelIfEqual(ctx context.Context, key, value string) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	LPush(ctx context.Context, key string, values ...string) (int64, error)
	// RPop removes the oldest element of a list filled by LPush.
	RPop(ctx context.Context, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	Ping(ctx context.Context) error
}

// Int parses a counter value written by Incr, treating a missing key as 0.
func Int(ctx context.Context, s Store, key string) (int64, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing counter %s: %w", key, err)
	}
	return n, nil
}
