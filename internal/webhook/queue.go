// Package webhook receives GitHub App deliveries and turns content events
// into collection work through a durable queue.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
)

const (
	queueKey      = "webhook:queue"
	failedKey     = "webhook:queue:failed"
	appliedPrefix = "webhook:applied:"
)

// Event is a queued content event, keyed by its delivery id.
type Event struct {
	DeliveryID string    `json:"deliveryId"`
	EventType  string    `json:"eventType"`
	Action     string    `json:"action,omitempty"`
	Owner      string    `json:"owner"`
	Repo       string    `json:"repo"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// LibraryKey returns the "owner/repo" key of the event's repository.
func (e *Event) LibraryKey() string { return ris.Key(e.Owner, e.Repo) }

// Queue is a FIFO list of events: LPUSH to enqueue, RPOP to dequeue. Pops
// are atomic so concurrent processors never receive the same item.
type Queue struct {
	store kv.Store
}

func NewQueue(store kv.Store) *Queue {
	return &Queue{store: store}
}

// Enqueue appends e and returns the new queue length.
func (q *Queue) Enqueue(ctx context.Context, e *Event) (int64, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("encoding webhook event: %w", err)
	}
	n, err := q.store.LPush(ctx, queueKey, string(data))
	if err != nil {
		return 0, fmt.Errorf("enqueueing webhook event: %w", err)
	}
	return n, nil
}

// pop removes the oldest raw item. ok is false when the queue is empty.
func (q *Queue) pop(ctx context.Context, key string) (raw string, ok bool, err error) {
	raw, err = q.store.RPop(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("popping %s: %w", key, err)
	}
	return raw, true, nil
}

// Len returns the number of pending events.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.store.LLen(ctx, queueKey)
}

// FailedLen returns the number of dead-lettered events.
func (q *Queue) FailedLen(ctx context.Context) (int64, error) {
	return q.store.LLen(ctx, failedKey)
}

// Failed returns up to limit dead-lettered events, oldest first. Items
// that no longer decode are skipped.
func (q *Queue) Failed(ctx context.Context, limit int64) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := q.store.LRange(ctx, failedKey, -limit, -1)
	if err != nil {
		return nil, fmt.Errorf("reading failed events: %w", err)
	}
	out := make([]Event, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var e Event
		if json.Unmarshal([]byte(raws[i]), &e) == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (q *Queue) deadLetter(ctx context.Context, raw string) error {
	if _, err := q.store.LPush(ctx, failedKey, raw); err != nil {
		return fmt.Errorf("dead-lettering webhook event: %w", err)
	}
	return nil
}

// RequeueFailed moves up to max dead-lettered events back onto the queue
// and returns how many were moved.
func (q *Queue) RequeueFailed(ctx context.Context, max int) (int, error) {
	moved := 0
	for max <= 0 || moved < max {
		raw, ok, err := q.pop(ctx, failedKey)
		if err != nil {
			return moved, err
		}
		if !ok {
			break
		}
		if _, err := q.store.LPush(ctx, queueKey, raw); err != nil {
			// Put it back rather than lose it.
			q.deadLetter(ctx, raw)
			return moved, fmt.Errorf("requeueing webhook event: %w", err)
		}
		moved++
	}
	return moved, nil
}
