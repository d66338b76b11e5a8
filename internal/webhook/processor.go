package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/metrics"
)

// StaleMarker flags a library for re-collection.
type StaleMarker interface {
	MarkStale(ctx context.Context, owner, repo string) error
}

// Report is the outcome of one Process call.
type Report struct {
	Processed            int   `json:"processed"`
	Applied              int   `json:"applied"`
	Duplicates           int   `json:"duplicates"`
	Failed               int   `json:"failed"`
	RemainingQueueLength int64 `json:"remainingQueueLength"`
	DurationMs           int64 `json:"durationMs"`
}

// claimTTL bounds how long a delivery stays claimed before its effects are
// confirmed. A processor that dies mid-delivery blocks redeliveries of that
// id for this long instead of for the whole dedupe window.
const claimTTL = 10 * time.Minute

// Processor drains the webhook queue. Each delivery is applied at most once:
// a short-lived pending marker keyed by delivery id is claimed with SetNX
// before the effects run, released if they fail so the event can be
// requeued, and extended to the dedupe TTL once they succeed.
type Processor struct {
	queue     *Queue
	store     kv.Store
	states    StaleMarker
	dedupeTTL time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

func NewProcessor(queue *Queue, store kv.Store, states StaleMarker, dedupeTTL time.Duration, m *metrics.Metrics) *Processor {
	return &Processor{
		queue:     queue,
		store:     store,
		states:    states,
		dedupeTTL: dedupeTTL,
		metrics:   m,
		now:       time.Now,
		logger:    slog.Default().With("component", "webhook-processor"),
	}
}

// Process pops and applies up to max events. A failing event is
// dead-lettered and the batch continues.
func (p *Processor) Process(ctx context.Context, max int) (*Report, error) {
	start := p.now()
	report := &Report{}
	for report.Processed < max {
		if ctx.Err() != nil {
			break
		}
		raw, ok, err := p.queue.pop(ctx, queueKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		report.Processed++
		switch result := p.handle(ctx, raw); result {
		case "applied":
			report.Applied++
		case "duplicate":
			report.Duplicates++
		default:
			report.Failed++
		}
	}

	remaining, err := p.queue.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading queue length: %w", err)
	}
	report.RemainingQueueLength = remaining
	report.DurationMs = p.now().Sub(start).Milliseconds()
	if p.metrics != nil {
		p.metrics.QueueLength.Set(float64(remaining))
	}
	if report.Processed > 0 {
		p.logger.Info("webhook queue processed",
			"processed", report.Processed,
			"applied", report.Applied,
			"duplicates", report.Duplicates,
			"failed", report.Failed,
			"remaining", remaining,
		)
	}
	return report, nil
}

func (p *Processor) handle(ctx context.Context, raw string) string {
	result := p.apply(ctx, raw)
	if p.metrics != nil {
		p.metrics.QueueEvents.WithLabelValues(result).Inc()
	}
	return result
}

func (p *Processor) apply(ctx context.Context, raw string) string {
	var e Event
	if err := json.Unmarshal([]byte(raw), &e); err != nil || e.DeliveryID == "" {
		p.logger.Error("dropping undecodable webhook event", "error", err, "raw", truncate(raw, 200))
		p.fail(ctx, raw)
		return "failed"
	}
	log := p.logger.With("delivery_id", e.DeliveryID, "event_type", e.EventType, "library", e.LibraryKey())

	marker := appliedPrefix + e.DeliveryID
	claimed, err := p.store.SetNX(ctx, marker, "pending", p.claimFor())
	if err != nil {
		log.Error("claiming delivery failed", "error", err)
		p.fail(ctx, raw)
		return "failed"
	}
	if !claimed {
		log.Debug("delivery already applied")
		return "duplicate"
	}

	if err := p.effects(ctx, &e); err != nil {
		log.Error("applying webhook event failed", "error", err)
		if err := p.store.Del(ctx, marker); err != nil {
			log.Error("releasing delivery marker failed", "error", err)
		}
		p.fail(ctx, raw)
		return "failed"
	}
	if err := p.store.Set(ctx, marker, p.now().UTC().Format(time.RFC3339), p.dedupeTTL); err != nil {
		log.Error("confirming delivery marker failed, redeliveries after the claim expires will apply again", "error", err)
	}
	return "applied"
}

func (p *Processor) claimFor() time.Duration {
	if p.dedupeTTL > 0 && p.dedupeTTL < claimTTL {
		return p.dedupeTTL
	}
	return claimTTL
}

func (p *Processor) effects(ctx context.Context, e *Event) error {
	if err := p.states.MarkStale(ctx, e.Owner, e.Repo); err != nil {
		return fmt.Errorf("marking stale: %w", err)
	}
	if _, err := p.store.Incr(ctx, ris.ActivityKey(e.Owner, e.Repo, e.EventType)); err != nil {
		return fmt.Errorf("counting activity: %w", err)
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, raw string) {
	if err := p.queue.deadLetter(ctx, raw); err != nil {
		p.logger.Error("event lost", "error", err, "raw", truncate(raw, 200))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
