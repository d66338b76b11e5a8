// Package api exposes the pipeline's HTTP surface: webhook intake, the
// collection and queue controls used by operators and the scheduler, and
// the scores and allocation read models.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/allocation"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/collection/collector"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/collection/lock"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/collection/scheduler"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/collection/state"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/eligibility"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/library"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/metricscache"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/scoring"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/webhook"
	apperrors "github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/logger"
)

const maxFailedListed = 200

// Deps are the components behind the API.
type Deps struct {
	Intake      *webhook.Intake
	Queue       *webhook.Queue
	Processor   *webhook.Processor
	Scheduler   *scheduler.Scheduler
	Runner      *scheduler.Runner
	Collector   *collector.Collector
	States      *state.Store
	Lock        *lock.Global
	Metrics     *metricscache.Cache
	Scorer      *scoring.Engine
	Allocations *allocation.Service
	Eligibility *eligibility.Service
	Libraries   *library.Registry
}

// Limits are request defaults.
type Limits struct {
	Threshold         float64
	QueueMaxEvents    int
	DefaultMaxRetries int
}

// Handler implements the API endpoints.
type Handler struct {
	deps   Deps
	limits Limits
	logger *slog.Logger
}

func NewHandler(deps Deps, limits Limits) *Handler {
	return &Handler{
		deps:   deps,
		limits: limits,
		logger: slog.Default().With("component", "api-handler"),
	}
}

// ---------- Collection ----------

type retryRequest struct {
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	MaxRetries int    `json:"maxRetries"`
}

// Retry resets and resumes one library, or processes every due retry.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, fmt.Errorf("%w: invalid JSON body", apperrors.ErrInvalidInput))
		return
	}
	if (req.Owner == "") != (req.Repo == "") {
		h.writeError(w, r, fmt.Errorf("%w: owner and repo must be given together", apperrors.ErrInvalidInput))
		return
	}
	if req.Owner != "" {
		res, err := h.deps.Scheduler.RetryLibrary(r.Context(), req.Owner, req.Repo, Actor(r.Context()))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, res)
		return
	}
	max := req.MaxRetries
	if max <= 0 {
		max = h.limits.DefaultMaxRetries
	}
	sum, err := h.deps.Scheduler.RetryDue(r.Context(), max)
	if errors.Is(err, apperrors.ErrAlreadyRunning) {
		h.writeLockConflict(w, r)
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sum)
}

// Run starts a bulk collection of every registered library.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	run, err := h.deps.Runner.RunAll(r.Context())
	if errors.Is(err, apperrors.ErrAlreadyRunning) {
		h.writeLockConflict(w, r)
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

// writeLockConflict answers 409 with the current holder of the collection
// lock.
func (h *Handler) writeLockConflict(w http.ResponseWriter, r *http.Request) {
	st, _ := h.deps.Lock.Status(r.Context())
	h.writeJSON(w, http.StatusConflict, map[string]any{
		"error": "collection already running",
		"lock":  st,
	})
}

// Tick runs one scheduler pass: due retries plus stale refreshes.
func (h *Handler) Tick(w http.ResponseWriter, r *http.Request) {
	maxRetries := queryInt(r, "maxRetries", h.limits.DefaultMaxRetries)
	maxStale := queryInt(r, "maxStale", h.limits.DefaultMaxRetries)
	tick, err := h.deps.Scheduler.ProcessDue(r.Context(), maxRetries, maxStale)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tick)
}

// Status reports collection state: ?type=overview (default), failed or
// library.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch typ := r.URL.Query().Get("type"); typ {
	case "", "overview":
		stats, err := h.deps.Scheduler.Stats(ctx)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		lockStatus, err := h.deps.Lock.Status(ctx)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		queued, err := h.deps.Queue.Len(ctx)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		deadLettered, err := h.deps.Queue.FailedLen(ctx)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		hits, misses := h.deps.Metrics.Stats()
		overview := map[string]any{
			"scheduler":         stats,
			"lock":              lockStatus,
			"queueLength":       queued,
			"failedQueueLength": deadLettered,
			"metricsCache":      map[string]int64{"hits": hits, "misses": misses},
		}
		if h.deps.Collector != nil {
			overview["sources"] = h.deps.Collector.SourceStates()
		}
		h.writeJSON(w, http.StatusOK, overview)
	case "failed":
		limit := queryInt(r, "limit", 50)
		if limit > maxFailedListed {
			limit = maxFailedListed
		}
		failed, err := h.deps.Scheduler.Failed(ctx, limit)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]any{"libraries": failed, "count": len(failed)})
	case "library":
		owner, repo := r.URL.Query().Get("owner"), r.URL.Query().Get("repo")
		if owner == "" || repo == "" {
			h.writeError(w, r, fmt.Errorf("%w: owner and repo are required", apperrors.ErrInvalidInput))
			return
		}
		st, err := h.deps.States.Get(ctx, owner, repo)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, st)
	default:
		h.writeError(w, r, fmt.Errorf("%w: unknown status type %q", apperrors.ErrInvalidInput, typ))
	}
}

// LockStatus reports the bulk collection lock.
func (h *Handler) LockStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Lock.Status(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// LockClear force-clears the bulk collection lock.
func (h *Handler) LockClear(w http.ResponseWriter, r *http.Request) {
	previous, err := h.deps.Lock.ForceClear(r.Context(), Actor(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"cleared": true, "previous": previous})
}

// ---------- Queue ----------

// ProcessQueue drains up to maxEvents webhook events.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	max := queryInt(r, "maxEvents", h.limits.QueueMaxEvents)
	report, err := h.deps.Processor.Process(r.Context(), max)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// QueueLength reports the queue without processing it.
func (h *Handler) QueueLength(w http.ResponseWriter, r *http.Request) {
	queued, err := h.deps.Queue.Len(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	deadLettered, err := h.deps.Queue.FailedLen(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"queueLength": queued, "failedQueueLength": deadLettered})
}

// FailedEvents lists dead-lettered events.
func (h *Handler) FailedEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.deps.Queue.Failed(r.Context(), int64(queryInt(r, "limit", 50)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// RequeueFailed moves dead-lettered events back onto the queue.
func (h *Handler) RequeueFailed(w http.ResponseWriter, r *http.Request) {
	moved, err := h.deps.Queue.RequeueFailed(r.Context(), queryInt(r, "max", 0))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Info("dead-lettered webhook events requeued", "count", moved)
	h.writeJSON(w, http.StatusOK, map[string]int{"requeued": moved})
}

// ---------- Scores & allocation ----------

type scoredLibrary struct {
	ris.LibraryScore
	Eligible bool `json:"eligible"`
}

// Scores returns every cached library's score, highest first.
func (h *Handler) Scores(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.deps.Metrics.All(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	scores := h.deps.Scorer.CalculateScores(snapshot)
	scoring.SortDescending(scores)
	out := make([]scoredLibrary, len(scores))
	for i, s := range scores {
		out[i] = scoredLibrary{LibraryScore: s, Eligible: s.RIS >= h.limits.Threshold}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"scores":    out,
		"summary":   scoring.Summarize(scores, h.limits.Threshold),
		"threshold": h.limits.Threshold,
	})
}

// Allocation returns the cached allocation for ?period, defaulting to the
// current quarter.
func (h *Handler) Allocation(w http.ResponseWriter, r *http.Request) {
	period := h.deps.Allocations.Current()
	if v := r.URL.Query().Get("period"); v != "" {
		p, err := allocation.ParsePeriod(v)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		period = p
	}
	qa, err := h.deps.Allocations.Get(r.Context(), period)
	if errors.Is(err, apperrors.ErrNotFound) {
		h.writeJSON(w, http.StatusNotFound, map[string]string{
			"error":  "no allocation for " + period.String(),
			"detail": "run a collection and compute the period's allocation first",
		})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, qa)
}

type computeRequest struct {
	Period       string   `json:"period"`
	TotalRevenue *float64 `json:"totalRevenue"`
}

// ComputeAllocation computes and caches a period's allocation.
func (h *Handler) ComputeAllocation(w http.ResponseWriter, r *http.Request) {
	var req computeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid JSON body", apperrors.ErrInvalidInput))
		return
	}
	if req.TotalRevenue == nil {
		h.writeError(w, r, fmt.Errorf("%w: totalRevenue is required", apperrors.ErrInvalidInput))
		return
	}
	period := h.deps.Allocations.Current()
	if req.Period != "" {
		p, err := allocation.ParsePeriod(req.Period)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		period = p
	}
	qa, err := h.deps.Allocations.Compute(r.Context(), period, *req.TotalRevenue)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Info("allocation computed on request", "period", qa.Period, "total_revenue", qa.TotalRevenue)
	h.writeJSON(w, http.StatusOK, qa)
}

// ---------- Eligibility & libraries ----------

// SetEligibility records an admin eligibility override.
func (h *Handler) SetEligibility(w http.ResponseWriter, r *http.Request) {
	var in eligibility.ReviewInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid JSON body", apperrors.ErrInvalidInput))
		return
	}
	review, err := h.deps.Eligibility.Record(r.Context(), in, Actor(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, review)
}

// ListLibraries returns the registry.
func (h *Handler) ListLibraries(w http.ResponseWriter, r *http.Request) {
	libs, err := h.deps.Libraries.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"libraries": libs, "count": len(libs)})
}

// RegisterLibrary adds a library to the registry.
func (h *Handler) RegisterLibrary(w http.ResponseWriter, r *http.Request) {
	var lib library.Library
	if err := json.NewDecoder(r.Body).Decode(&lib); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid JSON body", apperrors.ErrInvalidInput))
		return
	}
	if err := h.deps.Libraries.Register(r.Context(), lib); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, lib)
}

// ---------- Helpers ----------

func queryInt(r *http.Request, name string, fallback int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

// writeError maps err to its status. Server-side failures are logged and
// reported without detail.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		message = http.StatusText(status)
	}
	h.writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
