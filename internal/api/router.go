package api

import (
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/ratelimit"
)

// RouterOptions are the optional middleware settings.
type RouterOptions struct {
	Timeout     time.Duration
	Limiter     *ratelimit.Limiter
	CORSOrigins []string
}

// NewRouter builds the service's HTTP handler.
//
// Route table:
//
//	POST /api/v1/webhooks/github              → webhook intake (signature)
//	POST /api/v1/queue/process                → drain webhook queue (cron)
//	GET  /api/v1/queue                        → queue length (cron)
//	GET  /api/v1/queue/failed                 → dead-lettered events (admin)
//	POST /api/v1/queue/requeue-failed         → requeue dead letters (admin)
//	POST /api/v1/collection/run               → bulk collection (admin|cron)
//	POST /api/v1/collection/retry             → retries (admin|cron)
//	POST /api/v1/collection/tick              → scheduler tick (admin|cron)
//	GET  /api/v1/collection/status            → collection status (admin)
//	GET  /api/v1/collection/lock              → lock status (admin)
//	POST /api/v1/collection/lock              → force-clear lock (admin)
//	GET  /api/v1/scores                       → scores diagnostic (admin)
//	GET  /api/v1/allocations                  → cached allocation
//	POST /api/v1/admin/allocations            → compute allocation (admin)
//	PUT  /api/v1/admin/eligibility            → eligibility override (admin)
//	GET  /api/v1/libraries                    → registry
//	POST /api/v1/admin/libraries              → register library (admin)
//	GET  /health/live, /health/ready
//
// Middleware chain (outermost first):
//
//	RequestID → CORS → Metrics → Timeout → mux
//
// Unauthenticated reads are additionally rate limited per client IP.
func NewRouter(h *Handler, auth *Auth, checker *health.Checker, m *metrics.Metrics, opts RouterOptions) http.Handler {
	mux := http.NewServeMux()
	public := func(fn http.HandlerFunc) http.Handler { return fn }
	if opts.Limiter != nil {
		limit := middleware.RateLimit(opts.Limiter)
		public = func(fn http.HandlerFunc) http.Handler { return limit(fn) }
	}

	mux.Handle("POST /api/v1/webhooks/github", h.deps.Intake)

	mux.HandleFunc("POST /api/v1/queue/process", auth.Cron(h.ProcessQueue))
	mux.HandleFunc("GET /api/v1/queue", auth.Cron(h.QueueLength))
	mux.HandleFunc("GET /api/v1/queue/failed", auth.Admin(h.FailedEvents))
	mux.HandleFunc("POST /api/v1/queue/requeue-failed", auth.Admin(h.RequeueFailed))

	mux.HandleFunc("POST /api/v1/collection/run", auth.Admin(h.Run))
	mux.HandleFunc("POST /api/v1/collection/retry", auth.Admin(h.Retry))
	mux.HandleFunc("POST /api/v1/collection/tick", auth.Admin(h.Tick))
	mux.HandleFunc("GET /api/v1/collection/status", auth.Admin(h.Status))
	mux.HandleFunc("GET /api/v1/collection/lock", auth.Admin(h.LockStatus))
	mux.HandleFunc("POST /api/v1/collection/lock", auth.Admin(h.LockClear))

	mux.HandleFunc("GET /api/v1/scores", auth.Admin(h.Scores))
	mux.Handle("GET /api/v1/allocations", public(h.Allocation))
	mux.HandleFunc("POST /api/v1/admin/allocations", auth.Admin(h.ComputeAllocation))
	mux.HandleFunc("PUT /api/v1/admin/eligibility", auth.Admin(h.SetEligibility))
	mux.Handle("GET /api/v1/libraries", public(h.ListLibraries))
	mux.HandleFunc("POST /api/v1/admin/libraries", auth.Admin(h.RegisterLibrary))

	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	if opts.Timeout > 0 {
		chain = middleware.Timeout(opts.Timeout)(chain)
	}
	if m != nil {
		chain = middleware.Metrics(m)(chain)
	}
	if len(opts.CORSOrigins) > 0 {
		chain = middleware.CORS(opts.CORSOrigins)(chain)
	}
	chain = middleware.RequestID(chain)
	return chain
}
