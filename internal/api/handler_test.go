package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/allocation"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/collection/collector"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/collection/lock"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/collection/scheduler"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/collection/state"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/eligibility"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/library"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/metricscache"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/scoring"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/webhook"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/health"
)

const (
	adminEmail    = "ops@example.com"
	cronSecret    = "cron-secret"
	webhookSecret = "hook-secret"
)

type staticSource struct {
	id     string
	fields map[string]float64
}

func (s staticSource) ID() string { return s.id }

func (s staticSource) Fetch(context.Context, library.Library) (map[string]float64, error) {
	return s.fields, nil
}

type testServer struct {
	store   *kv.Memory
	global  *lock.Global
	cache   *metricscache.Cache
	handler http.Handler
}

func newTestServer(t *testing.T, cron string) *testServer {
	t.Helper()
	store := kv.NewMemory()
	states := state.NewStore(store, state.Policy{MaxAttempts: 3, BackoffBase: time.Minute, BackoffMax: time.Hour})
	cache := metricscache.New(store)
	installations := library.NewInstallations(store)
	registry := library.NewRegistry([]config.LibraryConfig{
		{Owner: "pmndrs", Repo: "zustand"},
		{Owner: "pmndrs", Repo: "jotai"},
	}, library.NewKVStore(store), installations)
	elig := eligibility.NewService(eligibility.NewMemoryStore(), cache)

	sources := []collector.Source{
		staticSource{id: "npm", fields: map[string]float64{ris.FieldNPMDownloads: 4_000_000}},
		staticSource{id: "github", fields: map[string]float64{
			ris.FieldCommits90d:        120,
			ris.FieldActiveMaintainers: 6,
			ris.FieldPermissiveLicense: 1,
			ris.FieldEcosystemTopic:    1,
			ris.FieldDocsCompleteness:  100,
		}},
	}
	libraryLocks := lock.NewLibraries(store, time.Minute, nil)
	coll := collector.New(sources, collector.Config{SourceTimeout: time.Second, SourceConcurrency: 2}, collector.Deps{
		States:      states,
		Cache:       cache,
		Locks:       libraryLocks,
		Eligibility: elig,
	})
	global := lock.NewGlobal(store, 15*time.Minute, time.Minute, nil)
	engine, err := scoring.NewEngine(nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	pool := allocation.PoolConfig{
		RISPoolPercent:          0.60,
		CISPoolPercent:          0.24,
		CoISPoolPercent:         0.16,
		TotalAllocationPercent:  0.20,
		MinimumQuarterlyPoolUSD: 10_000,
	}
	queue := webhook.NewQueue(store)

	h := NewHandler(Deps{
		Intake:      webhook.NewIntake(webhookSecret, queue, installations, nil),
		Queue:       queue,
		Processor:   webhook.NewProcessor(queue, store, states, time.Hour, nil),
		Scheduler:   scheduler.New(coll, states, registry, global, libraryLocks),
		Runner:      scheduler.NewRunner(global, registry, coll),
		Collector:   coll,
		States:      states,
		Lock:        global,
		Metrics:     cache,
		Scorer:      engine,
		Allocations: allocation.NewService(pool, 0.15, cache, engine, allocation.NewCache(store), allocation.Options{}),
		Eligibility: elig,
		Libraries:   registry,
	}, Limits{Threshold: 0.15, QueueMaxEvents: 100, DefaultMaxRetries: 10})

	return &testServer{
		store:   store,
		global:  global,
		cache:   cache,
		handler: NewRouter(h, NewAuth([]string{adminEmail}, cron), health.NewChecker(), nil, RouterOptions{Timeout: 5 * time.Second}),
	}
}

type requestOpt func(*http.Request)

func asAdmin(r *http.Request) { r.Header.Set(AdminEmailHeader, "OPS@example.com") }

func asCron(r *http.Request) { r.Header.Set("Authorization", "Bearer "+cronSecret) }

func (s *testServer) do(t *testing.T, method, path string, body any, opts ...requestOpt) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestAdminAuth(t *testing.T) {
	s := newTestServer(t, cronSecret)
	tests := []struct {
		name   string
		opts   []requestOpt
		status int
	}{
		{"anonymous", nil, http.StatusUnauthorized},
		{"unknown email", []requestOpt{func(r *http.Request) { r.Header.Set(AdminEmailHeader, "someone@example.com") }}, http.StatusForbidden},
		{"admin email any case", []requestOpt{asAdmin}, http.StatusOK},
		{"cron bearer", []requestOpt{asCron}, http.StatusOK},
		{"wrong bearer", []requestOpt{func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/api/v1/collection/lock", nil, tt.opts...)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCronEndpointsRequireSecret(t *testing.T) {
	s := newTestServer(t, cronSecret)
	if rec := s.do(t, http.MethodGet, "/api/v1/queue", nil, asAdmin); rec.Code != http.StatusUnauthorized {
		t.Errorf("admin email must not satisfy cron-only endpoints, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/api/v1/queue", nil, asCron); rec.Code != http.StatusOK {
		t.Errorf("expected 200 with cron secret, got %d", rec.Code)
	}

	unset := newTestServer(t, "")
	rec := unset.do(t, http.MethodPost, "/api/v1/queue/process", nil, asCron)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 when the cron secret is unset, got %d", rec.Code)
	}
}

func TestRunCollectionAndScores(t *testing.T) {
	s := newTestServer(t, cronSecret)

	rec := s.do(t, http.MethodPost, "/api/v1/collection/run", nil, asCron)
	if rec.Code != http.StatusOK {
		t.Fatalf("run: %d %s", rec.Code, rec.Body.String())
	}
	run := decode[scheduler.RunSummary](t, rec)
	if run.Attempted != 2 || run.Succeeded != 2 || run.IngestionID == "" {
		t.Fatalf("unexpected run summary %+v", run)
	}
	if st, _ := s.global.Status(context.Background()); st.Locked {
		t.Error("lock should be released after the run")
	}

	rec = s.do(t, http.MethodGet, "/api/v1/scores", nil, asAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("scores: %d", rec.Code)
	}
	body := decode[struct {
		Scores    []scoredLibrary `json:"scores"`
		Summary   scoring.Summary `json:"summary"`
		Threshold float64         `json:"threshold"`
	}](t, rec)
	if len(body.Scores) != 2 || body.Summary.Total != 2 || body.Threshold != 0.15 {
		t.Fatalf("unexpected scores body %+v", body)
	}
	for i, sc := range body.Scores {
		if sc.Eligible != (sc.RIS >= 0.15) {
			t.Errorf("eligible flag mismatch for %s", sc.LibraryName)
		}
		if i > 0 && body.Scores[i-1].RIS < sc.RIS {
			t.Error("scores should be sorted descending")
		}
	}
}

func TestRunConflictsWithLiveLock(t *testing.T) {
	s := newTestServer(t, cronSecret)
	lease, err := s.global.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release(context.Background())

	rec := s.do(t, http.MethodPost, "/api/v1/collection/run", nil, asAdmin)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	body := decode[struct {
		Lock lock.Status `json:"lock"`
	}](t, rec)
	if !body.Lock.Locked || body.Lock.Lock == nil || body.Lock.Lock.IngestionID != lease.Holder.IngestionID {
		t.Errorf("conflict should report the holder, got %+v", body.Lock)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/collection/retry", nil, asCron)
	if rec.Code != http.StatusConflict {
		t.Fatalf("bulk retry under a live run: expected 409, got %d", rec.Code)
	}
	body = decode[struct {
		Lock lock.Status `json:"lock"`
	}](t, rec)
	if body.Lock.Lock == nil || body.Lock.Lock.IngestionID != lease.Holder.IngestionID {
		t.Errorf("retry conflict should report the holder, got %+v", body.Lock)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/collection/lock", nil, asAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("force clear: %d", rec.Code)
	}
	if st, _ := s.global.Status(context.Background()); st.Locked {
		t.Error("lock should be cleared")
	}
}

func TestCollectionStatus(t *testing.T) {
	s := newTestServer(t, cronSecret)
	s.do(t, http.MethodPost, "/api/v1/collection/run", nil, asCron)

	tests := []struct {
		query  string
		status int
	}{
		{"", http.StatusOK},
		{"?type=overview", http.StatusOK},
		{"?type=failed", http.StatusOK},
		{"?type=library&owner=pmndrs&repo=zustand", http.StatusOK},
		{"?type=library&owner=pmndrs", http.StatusBadRequest},
		{"?type=library&owner=nobody&repo=nothing", http.StatusOK},
		{"?type=bogus", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/api/v1/collection/status"+tt.query, nil, asAdmin)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}

	rec := s.do(t, http.MethodGet, "/api/v1/collection/status?type=library&owner=pmndrs&repo=zustand", nil, asAdmin)
	st := decode[state.CollectionState](t, rec)
	if st.Status != state.StatusSucceeded {
		t.Errorf("expected succeeded, got %s", st.Status)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/collection/status", nil, asAdmin)
	overview := decode[struct {
		Sources map[string]string `json:"sources"`
	}](t, rec)
	if overview.Sources["npm"] != "closed" || overview.Sources["github"] != "closed" {
		t.Errorf("expected closed source circuits, got %v", overview.Sources)
	}
}

func TestRetryValidation(t *testing.T) {
	s := newTestServer(t, cronSecret)
	rec := s.do(t, http.MethodPost, "/api/v1/collection/retry", map[string]string{"owner": "pmndrs"}, asAdmin)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("owner without repo: expected 400, got %d", rec.Code)
	}
	rec = s.do(t, http.MethodPost, "/api/v1/collection/retry", nil, asCron)
	if rec.Code != http.StatusOK {
		t.Errorf("empty body retry: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = s.do(t, http.MethodPost, "/api/v1/collection/retry", map[string]string{"owner": "pmndrs", "repo": "zustand"}, asAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("single retry: %d %s", rec.Code, rec.Body.String())
	}
	res := decode[collector.Result](t, rec)
	if res.Status != state.StatusSucceeded {
		t.Errorf("expected succeeded retry, got %+v", res)
	}
}

func TestAllocations(t *testing.T) {
	s := newTestServer(t, cronSecret)

	if rec := s.do(t, http.MethodGet, "/api/v1/allocations?period=2026-Q5", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid period: expected 400, got %d", rec.Code)
	}
	rec := s.do(t, http.MethodGet, "/api/v1/allocations?period=2026-Q1", nil)
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "run a collection") {
		t.Errorf("expected 404 with guidance, got %d %s", rec.Code, rec.Body.String())
	}

	s.do(t, http.MethodPost, "/api/v1/collection/run", nil, asCron)
	if rec := s.do(t, http.MethodPost, "/api/v1/admin/allocations", map[string]any{"period": "2026-Q1"}, asAdmin); rec.Code != http.StatusBadRequest {
		t.Errorf("missing revenue: expected 400, got %d", rec.Code)
	}
	rec = s.do(t, http.MethodPost, "/api/v1/admin/allocations", map[string]any{"period": "2026-Q1", "totalRevenue": 1_000_000}, asAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("compute: %d %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/api/v1/allocations?period=2026-q1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	qa := decode[allocation.QuarterlyAllocation](t, rec)
	if qa.Period != "2026-Q1" || qa.TotalRevenue != 1_000_000 {
		t.Errorf("unexpected allocation %+v", qa)
	}
	var sum float64
	for _, lib := range qa.Libraries {
		sum += lib.AllocatedAmount
	}
	if qa.EligibleCount > 0 && (sum < qa.Pools.RISPool-1e-6 || sum > qa.Pools.RISPool+1e-6) {
		t.Errorf("allocated %v, RIS pool %v", sum, qa.Pools.RISPool)
	}
}

func TestEligibilityOverride(t *testing.T) {
	s := newTestServer(t, cronSecret)
	s.do(t, http.MethodPost, "/api/v1/collection/run", nil, asCron)

	rec := s.do(t, http.MethodPut, "/api/v1/admin/eligibility", map[string]any{
		"owner":              "pmndrs",
		"repo":               "zustand",
		"eligibility_status": "ineligible",
		"sponsorship_level":  "exclusive",
	}, asAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("override: %d %s", rec.Code, rec.Body.String())
	}
	m, err := s.cache.Get(context.Background(), "pmndrs", "zustand")
	if err != nil {
		t.Fatal(err)
	}
	if m.EligibilityStatus != "ineligible" {
		t.Errorf("cached metrics should carry the override, got %+v", m)
	}

	rec = s.do(t, http.MethodPut, "/api/v1/admin/eligibility", map[string]any{
		"owner": "pmndrs", "repo": "zustand", "eligibility_status": "maybe", "sponsorship_level": "none",
	}, asAdmin)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid status: expected 400, got %d", rec.Code)
	}
}

func TestLibraries(t *testing.T) {
	s := newTestServer(t, cronSecret)
	rec := s.do(t, http.MethodPost, "/api/v1/admin/libraries", library.Library{Owner: "TanStack", Repo: "query", Name: "@tanstack/react-query"}, asAdmin)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodPost, "/api/v1/admin/libraries", library.Library{Owner: "x"}, asAdmin); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without repo, got %d", rec.Code)
	}
	rec = s.do(t, http.MethodGet, "/api/v1/libraries", nil)
	body := decode[struct {
		Count int `json:"count"`
	}](t, rec)
	if body.Count != 3 {
		t.Errorf("expected 3 libraries, got %d", body.Count)
	}
}

func TestWebhookToQueueProcessing(t *testing.T) {
	s := newTestServer(t, cronSecret)
	payload := []byte(`{"ref":"refs/heads/main","repository":{"name":"zustand","full_name":"pmndrs/zustand","owner":{"login":"pmndrs"}}}`)
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(payload)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/github", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("responses should carry a request id")
	}

	length := decode[map[string]int64](t, s.do(t, http.MethodGet, "/api/v1/queue", nil, asCron))
	if length["queueLength"] != 1 {
		t.Fatalf("expected one queued event, got %v", length)
	}
	rec = s.do(t, http.MethodPost, "/api/v1/queue/process?maxEvents=10", nil, asCron)
	report := decode[webhook.Report](t, rec)
	if report.Processed != 1 || report.Applied != 1 || report.RemainingQueueLength != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	pushes, err := kv.Int(context.Background(), s.store, ris.ActivityKey("pmndrs", "zustand", "push"))
	if err != nil || pushes != 1 {
		t.Errorf("expected one recorded push, got %d (%v)", pushes, err)
	}

	failed := decode[struct {
		Count int `json:"count"`
	}](t, s.do(t, http.MethodGet, "/api/v1/queue/failed", nil, asAdmin))
	if failed.Count != 0 {
		t.Errorf("expected empty dead-letter list, got %d", failed.Count)
	}
}
