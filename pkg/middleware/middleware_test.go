package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/ratelimit"
)

func TestRequestIDAssignsAndPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rec.Header().Get(RequestIDHeader) != seen {
		t.Fatalf("expected generated id echoed, got %q / %q", seen, rec.Header().Get(RequestIDHeader))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "abc-123" {
		t.Errorf("expected caller id to propagate, got %q", seen)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/api/v1/webhooks/github", "/api/v1/webhooks/github"},
		{"/api/v1/libraries/pmndrs/zustand/retry", "/api/v1/libraries/:owner/:repo/retry"},
		{"/api/v1/libraries/pmndrs/zustand", "/api/v1/libraries/:owner/:repo"},
		{"/api/v1/libraries/pmndrs", "/api/v1/libraries/pmndrs"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.in); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTimeoutWritesGatewayTimeout(t *testing.T) {
	h := Timeout(20 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", rec.Code)
	}
}

func TestTimeoutPassesFastResponses(t *testing.T) {
	h := Timeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("handler headers not copied: %v", rec.Header())
	}
}

func TestRateLimitByClientIP(t *testing.T) {
	limiter := ratelimit.New(1, time.Hour)
	h := RateLimit(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/allocations", nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := send("203.0.113.7"); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	if code := send("203.0.113.7"); code != http.StatusTooManyRequests {
		t.Errorf("second request: expected 429, got %d", code)
	}
	if code := send("198.51.100.1"); code != http.StatusOK {
		t.Errorf("other client: expected 200, got %d", code)
	}
}

func TestCORS(t *testing.T) {
	called := false
	h := CORS([]string{"https://dashboard.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	tests := []struct {
		name       string
		method     string
		origin     string
		wantHeader string
		wantCalled bool
		wantStatus int
	}{
		{"allowed origin", http.MethodGet, "https://dashboard.example.com", "https://dashboard.example.com", true, http.StatusOK},
		{"preflight", http.MethodOptions, "https://dashboard.example.com", "https://dashboard.example.com", false, http.StatusNoContent},
		{"other origin", http.MethodGet, "https://evil.example.com", "", true, http.StatusOK},
		{"no origin", http.MethodGet, "", "", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called = false
			req := httptest.NewRequest(tt.method, "/api/v1/allocations", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantHeader {
				t.Errorf("allow-origin = %q, want %q", got, tt.wantHeader)
			}
			if called != tt.wantCalled || rec.Code != tt.wantStatus {
				t.Errorf("called=%v status=%d, want %v %d", called, rec.Code, tt.wantCalled, tt.wantStatus)
			}
		})
	}
}
