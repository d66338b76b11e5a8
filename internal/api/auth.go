package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/logger"
)

// AdminEmailHeader carries the operator identity set by the auth proxy in
// front of the service.
const AdminEmailHeader = "X-Forwarded-Email"

// CronActor is the actor recorded for requests authenticated by the cron
// secret.
const CronActor = "cron"

type actorKey struct{}

// Auth admits operators by email and schedulers by bearer secret.
type Auth struct {
	admins     map[string]bool
	cronSecret string
}

func NewAuth(adminEmails []string, cronSecret string) *Auth {
	admins := make(map[string]bool, len(adminEmails))
	for _, e := range adminEmails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			admins[e] = true
		}
	}
	return &Auth{admins: admins, cronSecret: cronSecret}
}

// IsAdmin reports whether email belongs to an operator.
func (a *Auth) IsAdmin(email string) bool {
	return a.admins[strings.ToLower(strings.TrimSpace(email))]
}

func (a *Auth) cronOK(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || a.cronSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.cronSecret)) == 1
}

// Admin admits operators and, for endpoints a scheduler may drive, the cron
// bearer secret.
func (a *Auth) Admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if email := r.Header.Get(AdminEmailHeader); email != "" {
			if !a.IsAdmin(email) {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "not an administrator"})
				return
			}
			next(w, withActor(r, email))
			return
		}
		if a.cronOK(r) {
			next(w, withActor(r, CronActor))
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
	}
}

// Cron admits only the cron bearer secret. An unset secret is a deployment
// error and is reported as such.
func (a *Auth) Cron(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.cronSecret == "" {
			logger.FromContext(r.Context()).Error("CRON_SECRET is not configured, rejecting scheduler request", "path", r.URL.Path)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cron secret not configured"})
			return
		}
		if !a.cronOK(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid cron secret"})
			return
		}
		next(w, withActor(r, CronActor))
	}
}

func withActor(r *http.Request, actor string) *http.Request {
	ctx := context.WithValue(r.Context(), actorKey{}, actor)
	ctx = logger.With(ctx, "actor", actor)
	return r.WithContext(ctx)
}

// Actor returns the authenticated caller of the request.
func Actor(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}
