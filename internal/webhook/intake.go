package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/library"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/metrics"
	"github.com/google/go-github/v71/github"
)

// maxPayload is GitHub's documented delivery size cap.
const maxPayload = 25 << 20

// contentEvents are queued for the processor; everything else except
// installation events is acknowledged and dropped.
var contentEvents = map[string]bool{
	"push":         true,
	"pull_request": true,
	"issues":       true,
	"release":      true,
}

// Response is the body of every accepted delivery.
type Response struct {
	Success    bool   `json:"success"`
	EventType  string `json:"eventType"`
	DeliveryID string `json:"deliveryId"`
	Received   bool   `json:"received"`
}

// Intake verifies and records deliveries. Once the signature checks out it
// always answers 200 so that GitHub does not redeliver; internal failures
// are logged instead.
type Intake struct {
	secret        []byte
	queue         *Queue
	installations *library.Installations
	metrics       *metrics.Metrics
	now           func() time.Time
	logger        *slog.Logger
}

func NewIntake(secret string, queue *Queue, installations *library.Installations, m *metrics.Metrics) *Intake {
	return &Intake{
		secret:        []byte(secret),
		queue:         queue,
		installations: installations,
		metrics:       m,
		now:           time.Now,
		logger:        slog.Default().With("component", "webhook-intake"),
	}
}

// Configured reports whether a signing secret is set.
func (i *Intake) Configured() bool { return len(i.secret) > 0 }

func (i *Intake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eventType := github.WebHookType(r)
	deliveryID := github.DeliveryID(r)
	log := logger.FromContext(r.Context()).With("event_type", eventType, "delivery_id", deliveryID)

	if !i.Configured() {
		log.Error("GITHUB_WEBHOOK_SECRET is not configured, rejecting webhook delivery")
		i.count(eventType, "unconfigured")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "webhook secret not configured"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayload))
	if err != nil {
		i.count(eventType, "unreadable")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	if err := github.ValidateSignature(r.Header.Get(github.SHA256SignatureHeader), body, i.secret); err != nil {
		log.Warn("webhook signature rejected", "error", err)
		i.count(eventType, "invalid_signature")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	outcome := "ignored"
	payload, err := jsonPayload(r.Header.Get("Content-Type"), body)
	if err == nil {
		outcome, err = i.handle(r.Context(), eventType, deliveryID, payload)
	}
	if err != nil {
		log.Error("webhook processing failed", "error", err)
		outcome = "error"
	}
	i.count(eventType, outcome)
	writeJSON(w, http.StatusOK, Response{
		Success:    true,
		EventType:  eventType,
		DeliveryID: deliveryID,
		Received:   true,
	})
}

func (i *Intake) handle(ctx context.Context, eventType, deliveryID string, payload []byte) (string, error) {
	switch {
	case eventType == "installation" || eventType == "installation_repositories":
		return "installation", i.handleInstallation(ctx, eventType, payload)
	case contentEvents[eventType]:
		return "queued", i.enqueue(ctx, eventType, deliveryID, payload)
	default:
		return "ignored", nil
	}
}

func (i *Intake) handleInstallation(ctx context.Context, eventType string, payload []byte) error {
	parsed, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return fmt.Errorf("parsing %s event: %w", eventType, err)
	}
	var (
		action         string
		installationID int64
		added, removed []*github.Repository
	)
	switch ev := parsed.(type) {
	case *github.InstallationEvent:
		action = ev.GetAction()
		installationID = ev.GetInstallation().GetID()
		switch action {
		case "created":
			added = ev.Repositories
		case "deleted":
			removed = ev.Repositories
		}
	case *github.InstallationRepositoriesEvent:
		action = ev.GetAction()
		installationID = ev.GetInstallation().GetID()
		switch action {
		case "added":
			added = ev.RepositoriesAdded
		case "removed":
			removed = ev.RepositoriesRemoved
		}
	}

	var errs []error
	for _, repo := range added {
		owner, name, ok := splitFullName(repo)
		if !ok {
			continue
		}
		if err := i.installations.Upsert(ctx, owner, name, installationID); err != nil {
			errs = append(errs, err)
		}
	}
	for _, repo := range removed {
		owner, name, ok := splitFullName(repo)
		if !ok {
			continue
		}
		if err := i.installations.Remove(ctx, owner, name); err != nil {
			errs = append(errs, err)
		}
	}
	i.logger.Info("installation event applied",
		"action", action,
		"installation_id", installationID,
		"added", len(added),
		"removed", len(removed),
	)
	return errors.Join(errs...)
}

func (i *Intake) enqueue(ctx context.Context, eventType, deliveryID string, payload []byte) error {
	if deliveryID == "" {
		return errors.New("delivery id header missing")
	}
	parsed, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return fmt.Errorf("parsing %s event: %w", eventType, err)
	}
	var (
		action   string
		fullName string
	)
	switch ev := parsed.(type) {
	case *github.PushEvent:
		fullName = ev.GetRepo().GetFullName()
	case *github.PullRequestEvent:
		action, fullName = ev.GetAction(), ev.GetRepo().GetFullName()
	case *github.IssuesEvent:
		action, fullName = ev.GetAction(), ev.GetRepo().GetFullName()
	case *github.ReleaseEvent:
		action, fullName = ev.GetAction(), ev.GetRepo().GetFullName()
	}
	owner, repo, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || repo == "" {
		return fmt.Errorf("%s event without repository", eventType)
	}
	_, err = i.queue.Enqueue(ctx, &Event{
		DeliveryID: deliveryID,
		EventType:  eventType,
		Action:     action,
		Owner:      owner,
		Repo:       repo,
		ReceivedAt: i.now().UTC(),
	})
	return err
}

func (i *Intake) count(eventType, outcome string) {
	if i.metrics != nil {
		i.metrics.WebhookDeliveries.WithLabelValues(eventType, outcome).Inc()
	}
}

// jsonPayload unwraps form-encoded deliveries.
func jsonPayload(contentType string, body []byte) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "application/x-www-form-urlencoded" {
		return body, nil
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing form payload: %w", err)
	}
	return []byte(form.Get("payload")), nil
}

func splitFullName(repo *github.Repository) (owner, name string, ok bool) {
	owner, name, ok = strings.Cut(repo.GetFullName(), "/")
	return owner, name, ok && owner != "" && name != ""
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
