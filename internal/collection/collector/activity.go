package collector

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/library"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
)

// activityFields maps webhook event counters to metric fields.
var activityFields = map[string]string{
	"push":         ris.FieldPushEvents,
	"pull_request": ris.FieldPullRequestEvents,
	"issues":       ris.FieldHelpfulEvents,
}

// ActivitySource reads the webhook event counters maintained by the queue
// processor.
type ActivitySource struct {
	store kv.Store
}

func NewActivitySource(store kv.Store) *ActivitySource {
	return &ActivitySource{store: store}
}

func (s *ActivitySource) ID() string { return "activity" }

func (s *ActivitySource) Fetch(ctx context.Context, lib library.Library) (map[string]float64, error) {
	fields := make(map[string]float64, len(activityFields))
	for eventType, field := range activityFields {
		n, err := kv.Int(ctx, s.store, ris.ActivityKey(lib.Owner, lib.Repo, eventType))
		if err != nil {
			return nil, fmt.Errorf("reading %s counter: %w", eventType, err)
		}
		fields[field] = float64(n)
	}
	return fields, nil
}
