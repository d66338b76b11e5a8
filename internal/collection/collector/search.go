package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/library"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
	"github.com/google/go-github/v71/github"
)

// SearchSource derives ecosystem reach and contribution throughput from
// GitHub search totals.
type SearchSource struct {
	client *github.Client
	window time.Duration
	now    func() time.Time
}

func NewSearchSource(client *github.Client) *SearchSource {
	return &SearchSource{client: client, window: 90 * 24 * time.Hour, now: time.Now}
}

func (s *SearchSource) ID() string { return "search" }

func (s *SearchSource) Fetch(ctx context.Context, lib library.Library) (map[string]float64, error) {
	pkg := lib.PackageName()
	repo := lib.Owner + "/" + lib.Repo
	since := s.now().Add(-s.window).UTC().Format("2006-01-02")
	opts := &github.SearchOptions{ListOptions: github.ListOptions{PerPage: 1}}
	fields := make(map[string]float64, 5)

	code := []struct {
		field string
		query string
	}{
		{ris.FieldGHDependents, fmt.Sprintf(`"\"%s\":" filename:package.json`, pkg)},
		{ris.FieldImportMentions, fmt.Sprintf(`"from '%s'" language:TypeScript language:JavaScript`, pkg)},
	}
	for _, q := range code {
		res, _, err := s.client.Search.Code(ctx, q.query, opts)
		if err != nil {
			return nil, fmt.Errorf("code search for %s: %w", q.field, classifyGitHubError(err))
		}
		fields[q.field] = float64(res.GetTotal())
	}

	issues := []struct {
		field string
		query string
	}{
		{ris.FieldMergedPRs, fmt.Sprintf("repo:%s is:pr is:merged merged:>=%s", repo, since)},
		{ris.FieldIssuesClosed, fmt.Sprintf("repo:%s is:issue is:closed closed:>=%s", repo, since)},
	}
	for _, q := range issues {
		res, _, err := s.client.Search.Issues(ctx, q.query, opts)
		if err != nil {
			return nil, fmt.Errorf("issue search for %s: %w", q.field, classifyGitHubError(err))
		}
		fields[q.field] = float64(res.GetTotal())
	}

	tutorials, _, err := s.client.Search.Repositories(ctx, fmt.Sprintf("%s tutorial in:name,description,readme", pkg), opts)
	if err != nil {
		return nil, fmt.Errorf("repository search: %w", classifyGitHubError(err))
	}
	fields[ris.FieldTutorialsRefs] = float64(tutorials.GetTotal())
	return fields, nil
}
