package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/library"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/resilience"
	"github.com/google/go-github/v71/github"
	"golang.org/x/oauth2"
)

// NewGitHubClient returns a go-github client authenticated with token when
// one is given. apiURL overrides the REST endpoint.
func NewGitHubClient(token, apiURL string) (*github.Client, error) {
	var hc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		hc = oauth2.NewClient(context.Background(), ts)
	}
	client := github.NewClient(hc)
	if apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		u, err := url.Parse(apiURL)
		if err != nil {
			return nil, fmt.Errorf("parsing github api url: %w", err)
		}
		client.BaseURL = u
	}
	return client, nil
}

// classifyGitHubError marks answers that retrying cannot change.
func classifyGitHubError(err error) error {
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		switch er.Response.StatusCode {
		case http.StatusNotFound, http.StatusUnprocessableEntity:
			return resilience.Permanent(err)
		}
	}
	return err
}

var permissiveLicenses = map[string]bool{
	"MIT":          true,
	"ISC":          true,
	"0BSD":         true,
	"Apache-2.0":   true,
	"BSD-2-Clause": true,
	"BSD-3-Clause": true,
	"Unlicense":    true,
	"MPL-2.0":      true,
}

var ecosystemTopics = map[string]bool{
	"react":        true,
	"reactjs":      true,
	"react-native": true,
	"react-hooks":  true,
	"nextjs":       true,
}

// GitHubSource reads repository health from the GitHub REST API: recent
// commits and their authors, releases, contributors, license, topics and
// the community profile.
type GitHubSource struct {
	client *github.Client
	window time.Duration
	now    func() time.Time
}

func NewGitHubSource(client *github.Client) *GitHubSource {
	return &GitHubSource{client: client, window: 90 * 24 * time.Hour, now: time.Now}
}

func (s *GitHubSource) ID() string { return "github" }

func (s *GitHubSource) Fetch(ctx context.Context, lib library.Library) (map[string]float64, error) {
	repo, _, err := s.client.Repositories.Get(ctx, lib.Owner, lib.Repo)
	if err != nil {
		return nil, fmt.Errorf("getting repository: %w", classifyGitHubError(err))
	}
	fields := map[string]float64{
		ris.FieldPermissiveLicense: boolField(permissiveLicenses[repo.GetLicense().GetSPDXID()]),
		ris.FieldEcosystemTopic:    0,
	}
	for _, topic := range repo.Topics {
		if ecosystemTopics[strings.ToLower(topic)] {
			fields[ris.FieldEcosystemTopic] = 1
			break
		}
	}

	commits, authors, err := s.recentCommits(ctx, lib)
	if err != nil {
		return nil, err
	}
	fields[ris.FieldCommits90d] = float64(commits)
	fields[ris.FieldActiveMaintainers] = float64(authors)

	releases, err := s.recentReleases(ctx, lib)
	if err != nil {
		return nil, err
	}
	fields[ris.FieldRecentReleases] = float64(releases)

	contributors, _, err := s.client.Repositories.ListContributors(ctx, lib.Owner, lib.Repo, &github.ListContributorsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, fmt.Errorf("listing contributors: %w", classifyGitHubError(err))
	}
	external := 0
	for _, c := range contributors {
		if !strings.EqualFold(c.GetLogin(), lib.Owner) {
			external++
		}
	}
	fields[ris.FieldExternalContributors] = float64(external)

	health, _, err := s.client.Repositories.GetCommunityHealthMetrics(ctx, lib.Owner, lib.Repo)
	if err != nil {
		return nil, fmt.Errorf("getting community profile: %w", classifyGitHubError(err))
	}
	files := health.GetFiles()
	fields[ris.FieldCommunityHealth] = float64(health.GetHealthPercentage())
	fields[ris.FieldCodeOfConduct] = boolField(files.GetCodeOfConduct() != nil || files.GetCodeOfConductFile() != nil)
	present := 0
	for _, m := range []*github.Metric{
		files.GetReadme(), files.GetContributing(), files.GetLicense(),
		files.GetIssueTemplate(), files.GetPullRequestTemplate(),
	} {
		if m != nil {
			present++
		}
	}
	if health.GetDocumentation() != "" {
		present++
	}
	fields[ris.FieldDocsCompleteness] = float64(present) / 6 * 100
	return fields, nil
}

// recentCommits counts commits and distinct authors inside the window,
// reading at most three pages.
func (s *GitHubSource) recentCommits(ctx context.Context, lib library.Library) (commits, authors int, err error) {
	opts := &github.CommitsListOptions{
		Since:       s.now().Add(-s.window),
		ListOptions: github.ListOptions{PerPage: 100},
	}
	seen := make(map[string]bool)
	for page := 0; page < 3; page++ {
		list, resp, err := s.client.Repositories.ListCommits(ctx, lib.Owner, lib.Repo, opts)
		if err != nil {
			return 0, 0, fmt.Errorf("listing commits: %w", classifyGitHubError(err))
		}
		for _, c := range list {
			commits++
			if login := c.GetAuthor().GetLogin(); login != "" {
				seen[strings.ToLower(login)] = true
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return commits, len(seen), nil
}

func (s *GitHubSource) recentReleases(ctx context.Context, lib library.Library) (int, error) {
	list, _, err := s.client.Repositories.ListReleases(ctx, lib.Owner, lib.Repo, &github.ListOptions{PerPage: 100})
	if err != nil {
		return 0, fmt.Errorf("listing releases: %w", classifyGitHubError(err))
	}
	cutoff := s.now().AddDate(-1, 0, 0)
	n := 0
	for _, r := range list {
		if r.GetDraft() {
			continue
		}
		if r.GetPublishedAt().Time.After(cutoff) {
			n++
		}
	}
	return n, nil
}

func boolField(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
