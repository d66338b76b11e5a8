// Package ris defines the library, raw-metrics and score types shared by the
// collection, scoring and allocation packages.
package ris

import (
	"fmt"
	"strings"
	"time"
)

// Key returns the canonical "owner/repo" identity of a library.
func Key(owner, repo string) string {
	return strings.ToLower(owner) + "/" + strings.ToLower(repo)
}

// SplitKey parses an "owner/repo" key.
func SplitKey(key string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(key, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("invalid library key %q", key)
	}
	return owner, repo, nil
}

// Metric field names. They double as JSON keys and as the keys of the
// scoring ceilings configuration.
const (
	// Ecosystem footprint.
	FieldNPMDownloads   = "npm_downloads"
	FieldGHDependents   = "gh_dependents"
	FieldImportMentions = "import_mentions"
	FieldCDNHits        = "cdn_hits"

	// Contribution quality.
	FieldMergedPRs            = "merged_prs"
	FieldExternalContributors = "external_contributors"
	FieldIssuesClosed         = "issues_closed"
	FieldPullRequestEvents    = "pull_request_events"

	// Maintainer health.
	FieldCommits90d        = "commits_90d"
	FieldActiveMaintainers = "active_maintainers"
	FieldRecentReleases    = "recent_releases"
	FieldPushEvents        = "push_events"

	// Community benefit.
	FieldDocsCompleteness = "docs_completeness"
	FieldTutorialsRefs    = "tutorials_refs"
	FieldHelpfulEvents    = "helpful_events"
	FieldUserSatisfaction = "user_satisfaction"

	// Mission alignment.
	FieldEcosystemTopic    = "ecosystem_topic"
	FieldPermissiveLicense = "permissive_license"
	FieldCodeOfConduct     = "code_of_conduct"
	FieldCommunityHealth   = "community_health"
)

// LibraryRawMetrics is the merged output of a baseline collection plus the
// eligibility review fields.
type LibraryRawMetrics struct {
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	LibraryName string `json:"libraryName"`

	NPMDownloads   float64 `json:"npm_downloads,omitempty"`
	GHDependents   float64 `json:"gh_dependents,omitempty"`
	ImportMentions float64 `json:"import_mentions,omitempty"`
	CDNHits        float64 `json:"cdn_hits,omitempty"`

	MergedPRs            float64 `json:"merged_prs,omitempty"`
	ExternalContributors float64 `json:"external_contributors,omitempty"`
	IssuesClosed         float64 `json:"issues_closed,omitempty"`
	PullRequestEvents    float64 `json:"pull_request_events,omitempty"`

	Commits90d        float64 `json:"commits_90d,omitempty"`
	ActiveMaintainers float64 `json:"active_maintainers,omitempty"`
	RecentReleases    float64 `json:"recent_releases,omitempty"`
	PushEvents        float64 `json:"push_events,omitempty"`

	DocsCompleteness float64 `json:"docs_completeness,omitempty"`
	TutorialsRefs    float64 `json:"tutorials_refs,omitempty"`
	HelpfulEvents    float64 `json:"helpful_events,omitempty"`
	UserSatisfaction float64 `json:"user_satisfaction,omitempty"`

	EcosystemTopic    float64 `json:"ecosystem_topic,omitempty"`
	PermissiveLicense float64 `json:"permissive_license,omitempty"`
	CodeOfConduct     float64 `json:"code_of_conduct,omitempty"`
	CommunityHealth   float64 `json:"community_health,omitempty"`

	CollectedAt time.Time `json:"collected_at"`

	EligibilityStatus       string     `json:"eligibility_status,omitempty"`
	SponsorshipLevel        string     `json:"sponsorship_level,omitempty"`
	SponsorshipAdjustment   *float64   `json:"sponsorship_adjustment,omitempty"`
	EligibilityNotes        string     `json:"eligibility_notes,omitempty"`
	EligibilityLastReviewed *time.Time `json:"eligibility_last_reviewed,omitempty"`
}

// Key returns the library's "owner/repo" key.
func (m *LibraryRawMetrics) Key() string { return Key(m.Owner, m.Repo) }

// Adjustment returns the effective sponsorship adjustment. An unreviewed
// library is unadjusted; an ineligible one always scores zero.
func (m *LibraryRawMetrics) Adjustment() float64 {
	if m.EligibilityStatus == "ineligible" {
		return 0
	}
	if m.SponsorshipAdjustment == nil {
		return 1
	}
	return *m.SponsorshipAdjustment
}

func (m *LibraryRawMetrics) field(name string) *float64 {
	switch name {
	case FieldNPMDownloads:
		return &m.NPMDownloads
	case FieldGHDependents:
		return &m.GHDependents
	case FieldImportMentions:
		return &m.ImportMentions
	case FieldCDNHits:
		return &m.CDNHits
	case FieldMergedPRs:
		return &m.MergedPRs
	case FieldExternalContributors:
		return &m.ExternalContributors
	case FieldIssuesClosed:
		return &m.IssuesClosed
	case FieldPullRequestEvents:
		return &m.PullRequestEvents
	case FieldCommits90d:
		return &m.Commits90d
	case FieldActiveMaintainers:
		return &m.ActiveMaintainers
	case FieldRecentReleases:
		return &m.RecentReleases
	case FieldPushEvents:
		return &m.PushEvents
	case FieldDocsCompleteness:
		return &m.DocsCompleteness
	case FieldTutorialsRefs:
		return &m.TutorialsRefs
	case FieldHelpfulEvents:
		return &m.HelpfulEvents
	case FieldUserSatisfaction:
		return &m.UserSatisfaction
	case FieldEcosystemTopic:
		return &m.EcosystemTopic
	case FieldPermissiveLicense:
		return &m.PermissiveLicense
	case FieldCodeOfConduct:
		return &m.CodeOfConduct
	case FieldCommunityHealth:
		return &m.CommunityHealth
	}
	return nil
}

// Value returns the named metric, or 0 for unknown or unset fields.
func (m *LibraryRawMetrics) Value(name string) float64 {
	if f := m.field(name); f != nil {
		return *f
	}
	return 0
}

// Apply copies a source's fields onto m and returns the names it did not
// recognise.
func (m *LibraryRawMetrics) Apply(fields map[string]float64) []string {
	var unknown []string
	for name, v := range fields {
		f := m.field(name)
		if f == nil {
			unknown = append(unknown, name)
			continue
		}
		*f = v
	}
	return unknown
}

// LibraryScore is the scoring engine's output for one library.
type LibraryScore struct {
	LibraryName string   `json:"libraryName"`
	Owner       string   `json:"owner"`
	Repo        string   `json:"repo"`
	RIS         float64  `json:"ris"`
	EF          float64  `json:"ef"`
	CQ          float64  `json:"cq"`
	MH          float64  `json:"mh"`
	CB          float64  `json:"cb"`
	MA          float64  `json:"ma"`
	Raw         ScoreRaw `json:"raw"`
}

// ScoreRaw carries the raw inputs reported alongside a score.
type ScoreRaw struct {
	SponsorshipAdjustment float64 `json:"sponsorship_adjustment"`
}

// ActivityKey is the counter of webhook events of one type for a library.
func ActivityKey(owner, repo, eventType string) string {
	return "activity:" + Key(owner, repo) + ":" + eventType
}
