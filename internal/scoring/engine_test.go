package scoring

import (
	"math"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/eligibility"
	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
)

const eps = 1e-9

func TestCombineExample(t *testing.T) {
	c := Components{EF: 0.8, CQ: 0.6, MH: 0.9, CB: 0.5, MA: 0.7}
	if got := Combine(c, 1.0); math.Abs(got-0.715) > eps {
		t.Fatalf("ris = %v, want 0.715", got)
	}

	adj := eligibility.GetSponsorshipAdjustment(eligibility.LevelSubstantial)
	got := Combine(c, adj)
	if math.Abs(got-0.286) > eps {
		t.Fatalf("ris = %v, want 0.286", got)
	}
	if got < 0.15 {
		t.Fatal("0.286 should be eligible")
	}
	if s := eligibility.GetEligibilityFromSponsorship(eligibility.LevelSubstantial); s != eligibility.StatusPartiallySponsored {
		t.Fatalf("status = %s", s)
	}
}

func TestCombineBounds(t *testing.T) {
	full := Components{EF: 1, CQ: 1, MH: 1, CB: 1, MA: 1}
	if got := Combine(full, 1); math.Abs(got-1) > eps {
		t.Fatalf("all-ones ris = %v", got)
	}
	if got := Combine(full, 0); got != 0 {
		t.Fatalf("zero adjustment must give 0, got %v", got)
	}
	if got := Combine(Components{EF: 5}, 1); got > 1 {
		t.Fatalf("ris must be clamped, got %v", got)
	}
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestMissingFieldsScoreZero(t *testing.T) {
	e := newEngine(t)
	scores := e.CalculateScores([]ris.LibraryRawMetrics{{Owner: "o", Repo: "r"}})
	if len(scores) != 1 {
		t.Fatalf("got %d scores", len(scores))
	}
	s := scores[0]
	if s.RIS != 0 || s.LibraryName != "r" || s.Raw.SponsorshipAdjustment != 1 {
		t.Fatalf("unexpected score %+v", s)
	}
}

func TestScoreMonotonicInEveryField(t *testing.T) {
	e := newEngine(t)
	base := ris.LibraryRawMetrics{
		Owner: "o", Repo: "r",
		NPMDownloads: 50_000, GHDependents: 300, ImportMentions: 100, CDNHits: 1_000_000,
		MergedPRs: 40, ExternalContributors: 12, IssuesClosed: 80, PullRequestEvents: 9,
		Commits90d: 60, ActiveMaintainers: 3, RecentReleases: 4, PushEvents: 20,
		DocsCompleteness: 70, TutorialsRefs: 15, HelpfulEvents: 30, UserSatisfaction: 4,
		EcosystemTopic: 1, PermissiveLicense: 1, CommunityHealth: 60,
	}
	before := e.CalculateScores([]ris.LibraryRawMetrics{base})[0].RIS
	for comp, inputs := range defaultInputs {
		for _, in := range inputs {
			t.Run(comp+"/"+in.field, func(t *testing.T) {
				bumped := base
				bumped.Apply(map[string]float64{in.field: base.Value(in.field)*2 + 1})
				after := e.CalculateScores([]ris.LibraryRawMetrics{bumped})[0].RIS
				if after < before {
					t.Errorf("raising %s decreased ris: %v -> %v", in.field, before, after)
				}
				if after < 0 || after > 1 {
					t.Errorf("ris %v out of bounds", after)
				}
			})
		}
	}
}

func TestSaturation(t *testing.T) {
	e := newEngine(t)
	m := ris.LibraryRawMetrics{NPMDownloads: 1e12, DocsCompleteness: 500}
	c := e.Components(&m)
	if c.EF != 0.25 {
		t.Fatalf("one saturated field of four should give 0.25, got %v", c.EF)
	}
	if c.CB != 0.25 {
		t.Fatalf("clamped rating should give 0.25, got %v", c.CB)
	}
}

func TestIneligibleScoresZero(t *testing.T) {
	e := newEngine(t)
	adj := 0.9
	m := ris.LibraryRawMetrics{
		Owner: "o", Repo: "r", NPMDownloads: 1e6,
		EligibilityStatus: "ineligible", SponsorshipAdjustment: &adj,
	}
	if s := e.CalculateScores([]ris.LibraryRawMetrics{m})[0]; s.RIS != 0 {
		t.Fatalf("ineligible ris = %v", s.RIS)
	}
}

func TestNewEngineRejectsBadCeilings(t *testing.T) {
	if _, err := NewEngine(map[string]float64{"nope": 10}); err == nil {
		t.Error("unknown field should be rejected")
	}
	if _, err := NewEngine(map[string]float64{ris.FieldNPMDownloads: 0}); err == nil {
		t.Error("zero ceiling should be rejected")
	}
	e, err := NewEngine(map[string]float64{ris.FieldNPMDownloads: 100})
	if err != nil {
		t.Fatal(err)
	}
	c := e.Components(&ris.LibraryRawMetrics{NPMDownloads: 100})
	if c.EF != 0.25 {
		t.Fatalf("override ceiling not applied, EF = %v", c.EF)
	}
}

func TestSummarize(t *testing.T) {
	scores := []ris.LibraryScore{
		{LibraryName: "a", RIS: 0.10},
		{LibraryName: "b", RIS: 0.40},
		{LibraryName: "c", RIS: 0.15},
		{LibraryName: "d", RIS: 0.75},
	}
	s := Summarize(scores, 0.15)
	if s.Total != 4 || s.Eligible != 3 || s.Ineligible != 1 {
		t.Fatalf("counts = %+v", s)
	}
	if math.Abs(s.AverageScore-0.35) > eps {
		t.Errorf("average = %v", s.AverageScore)
	}
	if math.Abs(s.MedianScore-0.275) > eps {
		t.Errorf("median = %v", s.MedianScore)
	}
	SortDescending(scores)
	if scores[0].LibraryName != "d" || scores[3].LibraryName != "a" {
		t.Errorf("sort order = %v", scores)
	}
	if empty := Summarize(nil, 0.15); empty.Total != 0 || empty.MedianScore != 0 {
		t.Errorf("empty summary = %+v", empty)
	}
}
