// Package scoring computes the React Impact Score of each library from its
// raw metrics. Everything here is pure and deterministic.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/impact-pipeline/internal/ris"
	apperrors "github.com/Adithya-Monish-Kumar-K/impact-pipeline/pkg/errors"
)

// Component weights. They sum to 1.
const (
	WeightEF = 0.30
	WeightCQ = 0.25
	WeightMH = 0.20
	WeightCB = 0.15
	WeightMA = 0.10
)

type scale int

const (
	// logScale maps counts with min(1, log1p(x)/log1p(ceiling)).
	logScale scale = iota
	// linearScale maps bounded ratings with clamp01(x/ceiling).
	linearScale
)

type input struct {
	field   string
	scale   scale
	ceiling float64
}

// defaultInputs lists each component's fields with the value at which the
// field saturates.
var defaultInputs = map[string][]input{
	"ef": {
		{ris.FieldNPMDownloads, logScale, 10_000_000},
		{ris.FieldGHDependents, logScale, 100_000},
		{ris.FieldImportMentions, logScale, 50_000},
		{ris.FieldCDNHits, logScale, 100_000_000},
	},
	"cq": {
		{ris.FieldMergedPRs, logScale, 500},
		{ris.FieldExternalContributors, logScale, 200},
		{ris.FieldIssuesClosed, logScale, 1_000},
		{ris.FieldPullRequestEvents, logScale, 500},
	},
	"mh": {
		{ris.FieldCommits90d, logScale, 500},
		{ris.FieldActiveMaintainers, logScale, 20},
		{ris.FieldRecentReleases, logScale, 24},
		{ris.FieldPushEvents, logScale, 500},
	},
	"cb": {
		{ris.FieldDocsCompleteness, linearScale, 100},
		{ris.FieldTutorialsRefs, logScale, 1_000},
		{ris.FieldHelpfulEvents, logScale, 1_000},
		{ris.FieldUserSatisfaction, linearScale, 5},
	},
	"ma": {
		{ris.FieldEcosystemTopic, linearScale, 1},
		{ris.FieldPermissiveLicense, linearScale, 1},
		{ris.FieldCodeOfConduct, linearScale, 1},
		{ris.FieldCommunityHealth, linearScale, 100},
	},
}

// Components holds the five normalized sub-scores, each in [0,1].
type Components struct {
	EF, CQ, MH, CB, MA float64
}

// Combine applies the component weights and the sponsorship adjustment.
func Combine(c Components, adjustment float64) float64 {
	weighted := WeightEF*c.EF + WeightCQ*c.CQ + WeightMH*c.MH + WeightCB*c.CB + WeightMA*c.MA
	return clamp01(weighted) * clamp01(adjustment)
}

// Engine scores libraries against a fixed set of ceilings.
type Engine struct {
	inputs map[string][]input
}

// NewEngine returns an Engine using the default ceilings with the given
// per-field overrides. Unknown fields and non-positive ceilings are rejected.
func NewEngine(ceilings map[string]float64) (*Engine, error) {
	inputs := make(map[string][]input, len(defaultInputs))
	known := make(map[string]bool)
	for comp, fields := range defaultInputs {
		cp := make([]input, len(fields))
		for i, in := range fields {
			known[in.field] = true
			if c, ok := ceilings[in.field]; ok {
				in.ceiling = c
			}
			cp[i] = in
		}
		inputs[comp] = cp
	}
	for field, c := range ceilings {
		if !known[field] {
			return nil, fmt.Errorf("%w: no scoring input named %q", apperrors.ErrInvalidInput, field)
		}
		if c <= 0 || math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, fmt.Errorf("%w: ceiling for %s must be a positive number", apperrors.ErrInvalidInput, field)
		}
	}
	return &Engine{inputs: inputs}, nil
}

// Components computes the sub-scores of one library. Missing fields read as
// zero and contribute nothing.
func (e *Engine) Components(m *ris.LibraryRawMetrics) Components {
	return Components{
		EF: e.component("ef", m),
		CQ: e.component("cq", m),
		MH: e.component("mh", m),
		CB: e.component("cb", m),
		MA: e.component("ma", m),
	}
}

func (e *Engine) component(name string, m *ris.LibraryRawMetrics) float64 {
	inputs := e.inputs[name]
	if len(inputs) == 0 {
		return 0
	}
	var sum float64
	for _, in := range inputs {
		sum += normalize(m.Value(in.field), in)
	}
	return sum / float64(len(inputs))
}

func normalize(x float64, in input) float64 {
	if math.IsNaN(x) || x <= 0 {
		return 0
	}
	switch in.scale {
	case linearScale:
		return clamp01(x / in.ceiling)
	default:
		return math.Min(1, math.Log1p(x)/math.Log1p(in.ceiling))
	}
}

// CalculateScores scores every library, preserving input order.
func (e *Engine) CalculateScores(metrics []ris.LibraryRawMetrics) []ris.LibraryScore {
	scores := make([]ris.LibraryScore, 0, len(metrics))
	for i := range metrics {
		m := &metrics[i]
		c := e.Components(m)
		adj := clamp01(m.Adjustment())
		name := m.LibraryName
		if name == "" {
			name = m.Repo
		}
		scores = append(scores, ris.LibraryScore{
			LibraryName: name,
			Owner:       m.Owner,
			Repo:        m.Repo,
			RIS:         Combine(c, adj),
			EF:          c.EF,
			CQ:          c.CQ,
			MH:          c.MH,
			CB:          c.CB,
			MA:          c.MA,
			Raw:         ris.ScoreRaw{SponsorshipAdjustment: adj},
		})
	}
	return scores
}

// SortDescending orders scores by RIS, highest first, breaking ties by name.
func SortDescending(scores []ris.LibraryScore) {
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].RIS != scores[j].RIS {
			return scores[i].RIS > scores[j].RIS
		}
		return scores[i].LibraryName < scores[j].LibraryName
	})
}

// Summary aggregates a score set for the diagnostics endpoint.
type Summary struct {
	Total        int     `json:"total"`
	Eligible     int     `json:"eligible"`
	Ineligible   int     `json:"ineligible"`
	AverageScore float64 `json:"averageScore"`
	MedianScore  float64 `json:"medianScore"`
}

// Summarize counts libraries at or above threshold as eligible.
func Summarize(scores []ris.LibraryScore, threshold float64) Summary {
	s := Summary{Total: len(scores)}
	if len(scores) == 0 {
		return s
	}
	values := make([]float64, len(scores))
	var sum float64
	for i, sc := range scores {
		values[i] = sc.RIS
		sum += sc.RIS
		if sc.RIS >= threshold {
			s.Eligible++
		}
	}
	s.Ineligible = s.Total - s.Eligible
	s.AverageScore = sum / float64(len(values))
	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 0 {
		s.MedianScore = (values[mid-1] + values[mid]) / 2
	} else {
		s.MedianScore = values[mid]
	}
	return s
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x) || x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
