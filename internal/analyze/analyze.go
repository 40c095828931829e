package analyze

import (
	"sort"
	"time"

	"github.com/koltyakov/pgproblems/internal/collect"
)

// Analyzer runs every evaluator against a snapshot.
type Analyzer struct {
	// Clock supplies DetectedAt. Defaults to time.Now.
	Clock func() time.Time
}

// Run analyzes s with the wall clock.
func Run(s *collect.Snapshot) []Problem {
	return Analyzer{}.Analyze(s)
}

// Analyze evaluates the neutral, read path and write path rules in that
// order and returns the problems sorted by priority then category.
// A nil snapshot is a caller bug and panics.
func (a Analyzer) Analyze(s *collect.Snapshot) []Problem {
	if s == nil {
		panic("analyze: nil snapshot")
	}
	clock := a.Clock
	if clock == nil {
		clock = time.Now
	}
	now := clock()

	var out []Problem
	out = append(out, EvaluateNeutral(s, now)...)
	out = append(out, EvaluateReadPath(s, now, suppressions(s))...)
	out = append(out, EvaluateWritePath(s, now)...)

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return out[i].Category < out[j].Category
	})
	if out == nil {
		out = []Problem{}
	}
	return out
}

// suppressions resolves the cross-rule dependencies between evaluators.
// index-usage-low and seq-vs-index-scans-low describe the same tables from
// two sources; only the first is reported when both would fire.
func suppressions(s *collect.Snapshot) Suppressions {
	return Suppressions{
		SeqVsIndexScans: len(lowIndexUsage(s.IndexUsage)) > 0,
	}
}

// Filter drops problems whose id is in suppressed.
func Filter(problems []Problem, suppressed map[string]bool) []Problem {
	if len(suppressed) == 0 {
		return problems
	}
	out := make([]Problem, 0, len(problems))
	for _, p := range problems {
		if !suppressed[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

// Summary counts problems by priority and path.
type Summary struct {
	Total      int              `json:"total" yaml:"total"`
	ByPriority map[Priority]int `json:"byPriority" yaml:"by_priority"`
	ByPath     map[Path]int     `json:"byPath" yaml:"by_path"`
}

// Summarize builds a Summary of problems.
func Summarize(problems []Problem) Summary {
	s := Summary{
		Total:      len(problems),
		ByPriority: map[Priority]int{},
		ByPath:     map[Path]int{},
	}
	for _, p := range problems {
		s.ByPriority[p.Priority]++
		s.ByPath[p.Path]++
	}
	return s
}

// IDs returns the problem ids in order.
func IDs(problems []Problem) []string {
	ids := make([]string, len(problems))
	for i, p := range problems {
		ids[i] = p.ID
	}
	return ids
}
