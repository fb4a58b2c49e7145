// Package analytics summarises token usage, timing and review outcomes per
// stage from the audit log.
package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/buildforge/internal/audit"
	"github.com/lucasnoah/buildforge/internal/pipeline"
)

// StageUsage holds usage stats for a stage.
type StageUsage struct {
	Stage         string  `json:"stage"`
	Runs          int     `json:"runs"`
	TokensIn      int     `json:"tokens_in"`
	TokensOut     int     `json:"tokens_out"`
	AvgIn         float64 `json:"avg_tokens_in"`
	P50In         float64 `json:"p50_tokens_in"`
	P95In         float64 `json:"p95_tokens_in"`
	TokenWarnings int     `json:"token_warnings"`
	AvgMinutes    float64 `json:"avg_minutes"`
	P95Minutes    float64 `json:"p95_minutes"`
}

// Review summarises critic outcomes.
type Review struct {
	Iterations int     `json:"iterations"`
	Passed     int     `json:"passed"`
	PassRate   float64 `json:"pass_rate"`
	FixerRuns  int     `json:"fixer_runs"`
}

// Summary is the whole report.
type Summary struct {
	Stages []StageUsage         `json:"stages"`
	Review Review               `json:"review"`
	Totals pipeline.TokenTotals `json:"totals"`
}

// timestamp formats to try when parsing audit timestamps
var timestampFormats = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// Summarize aggregates entries in log order. An entry's duration is the time
// since the previous entry, attributed to the entry's stage; the first entry
// has no duration. Stages are returned in pipeline order, unknown agents last.
func Summarize(entries []audit.Entry) Summary {
	type acc struct {
		usage   StageUsage
		in      []float64
		minutes []float64
	}
	byStage := map[string]*acc{}
	var sum Summary
	var prev time.Time

	for _, e := range entries {
		a, ok := byStage[e.Agent]
		if !ok {
			a = &acc{usage: StageUsage{Stage: e.Agent}}
			byStage[e.Agent] = a
		}
		a.usage.Runs++
		if e.TokensIn != nil {
			a.usage.TokensIn += *e.TokensIn
			a.in = append(a.in, float64(*e.TokensIn))
		}
		if e.TokensOut != nil {
			a.usage.TokensOut += *e.TokensOut
		}
		if e.Context.TokenWarning {
			a.usage.TokenWarnings++
		}

		if ts, err := parseTimestamp(e.Timestamp); err == nil {
			if !prev.IsZero() && ts.After(prev) {
				a.minutes = append(a.minutes, ts.Sub(prev).Minutes())
			}
			prev = ts
		}

		switch e.Agent {
		case pipeline.StageCritic:
			sum.Review.Iterations++
			if e.GateResult != nil && *e.GateResult {
				sum.Review.Passed++
			}
		case pipeline.StageFixer:
			sum.Review.FixerRuns++
		}
	}
	sum.Review.PassRate = pct(sum.Review.Passed, sum.Review.Iterations)

	for _, a := range byStage {
		sort.Float64s(a.in)
		sort.Float64s(a.minutes)
		a.usage.AvgIn = avg(a.in)
		a.usage.P50In = percentile(a.in, 50)
		a.usage.P95In = percentile(a.in, 95)
		a.usage.AvgMinutes = avg(a.minutes)
		a.usage.P95Minutes = percentile(a.minutes, 95)
		sum.Stages = append(sum.Stages, a.usage)
		sum.Totals.In += a.usage.TokensIn
		sum.Totals.Out += a.usage.TokensOut
	}
	sort.SliceStable(sum.Stages, func(i, j int) bool {
		return stageRank(sum.Stages[i].Stage) < stageRank(sum.Stages[j].Stage)
	})
	return sum
}

func stageRank(stage string) int {
	if i := pipeline.StageIndex(stage); i >= 0 {
		return i
	}
	return len(pipeline.StageOrder)
}

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

// percentile interpolates between the closest ranks of sorted.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
