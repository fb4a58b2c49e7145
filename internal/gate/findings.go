package gate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Sentinel issue ids used when a stage's output could not be decoded.
const (
	SentinelCritic      = "C-ERR"
	SentinelSecurity    = "SA-ERR"
	SentinelPerformance = "PA-ERR"
)

// Issue is one blocking issue or warning.
type Issue struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	File        string `json:"file,omitempty"`
	Severity    string `json:"severity,omitempty"`
}

// UnmarshalJSON accepts either an object or a bare string description.
func (i *Issue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*i = Issue{Description: s}
		return nil
	}
	type plain Issue
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*i = Issue(p)
	return nil
}

// Findings is the structured output of a review or audit stage.
type Findings struct {
	Score          *float64 `json:"score,omitempty"`
	Passed         *bool    `json:"passed,omitempty"`
	Cleared        *bool    `json:"cleared,omitempty"`
	Threshold      *float64 `json:"threshold,omitempty"`
	BlockingIssues []Issue  `json:"blocking_issues"`
	Warnings       []Issue  `json:"warnings"`
	NewFindings    []Issue  `json:"new_findings,omitempty"`

	Tier Tier `json:"-"`
}

// Report is the completeness judge's structured output.
type Report struct {
	Done    *bool                 `json:"done"`
	Action  string                `json:"action,omitempty"`
	Summary string                `json:"summary,omitempty"`
	Gates   map[string]GateReport `json:"gates,omitempty"`

	Tier Tier `json:"-"`
}

// GateReport is one gate as judged by the completeness stage.
type GateReport struct {
	Passed *bool  `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// ParseReview decodes critic output. Undecodable output becomes a failing
// review with a single sentinel blocking issue.
func ParseReview(raw string, threshold float64) Findings {
	f, tier := Decode[Findings](raw)
	if tier == TierFallback {
		f = Findings{
			Score:     ptr(0.0),
			Passed:    ptr(false),
			Threshold: ptr(threshold),
			BlockingIssues: []Issue{{
				ID:          SentinelCritic,
				Description: "Failed to parse critic output",
			}},
		}
	}
	if f.Threshold == nil {
		f.Threshold = ptr(threshold)
	}
	f.Tier = tier
	return f
}

// ParseAudit decodes security or performance audit output. Undecodable output
// is not cleared and carries sentinel as its only blocking issue.
func ParseAudit(raw, sentinel, kind string) Findings {
	f, tier := Decode[Findings](raw)
	if tier == TierFallback {
		issue := Issue{ID: sentinel, Description: fmt.Sprintf("Failed to parse %s output", kind)}
		f = Findings{
			Cleared:        ptr(false),
			BlockingIssues: []Issue{issue},
			NewFindings:    []Issue{issue},
		}
	}
	f.Tier = tier
	return f
}

// ParseReport decodes completeness judge output. Undecodable output is not done
// and asks for escalation.
func ParseReport(raw string) Report {
	r, tier := Decode[Report](raw)
	if tier == TierFallback {
		r = Report{Done: ptr(false), Action: "escalate_to_user", Summary: "Failed to parse completeness report"}
	}
	r.Tier = tier
	return r
}

// ReviewPassed reports whether a review clears its gate. A review with no
// blocking issues always passes; otherwise the declared passed flag must be
// true and a declared score must meet the threshold.
func (f Findings) ReviewPassed(threshold float64) bool {
	if len(f.BlockingIssues) == 0 {
		return true
	}
	if !True(f.Passed) {
		return false
	}
	return f.Score == nil || *f.Score >= threshold
}

// IsCleared reports whether an audit declared itself cleared.
func (f Findings) IsCleared() bool {
	return True(f.Cleared)
}

// IsDone reports whether the judge declared the project done.
func (r Report) IsDone() bool {
	return True(r.Done)
}

// AsReview rewrites audit findings into the review format consumed by the fixer.
func (f Findings) AsReview(threshold float64) Findings {
	return Findings{
		Score:          ptr(0.0),
		Passed:         ptr(false),
		Threshold:      ptr(threshold),
		BlockingIssues: f.BlockingIssues,
		Warnings:       f.Warnings,
	}
}

// JSON returns the findings as indented JSON.
func (f Findings) JSON() string {
	if f.BlockingIssues == nil {
		f.BlockingIssues = []Issue{}
	}
	if f.Warnings == nil {
		f.Warnings = []Issue{}
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Summary is a one-line human description used in decisions and commit messages.
func (f Findings) Summary() string {
	var parts []string
	if f.Score != nil {
		parts = append(parts, fmt.Sprintf("score %g", *f.Score))
	}
	if f.Cleared != nil {
		parts = append(parts, fmt.Sprintf("cleared %t", *f.Cleared))
	}
	parts = append(parts, fmt.Sprintf("%d blocking", len(f.BlockingIssues)))
	if len(f.Warnings) > 0 {
		parts = append(parts, fmt.Sprintf("%d warnings", len(f.Warnings)))
	}
	if f.Tier == TierFallback {
		parts = append(parts, "unparsed output")
	}
	return strings.Join(parts, ", ")
}

// IssueLines renders blocking issues as bullet text.
func IssueLines(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		line := i.Description
		if i.ID != "" {
			line = i.ID + ": " + line
		}
		if i.File != "" {
			line += " (" + i.File + ")"
		}
		out = append(out, line)
	}
	return out
}

// True treats a nil flag as false.
func True(b *bool) bool {
	return b != nil && *b
}

func ptr[T any](v T) *T {
	return &v
}
