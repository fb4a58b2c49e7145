// Package context assembles the input text each stage receives from prior
// artifacts, diffs, probe output, detected features and injected skills.
package context

import (
	stdctx "context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/buildforge/internal/artifact"
	"github.com/lucasnoah/buildforge/internal/checks"
	"github.com/lucasnoah/buildforge/internal/gate"
	"github.com/lucasnoah/buildforge/internal/pipeline"
	"github.com/lucasnoah/buildforge/internal/prompt"
	"github.com/lucasnoah/buildforge/internal/vcs"
)

// DeployConfigFile is read by the deployer stage when present.
const DeployConfigFile = "deploy.json"

const gitLogDepth = 20

// VCS is the part of the version-control collaborator the builder reads.
type VCS interface {
	ScopedDiff(since string) (string, error)
	FullDiff() (string, error)
	LastMeaningfulSnapshot(skipStages ...string) (string, error)
	Log(n int) ([]vcs.Commit, error)
}

// Probes are the bounded auxiliary shell-outs.
type Probes interface {
	Coverage(ctx stdctx.Context) checks.Coverage
	Interfaces(ctx stdctx.Context, opts checks.InterfaceOptions) string
	TestPatterns(ctx stdctx.Context) string
}

// Builder assembles stage input.
type Builder struct {
	artifacts  *artifact.Store
	vcs        VCS
	probes     Probes
	skills     *SkillLoader
	projectDir string
	controlDir string
	logger     *zap.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(projectDir, controlDir string, artifacts *artifact.Store, v VCS, probes Probes, skills *SkillLoader, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		artifacts:  artifacts,
		vcs:        v,
		probes:     probes,
		skills:     skills,
		projectDir: projectDir,
		controlDir: controlDir,
		logger:     logger,
	}
}

// BuildOpts carries per-invocation extras.
type BuildOpts struct {
	// UserNote is appended verbatim, e.g. the contents of continue.md.
	UserNote string
}

// Input is an assembled stage input.
type Input struct {
	Text          string
	ArtifactsRead []string
	Skills        []string
	Vars          prompt.Vars
	// Coverage is set for stages that ran the coverage probe.
	Coverage *checks.Coverage
	// Issues is set for the fixer: the blocking issues it was asked to fix.
	Issues []gate.Issue
}

// Build assembles the input for stage from the current state and artifacts.
func (b *Builder) Build(ctx stdctx.Context, stage string, st *pipeline.State, opts BuildOpts) (*Input, error) {
	in := &Input{Vars: prompt.Vars{}}
	read := func(name string) string {
		in.ArtifactsRead = append(in.ArtifactsRead, name)
		return b.artifacts.ReadOr(name, "")
	}

	switch stage {
	case pipeline.StageResearch:
		in.Vars["goal"] = st.Goal
		in.ArtifactsRead = append(in.ArtifactsRead, "goal")
	case pipeline.StageAnalyst:
		in.Vars["goal"] = st.Goal
		in.Vars["research"] = read(artifact.Research)
	case pipeline.StageArchitect:
		in.Vars["prd"] = read(artifact.PRD)
	case pipeline.StageSecurityPlanner, pipeline.StageUXDesigner:
		in.Vars["prd"] = read(artifact.PRD)
		in.Vars["architecture"] = read(artifact.Architecture)
	case pipeline.StageImplementer:
		in.Vars["prd"] = read(artifact.PRD)
		in.Vars["architecture"] = read(artifact.Architecture)
		in.Vars["threat_model"] = read(artifact.ThreatModel)
		in.Vars["ux_spec"] = read(artifact.UXSpec)
	case pipeline.StageTestWriter:
		in.Vars["prd"] = read(artifact.PRD)
		in.Vars["interfaces"] = b.probes.Interfaces(ctx, checks.InterfaceOptions{})
		in.Vars["test_patterns"] = b.probes.TestPatterns(ctx)
		in.ArtifactsRead = append(in.ArtifactsRead, "public interfaces (extracted)", "test patterns")
	case pipeline.StageCritic:
		if err := b.critic(in); err != nil {
			return nil, err
		}
	case pipeline.StageFixer:
		if err := b.fixer(in); err != nil {
			return nil, err
		}
	case pipeline.StageSecurityAuditor:
		in.Vars["threat_model"] = read(artifact.ThreatModel)
		if err := b.fullDiff(in); err != nil {
			return nil, err
		}
	case pipeline.StagePerformanceAgent:
		if err := b.fullDiff(in); err != nil {
			return nil, err
		}
		in.Vars["architecture"] = read(artifact.Architecture)
	case pipeline.StageCompleteness:
		in.Vars["prd"] = read(artifact.PRD)
		in.Vars["review_findings"] = orEmptyObject(read(artifact.ReviewFindings))
		in.Vars["security_findings"] = orEmptyObject(read(artifact.SecurityFindings))
		in.Vars["performance_findings"] = orEmptyObject(read(artifact.PerformanceFindings))
		cov := b.probes.Coverage(ctx)
		in.Coverage = &cov
		in.Vars["coverage"] = strconv.FormatFloat(cov.Percent, 'f', -1, 64)
		in.Vars["threshold_test_coverage"] = fmtFloat(st.Thresholds.TestCoverage)
		in.Vars["threshold_critic_score"] = fmtFloat(st.Thresholds.CriticScore)
		in.Vars["threshold_prd_required"] = fmtFloat(st.Thresholds.PRDRequiredCoverage)
		in.Vars["threshold_prd_nice"] = fmtFloat(st.Thresholds.PRDNiceToHaveCoverage)
		in.Vars["git_log"] = b.gitLog()
		in.ArtifactsRead = append(in.ArtifactsRead, "test coverage", "git log")
	case pipeline.StageDocumenter:
		in.Vars["prd"] = read(artifact.PRD)
		in.Vars["architecture"] = read(artifact.Architecture)
		in.Vars["interfaces"] = b.probes.Interfaces(ctx, checks.InterfaceOptions{ExcludeTests: true})
		in.ArtifactsRead = append(in.ArtifactsRead, "public interfaces")
	case pipeline.StageDeployer:
		in.Vars["architecture"] = read(artifact.Architecture)
		in.Vars["deploy_config"] = b.deployConfig()
		in.ArtifactsRead = append(in.ArtifactsRead, "deploy config")
	default:
		return nil, fmt.Errorf("no input assembly for stage %q", stage)
	}

	text, err := prompt.RenderInput(stage, in.Vars)
	if err != nil {
		return nil, err
	}

	if names := SkillsFor(stage, st.DetectedFeatures); len(names) > 0 && b.skills != nil {
		loaded := b.skills.LoadAll(names)
		if len(loaded) > 0 {
			contents := make([]string, 0, len(loaded))
			for _, s := range loaded {
				in.Skills = append(in.Skills, s.Name)
				contents = append(contents, s.Content)
			}
			text += "\n\n---\n\n## Injected Skills\n\n" + strings.Join(contents, "\n\n")
		}
	}

	if note := strings.TrimSpace(opts.UserNote); note != "" {
		text += "\n\n---\n\n## User Note\n\n" + note + "\n"
	}
	in.Text = text
	return in, nil
}

// critic reviews the change since the last review or pre-implementation
// boundary, skipping snapshots made by the stages that produce the change.
func (b *Builder) critic(in *Input) error {
	since, err := b.vcs.LastMeaningfulSnapshot(pipeline.StageImplementer, pipeline.StageTestWriter, pipeline.StageFixer)
	if err != nil {
		return fmt.Errorf("find review base: %w", err)
	}
	diff, err := b.vcs.ScopedDiff(since)
	if err != nil {
		return fmt.Errorf("scoped diff: %w", err)
	}
	in.Vars["diff"] = orPlaceholder(diff, "(no source changes)")
	in.ArtifactsRead = append(in.ArtifactsRead, "git diff (scoped)")

	prd := b.artifacts.ReadOr(artifact.PRD, "")
	in.Vars["requirements"] = RequirementLines(prd)
	in.ArtifactsRead = append(in.ArtifactsRead, artifact.PRD+" (REQ IDs only)")
	return nil
}

// RequirementLines keeps the REQ- lines of a requirements document, or the
// whole document when it has none.
func RequirementLines(prd string) string {
	var lines []string
	for _, l := range strings.Split(prd, "\n") {
		if strings.Contains(l, "REQ-") {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return prd
	}
	return strings.Join(lines, "\n")
}

func (b *Builder) fixer(in *Input) error {
	raw, err := b.artifacts.Read(artifact.ReviewFindings)
	if err != nil {
		return fmt.Errorf("fixer needs review findings: %w", err)
	}
	findings := gate.ParseReview(raw, 0)
	in.Issues = findings.BlockingIssues

	issues, err := json.MarshalIndent(findings.BlockingIssues, "", "  ")
	if err != nil {
		return fmt.Errorf("encode blocking issues: %w", err)
	}
	in.Vars["issues"] = string(issues)

	var files strings.Builder
	seen := map[string]bool{}
	for _, issue := range findings.BlockingIssues {
		if issue.File == "" || seen[issue.File] {
			continue
		}
		seen[issue.File] = true
		content, ok := b.projectFile(issue.File)
		if !ok {
			continue
		}
		fmt.Fprintf(&files, "\n\n## File: %s\n\n```\n%s\n```", issue.File, content)
	}
	in.Vars["files"] = files.String()
	in.ArtifactsRead = append(in.ArtifactsRead,
		artifact.ReviewFindings+" (blocking only)",
		fmt.Sprintf("%d referenced files", len(seen)))
	return nil
}

// projectFile reads a file referenced by a finding. Paths outside the project
// are ignored.
func (b *Builder) projectFile(rel string) (string, bool) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(b.projectDir, clean))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (b *Builder) fullDiff(in *Input) error {
	diff, err := b.vcs.FullDiff()
	if err != nil {
		return fmt.Errorf("full diff: %w", err)
	}
	in.Vars["diff"] = orPlaceholder(diff, "(no source changes)")
	in.ArtifactsRead = append(in.ArtifactsRead, "implementation diff (full)")
	return nil
}

func (b *Builder) gitLog() string {
	commits, err := b.vcs.Log(gitLogDepth)
	if err != nil {
		b.logger.Warn("read git log", zap.Error(err))
		return "(no history)"
	}
	lines := make([]string, 0, len(commits))
	for _, c := range commits {
		lines = append(lines, c.ID+" "+c.Subject)
	}
	return orPlaceholder(strings.Join(lines, "\n"), "(no history)")
}

func (b *Builder) deployConfig() string {
	data, err := os.ReadFile(filepath.Join(b.controlDir, DeployConfigFile))
	if err != nil {
		return "no deploy config"
	}
	return string(data)
}

func orPlaceholder(s, placeholder string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}

func orEmptyObject(s string) string {
	return orPlaceholder(s, "{}")
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
