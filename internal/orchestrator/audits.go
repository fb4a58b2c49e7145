package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/buildforge/internal/agent"
	"github.com/lucasnoah/buildforge/internal/artifact"
	appctx "github.com/lucasnoah/buildforge/internal/context"
	"github.com/lucasnoah/buildforge/internal/gate"
	"github.com/lucasnoah/buildforge/internal/pipeline"
	"github.com/lucasnoah/buildforge/internal/stage"
)

type auditJob struct {
	stage    string
	gate     string
	sentinel string
	kind     string

	in       *appctx.Input
	ran      bool
	findings gate.Findings
}

// audits runs the security and performance audits concurrently over the full
// diff. Security not cleared escalates; performance not cleared with blocking
// issues gets one fixer pass.
func (r *run) audits(ctx context.Context, force bool) (*Result, error) {
	c := r.c
	st, err := c.deps.Store.Get()
	if err != nil {
		return nil, err
	}
	jobs := []*auditJob{
		{stage: pipeline.StageSecurityAuditor, gate: pipeline.GateSecurity, sentinel: gate.SentinelSecurity, kind: "security audit"},
		{stage: pipeline.StagePerformanceAgent, gate: pipeline.GatePerformance, sentinel: gate.SentinelPerformance, kind: "performance audit"},
	}

	// inputs are assembled up front so only the agent calls overlap
	var todo []*auditJob
	for _, j := range jobs {
		status := st.Agent(j.stage).Status
		if status == pipeline.AgentSkipped || (!force && status == pipeline.AgentPassed) {
			continue
		}
		in, _, err := r.prepare(ctx, j.stage)
		if err != nil {
			return nil, err
		}
		j.in = in
		todo = append(todo, j)
	}
	if len(todo) == 0 {
		return nil, nil
	}
	fmt.Fprintf(c.out, "  Running %d audits concurrently\n", len(todo))

	// no shared cancellation: a failure in one audit lets the other finish
	var g errgroup.Group
	for _, j := range todo {
		g.Go(func() error {
			_, err := r.exec(ctx, j.stage, stage.Specs[j.stage].Phase, nil, j.in, r.auditOutcome(j))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sec, perf := jobs[0], jobs[1]
	if sec.ran && !sec.findings.IsCleared() {
		return c.escalate(ctx, pipeline.StageSecurityAuditor, "security audit not cleared", &sec.findings, nil)
	}
	if perf.ran && !perf.findings.IsCleared() && len(perf.findings.BlockingIssues) > 0 {
		fmt.Fprintf(c.out, "  Performance audit found %d blocking issues; running one fixer pass\n",
			len(perf.findings.BlockingIssues))
		review := perf.findings.AsReview(st.Thresholds.CriticScore)
		if err := c.deps.Artifacts.Write(artifact.ReviewFindings, review.JSON()); err != nil {
			return nil, fmt.Errorf("write performance fixes: %w", err)
		}
		if err := r.fix(ctx, stage.Specs[pipeline.StagePerformanceAgent].Phase, nil, "performance"); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// auditOutcome parses an audit's output, records its gate and writes the
// findings artifact.
func (r *run) auditOutcome(j *auditJob) func(agent.Result) stage.Outcome {
	return func(res agent.Result) stage.Outcome {
		f := gate.ParseAudit(res.Text, j.sentinel, j.kind)
		ok := f.IsCleared()
		j.findings = f
		j.ran = true
		r.c.deps.Metrics.ObserveGate(j.gate, ok)

		verdict := "not cleared"
		if ok {
			verdict = "cleared"
		}
		return stage.Outcome{
			Artifact: f.JSON(),
			Decision: fmt.Sprintf("%s %s (%s)", j.kind, verdict, f.Summary()),
			Bullets:  append([]string{f.Summary()}, gate.IssueLines(f.BlockingIssues)...),
			Gate:     &ok,
			Patch:    pipeline.SetGate(j.gate, &ok),
		}
	}
}
