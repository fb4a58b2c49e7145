package orchestrator

import (
	"strings"
	"testing"

	"github.com/lucasnoah/buildforge/internal/artifact"
	"github.com/lucasnoah/buildforge/internal/pipeline"
)

// TestE2E_FullPipelineRun drives every phase with a cooperative agent:
// research through test authoring pass, the critic scores 85 against 80,
// both audits clear and the judge reports done.
func TestE2E_FullPipelineRun(t *testing.T) {
	e := setupTest(t)

	res := e.run(t)
	if res.Status != pipeline.StatusComplete {
		t.Fatalf("status = %q, want complete\n%s", res.Status, e.out.String())
	}

	st := e.state(t)
	if st.Status != pipeline.StatusComplete {
		t.Errorf("state status = %q", st.Status)
	}
	for _, s := range pipeline.StageOrder {
		want := pipeline.AgentPassed
		if s == pipeline.StageFixer {
			want = pipeline.AgentSkipped
		}
		if got := st.Agent(s).Status; got != want {
			t.Errorf("%s = %q, want %q", s, got, want)
		}
		if st.Agent(s).Activity != nil {
			t.Errorf("%s activity left set: %q", s, *st.Agent(s).Activity)
		}
	}
	if st.Iterations.CriticFixer != 1 {
		t.Errorf("critic/fixer iterations = %d, want 1", st.Iterations.CriticFixer)
	}
	for _, g := range pipeline.GateNames {
		if !gateIs(st, g, yes) {
			t.Errorf("gate %s = %v, want true", g, st.Gate(g))
		}
	}

	// token totals equal the per-agent sums
	in, out := 0, 0
	for _, a := range st.Agents {
		if a.TokensIn != nil {
			in += *a.TokensIn
		}
		if a.TokensOut != nil {
			out += *a.TokensOut
		}
	}
	if st.TokenTotals.In != in || st.TokenTotals.Out != out || in != 13*1000 {
		t.Errorf("totals = %+v, sums = %d/%d", st.TokenTotals, in, out)
	}

	for _, name := range []string{
		artifact.Research, artifact.PRD, artifact.Architecture, artifact.ThreatModel, artifact.UXSpec,
		artifact.ReviewFindings, artifact.SecurityFindings, artifact.PerformanceFindings,
		artifact.DoneReport, artifact.DeployOptions,
	} {
		if _, err := e.artifacts.Read(name); err != nil {
			t.Errorf("artifact %s: %v", name, err)
		}
	}

	entries, err := e.log.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 13 {
		t.Errorf("audit entries = %d, want 13", len(entries))
	}
	for _, en := range entries {
		if en.RunID != st.RunID {
			t.Errorf("entry %s has run id %q", en.Agent, en.RunID)
		}
	}
	critic, _ := e.log.ForStage(pipeline.StageCritic)
	if len(critic) != 1 || critic[0].GateResult == nil || !*critic[0].GateResult || critic[0].Phase != "8.1" {
		t.Errorf("critic entry = %+v", critic)
	}

	// bootstrap plus one snapshot per stage that ran
	if len(e.vcs.snaps) != 14 {
		t.Errorf("snapshots = %d, want 14", len(e.vcs.snaps))
	}
	if !strings.Contains(e.out.String(), "Pipeline complete") {
		t.Errorf("output:\n%s", e.out.String())
	}

	var kinds []string
	for _, ev := range e.events.events {
		kinds = append(kinds, ev.event)
	}
	if strings.Join(kinds, ",") != "created,completed" {
		t.Errorf("events = %v", kinds)
	}
}

// TestE2E_CriticExhaustsRetryBudget has the critic score 40 with a blocking
// issue on every iteration.
func TestE2E_CriticExhaustsRetryBudget(t *testing.T) {
	e := setupTest(t)
	e.agent.script[pipeline.StageCritic] = []string{failingReview}

	res := e.run(t)
	if res.Status != pipeline.StatusEscalated || res.Stage != pipeline.StageCritic {
		t.Fatalf("result = %+v", res)
	}
	if n := e.agent.count(pipeline.StageCritic); n != 3 {
		t.Errorf("critic invoked %d times, want 3", n)
	}
	if n := e.agent.count(pipeline.StageFixer); n != 2 {
		t.Errorf("fixer invoked %d times, want 2", n)
	}

	st := e.state(t)
	if st.Status != pipeline.StatusEscalated || st.Iterations.CriticFixer != 3 {
		t.Errorf("status %q at iteration %d", st.Status, st.Iterations.CriticFixer)
	}
	if !gateIs(st, pipeline.GateCriticScore, no) || !gateIs(st, pipeline.GateSecurity, nil) {
		t.Errorf("gates = %v", st.Gates)
	}
	if e.agent.count(pipeline.StageSecurityAuditor) != 0 || e.agent.count(pipeline.StagePerformanceAgent) != 0 {
		t.Error("audits must not run after the loop is exhausted")
	}

	fixes, _ := e.log.ForStage(pipeline.StageFixer)
	if len(fixes) != 2 || *fixes[0].Iteration != 1 || *fixes[1].Iteration != 2 {
		t.Errorf("fixer entries = %+v", fixes)
	}
	if fixes[0].Phase != "9.1" || fixes[1].Phase != "9.2" {
		t.Errorf("fixer phases = %q, %q", fixes[0].Phase, fixes[1].Phase)
	}
	if !strings.Contains(e.out.String(), "C1: missing input validation (app.js)") {
		t.Errorf("escalation output:\n%s", e.out.String())
	}
	if _, err := e.artifacts.Read(artifact.ReviewFindings); err != nil {
		t.Errorf("review findings should be kept for inspection: %v", err)
	}
}
