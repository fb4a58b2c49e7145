package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/buildforge/internal/agent"
	"github.com/lucasnoah/buildforge/internal/artifact"
	appctx "github.com/lucasnoah/buildforge/internal/context"
	"github.com/lucasnoah/buildforge/internal/gate"
	"github.com/lucasnoah/buildforge/internal/pipeline"
	"github.com/lucasnoah/buildforge/internal/stage"
)

const (
	unitCriticFixer = "critic_fixer"
	unitAudits      = "audits"
)

// unit is one step of the phase sequence. Most units are a single stage; the
// critic/fixer loop and the audits span several.
type unit struct {
	name   string
	phase  string
	stages []string
	run    func(r *run, ctx context.Context, force bool) (*Result, error)
}

var units = []unit{
	single(pipeline.StageResearch),
	single(pipeline.StageAnalyst),
	single(pipeline.StageArchitect),
	single(pipeline.StageSecurityPlanner),
	single(pipeline.StageUXDesigner),
	single(pipeline.StageImplementer),
	single(pipeline.StageTestWriter),
	{
		name:   unitCriticFixer,
		phase:  stage.Specs[pipeline.StageCritic].Phase,
		stages: []string{pipeline.StageCritic, pipeline.StageFixer},
		run:    (*run).criticFixer,
	},
	{
		name:   unitAudits,
		phase:  stage.Specs[pipeline.StageSecurityAuditor].Phase,
		stages: []string{pipeline.StageSecurityAuditor, pipeline.StagePerformanceAgent},
		run:    (*run).audits,
	},
	{
		name:   pipeline.StageCompleteness,
		phase:  stage.Specs[pipeline.StageCompleteness].Phase,
		stages: []string{pipeline.StageCompleteness},
		run:    (*run).judge,
	},
	single(pipeline.StageDocumenter),
	single(pipeline.StageDeployer),
}

func single(name string) unit {
	return unit{
		name:   name,
		phase:  stage.Specs[name].Phase,
		stages: []string{name},
		run: func(r *run, ctx context.Context, _ bool) (*Result, error) {
			return nil, r.simple(ctx, name)
		},
	}
}

// done reports whether every stage of the unit is passed or skipped.
func (u unit) done(st *pipeline.State) bool {
	for _, s := range u.stages {
		if !st.Agent(s).Status.Done() {
			return false
		}
	}
	return true
}

// skipped reports whether the unit's leading stage was skipped by the user.
// The audits unit is skipped only when both audits are.
func (u unit) skipped(st *pipeline.State) bool {
	if u.name == unitAudits {
		for _, s := range u.stages {
			if st.Agent(s).Status != pipeline.AgentSkipped {
				return false
			}
		}
		return true
	}
	return st.Agent(u.stages[0]).Status == pipeline.AgentSkipped
}

func unitIndex(name string) int {
	for i, u := range units {
		if u.name == name {
			return i
		}
	}
	return -1
}

// firstPending returns the index of the first unit not done, or -1.
func firstPending(st *pipeline.State) int {
	for i, u := range units {
		if !u.done(st) {
			return i
		}
	}
	return -1
}

// run carries per-execution state across units.
type run struct {
	c    *Controller
	note string
}

// takeNote hands the continue note to the first stage that asks for it.
func (r *run) takeNote() string {
	n := r.note
	r.note = ""
	return n
}

func (r *run) prepare(ctx context.Context, name string) (*appctx.Input, *pipeline.State, error) {
	st, err := r.c.deps.Store.Get()
	if err != nil {
		return nil, nil, err
	}
	in, err := r.c.deps.Inputs.Build(ctx, name, st, appctx.BuildOpts{UserNote: r.takeNote()})
	if err != nil {
		return nil, nil, fmt.Errorf("build %s input: %w", name, err)
	}
	return in, st, nil
}

func (r *run) exec(ctx context.Context, name, phase string, iter *int, in *appctx.Input, interpret func(agent.Result) stage.Outcome) (*stage.Result, error) {
	return r.c.deps.Stages.Run(ctx, stage.Request{
		Stage:         name,
		Phase:         phase,
		Iteration:     iter,
		Input:         in.Text,
		ArtifactsRead: in.ArtifactsRead,
		Skills:        in.Skills,
		Interpret:     interpret,
	})
}

// simple runs a stage that has no gate of its own beyond test coverage.
func (r *run) simple(ctx context.Context, name string) error {
	in, st, err := r.prepare(ctx, name)
	if err != nil {
		return err
	}
	var interpret func(agent.Result) stage.Outcome
	if name == pipeline.StageTestWriter {
		interpret = r.coverageGate(ctx, st)
	}
	if _, err := r.exec(ctx, name, stage.Specs[name].Phase, nil, in, interpret); err != nil {
		return err
	}
	if name == pipeline.StageAnalyst {
		return r.detectFeatures()
	}
	return nil
}

// detectFeatures derives capability flags from the requirements document.
func (r *run) detectFeatures() error {
	prd := r.c.deps.Artifacts.ReadOr(artifact.PRD, "")
	features := appctx.DetectFeatures(prd)
	if _, err := r.c.deps.Store.Merge(pipeline.Patch{DetectedFeatures: features}); err != nil {
		return fmt.Errorf("record detected features: %w", err)
	}
	var on []string
	for k, v := range features {
		if v {
			on = append(on, k)
		}
	}
	sort.Strings(on)
	if len(on) > 0 {
		fmt.Fprintf(r.c.out, "  Detected features: %s\n", strings.Join(on, ", "))
	}
	r.c.logger.Info("features detected", zap.Strings("features", on))
	return nil
}

// coverageGate measures coverage once the test suite is written and sets the
// test_coverage gate.
func (r *run) coverageGate(ctx context.Context, st *pipeline.State) func(agent.Result) stage.Outcome {
	threshold := st.Thresholds.TestCoverage
	return func(agent.Result) stage.Outcome {
		pct := 0.0
		if r.c.deps.Probes != nil {
			pct = r.c.deps.Probes.Coverage(ctx).Percent
		}
		ok := pct >= threshold
		r.c.deps.Metrics.ObserveGate(pipeline.GateTestCoverage, ok)
		return stage.Outcome{
			Decision: fmt.Sprintf("test suite written, coverage %g%% (threshold %g%%)", pct, threshold),
			Gate:     &ok,
			Patch:    pipeline.SetGate(pipeline.GateTestCoverage, &ok),
		}
	}
}

// judge runs the completeness judge. Not done is an escalation.
func (r *run) judge(ctx context.Context, _ bool) (*Result, error) {
	in, _, err := r.prepare(ctx, pipeline.StageCompleteness)
	if err != nil {
		return nil, err
	}
	var rep gate.Report
	_, err = r.exec(ctx, pipeline.StageCompleteness, stage.Specs[pipeline.StageCompleteness].Phase, nil, in,
		func(res agent.Result) stage.Outcome {
			rep = gate.ParseReport(res.Text)
			prd := rep.Done
			if g, ok := rep.Gates[pipeline.GatePRDCoverage]; ok && g.Passed != nil {
				prd = g.Passed
			}
			prdOK := gate.True(prd)
			done := rep.IsDone()
			r.c.deps.Metrics.ObserveGate(pipeline.GatePRDCoverage, prdOK)

			decision := "done"
			if !done {
				decision = "not done"
				if rep.Action != "" {
					decision += ": " + rep.Action
				}
			}
			return stage.Outcome{
				Artifact: reportJSON(rep),
				Decision: decision,
				Bullets:  []string{orDefault(rep.Summary, decision)},
				Gate:     &done,
				Patch:    pipeline.SetGate(pipeline.GatePRDCoverage, &prdOK),
			}
		})
	if err != nil {
		return nil, err
	}
	if !rep.IsDone() {
		return r.c.escalate(ctx, pipeline.StageCompleteness, "completeness judge reports the project is not done", nil, &rep)
	}
	fmt.Fprintln(r.c.out, "  ✓ Completeness judge: done")
	return nil, nil
}

func reportJSON(rep gate.Report) string {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
