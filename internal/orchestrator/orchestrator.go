// Package orchestrator is the pipeline controller: it sequences the phases,
// runs the critic/fixer loop and the concurrent audits, evaluates completion,
// resumes interrupted runs and applies management mutations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/buildforge/internal/agent"
	"github.com/lucasnoah/buildforge/internal/artifact"
	"github.com/lucasnoah/buildforge/internal/audit"
	"github.com/lucasnoah/buildforge/internal/checks"
	appctx "github.com/lucasnoah/buildforge/internal/context"
	"github.com/lucasnoah/buildforge/internal/gate"
	"github.com/lucasnoah/buildforge/internal/metrics"
	"github.com/lucasnoah/buildforge/internal/pipeline"
	"github.com/lucasnoah/buildforge/internal/stage"
	"github.com/lucasnoah/buildforge/internal/vcs"
)

var (
	// ErrAlreadyRunning is returned by Start when a run is in progress.
	ErrAlreadyRunning = errors.New("a pipeline is already running in this project")
	// ErrTerminal is returned by Resume for escalated or failed pipelines.
	ErrTerminal = errors.New("pipeline is in a terminal state")
)

// ContinueNote is the optional user note read on resume.
const ContinueNote = "continue.md"

// Stages is the stage runner.
type Stages interface {
	Run(ctx context.Context, req stage.Request) (*stage.Result, error)
}

// Inputs assembles stage input.
type Inputs interface {
	Build(ctx context.Context, stageName string, st *pipeline.State, opts appctx.BuildOpts) (*appctx.Input, error)
}

// CoverageProbe measures test coverage.
type CoverageProbe interface {
	Coverage(ctx context.Context) checks.Coverage
}

// EventSink records pipeline lifecycle events (the Postgres mirror).
type EventSink interface {
	LogPipelineEvent(ctx context.Context, runID, event, stage, detail string) error
}

// Deps are the collaborators a Controller needs.
type Deps struct {
	ControlDir string
	Store      *pipeline.Store
	Log        *audit.Log
	Artifacts  *artifact.Store
	VCS        stage.Snapshotter
	Stages     Stages
	Inputs     Inputs
	Probes     CoverageProbe
	Metrics    *metrics.Metrics
	Events     EventSink
	Logger     *zap.Logger
	// Out receives human-readable progress and escalation reports.
	Out io.Writer
}

// Controller drives one pipeline instance.
type Controller struct {
	deps   Deps
	logger *zap.Logger
	out    io.Writer
	now    func() time.Time
}

// New creates a Controller.
func New(deps Deps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	out := deps.Out
	if out == nil {
		out = io.Discard
	}
	return &Controller{deps: deps, logger: logger, out: out, now: time.Now}
}

// Result is how a run ended.
type Result struct {
	Status pipeline.Status
	// Stage is the stage the run stopped at, empty on completion.
	Stage  string
	Reason string
	// Findings is the finding set that caused an escalation, if any.
	Findings *gate.Findings
	// Report is the completeness report when the judge escalated.
	Report *gate.Report
	// Err is the transport failure behind a failed run.
	Err error
}

// StartOpts configures a fresh run.
type StartOpts struct {
	Force bool
	Seed  pipeline.Defaults
}

// Scaffold creates the control directory layout and its .gitignore.
func Scaffold(controlDir string) error {
	for _, sub := range []string{"logs", "artifacts", "context", "prompts", "skills"} {
		if err := os.MkdirAll(filepath.Join(controlDir, sub), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", sub, err)
		}
	}
	ignore := "state.json\nstate.lock\nlogs/\ncontext/\n"
	return pipeline.WriteAtomic(filepath.Join(controlDir, ".gitignore"), []byte(ignore))
}

// Start writes a fresh state document for goal and snapshots the scaffold.
func (c *Controller) Start(ctx context.Context, goal string, opts StartOpts) (*pipeline.State, error) {
	if c.deps.Store.Exists() {
		cur, err := c.deps.Store.Get()
		if err == nil && cur.Status == pipeline.StatusRunning && !opts.Force {
			return nil, ErrAlreadyRunning
		}
	}
	if err := Scaffold(c.deps.ControlDir); err != nil {
		return nil, err
	}
	seed := opts.Seed
	if seed.MaxCriticFixer == 0 {
		seed = pipeline.DefaultSeed()
	}
	st, err := c.deps.Store.Create(goal, uuid.NewString(), seed)
	if err != nil {
		return nil, fmt.Errorf("create state: %w", err)
	}
	if c.deps.VCS != nil {
		if _, err := c.deps.VCS.Snapshot(vcs.Snapshot{
			Subject: "chore(forge): bootstrap pipeline",
			Body:    []string{"Goal: " + goal},
			Stage:   "bootstrap",
			Phase:   "0",
		}); err != nil {
			c.logger.Warn("bootstrap snapshot failed", zap.Error(err))
		}
	}
	c.event(ctx, st.RunID, "created", "", goal)
	c.logger.Info("pipeline created", zap.String("run_id", st.RunID), zap.String("goal", goal))
	return st, nil
}

// Run starts a fresh pipeline for goal and drives it to a terminal state.
func (c *Controller) Run(ctx context.Context, goal string, opts StartOpts) (*Result, error) {
	if _, err := c.Start(ctx, goal, opts); err != nil {
		return nil, err
	}
	fmt.Fprintf(c.out, "Goal: %s\n", goal)
	return c.execute(ctx, 0, false, "")
}

// Resume continues an existing pipeline. Stages left running by a crash or
// interruption are reset to pending first. A complete pipeline re-enters at
// the critic/fixer loop.
func (c *Controller) Resume(ctx context.Context) (*Result, error) {
	st, err := c.deps.Store.Get()
	if err != nil {
		return nil, err
	}
	if st.Status == pipeline.StatusEscalated || st.Status == pipeline.StatusFailed {
		return nil, fmt.Errorf("%w: status is %s; reset a stage to continue", ErrTerminal, st.Status)
	}

	st, err = c.deps.Store.Update(func(cur pipeline.State) pipeline.Patch {
		p := pipeline.Patch{Agents: map[string]pipeline.AgentPatch{}}
		for name, a := range cur.Agents {
			if a.Status == pipeline.AgentRunning {
				p.Agents[name] = pipeline.AgentPatch{Status: pipeline.Ptr(pipeline.AgentPending), ClearActivity: true}
			}
		}
		return p
	})
	if err != nil {
		return nil, fmt.Errorf("reset running stages: %w", err)
	}

	note := c.takeContinueNote()

	if st.Status == pipeline.StatusComplete {
		fmt.Fprintln(c.out, "Pipeline complete; re-entering the critic/fixer loop")
		if _, err := c.deps.Store.Merge(pipeline.Patch{
			Iterations: &pipeline.IterationsPatch{CriticFixer: pipeline.Ptr(0)},
		}); err != nil {
			return nil, err
		}
		return c.execute(ctx, unitIndex(unitCriticFixer), true, note)
	}

	start := firstPending(st)
	if start < 0 {
		fmt.Fprintln(c.out, "All phases done")
		return c.complete(ctx)
	}
	fmt.Fprintf(c.out, "Resuming at %s\n", units[start].name)
	c.event(ctx, st.RunID, "resumed", units[start].name, "")
	return c.execute(ctx, start, false, note)
}

// takeContinueNote reads continue.md and archives it under logs/.
func (c *Controller) takeContinueNote() string {
	path := filepath.Join(c.deps.ControlDir, ContinueNote)
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	archive := filepath.Join(c.deps.ControlDir, "logs",
		fmt.Sprintf("continue_%s.md", c.now().UTC().Format("20060102T150405Z")))
	if err := os.MkdirAll(filepath.Dir(archive), 0o755); err == nil {
		if err := os.Rename(path, archive); err != nil {
			c.logger.Warn("archive continue note", zap.Error(err))
		}
	}
	return string(data)
}

// execute runs phase units from start to the end.
func (c *Controller) execute(ctx context.Context, start int, force bool, note string) (*Result, error) {
	st, err := c.deps.Store.Merge(pipeline.Patch{Status: pipeline.Ptr(pipeline.StatusRunning)})
	if err != nil {
		return nil, err
	}
	runID := st.RunID
	r := &run{c: c, note: note}

	for i := start; i < len(units); i++ {
		u := units[i]
		st, err := c.deps.Store.Get()
		if err != nil {
			return nil, err
		}
		// force re-runs passed units; a user skip always holds
		if u.skipped(st) {
			fmt.Fprintf(c.out, "Skipping %s\n", u.name)
			continue
		}
		if _, err := c.deps.Store.Merge(pipeline.Patch{Phase: pipeline.Ptr(u.phase)}); err != nil {
			return nil, err
		}

		res, err := u.run(r, ctx, force)
		if err != nil {
			return c.stop(ctx, runID, u.name, err)
		}
		if res != nil {
			return res, nil
		}
	}
	return c.complete(ctx)
}

func (c *Controller) complete(ctx context.Context) (*Result, error) {
	st, err := c.deps.Store.Merge(pipeline.Patch{Status: pipeline.Ptr(pipeline.StatusComplete)})
	if err != nil {
		return nil, err
	}
	c.event(ctx, st.RunID, "completed", "", "")
	fmt.Fprintf(c.out, "\nPipeline complete. Tokens: %d in / %d out\n", st.TokenTotals.In, st.TokenTotals.Out)
	c.logger.Info("pipeline complete",
		zap.Int("tokens_in", st.TokenTotals.In), zap.Int("tokens_out", st.TokenTotals.Out))
	return &Result{Status: pipeline.StatusComplete}, nil
}

// stop records why a run ended early: interrupted when ctx was cancelled,
// failed otherwise.
func (c *Controller) stop(ctx context.Context, runID, unit string, cause error) (*Result, error) {
	wctx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		if _, err := c.deps.Store.Merge(pipeline.Patch{Status: pipeline.Ptr(pipeline.StatusInterrupted)}); err != nil {
			return nil, err
		}
		c.event(wctx, runID, "interrupted", unit, "")
		fmt.Fprintf(c.out, "\nInterrupted during %s. Run `forge continue` to resume.\n", unit)
		c.logger.Warn("pipeline interrupted", zap.String("unit", unit))
		return &Result{Status: pipeline.StatusInterrupted, Stage: unit, Reason: "interrupted"}, nil
	}

	if _, err := c.deps.Store.Merge(pipeline.Patch{Status: pipeline.Ptr(pipeline.StatusFailed)}); err != nil {
		return nil, errors.Join(cause, err)
	}
	c.event(wctx, runID, "failed", unit, cause.Error())
	c.logger.Error("pipeline failed", zap.String("unit", unit), zap.Error(cause))
	fmt.Fprintf(c.out, "\nFailed during %s: %v\n", unit, cause)
	if !agent.IsTransport(cause) {
		return nil, cause
	}
	return &Result{Status: pipeline.StatusFailed, Stage: unit, Reason: cause.Error(), Err: cause}, nil
}

// escalate halts forward progress, leaving every artifact in place.
func (c *Controller) escalate(ctx context.Context, stageName, reason string, f *gate.Findings, rep *gate.Report) (*Result, error) {
	st, err := c.deps.Store.Merge(pipeline.Patch{Status: pipeline.Ptr(pipeline.StatusEscalated)})
	if err != nil {
		return nil, err
	}
	c.event(ctx, st.RunID, "escalated", stageName, reason)
	c.logger.Warn("pipeline escalated", zap.String("stage", stageName), zap.String("reason", reason))

	fmt.Fprintf(c.out, "\n✗ Escalated at %s: %s\n", stageName, reason)
	if f != nil {
		fmt.Fprintf(c.out, "  %s\n", f.Summary())
		for _, line := range gate.IssueLines(f.BlockingIssues) {
			fmt.Fprintf(c.out, "  - %s\n", line)
		}
	}
	if rep != nil {
		if rep.Summary != "" {
			fmt.Fprintf(c.out, "  %s\n", rep.Summary)
		}
		for _, name := range pipeline.GateNames {
			if g, ok := rep.Gates[name]; ok {
				fmt.Fprintf(c.out, "  %-14s %s %s\n", name, mark(g.Passed), g.Detail)
			}
		}
		if rep.Action != "" {
			fmt.Fprintf(c.out, "  Suggested action: %s\n", rep.Action)
		}
	}
	fmt.Fprintln(c.out, "  Artifacts are left in place for inspection.")
	return &Result{Status: pipeline.StatusEscalated, Stage: stageName, Reason: reason, Findings: f, Report: rep}, nil
}

func (c *Controller) event(ctx context.Context, runID, event, stageName, detail string) {
	if c.deps.Events == nil {
		return
	}
	if err := c.deps.Events.LogPipelineEvent(context.WithoutCancel(ctx), runID, event, stageName, detail); err != nil {
		c.logger.Warn("record pipeline event", zap.String("event", event), zap.Error(err))
	}
}

func mark(b *bool) string {
	switch {
	case b == nil:
		return "-"
	case *b:
		return "✓"
	default:
		return "✗"
	}
}
