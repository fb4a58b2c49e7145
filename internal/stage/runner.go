// Package stage runs one pipeline stage: invoke the agent, persist the
// artifact, snapshot the tree, append the audit entry and record the result.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/buildforge/internal/agent"
	"github.com/lucasnoah/buildforge/internal/artifact"
	"github.com/lucasnoah/buildforge/internal/audit"
	"github.com/lucasnoah/buildforge/internal/pipeline"
	"github.com/lucasnoah/buildforge/internal/prompt"
	"github.com/lucasnoah/buildforge/internal/vcs"
)

// Snapshotter commits the working tree.
type Snapshotter interface {
	Snapshot(s vcs.Snapshot) (string, error)
}

// Observer receives per-invocation measurements.
type Observer interface {
	ObserveStage(stage, outcome string, d time.Duration, tokensIn, tokensOut *int)
}

// Request is one invocation of a stage.
type Request struct {
	Stage string
	Phase string
	// Iteration is set inside the critic/fixer loop.
	Iteration     *int
	Input         string
	ArtifactsRead []string
	Skills        []string
	// Interpret turns the agent's text into an outcome. Nil uses the stage's
	// catalogue defaults.
	Interpret func(agent.Result) Outcome
}

// Outcome is what a stage produced, as interpreted by the caller.
type Outcome struct {
	// Artifact content written under Spec.Artifact; empty writes nothing.
	Artifact string
	Decision string
	Subject  string
	Bullets  []string
	Gate     *bool
	// Patch carries extra state changes, applied with the passed transition.
	Patch pipeline.Patch
}

// Result is a completed invocation.
type Result struct {
	Agent   agent.Result
	Outcome Outcome
	Commit  string
	Entry   audit.Entry
}

// Deps are the collaborators a Runner needs.
type Deps struct {
	Store      *pipeline.Store
	Log        *audit.Log
	Artifacts  *artifact.Store
	VCS        Snapshotter
	Invoker    agent.Invoker
	ControlDir string
	// ModelFor picks the model per stage; nil leaves the model empty.
	ModelFor func(stage string) string
	Observer Observer
	Logger   *zap.Logger
}

// Runner executes stages.
type Runner struct {
	deps     Deps
	logger   *zap.Logger
	progress io.Writer
	now      func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(deps Deps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{deps: deps, logger: logger, now: time.Now}
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (r *Runner) SetProgress(w io.Writer) {
	r.progress = w
}

func (r *Runner) logf(format string, args ...interface{}) {
	if r.progress != nil {
		fmt.Fprintf(r.progress, "  → "+format+"\n", args...)
	}
}

// Run executes req. A transport failure leaves the stage running with the
// error as its activity, snapshots partial work and returns the error.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	spec, ok := Specs[req.Stage]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", req.Stage)
	}
	start := r.now()
	log := r.logger.With(zap.String("stage", req.Stage), zap.String("phase", req.Phase))

	activity := spec.Activity
	if req.Iteration != nil {
		activity = fmt.Sprintf("%s (iteration %d)", spec.Activity, *req.Iteration)
	}
	st, err := r.deps.Store.Merge(pipeline.SetAgent(req.Stage, pipeline.AgentPatch{
		Status:   pipeline.Ptr(pipeline.AgentRunning),
		Activity: &activity,
	}))
	if err != nil {
		return nil, fmt.Errorf("mark %s running: %w", req.Stage, err)
	}
	r.logf("[%s] %s: %s", spec.Label, req.Stage, activity)

	if err := r.deps.Artifacts.SaveContext(req.Stage, req.Input); err != nil {
		log.Warn("save stage input", zap.Error(err))
	}

	system, err := prompt.SystemPrompt(r.deps.ControlDir, req.Stage)
	if err != nil {
		return nil, err
	}
	model := ""
	if r.deps.ModelFor != nil {
		model = r.deps.ModelFor(req.Stage)
	}

	res, err := r.deps.Invoker.Invoke(ctx, agent.Request{
		Stage:        req.Stage,
		SystemPrompt: system,
		Input:        req.Input,
		Model:        model,
	})
	if err != nil {
		return nil, r.fail(ctx, req, spec, start, err)
	}

	interpret := req.Interpret
	if interpret == nil {
		interpret = spec.defaultOutcome
	}
	out := interpret(res)
	if out.Decision == "" {
		out.Decision = spec.Decision
	}
	if out.Subject == "" {
		out.Subject = spec.Subject
	}
	if out.Bullets == nil {
		out.Bullets = spec.Bullets
	}

	// writes below must land even if ctx was cancelled after the agent returned
	wctx := context.WithoutCancel(ctx)

	var written *string
	if spec.Artifact != "" && out.Artifact != "" {
		if err := r.deps.Artifacts.Write(spec.Artifact, out.Artifact); err != nil {
			return nil, fmt.Errorf("write %s: %w", spec.Artifact, err)
		}
		written = pipeline.Ptr(spec.Artifact)
	}

	commit := r.snapshot(log, vcs.Snapshot{
		Subject:   out.Subject,
		Body:      out.Bullets,
		Stage:     req.Stage,
		Phase:     req.Phase,
		TokensIn:  res.TokensIn,
		TokensOut: res.TokensOut,
	})

	warn := res.TokensIn != nil && st.TokenWarningThreshold > 0 && *res.TokensIn > st.TokenWarningThreshold
	if warn {
		log.Warn("stage input exceeded token warning threshold",
			zap.Int("tokens_in", *res.TokensIn), zap.Int("threshold", st.TokenWarningThreshold))
	}

	entry, err := r.deps.Log.Append(wctx, audit.Entry{
		RunID:     st.RunID,
		Agent:     req.Stage,
		Phase:     req.Phase,
		Iteration: req.Iteration,
		TokensIn:  res.TokensIn,
		TokensOut: res.TokensOut,
		Context: audit.Context{
			ArtifactsRead:  nonNil(req.ArtifactsRead),
			SkillsInjected: nonNil(req.Skills),
			TokenWarning:   warn,
		},
		Decision:        out.Decision,
		ArtifactWritten: written,
		Commit:          commit,
		GateResult:      out.Gate,
	})
	if err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	if _, err := r.deps.Store.Update(func(cur pipeline.State) pipeline.Patch {
		prior := cur.Agent(req.Stage)
		passed := pipeline.SetAgent(req.Stage, pipeline.AgentPatch{
			Status:        pipeline.Ptr(pipeline.AgentPassed),
			ClearActivity: true,
			TokensIn:      accumulate(prior.TokensIn, res.TokensIn),
			TokensOut:     accumulate(prior.TokensOut, res.TokensOut),
		})
		return pipeline.Combine(out.Patch, passed)
	}); err != nil {
		return nil, fmt.Errorf("mark %s passed: %w", req.Stage, err)
	}

	d := r.now().Sub(start)
	if r.deps.Observer != nil {
		r.deps.Observer.ObserveStage(req.Stage, "passed", d, res.TokensIn, res.TokensOut)
	}
	log.Info("stage passed",
		zap.String("decision", out.Decision),
		zap.Stringp("commit", commit),
		zap.Duration("duration", d))
	r.logf("[%s] %s: %s", req.Phase, req.Stage, out.Decision)

	result := &Result{Agent: res, Outcome: out, Entry: entry}
	if commit != nil {
		result.Commit = *commit
	}
	return result, nil
}

// fail records a transport failure or interruption and returns the error the
// controller sees.
func (r *Runner) fail(ctx context.Context, req Request, spec Spec, start time.Time, cause error) error {
	wctx := context.WithoutCancel(ctx)
	log := r.logger.With(zap.String("stage", req.Stage), zap.String("phase", req.Phase))

	interrupted := ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled)
	decision := "transport failure: " + cause.Error()
	outcome := "transport_failure"
	if interrupted {
		decision = "interrupted"
		outcome = "interrupted"
	}

	commit := r.snapshot(log, vcs.Snapshot{
		Subject:    fmt.Sprintf("wip(forge/%s): partial work (%s)", req.Stage, outcome),
		Stage:      req.Stage,
		Phase:      req.Phase,
		InProgress: true,
	})

	st, _ := r.deps.Store.Get()
	runID := ""
	if st != nil {
		runID = st.RunID
	}
	if _, err := r.deps.Log.Append(wctx, audit.Entry{
		RunID:     runID,
		Agent:     req.Stage,
		Phase:     req.Phase,
		Iteration: req.Iteration,
		Context: audit.Context{
			ArtifactsRead:  nonNil(req.ArtifactsRead),
			SkillsInjected: nonNil(req.Skills),
		},
		Decision: decision,
		Commit:   commit,
	}); err != nil {
		log.Error("append failure entry", zap.Error(err))
	}

	if _, err := r.deps.Store.Merge(pipeline.SetAgent(req.Stage, pipeline.AgentPatch{
		Activity: pipeline.Ptr(decision),
	})); err != nil {
		log.Error("record failure activity", zap.Error(err))
	}

	if r.deps.Observer != nil {
		r.deps.Observer.ObserveStage(req.Stage, outcome, r.now().Sub(start), nil, nil)
	}
	if interrupted {
		log.Warn("stage interrupted")
	} else {
		log.Error("stage transport failure", zap.Error(cause))
	}
	return cause
}

// snapshot commits the tree. A snapshot failure loses the change id, not the
// stage, so it is logged and tolerated.
func (r *Runner) snapshot(log *zap.Logger, s vcs.Snapshot) *string {
	if r.deps.VCS == nil {
		return nil
	}
	id, err := r.deps.VCS.Snapshot(s)
	if err != nil {
		log.Warn("snapshot failed", zap.Error(err))
		return nil
	}
	if id == "" {
		return nil
	}
	return &id
}

// accumulate adds a new token count to the prior one. A missing new count
// leaves the prior value in place.
func accumulate(prior, next *int) *int {
	if next == nil {
		return nil
	}
	if prior == nil {
		return pipeline.Ptr(*next)
	}
	return pipeline.Ptr(*prior + *next)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
