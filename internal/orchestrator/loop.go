package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lucasnoah/buildforge/internal/agent"
	"github.com/lucasnoah/buildforge/internal/gate"
	"github.com/lucasnoah/buildforge/internal/pipeline"
	"github.com/lucasnoah/buildforge/internal/stage"
)

const defaultMaxCriticFixer = 3

// criticFixer alternates review and repair until the review passes or the
// iteration bound is reached. The bound counts reviews, so a loop that never
// passes runs the fixer max-1 times.
func (r *run) criticFixer(ctx context.Context, _ bool) (*Result, error) {
	c := r.c
	st, err := c.deps.Store.Get()
	if err != nil {
		return nil, err
	}
	limit := st.Iterations.MaxCriticFixer
	if limit <= 0 {
		limit = defaultMaxCriticFixer
	}
	threshold := st.Thresholds.CriticScore

	// a resumed loop continues its count; it never exceeds the bound
	first := st.Iterations.CriticFixer
	if first < 1 {
		first = 1
	}
	if first > limit {
		first = limit
	}

	for i := first; ; i++ {
		phase := fmt.Sprintf("%s.%d", stage.Specs[pipeline.StageCritic].Phase, i)
		if _, err := c.deps.Store.Merge(pipeline.Patch{
			Phase:      &phase,
			Iterations: &pipeline.IterationsPatch{CriticFixer: pipeline.Ptr(i)},
		}); err != nil {
			return nil, err
		}
		c.deps.Metrics.SetIteration(i)

		findings, err := r.review(ctx, i, phase, threshold)
		if err != nil {
			return nil, err
		}
		if findings.ReviewPassed(threshold) {
			if err := r.skipFixerIfIdle(); err != nil {
				return nil, err
			}
			fmt.Fprintf(c.out, "  ✓ Review passed at iteration %d (%s)\n", i, findings.Summary())
			return nil, nil
		}

		if i >= limit {
			return c.escalate(ctx, pipeline.StageCritic,
				fmt.Sprintf("critic/fixer loop exhausted after %d iterations", i), &findings, nil)
		}

		fmt.Fprintf(c.out, "  ✗ Review failed at iteration %d (%s); fixing\n", i, findings.Summary())
		fixPhase := fmt.Sprintf("%s.%d", stage.Specs[pipeline.StageFixer].Phase, i)
		if _, err := c.deps.Store.Merge(pipeline.Patch{Phase: &fixPhase}); err != nil {
			return nil, err
		}
		if err := r.fix(ctx, fixPhase, pipeline.Ptr(i), fmt.Sprintf("iteration %d", i)); err != nil {
			return nil, err
		}
	}
}

// review runs the critic and writes its findings as review_findings.md.
func (r *run) review(ctx context.Context, iter int, phase string, threshold float64) (gate.Findings, error) {
	in, _, err := r.prepare(ctx, pipeline.StageCritic)
	if err != nil {
		return gate.Findings{}, err
	}
	var findings gate.Findings
	_, err = r.exec(ctx, pipeline.StageCritic, phase, pipeline.Ptr(iter), in, func(res agent.Result) stage.Outcome {
		findings = gate.ParseReview(res.Text, threshold)
		ok := findings.ReviewPassed(threshold)
		r.c.deps.Metrics.ObserveGate(pipeline.GateCriticScore, ok)
		if findings.Tier == gate.TierFallback {
			r.c.logger.Warn("critic output not parseable", zap.Int("iteration", iter))
		}

		verdict := "failing"
		if ok {
			verdict = "passing"
		}
		return stage.Outcome{
			Artifact: findings.JSON(),
			Decision: fmt.Sprintf("%s, %s", findings.Summary(), verdict),
			Subject:  fmt.Sprintf("chore(forge/critic): review iteration %d", iter),
			Bullets:  append([]string{findings.Summary()}, gate.IssueLines(findings.BlockingIssues)...),
			Gate:     &ok,
			Patch:    pipeline.SetGate(pipeline.GateCriticScore, &ok),
		}
	})
	return findings, err
}

// fix runs the fixer against the blocking issues in review_findings.md.
func (r *run) fix(ctx context.Context, phase string, iter *int, label string) error {
	in, _, err := r.prepare(ctx, pipeline.StageFixer)
	if err != nil {
		return err
	}
	n := len(in.Issues)
	_, err = r.exec(ctx, pipeline.StageFixer, phase, iter, in, func(agent.Result) stage.Outcome {
		return stage.Outcome{
			Decision: fmt.Sprintf("addressed %d blocking issues (%s)", n, label),
			Subject:  fmt.Sprintf("fix(forge/fixer): resolve %d blocking issues (%s)", n, label),
			Bullets:  gate.IssueLines(in.Issues),
		}
	})
	return err
}

// skipFixerIfIdle marks the fixer skipped when the loop passes without it
// having run.
func (r *run) skipFixerIfIdle() error {
	_, err := r.c.deps.Store.Update(func(cur pipeline.State) pipeline.Patch {
		if cur.Agent(pipeline.StageFixer).Status == pipeline.AgentPassed {
			return pipeline.Patch{}
		}
		return pipeline.SetAgent(pipeline.StageFixer, pipeline.AgentPatch{
			Status:        pipeline.Ptr(pipeline.AgentSkipped),
			ClearActivity: true,
		})
	})
	return err
}
