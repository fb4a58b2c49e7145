package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/lucasnoah/buildforge/internal/audit"
	"github.com/lucasnoah/buildforge/internal/pipeline"
)

// ErrUnknownStage is returned by the mutations for names outside the stage order.
var ErrUnknownStage = errors.New("unknown stage")

// ResetResult reports what a reset changed.
type ResetResult struct {
	State  *pipeline.State
	Stages []string
	Purged int
}

// ResetFrom sets stageName and every later stage back to pending, nulls the
// gates those stages own, zeroes the critic/fixer counter when the critic is
// in range, turns a terminal status into interrupted and purges the range
// from the audit log.
func ResetFrom(ctx context.Context, store *pipeline.Store, log *audit.Log, stageName string) (*ResetResult, error) {
	if !pipeline.IsStage(stageName) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stageName)
	}
	stages := pipeline.StagesFrom(stageName)

	st, err := store.Update(func(cur pipeline.State) pipeline.Patch {
		p := pipeline.Patch{
			Agents: make(map[string]pipeline.AgentPatch, len(stages)),
			Gates:  map[string]*bool{},
		}
		for _, s := range stages {
			p.Agents[s] = pipeline.AgentPatch{Status: pipeline.Ptr(pipeline.AgentPending), ClearActivity: true}
			for _, g := range pipeline.GateOwners[s] {
				p.Gates[g] = nil
			}
		}
		if slices.Contains(stages, pipeline.StageCritic) {
			p.Iterations = &pipeline.IterationsPatch{CriticFixer: pipeline.Ptr(0)}
		}
		if cur.Status.Terminal() {
			p.Status = pipeline.Ptr(pipeline.StatusInterrupted)
		}
		return p
	})
	if err != nil {
		return nil, fmt.Errorf("reset state: %w", err)
	}

	purged := 0
	if log != nil {
		purged, err = log.Purge(ctx, stages)
		if err != nil {
			return nil, fmt.Errorf("purge audit log: %w", err)
		}
	}
	return &ResetResult{State: st, Stages: stages, Purged: purged}, nil
}

// Skip marks a stage skipped so the next resume bypasses it.
func Skip(store *pipeline.Store, stageName string) (*pipeline.State, error) {
	if !pipeline.IsStage(stageName) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stageName)
	}
	return store.Merge(pipeline.SetAgent(stageName, pipeline.AgentPatch{
		Status:        pipeline.Ptr(pipeline.AgentSkipped),
		ClearActivity: true,
	}))
}

// Unskip returns a skipped stage to pending. Other statuses are left alone.
func Unskip(store *pipeline.Store, stageName string) (*pipeline.State, error) {
	if !pipeline.IsStage(stageName) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, stageName)
	}
	return store.Update(func(cur pipeline.State) pipeline.Patch {
		if cur.Agent(stageName).Status != pipeline.AgentSkipped {
			return pipeline.Patch{}
		}
		return pipeline.SetAgent(stageName, pipeline.AgentPatch{Status: pipeline.Ptr(pipeline.AgentPending)})
	})
}
