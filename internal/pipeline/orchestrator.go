package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"stepforge/internal/project"

	"github.com/rs/zerolog/log"
)

// Packager builds the downloadable archive of a completed project.
type Packager interface {
	Package(ctx context.Context, projectID string) (string, error)
}

// RunResult summarizes one orchestrator pass over a project.
type RunResult struct {
	ProjectID string         `json:"project_id"`
	Status    project.Status `json:"status"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Archive   string         `json:"archive,omitempty"`
}

// Orchestrator runs a project's steps one at a time in ascending sequence
// order and settles the project status once every step is terminal.
type Orchestrator struct {
	store    project.Store
	executor *Executor
	packager Packager
}

func NewOrchestrator(store project.Store, executor *Executor, packager Packager) *Orchestrator {
	return &Orchestrator{store: store, executor: executor, packager: packager}
}

// Run drives every pending step and then marks the project failed if any step
// failed, completed otherwise. A failing step never stops the steps after it.
// When ctx is cancelled between steps the project is left in-progress so it
// can be resumed.
func (o *Orchestrator) Run(ctx context.Context, projectID string) (result RunResult, err error) {
	result = RunResult{ProjectID: projectID, Status: project.StatusInProgress}
	logger := log.With().Str("project_id", projectID).Logger()
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("pipeline panicked")
			result.Status = project.StatusFailed
			err = fmt.Errorf("pipeline panic: %v", r)
			o.settle(ctx, projectID, project.StatusFailed)
		}
	}()

	steps, err := o.store.ListSteps(ctx, projectID)
	if err != nil {
		if errors.Is(err, project.ErrNotFound) {
			return result, err
		}
		result.Status = project.StatusFailed
		o.settle(ctx, projectID, project.StatusFailed)
		return result, fmt.Errorf("list steps: %w", err)
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Sequence < steps[j].Sequence })
	logger.Info().Int("steps", len(steps)).Msg("pipeline started")

	for i, step := range steps {
		switch step.Status {
		case project.StepCompleted:
			result.Completed++
			continue
		case project.StepFailed:
			result.Failed++
			continue
		case project.StepInProgress:
			// left over from an interrupted run
			o.executor.finish(ctx, step, project.StepFailed, ErrInterrupted)
			result.Failed++
			continue
		}

		if ctx.Err() != nil {
			logger.Warn().Int("remaining", len(steps)-i).Msg("pipeline interrupted, project left in-progress")
			return result, fmt.Errorf("run: %w", ctx.Err())
		}

		outcome := o.executor.Execute(ctx, step.ID)
		if outcome.Status == project.StepCompleted {
			result.Completed++
		} else {
			result.Failed++
			if errors.Is(outcome.Err, ErrStepVanished) {
				logger.Warn().Str("step_id", step.ID).Msg("step disappeared, skipping")
			}
		}
	}

	result.Status = project.StatusCompleted
	if result.Failed > 0 {
		result.Status = project.StatusFailed
	}
	o.settle(ctx, projectID, result.Status)
	logger.Info().
		Str("status", string(result.Status)).
		Int("completed", result.Completed).
		Int("failed", result.Failed).
		Int64("duration_ms", time.Since(started).Milliseconds()).
		Msg("pipeline finished")

	if result.Status == project.StatusCompleted && o.packager != nil {
		archivePath, packErr := o.packager.Package(context.WithoutCancel(ctx), projectID)
		if packErr != nil {
			logger.Error().Err(packErr).Msg("packaging failed")
		} else {
			result.Archive = archivePath
		}
	}
	return result, nil
}

func (o *Orchestrator) settle(ctx context.Context, projectID string, status project.Status) {
	if err := o.store.UpdateProjectStatus(context.WithoutCancel(ctx), projectID, status); err != nil {
		log.Error().Str("project_id", projectID).Err(err).Msg("persist project status failed")
	}
}
