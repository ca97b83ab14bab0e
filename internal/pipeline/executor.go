package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"stepforge/internal/accumulator"
	"stepforge/internal/generation"
	"stepforge/internal/normalize"
	"stepforge/internal/project"

	"github.com/rs/zerolog/log"
)

// Generator produces the raw model answer for one step.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (generation.Response, error)
}

// FileSink receives a step's parsed contributions, or its raw text when the
// answer could not be parsed.
type FileSink interface {
	Apply(ctx context.Context, projectID, stepID string, files []normalize.FileSpec) (accumulator.Summary, error)
	SaveRaw(ctx context.Context, projectID, stepID string, sequence int, raw string) (string, error)
}

// Outcome is the terminal result of executing one step.
type Outcome struct {
	StepID   string
	Sequence int
	Status   project.StepStatus
	Err      error
	Raw      bool
	Summary  accumulator.Summary
}

// Executor drives one step through pending -> in-progress -> completed|failed.
type Executor struct {
	store       project.Store
	generator   Generator
	sink        FileSink
	stepTimeout time.Duration
}

func NewExecutor(store project.Store, generator Generator, sink FileSink, stepTimeout time.Duration) *Executor {
	return &Executor{store: store, generator: generator, sink: sink, stepTimeout: stepTimeout}
}

// Instructions returns the text sent to the model for a step: its details, or
// a synthesized instruction from title and deliverables when they are empty.
func Instructions(step *project.Step) string {
	if details := strings.TrimSpace(step.Details); details != "" {
		return details
	}
	var bits []string
	if title := strings.TrimSpace(step.Title); title != "" {
		bits = append(bits, "Title: "+title)
	}
	if deliverables := strings.TrimSpace(step.Deliverables); deliverables != "" {
		bits = append(bits, "Deliverables: "+deliverables)
	}
	if len(bits) == 0 {
		return fmt.Sprintf("Implement step #%d", step.Sequence)
	}
	return strings.Join(bits, "\n")
}

// Execute runs a pending step to a terminal state. A step that is already
// terminal is reported as is and not run again.
func (e *Executor) Execute(ctx context.Context, stepID string) (out Outcome) {
	out = Outcome{StepID: stepID, Status: project.StepFailed}

	step, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		if errors.Is(err, project.ErrNotFound) {
			err = fmt.Errorf("%w: %w", ErrStepVanished, err)
		}
		out.Err = err
		return out
	}
	out.Sequence = step.Sequence
	if step.Status.Terminal() {
		out.Status = step.Status
		return out
	}

	logger := log.With().Str("project_id", step.ProjectID).Str("step_id", step.ID).Int("sequence", step.Sequence).Logger()
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("step panicked")
			out.Status = project.StepFailed
			out.Err = fmt.Errorf("panic: %v", r)
			e.finish(ctx, step, project.StepFailed, out.Err)
		}
	}()

	step.Status = project.StepInProgress
	step.LastError = ""
	if err := e.store.UpdateStep(ctx, step); err != nil {
		out.Err = fmt.Errorf("mark in-progress: %w", err)
		logger.Error().Err(err).Msg("could not mark step in-progress")
		e.finish(ctx, step, project.StepFailed, out.Err)
		return out
	}
	logger.Info().Str("title", step.Title).Msg("step started")

	runCtx := ctx
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	out = e.run(runCtx, step, out)
	e.finish(ctx, step, out.Status, out.Err)

	event := logger.Info()
	if out.Status == project.StepFailed {
		event = logger.Warn().Err(out.Err)
	}
	event.Str("status", string(out.Status)).
		Bool("raw", out.Raw).
		Int("created", len(out.Summary.Created)).
		Int("updated", len(out.Summary.Updated)).
		Int64("duration_ms", time.Since(started).Milliseconds()).
		Msg("step finished")
	return out
}

func (e *Executor) run(ctx context.Context, step *project.Step, out Outcome) Outcome {
	resp, err := e.generator.Generate(ctx, generation.Request{
		ProjectID:    step.ProjectID,
		StepID:       step.ID,
		Sequence:     step.Sequence,
		Instructions: Instructions(step),
	})
	if err != nil {
		out.Err = err
		return out
	}

	result, err := normalize.Parse(resp.Text)
	switch {
	case errors.Is(err, normalize.ErrUnparseable):
		name, saveErr := e.sink.SaveRaw(ctx, step.ProjectID, step.ID, step.Sequence, resp.Text)
		if saveErr != nil {
			out.Err = fmt.Errorf("%w; saving raw output: %w", err, saveErr)
			return out
		}
		step.RawArtifact = name
		out.Raw = true
		out.Status = project.StepCompleted
		return out
	case err != nil:
		out.Err = err
		return out
	}

	summary, err := e.sink.Apply(ctx, step.ProjectID, step.ID, result.Usable())
	out.Summary = summary
	if err != nil {
		out.Err = fmt.Errorf("apply files: %w", err)
		return out
	}
	if len(summary.Created)+len(summary.Updated) == 0 {
		out.Err = normalize.ErrNoUsableFiles
		return out
	}
	out.Status = project.StepCompleted
	return out
}

// finish persists the terminal status. It ignores cancellation of ctx so a
// shutdown still records how the step ended.
func (e *Executor) finish(ctx context.Context, step *project.Step, status project.StepStatus, cause error) {
	step.Status = status
	step.LastError = ""
	if cause != nil {
		step.LastError = cause.Error()
	}
	if err := e.store.UpdateStep(context.WithoutCancel(ctx), step); err != nil {
		log.Error().Str("step_id", step.ID).Err(err).Msg("persist step final state failed")
	}
}
