package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"stepforge/internal/archive"
	"stepforge/internal/generation"
	"stepforge/internal/project"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrchestrator(f *fixture, gen Generator) (*Orchestrator, *archive.Packager) {
	packager := archive.NewPackager(f.store, archive.Options{
		StagingRoot: f.staging,
		ArchiveDir:  filepath.Join(f.dir, "archives"),
	})
	return NewOrchestrator(f.store, NewExecutor(f.store, gen, f.acc, 0), packager), packager
}

func bySequence(replies map[int]replyFunc) replyFunc {
	return func(ctx context.Context, req generation.Request) (generation.Response, error) {
		return replies[req.Sequence](ctx, req)
	}
}

func projectStatus(t *testing.T, store project.Store, id string) project.Status {
	t.Helper()
	p, err := store.GetProject(context.Background(), id)
	require.NoError(t, err)
	return p.Status
}

func TestRun_AllStepsCompletedPackagesProject(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)
	orch, packager := newOrchestrator(f, &fakeGenerator{reply: answer(validAnswer)})

	res, err := orch.Run(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, project.StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Completed)
	assert.Zero(t, res.Failed)
	assert.Equal(t, project.StatusCompleted, projectStatus(t, f.store, "p1"))
	assert.NotEmpty(t, res.Archive)
	assert.True(t, packager.Exists("p1"))
}

func TestRun_FailedStepDoesNotStopLaterSteps(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2, 3)
	gen := &fakeGenerator{reply: bySequence(map[int]replyFunc{
		1: answer(validAnswer),
		2: answer(`{"files":[]}`),
		3: answer(`{"files":{"folder":"","file":"README.md","code":"# demo"}}`),
	})}
	orch, packager := newOrchestrator(f, gen)

	res, err := orch.Run(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, project.StatusFailed, res.Status)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, project.StepCompleted, f.step(t, "s3").Status)
	assert.Equal(t, project.StatusFailed, projectStatus(t, f.store, "p1"))
	assert.False(t, packager.Exists("p1"), "failed project must not be packaged automatically")
}

// reversedStore lists steps in descending sequence order.
type reversedStore struct {
	project.Store
}

func (s reversedStore) ListSteps(ctx context.Context, projectID string) ([]*project.Step, error) {
	steps, err := s.Store.ListSteps(ctx, projectID)
	if err != nil {
		return nil, err
	}
	slices.Reverse(steps)
	return steps, nil
}

func TestRun_ExecutesInAscendingSequence(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 3, 1, 2)
	gen := &fakeGenerator{reply: answer(validAnswer)}
	store := reversedStore{Store: f.store}
	orch := NewOrchestrator(store, NewExecutor(store, gen, f.acc, 0), nil)

	_, err := orch.Run(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, gen.calls())
}

func TestRun_LaterStepsExtendEarlierFiles(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2)
	gen := &fakeGenerator{reply: bySequence(map[int]replyFunc{
		1: answer(`{"files":[{"folder":"src","file":"main.go","code":"package main"}]}`),
		2: answer(`{"files":[{"folder":"src","file":"main.go","code":"func main() {}"}]}`),
	})}
	orch, _ := newOrchestrator(f, gen)

	_, err := orch.Run(context.Background(), "p1")
	require.NoError(t, err)
	rec, err := f.store.FindFile(context.Background(), "p1", "src", "main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\nfunc main() {}", rec.Content)
	assert.Equal(t, "s2", rec.StepID)
}

func TestRun_FailedStepLeavesEarlierFilesIntact(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2)
	gen := &fakeGenerator{reply: bySequence(map[int]replyFunc{
		1: answer(`{"files":[{"folder":"src","file":"main.go","code":"package main"}]}`),
		2: answer(`{"files":[{"folder":"src","file":"main.go","code":"func main() {}"},{"folder":"","file":"src","code":"oops"}]}`),
	})}
	orch, packager := newOrchestrator(f, gen)

	res, err := orch.Run(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, project.StatusFailed, res.Status)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, res.Failed)

	st := f.step(t, "s2")
	assert.Equal(t, project.StepFailed, st.Status)
	assert.Contains(t, st.LastError, "path conflict")

	files, err := f.store.ListFiles(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "package main", files[0].Content)
	assert.Equal(t, "s1", files[0].StepID)
	assert.Equal(t, "package main", f.staged(t, "src", "main.go"))

	// the records alone must still rebuild the tree
	require.NoError(t, os.RemoveAll(filepath.Join(f.staging, "project_p1")))
	_, err = packager.Package(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "package main", f.staged(t, "src", "main.go"))
}

func TestRun_RawFallbackStillCompletesProject(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1)
	orch, _ := newOrchestrator(f, &fakeGenerator{reply: answer("not json at all")})

	res, err := orch.Run(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, project.StatusCompleted, res.Status)
}

func TestRun_InterruptedStepCountsAsFailed(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2)
	st := f.step(t, "s1")
	st.Status = project.StepInProgress
	require.NoError(t, f.store.UpdateStep(context.Background(), st))
	gen := &fakeGenerator{reply: answer(validAnswer)}
	orch, _ := newOrchestrator(f, gen)

	res, err := orch.Run(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, project.StatusFailed, res.Status)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, []int{2}, gen.calls(), "only the pending step should run")
	assert.Equal(t, ErrInterrupted.Error(), f.step(t, "s1").LastError)
}

func TestRun_CancelledLeavesProjectInProgress(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2)
	ctx, cancel := context.WithCancel(context.Background())
	gen := &fakeGenerator{reply: func(context.Context, generation.Request) (generation.Response, error) {
		cancel()
		return generation.Response{Text: validAnswer, Viable: true, Attempts: 1}, nil
	}}
	orch, _ := newOrchestrator(f, gen)

	_, err := orch.Run(ctx, "p1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, project.StatusInProgress, projectStatus(t, f.store, "p1"))
	assert.Equal(t, project.StepPending, f.step(t, "s2").Status)
}

func TestRun_UnknownProject(t *testing.T) {
	f := newFixture(t)
	orch, _ := newOrchestrator(f, &fakeGenerator{reply: answer(validAnswer)})

	_, err := orch.Run(context.Background(), "missing")
	assert.ErrorIs(t, err, project.ErrNotFound)
}

func TestRun_EmptyOutputAfterRetriesFailsProject(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2)
	var calls int
	model := modelFunc(func(_ context.Context, prompt string) (string, error) {
		calls++
		if strings.Contains(prompt, "do part 2") {
			return "   ", nil
		}
		return validAnswer, nil
	})
	client := generation.NewClient(model, generation.Options{MaxAttempts: 3})
	client.UseSleep(func(context.Context, time.Duration) error { return nil })
	orch, _ := newOrchestrator(f, client)

	res, err := orch.Run(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, project.StatusFailed, res.Status)
	assert.Equal(t, 4, calls, "expected 1 + 3 model calls")

	got := f.step(t, "s2")
	assert.Equal(t, project.StepFailed, got.Status)
	assert.Contains(t, got.LastError, "empty output after retries")
}
