package project

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T, dir string) Store

func storeImplementations() map[string]storeFactory {
	return map[string]storeFactory{
		"file": func(t *testing.T, dir string) Store {
			t.Helper()
			s, err := NewFileStore(dir)
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T, dir string) Store {
			t.Helper()
			s, err := OpenSQLStore(dir)
			require.NoError(t, err)
			return s
		},
	}
}

func seedProject(t *testing.T, s Store, id string, seqs ...int) []*Step {
	t.Helper()
	now := time.Now().UTC()
	p := &Project{ID: id, UserID: "u1", Title: "Project " + id, OriginalRequest: "build it", Status: StatusInProgress, CreatedAt: now, UpdatedAt: now}
	steps := make([]*Step, 0, len(seqs))
	for _, seq := range seqs {
		steps = append(steps, &Step{
			ID:        fmt.Sprintf("%s-step-%d", id, seq),
			Sequence:  seq,
			Title:     "step",
			Status:    StepPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	require.NoError(t, s.CreateProject(context.Background(), p, steps))
	return steps
}

func TestStore_ProjectLifecycle(t *testing.T) {
	for name, newStore := range storeImplementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, t.TempDir())
			defer func() { _ = s.Close() }()

			seedProject(t, s, "p1", 3, 1, 2)

			got, err := s.GetProject(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, StatusInProgress, got.Status)
			assert.Equal(t, "u1", got.UserID)

			steps, err := s.ListSteps(ctx, "p1")
			require.NoError(t, err)
			require.Len(t, steps, 3)
			for i, st := range steps {
				assert.Equal(t, i+1, st.Sequence)
				assert.Equal(t, "p1", st.ProjectID)
			}

			require.NoError(t, s.UpdateProjectStatus(ctx, "p1", StatusCompleted))
			got, err = s.GetProject(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, got.Status)
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	for name, newStore := range storeImplementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, t.TempDir())
			defer func() { _ = s.Close() }()

			_, err := s.GetProject(ctx, "missing")
			assert.True(t, errors.Is(err, ErrNotFound))

			_, err = s.GetStep(ctx, "missing")
			assert.True(t, errors.Is(err, ErrNotFound))

			err = s.UpdateProjectStatus(ctx, "missing", StatusFailed)
			assert.True(t, errors.Is(err, ErrNotFound))

			err = s.UpdateStep(ctx, &Step{ID: "missing", Status: StepFailed})
			assert.True(t, errors.Is(err, ErrNotFound))

			_, err = s.ListSteps(ctx, "missing")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestStore_UpdateStepReturnsCopies(t *testing.T) {
	for name, newStore := range storeImplementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, t.TempDir())
			defer func() { _ = s.Close() }()

			steps := seedProject(t, s, "p1", 1)

			st, err := s.GetStep(ctx, steps[0].ID)
			require.NoError(t, err)
			st.Status = StepFailed
			st.LastError = "boom"

			fresh, err := s.GetStep(ctx, steps[0].ID)
			require.NoError(t, err)
			assert.Equal(t, StepPending, fresh.Status, "mutating a returned step must not leak into the store")

			require.NoError(t, s.UpdateStep(ctx, st))
			fresh, err = s.GetStep(ctx, steps[0].ID)
			require.NoError(t, err)
			assert.Equal(t, StepFailed, fresh.Status)
			assert.Equal(t, "boom", fresh.LastError)
		})
	}
}

func TestStore_FilesUniquePerFolderAndName(t *testing.T) {
	for name, newStore := range storeImplementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, t.TempDir())
			defer func() { _ = s.Close() }()

			steps := seedProject(t, s, "p1", 1)

			f := &File{ID: "f1", ProjectID: "p1", StepID: steps[0].ID, Folder: "src", Name: "main.go", Content: "package main"}
			require.NoError(t, s.SaveFile(ctx, f))

			found, err := s.FindFile(ctx, "p1", "src", "main.go")
			require.NoError(t, err)
			assert.Equal(t, "package main", found.Content)

			found.Content += "\nfunc main() {}"
			require.NoError(t, s.SaveFile(ctx, found))

			again, err := s.FindFile(ctx, "p1", "src", "main.go")
			require.NoError(t, err)
			assert.Equal(t, "package main\nfunc main() {}", again.Content)
			assert.Equal(t, "f1", again.ID)

			dup := &File{ID: "f2", ProjectID: "p1", Folder: "src", Name: "main.go", Content: "x"}
			assert.True(t, errors.Is(s.SaveFile(ctx, dup), ErrInvalidRecord))

			require.NoError(t, s.SaveFile(ctx, &File{ID: "f3", ProjectID: "p1", Name: "README.md", Content: "# hi"}))

			files, err := s.ListFiles(ctx, "p1")
			require.NoError(t, err)
			require.Len(t, files, 2)
			assert.Equal(t, "README.md", files[0].Path())
			assert.Equal(t, "src/main.go", files[1].Path())

			_, err = s.FindFile(ctx, "p1", "", "nope.txt")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestStore_SaveFilesIsAllOrNothing(t *testing.T) {
	for name, newStore := range storeImplementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, t.TempDir())
			defer func() { _ = s.Close() }()

			steps := seedProject(t, s, "p1", 1, 2)
			require.NoError(t, s.SaveFile(ctx, &File{ID: "f1", ProjectID: "p1", StepID: steps[0].ID, Folder: "src", Name: "main.go", Content: "package main"}))

			batch := []*File{
				{ID: "f1", ProjectID: "p1", StepID: steps[1].ID, Folder: "src", Name: "main.go", Content: "package main\nfunc main() {}"},
				{ID: "f2", ProjectID: "p1", StepID: steps[1].ID, Name: "go.mod", Content: "module demo"},
				{ID: "f3", ProjectID: "p1", StepID: steps[1].ID, Folder: "src", Name: "main.go", Content: "clash"},
			}
			assert.True(t, errors.Is(s.SaveFiles(ctx, batch), ErrInvalidRecord))

			files, err := s.ListFiles(ctx, "p1")
			require.NoError(t, err)
			require.Len(t, files, 1)
			assert.Equal(t, "package main", files[0].Content)
			assert.Equal(t, steps[0].ID, files[0].StepID)

			require.NoError(t, s.SaveFiles(ctx, batch[:2]))
			files, err = s.ListFiles(ctx, "p1")
			require.NoError(t, err)
			require.Len(t, files, 2)
			assert.Equal(t, "go.mod", files[0].Path())
			assert.Equal(t, "package main\nfunc main() {}", files[1].Content)
			assert.False(t, batch[1].CreatedAt.IsZero())

			mixed := []*File{
				{ID: "f4", ProjectID: "p1", Name: "a.txt"},
				{ID: "f5", ProjectID: "p2", Name: "b.txt"},
			}
			assert.True(t, errors.Is(s.SaveFiles(ctx, mixed), ErrInvalidRecord))
		})
	}
}

func TestStore_ListProjectsFiltersByUser(t *testing.T) {
	for name, newStore := range storeImplementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, t.TempDir())
			defer func() { _ = s.Close() }()

			seedProject(t, s, "p1")
			now := time.Now().UTC()
			require.NoError(t, s.CreateProject(ctx, &Project{ID: "p2", UserID: "u2", Status: StatusInProgress, CreatedAt: now, UpdatedAt: now}, nil))

			all, err := s.ListProjects(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 2)

			mine, err := s.ListProjects(ctx, "u2")
			require.NoError(t, err)
			require.Len(t, mine, 1)
			assert.Equal(t, "p2", mine[0].ID)
		})
	}
}

func TestStore_Reopen(t *testing.T) {
	for name, newStore := range storeImplementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			s := newStore(t, dir)
			steps := seedProject(t, s, "p1", 1, 2)
			require.NoError(t, s.SaveFile(ctx, &File{ID: "f1", ProjectID: "p1", StepID: steps[0].ID, Name: "a.txt", Content: "a"}))
			require.NoError(t, s.Close())

			reopened := newStore(t, dir)
			defer func() { _ = reopened.Close() }()

			got, err := reopened.ListSteps(ctx, "p1")
			require.NoError(t, err)
			assert.Len(t, got, 2)

			f, err := reopened.FindFile(ctx, "p1", "", "a.txt")
			require.NoError(t, err)
			assert.Equal(t, "a", f.Content)
		})
	}
}
