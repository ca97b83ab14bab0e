// Package accumulator applies a step's file contributions to the persisted
// File records of a project and mirrors them into its staging tree.
package accumulator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	fileutil "stepforge/internal/file"
	"stepforge/internal/normalize"
	"stepforge/internal/project"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Summary lists the slash-separated paths touched by one Apply call.
type Summary struct {
	Created []string `json:"created,omitempty"`
	Updated []string `json:"updated,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
}

type Accumulator struct {
	store       project.Store
	stagingRoot string
	newID       func() string
	now         func() time.Time
}

func New(store project.Store, stagingRoot string) *Accumulator {
	if stagingRoot == "" {
		stagingRoot = filepath.Join("data", "staging")
	}
	return &Accumulator{
		store:       store,
		stagingRoot: stagingRoot,
		newID:       uuid.NewString,
		now:         time.Now,
	}
}

// StagingDir is the private staging tree of one project.
func (a *Accumulator) StagingDir(projectID string) string {
	return filepath.Join(a.stagingRoot, project.StagingDirName(projectID))
}

// ErrPathConflict is returned when a contribution would turn a file into a
// directory or the other way round.
var ErrPathConflict = errors.New("path conflict")

// Apply merges the step's contributions into the project's File records and
// mirrors the result to the staging tree. A new (folder, file) key is created
// with the contribution as its content; an existing key gets
// existing + "\n" + code. Contributions with a blank name or a path escaping
// the project are skipped. Every contribution is resolved before anything is
// written and the records are saved as one batch, so a failing call leaves
// the project untouched.
func (a *Accumulator) Apply(ctx context.Context, projectID, stepID string, files []normalize.FileSpec) (Summary, error) {
	var summary Summary
	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("accumulate: %w", err)
	}
	existing, err := a.store.ListFiles(ctx, projectID)
	if err != nil {
		return summary, fmt.Errorf("list files: %w", err)
	}

	b := newBatch(projectID, stepID, existing)
	for _, spec := range files {
		folder, name, err := cleanKey(spec)
		if err != nil {
			log.Warn().Str("project_id", projectID).Str("step_id", stepID).Err(err).Msg("skipping unsafe file path")
			summary.Skipped = append(summary.Skipped, strings.Trim(spec.Folder+"/"+spec.File, "/"))
			continue
		}
		if name == "" {
			continue
		}
		if err := b.add(folder, name, spec.Code, a.newID); err != nil {
			return Summary{Skipped: summary.Skipped}, err
		}
	}
	if len(b.touched) == 0 {
		return summary, nil
	}

	now := a.now()
	for _, record := range b.touched {
		if b.created[record.Path()] {
			record.CreatedAt = now
		}
		record.UpdatedAt = now
	}
	if err := a.store.SaveFiles(ctx, b.touched); err != nil {
		return Summary{Skipped: summary.Skipped}, fmt.Errorf("save files: %w", err)
	}

	for _, record := range b.touched {
		if b.created[record.Path()] {
			summary.Created = append(summary.Created, record.Path())
		} else {
			summary.Updated = append(summary.Updated, record.Path())
		}
	}
	if err := a.mirror(projectID, b.touched); err != nil {
		log.Warn().Str("project_id", projectID).Str("step_id", stepID).Err(err).Msg("staging mirror failed, resyncing from records")
		if err := a.Resync(context.WithoutCancel(ctx), projectID); err != nil {
			return summary, fmt.Errorf("resync staging: %w", err)
		}
	}
	return summary, nil
}

// mirror writes records to the staging tree. It does not observe
// cancellation: the records are already committed.
func (a *Accumulator) mirror(projectID string, records []*project.File) error {
	stagingDir := a.StagingDir(projectID)
	for _, record := range records {
		target, err := fileutil.SafeJoin(stagingDir, record.Folder, record.Name)
		if err != nil {
			return fmt.Errorf("staging path %s: %w", record.Path(), err)
		}
		if err := fileutil.WriteFileAtomic(target, []byte(record.Content)); err != nil {
			return fmt.Errorf("mirror %s: %w", record.Path(), err)
		}
	}
	return nil
}

// Resync discards the project's staging tree and rewrites it from the stored
// File records.
func (a *Accumulator) Resync(ctx context.Context, projectID string) error {
	records, err := a.store.ListFiles(ctx, projectID)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	if err := os.RemoveAll(a.StagingDir(projectID)); err != nil {
		return fmt.Errorf("clear staging: %w", err)
	}
	return a.mirror(projectID, records)
}

// batch resolves one step's contributions against the existing records.
type batch struct {
	projectID string
	stepID    string
	byPath    map[string]*project.File
	dirs      map[string]struct{}
	created   map[string]bool
	touched   []*project.File
	seen      map[string]bool
}

func newBatch(projectID, stepID string, existing []*project.File) *batch {
	b := &batch{
		projectID: projectID,
		stepID:    stepID,
		byPath:    make(map[string]*project.File, len(existing)),
		dirs:      make(map[string]struct{}),
		created:   make(map[string]bool),
		seen:      make(map[string]bool),
	}
	for _, f := range existing {
		b.index(f)
	}
	return b
}

func (b *batch) index(f *project.File) {
	b.byPath[f.Path()] = f
	for dir := f.Folder; dir != ""; dir = parent(dir) {
		b.dirs[dir] = struct{}{}
	}
}

func (b *batch) add(folder, name, code string, newID func() string) error {
	path := name
	if folder != "" {
		path = folder + "/" + name
	}
	if _, isDir := b.dirs[path]; isDir {
		return fmt.Errorf("%w: %s is a directory", ErrPathConflict, path)
	}
	for dir := folder; dir != ""; dir = parent(dir) {
		if _, isFile := b.byPath[dir]; isFile {
			return fmt.Errorf("%w: %s is a file", ErrPathConflict, dir)
		}
	}

	record, ok := b.byPath[path]
	if ok {
		record.Content = record.Content + "\n" + code
	} else {
		record = &project.File{
			ID:        newID(),
			ProjectID: b.projectID,
			Folder:    folder,
			Name:      name,
			Content:   code,
		}
		b.index(record)
		b.created[path] = true
	}
	record.StepID = b.stepID
	if !b.seen[path] {
		b.seen[path] = true
		b.touched = append(b.touched, record)
	}
	return nil
}

func parent(dir string) string {
	if i := strings.LastIndexByte(dir, '/'); i >= 0 {
		return dir[:i]
	}
	return ""
}

// RawName is the file name used for a step's unparsed output.
func RawName(sequence int) string {
	return fmt.Sprintf("step_%d_raw.txt", sequence)
}

// SaveRaw stores a step's unparsed model output as step_<n>_raw.txt at the
// staging root and as a File record, replacing an earlier copy.
func (a *Accumulator) SaveRaw(ctx context.Context, projectID, stepID string, sequence int, raw string) (string, error) {
	name := RawName(sequence)
	content := strings.TrimSpace(raw)

	record, err := a.store.FindFile(ctx, projectID, "", name)
	switch {
	case errors.Is(err, project.ErrNotFound):
		now := a.now()
		record = &project.File{ID: a.newID(), ProjectID: projectID, Name: name, CreatedAt: now}
	case err != nil:
		return "", fmt.Errorf("lookup %s: %w", name, err)
	}
	record.StepID = stepID
	record.Content = content

	target, err := fileutil.SafeJoin(a.StagingDir(projectID), name)
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	if err := fileutil.WriteFileAtomic(target, []byte(content)); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := a.store.SaveFile(ctx, record); err != nil {
		return "", fmt.Errorf("save %s: %w", name, err)
	}
	return name, nil
}

func cleanKey(spec normalize.FileSpec) (string, string, error) {
	folder, err := fileutil.CleanRelative(spec.Folder)
	if err != nil {
		return "", "", err //nolint:wrapcheck
	}
	name, err := fileutil.CleanRelative(spec.File)
	if err != nil {
		return "", "", err //nolint:wrapcheck
	}
	// "src/app.go" with no folder is the same key as folder "src", file "app.go"
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		folder = strings.Trim(folder+"/"+name[:i], "/")
		name = name[i+1:]
	}
	return folder, name, nil
}
