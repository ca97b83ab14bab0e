package project

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	fileutil "stepforge/internal/file"
)

// Store abstracts persistence for projects, their steps and produced files.
// Implementations must return copies: callers are free to mutate what they get.
type Store interface {
	CreateProject(ctx context.Context, p *Project, steps []*Step) error
	GetProject(ctx context.Context, projectID string) (*Project, error)
	ListProjects(ctx context.Context, userID string) ([]*Project, error)
	UpdateProjectStatus(ctx context.Context, projectID string, status Status) error

	GetStep(ctx context.Context, stepID string) (*Step, error)
	// ListSteps returns the project's steps ordered by ascending sequence number.
	ListSteps(ctx context.Context, projectID string) ([]*Step, error)
	UpdateStep(ctx context.Context, s *Step) error

	FindFile(ctx context.Context, projectID, folder, name string) (*File, error)
	SaveFile(ctx context.Context, f *File) error
	// SaveFiles upserts a batch of records of one project: either every
	// record is stored or none is.
	SaveFiles(ctx context.Context, files []*File) error
	ListFiles(ctx context.Context, projectID string) ([]*File, error)

	Close() error
}

type projectRecord struct {
	Project *Project `json:"project"`
	Steps   []*Step  `json:"steps"`
	Files   []*File  `json:"files"`
}

// FileStore implements Store on the local filesystem: one JSON document per
// project under <dataDir>/projects/<id>/project.json, written atomically.
type FileStore struct {
	mu        sync.RWMutex
	dataDir   string
	records   map[string]*projectRecord
	stepIndex map[string]string
	now       func() time.Time
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (or initializes) a file-backed store and loads every
// project document found under dataDir.
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		dataDir = "data"
	}
	s := &FileStore{
		dataDir:   dataDir,
		records:   make(map[string]*projectRecord),
		stepIndex: make(map[string]string),
		now:       time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) projectDir(projectID string) string {
	return filepath.Join(s.dataDir, "projects", projectID)
}

func (s *FileStore) documentPath(projectID string) string {
	return filepath.Join(s.projectDir(projectID), "project.json")
}

func (s *FileStore) load() error {
	root := filepath.Join(s.dataDir, "projects")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := os.ReadFile(s.documentPath(e.Name())) //nolint:gosec // path is controlled by application
		if err != nil {
			continue
		}
		var rec projectRecord
		if err := json.Unmarshal(b, &rec); err != nil || rec.Project == nil {
			continue
		}
		s.records[rec.Project.ID] = &rec
		for _, st := range rec.Steps {
			s.stepIndex[st.ID] = rec.Project.ID
		}
	}
	return nil
}

// persist must be called with s.mu held.
func (s *FileStore) persist(rec *projectRecord) error {
	if err := fileutil.EnsureDir(s.projectDir(rec.Project.ID)); err != nil {
		return fmt.Errorf("ensure project dir: %w", err)
	}
	return fileutil.WriteJSONAtomic(s.documentPath(rec.Project.ID), rec) //nolint:wrapcheck
}

func (s *FileStore) CreateProject(_ context.Context, p *Project, steps []*Step) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("%w: project id is required", ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[p.ID]; exists {
		return fmt.Errorf("%w: project %s already exists", ErrInvalidRecord, p.ID)
	}
	pc := *p
	rec := &projectRecord{Project: &pc, Steps: make([]*Step, 0, len(steps)), Files: []*File{}}
	for _, st := range steps {
		if st == nil || st.ID == "" {
			return fmt.Errorf("%w: step id is required", ErrInvalidRecord)
		}
		sc := *st
		sc.ProjectID = p.ID
		rec.Steps = append(rec.Steps, &sc)
	}
	if err := s.persist(rec); err != nil {
		return err
	}
	s.records[p.ID] = rec
	for _, st := range rec.Steps {
		s.stepIndex[st.ID] = p.ID
	}
	return nil
}

func (s *FileStore) GetProject(_ context.Context, projectID string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	pc := *rec.Project
	return &pc, nil
}

func (s *FileStore) ListProjects(_ context.Context, userID string) ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Project, 0, len(s.records))
	for _, rec := range s.records {
		if userID != "" && rec.Project.UserID != userID {
			continue
		}
		pc := *rec.Project
		out = append(out, &pc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *FileStore) UpdateProjectStatus(_ context.Context, projectID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[projectID]
	if !ok {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	prev := *rec.Project
	rec.Project.Status = status
	rec.Project.UpdatedAt = s.now()
	if err := s.persist(rec); err != nil {
		*rec.Project = prev
		return err
	}
	return nil
}

func (s *FileStore) GetStep(_ context.Context, stepID string) (*Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, _, ok := s.findStepLocked(stepID)
	if !ok {
		return nil, fmt.Errorf("step %s: %w", stepID, ErrNotFound)
	}
	sc := *st
	return &sc, nil
}

func (s *FileStore) findStepLocked(stepID string) (*Step, *projectRecord, bool) {
	projectID, ok := s.stepIndex[stepID]
	if !ok {
		return nil, nil, false
	}
	rec, ok := s.records[projectID]
	if !ok {
		return nil, nil, false
	}
	for _, st := range rec.Steps {
		if st.ID == stepID {
			return st, rec, true
		}
	}
	return nil, nil, false
}

func (s *FileStore) ListSteps(_ context.Context, projectID string) ([]*Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	out := make([]*Step, 0, len(rec.Steps))
	for _, st := range rec.Steps {
		sc := *st
		out = append(out, &sc)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *FileStore) UpdateStep(_ context.Context, step *Step) error {
	if step == nil {
		return fmt.Errorf("%w: nil step", ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, rec, ok := s.findStepLocked(step.ID)
	if !ok {
		return fmt.Errorf("step %s: %w", step.ID, ErrNotFound)
	}
	prev := *st
	*st = *step
	st.ProjectID = rec.Project.ID
	st.UpdatedAt = s.now()
	if err := s.persist(rec); err != nil {
		*st = prev
		return err
	}
	step.UpdatedAt = st.UpdatedAt
	return nil
}

func (s *FileStore) FindFile(_ context.Context, projectID, folder, name string) (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	for _, f := range rec.Files {
		if f.Folder == folder && f.Name == name {
			fc := *f
			return &fc, nil
		}
	}
	return nil, fmt.Errorf("file %s/%s: %w", folder, name, ErrNotFound)
}

func (s *FileStore) SaveFile(ctx context.Context, f *File) error {
	return s.SaveFiles(ctx, []*File{f})
}

func (s *FileStore) SaveFiles(_ context.Context, files []*File) error {
	if len(files) == 0 {
		return nil
	}
	projectID, err := batchProject(files)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[projectID]
	if !ok {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	now := s.now()
	next := append(make([]*File, 0, len(rec.Files)+len(files)), rec.Files...)
	saved := make([]*File, len(files))
	for i, f := range files {
		fc := *f
		fc.UpdatedAt = now
		idx := -1
		for j, existing := range next {
			if existing.ID == f.ID {
				idx = j
				continue
			}
			if existing.Folder == f.Folder && existing.Name == f.Name {
				return fmt.Errorf("%w: file %s already exists", ErrInvalidRecord, f.Path())
			}
		}
		if idx >= 0 {
			fc.CreatedAt = next[idx].CreatedAt
			next[idx] = &fc
		} else {
			if fc.CreatedAt.IsZero() {
				fc.CreatedAt = now
			}
			next = append(next, &fc)
		}
		saved[i] = &fc
	}
	prev := rec.Files
	rec.Files = next
	if err := s.persist(rec); err != nil {
		rec.Files = prev
		return err
	}
	for i, f := range files {
		f.CreatedAt, f.UpdatedAt = saved[i].CreatedAt, saved[i].UpdatedAt
	}
	return nil
}

// batchProject validates a SaveFiles batch and returns its single project ID.
func batchProject(files []*File) (string, error) {
	var projectID string
	for i, f := range files {
		if f == nil || f.ID == "" || f.Name == "" {
			return "", fmt.Errorf("%w: file id and name are required", ErrInvalidRecord)
		}
		if i == 0 {
			projectID = f.ProjectID
		} else if f.ProjectID != projectID {
			return "", fmt.Errorf("%w: batch spans projects %s and %s", ErrInvalidRecord, projectID, f.ProjectID)
		}
	}
	return projectID, nil
}

func (s *FileStore) ListFiles(_ context.Context, projectID string) ([]*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	out := make([]*File, 0, len(rec.Files))
	for _, f := range rec.Files {
		fc := *f
		out = append(out, &fc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out, nil
}

func (s *FileStore) Close() error { return nil }
