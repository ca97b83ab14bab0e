package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"stepforge/internal/planner"
	"stepforge/internal/project"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

type Options struct {
	// MaxConcurrentProjects bounds running pipelines; 0 means unlimited.
	MaxConcurrentProjects int
	// CheckIntent rejects requests the intent checker deems unrelated to code.
	CheckIntent bool
}

// CreateRequest is a user's raw generation request.
type CreateRequest struct {
	UserID  string
	Request string
}

// Manager accepts requests, persists the planned project and runs one
// background pipeline per project.
type Manager struct {
	mu           sync.Mutex
	store        project.Store
	planner      planner.Planner
	intent       planner.IntentChecker
	orchestrator *Orchestrator
	checkIntent  bool
	slots        *semaphore.Weighted
	maxSlots     int64
	active       atomic.Int64
	running      map[string]struct{}
	workersWG    sync.WaitGroup
	baseCtx      context.Context
	now          func() time.Time
	newID        func() string
}

func NewManager(store project.Store, plan planner.Planner, orchestrator *Orchestrator, opts Options) *Manager {
	m := &Manager{
		store:        store,
		planner:      plan,
		orchestrator: orchestrator,
		checkIntent:  opts.CheckIntent,
		running:      make(map[string]struct{}),
		baseCtx:      context.Background(),
		now:          time.Now,
		newID:        uuid.NewString,
	}
	if checker, ok := plan.(planner.IntentChecker); ok {
		m.intent = checker
	}
	if opts.MaxConcurrentProjects > 0 {
		m.maxSlots = int64(opts.MaxConcurrentProjects)
		m.slots = semaphore.NewWeighted(m.maxSlots)
	}
	return m
}

// IsBusy reports whether every pipeline slot is taken.
func (m *Manager) IsBusy() bool {
	return m.slots != nil && m.active.Load() >= m.maxSlots
}

// SetBaseContext sets the context pipelines run under. Intended to be set at
// process startup and cancelled during shutdown.
func (m *Manager) SetBaseContext(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

// WaitAll blocks until all in-flight pipelines finish or the context is done.
// Returns true if all pipelines finished, false if timed out.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// CreateProject plans the request, persists the project with its pending
// steps and launches the pipeline in the background. It never waits for a
// pipeline slot: when all are taken it fails with ErrBusy.
func (m *Manager) CreateProject(ctx context.Context, req CreateRequest) (*project.Project, []*project.Step, error) {
	text, err := m.admit(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if !m.tryAcquire() {
		return nil, nil, ErrBusy
	}
	p, steps, err := m.persistPlan(ctx, req.UserID, text, m.planner.Plan(ctx, text))
	if err != nil {
		m.release()
		return nil, nil, err
	}
	if err := m.launch(p.ID, true); err != nil {
		m.release()
		return nil, nil, err
	}
	return p, steps, nil
}

// Prepare plans and persists the request without running it. Callers run it
// with RunSync or Launch.
func (m *Manager) Prepare(ctx context.Context, req CreateRequest) (*project.Project, []*project.Step, error) {
	text, err := m.admit(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return m.persistPlan(ctx, req.UserID, text, m.planner.Plan(ctx, text))
}

// admit trims the request and applies the intent check when enabled.
func (m *Manager) admit(ctx context.Context, req CreateRequest) (string, error) {
	text := strings.TrimSpace(req.Request)
	if text == "" {
		return "", ErrEmptyRequest
	}
	m.mu.Lock()
	checker := m.intent
	m.mu.Unlock()
	if m.checkIntent && checker != nil {
		if intent := checker.CheckIntent(ctx, text); !intent.CodeRelated {
			return "", fmt.Errorf("%w: %s", planner.ErrNotCodeRelated, intent.Reason)
		}
	}
	return text, nil
}

// CreateFromPlan persists an already planned project without running it.
func (m *Manager) CreateFromPlan(ctx context.Context, userID, request string, plan planner.Plan) (*project.Project, []*project.Step, error) {
	text := strings.TrimSpace(request)
	if text == "" {
		return nil, nil, ErrEmptyRequest
	}
	return m.persistPlan(ctx, userID, text, plan)
}

func (m *Manager) persistPlan(ctx context.Context, userID, request string, plan planner.Plan) (*project.Project, []*project.Step, error) {
	if len(plan.Steps) == 0 {
		plan = planner.Fallback(request, fmt.Errorf("planner returned no steps"))
	}
	now := m.now()
	p := &project.Project{
		ID:              m.newID(),
		UserID:          userID,
		Title:           "Project " + now.Format("2006-01-02 15:04"),
		OriginalRequest: request,
		ImprovedRequest: plan.ImprovedRequest,
		Status:          project.StatusInProgress,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	steps := make([]*project.Step, 0, len(plan.Steps))
	for _, ps := range plan.Steps {
		steps = append(steps, &project.Step{
			ID:           m.newID(),
			ProjectID:    p.ID,
			Sequence:     ps.Sequence,
			Title:        ps.Title,
			Details:      ps.Details,
			Deliverables: ps.Deliverables,
			Status:       project.StepPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	if err := m.store.CreateProject(ctx, p, steps); err != nil {
		return nil, nil, fmt.Errorf("create project: %w", err)
	}
	log.Info().Str("project_id", p.ID).Int("steps", len(steps)).Bool("degraded_plan", plan.Degraded).Msg("project created")
	return p, steps, nil
}

// Launch starts the pipeline of an existing project in the background. Unlike
// CreateProject it waits in the background for a free slot.
func (m *Manager) Launch(projectID string) error {
	return m.launch(projectID, false)
}

func (m *Manager) launch(projectID string, slotAlreadyAcquired bool) error {
	m.mu.Lock()
	if _, busy := m.running[projectID]; busy {
		m.mu.Unlock()
		return fmt.Errorf("project %s: %w", projectID, ErrAlreadyRunning)
	}
	m.running[projectID] = struct{}{}
	baseCtx := m.baseCtx
	m.mu.Unlock()

	m.workersWG.Add(1)
	go func() {
		defer m.workersWG.Done()
		defer m.markDone(projectID)

		if !slotAlreadyAcquired {
			if err := m.acquire(baseCtx); err != nil {
				log.Warn().Str("project_id", projectID).Err(err).Msg("pipeline not started")
				return
			}
		}
		defer m.release()

		if _, err := m.orchestrator.Run(baseCtx, projectID); err != nil {
			log.Warn().Str("project_id", projectID).Err(err).Msg("pipeline ended with error")
		}
	}()
	return nil
}

// RunSync runs the project's pipeline on the calling goroutine.
func (m *Manager) RunSync(ctx context.Context, projectID string) (RunResult, error) {
	m.mu.Lock()
	if _, busy := m.running[projectID]; busy {
		m.mu.Unlock()
		return RunResult{}, fmt.Errorf("project %s: %w", projectID, ErrAlreadyRunning)
	}
	m.running[projectID] = struct{}{}
	m.mu.Unlock()
	defer m.markDone(projectID)

	if err := m.acquire(ctx); err != nil {
		return RunResult{}, err
	}
	defer m.release()
	return m.orchestrator.Run(ctx, projectID)
}

// Recover resumes projects left in-progress by a previous process. Steps that
// were in-progress are marked failed as evidence of the interruption; pending
// steps run normally. It returns the number of relaunched projects.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	projects, err := m.store.ListProjects(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list projects: %w", err)
	}
	relaunched := 0
	for _, p := range projects {
		if p.Status.Terminal() {
			continue
		}
		steps, err := m.store.ListSteps(ctx, p.ID)
		if err != nil {
			log.Warn().Str("project_id", p.ID).Err(err).Msg("recover: list steps failed")
			continue
		}
		for _, st := range steps {
			if st.Status != project.StepInProgress {
				continue
			}
			st.Status = project.StepFailed
			st.LastError = ErrInterrupted.Error()
			if err := m.store.UpdateStep(ctx, st); err != nil {
				log.Warn().Str("step_id", st.ID).Err(err).Msg("recover: mark step failed")
			}
		}
		if err := m.launch(p.ID, false); err != nil {
			log.Warn().Str("project_id", p.ID).Err(err).Msg("recover: launch failed")
			continue
		}
		relaunched++
	}
	if relaunched > 0 {
		log.Info().Int("projects", relaunched).Msg("resumed interrupted projects")
	}
	return relaunched, nil
}

// Running reports whether a pipeline is active for the project.
func (m *Manager) Running(projectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[projectID]
	return ok
}

func (m *Manager) markDone(projectID string) {
	m.mu.Lock()
	delete(m.running, projectID)
	m.mu.Unlock()
}

func (m *Manager) tryAcquire() bool {
	if m.slots == nil {
		m.active.Add(1)
		return true
	}
	if !m.slots.TryAcquire(1) {
		return false
	}
	m.active.Add(1)
	return true
}

func (m *Manager) acquire(ctx context.Context) error {
	if m.slots != nil {
		if err := m.slots.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("acquire slot: %w", err)
		}
	}
	m.active.Add(1)
	return nil
}

func (m *Manager) release() {
	m.active.Add(-1)
	if m.slots != nil {
		m.slots.Release(1)
	}
}
