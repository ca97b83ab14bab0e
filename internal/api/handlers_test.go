package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"stepforge/internal/accumulator"
	"stepforge/internal/archive"
	"stepforge/internal/generation"
	"stepforge/internal/pipeline"
	"stepforge/internal/planner"
	"stepforge/internal/project"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modelAnswer = "```json\n{\"files\":[{\"folder\":\"src\",\"file\":\"main.go\",\"code\":\"package main\"}]}\n```"

type staticPlanner struct{}

func (staticPlanner) Plan(context.Context, string) planner.Plan {
	return planner.Plan{
		ImprovedRequest: "a go program",
		Steps:           []planner.PlannedStep{{Sequence: 1, Title: "Main", Details: "write main.go"}},
	}
}

// rejectingPlanner also classifies every request as unrelated to code.
type rejectingPlanner struct{ staticPlanner }

func (rejectingPlanner) CheckIntent(context.Context, string) planner.Intent {
	return planner.Intent{Reason: "not about code"}
}

type modelFunc func(ctx context.Context, prompt string) (string, error)

func (f modelFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

func fixedAnswer(context.Context, string) (string, error) {
	return modelAnswer, nil
}

type testEnv struct {
	router   *gin.Engine
	store    project.Store
	manager  *pipeline.Manager
	packager *archive.Packager
}

func setupEnv(t *testing.T, checkIntent bool) *testEnv {
	t.Helper()
	return setupEnvWithModel(t, checkIntent, fixedAnswer)
}

func setupEnvWithModel(t *testing.T, checkIntent bool, model modelFunc) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	store, err := project.NewFileStore(filepath.Join(dir, "data"))
	require.NoError(t, err)
	staging := filepath.Join(dir, "staging")
	packager := archive.NewPackager(store, archive.Options{StagingRoot: staging, ArchiveDir: filepath.Join(dir, "archives")})
	client := generation.NewClient(model, generation.Options{MaxAttempts: 1})
	executor := pipeline.NewExecutor(store, client, accumulator.New(store, staging), 0)
	var plan planner.Planner = staticPlanner{}
	if checkIntent {
		plan = rejectingPlanner{}
	}
	manager := pipeline.NewManager(store, plan, pipeline.NewOrchestrator(store, executor, packager), pipeline.Options{
		MaxConcurrentProjects: 2,
		CheckIntent:           checkIntent,
	})
	t.Cleanup(func() { manager.WaitAll(context.Background()) })

	router := NewRouter()
	NewAPI(manager, store, packager).RegisterRoutes(router)
	return &testEnv{router: router, store: store, manager: manager, packager: packager}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "response %q", w.Body.String())
	return resp
}

func seedWithFiles(t *testing.T, store project.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	p := &project.Project{ID: "p1", UserID: "u1", Title: "My Demo", Status: project.StatusCompleted, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateProject(ctx, p, []*project.Step{{ID: "s1", Sequence: 1, Title: "Main", Status: project.StepCompleted}}))
	require.NoError(t, store.SaveFile(ctx, &project.File{ID: "f1", ProjectID: "p1", StepID: "s1", Folder: "cmd", Name: "main.go", Content: "package main\n"}))
}

func TestCreateProjectAndPollUntilCompleted(t *testing.T) {
	env := setupEnv(t, false)

	w := env.do(http.MethodPost, "/api/v1/projects", `{"user_id":"u1","request":"build a hello world"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode(t, w)
	id, _ := resp["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, string(project.StatusInProgress), resp["status"])

	var got map[string]any
	require.Eventually(t, func() bool {
		w := env.do(http.MethodGet, "/api/v1/projects/"+id, "")
		if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &got) != nil {
			return false
		}
		return got["status"] == string(project.StatusCompleted) && got["archive_url"] != nil
	}, 2*time.Second, 5*time.Millisecond, "timeout waiting for project to complete")

	steps, _ := got["steps"].([]any)
	assert.Len(t, steps, 1)
	assert.Equal(t, "/api/v1/projects/"+id+"/archive", got["archive_url"])
}

func TestGetProjectReportsRunningPipeline(t *testing.T) {
	gate := make(chan struct{})
	release := sync.OnceFunc(func() { close(gate) })
	env := setupEnvWithModel(t, false, func(ctx context.Context, _ string) (string, error) {
		select {
		case <-gate:
			return modelAnswer, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	t.Cleanup(release)

	w := env.do(http.MethodPost, "/api/v1/projects", `{"request":"build a hello world"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id, _ := decode(t, w)["id"].(string)

	running := decode(t, env.do(http.MethodGet, "/api/v1/projects/"+id, ""))
	release()
	assert.Equal(t, true, running["running"])

	require.True(t, env.manager.WaitAll(context.Background()))
	got := decode(t, env.do(http.MethodGet, "/api/v1/projects/"+id, ""))
	assert.Nil(t, got["running"])
	assert.Equal(t, string(project.StatusCompleted), got["status"])
}

func TestCreateProjectValidation(t *testing.T) {
	env := setupEnv(t, false)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/v1/projects", `{"request":"   "}`).Code, "empty request")
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/v1/projects", `{"request":`).Code, "bad json")
}

func TestCreateProjectRejectsNonCodeRequests(t *testing.T) {
	env := setupEnv(t, true)

	w := env.do(http.MethodPost, "/api/v1/projects", `{"request":"tell me a joke"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["error"], "not about code")
}

func TestGetProjectNotFound(t *testing.T) {
	env := setupEnv(t, false)

	for _, path := range []string{"/api/v1/projects/nope", "/api/v1/projects/nope/files", "/api/v1/projects/nope/archive"} {
		assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, path, "").Code, path)
	}
}

func TestListProjectsFiltersByUser(t *testing.T) {
	env := setupEnv(t, false)
	seedWithFiles(t, env.store)

	w := env.do(http.MethodGet, "/api/v1/projects?user_id=u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	projects, _ := decode(t, w)["projects"].([]any)
	assert.Len(t, projects, 1)

	w = env.do(http.MethodGet, "/api/v1/projects?user_id=someone-else", "")
	projects, ok := decode(t, w)["projects"].([]any)
	assert.True(t, ok, "projects must be a list: %s", w.Body.String())
	assert.Empty(t, projects)
}

func TestListFiles(t *testing.T) {
	env := setupEnv(t, false)
	seedWithFiles(t, env.store)

	w := env.do(http.MethodGet, "/api/v1/projects/p1/files?content=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	files, _ := decode(t, w)["files"].([]any)
	require.Len(t, files, 1)
	f, _ := files[0].(map[string]any)
	assert.Equal(t, "cmd/main.go", f["path"])
	assert.Equal(t, "package main\n", f["content"])
}

func TestDownloadArchivePackagesWhenMissing(t *testing.T) {
	env := setupEnv(t, false)
	seedWithFiles(t, env.store)

	w := env.do(http.MethodGet, "/api/v1/projects/p1/archive", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "My_Demo.zip")

	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err, "response is not a zip")
	require.Len(t, zr.File, 1)
	assert.Equal(t, "cmd/main.go", zr.File[0].Name)
	assert.True(t, env.packager.Exists("p1"), "expected archive to be kept")
}

func TestDownloadArchiveWithoutFiles(t *testing.T) {
	env := setupEnv(t, false)
	now := time.Now()
	require.NoError(t, env.store.CreateProject(context.Background(), &project.Project{ID: "empty", Status: project.StatusFailed, CreatedAt: now}, nil))

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/projects/empty/archive", "").Code)
}

func TestRepackage(t *testing.T) {
	env := setupEnv(t, false)
	seedWithFiles(t, env.store)

	w := env.do(http.MethodPost, "/api/v1/projects/p1/archive", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	name, _ := decode(t, w)["archive"].(string)
	assert.True(t, strings.HasPrefix(name, "project_p1_"), "unexpected archive name %q", name)
}

func TestRequestIDHeader(t *testing.T) {
	env := setupEnv(t, false)

	w := env.do(http.MethodGet, "/api/v1/projects", "")
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader), "expected a generated request id")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
}

func TestDownloadName(t *testing.T) {
	cases := map[string]string{
		"My Demo":                  "My_Demo.zip",
		"Project 2025-01-02 15:04": "Project_2025-01-02_15-04.zip",
		"  ":                       "project_p9.zip",
		"a/b":                      "a-b.zip",
	}
	for title, want := range cases {
		assert.Equal(t, want, DownloadName(title, "p9"), "DownloadName(%q)", title)
	}
}
