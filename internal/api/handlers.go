package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"stepforge/internal/archive"
	"stepforge/internal/pipeline"
	"stepforge/internal/planner"
	"stepforge/internal/project"
)

type createProjectRequest struct {
	UserID  string `json:"user_id"`
	Request string `json:"request"`
}

type stepResponse struct {
	ID           string             `json:"id"`
	Sequence     int                `json:"step_number"`
	Title        string             `json:"title"`
	Details      string             `json:"details,omitempty"`
	Deliverables string             `json:"deliverables,omitempty"`
	Status       project.StepStatus `json:"status"`
	LastError    string             `json:"last_error,omitempty"`
	RawArtifact  string             `json:"raw_artifact,omitempty"`
}

type projectResponse struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id,omitempty"`
	Title           string         `json:"title"`
	Status          project.Status `json:"status"`
	OriginalRequest string         `json:"original_request"`
	ImprovedRequest string         `json:"improved_request,omitempty"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
	Steps           []stepResponse `json:"steps,omitempty"`
	ArchiveURL      string         `json:"archive_url,omitempty"`
	Running         bool           `json:"running,omitempty"`
}

type fileResponse struct {
	ID      string `json:"id"`
	StepID  string `json:"step_id"`
	Path    string `json:"path"`
	Folder  string `json:"folder"`
	Name    string `json:"file"`
	Size    int    `json:"size"`
	Content string `json:"content,omitempty"`
}

type archiveResponse struct {
	ProjectID  string `json:"project_id"`
	Archive    string `json:"archive"`
	ArchiveURL string `json:"archive_url"`
}

type API struct {
	manager  *pipeline.Manager
	store    project.Store
	packager *archive.Packager
}

func NewAPI(manager *pipeline.Manager, store project.Store, packager *archive.Packager) *API {
	return &API{manager: manager, store: store, packager: packager}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/projects", a.CreateProject)
		api.GET("/projects", a.ListProjects)
		api.GET("/projects/:id", a.GetProject)
		api.GET("/projects/:id/files", a.ListFiles)
		api.GET("/projects/:id/archive", a.DownloadArchive)
		api.POST("/projects/:id/archive", a.Repackage)
	}
}

// CreateProject plans a request and starts its pipeline in the background
func (a *API) CreateProject(c *gin.Context) {
	if a.manager.IsBusy() {
		log.Warn().Msg("rejecting project creation: server is at max concurrency")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server busy"})
		return
	}
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid create project request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	created, steps, err := a.manager.CreateProject(c.Request.Context(), pipeline.CreateRequest{UserID: req.UserID, Request: req.Request})
	switch {
	case errors.Is(err, pipeline.ErrEmptyRequest), errors.Is(err, planner.ErrNotCodeRelated):
		log.Warn().Err(err).Msg("project request rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, pipeline.ErrBusy):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server busy"})
		return
	case err != nil:
		log.Error().Err(err).Msg("project creation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create project"})
		return
	}
	c.JSON(http.StatusCreated, toProjectResponse(created, steps, ""))
}

// ListProjects returns projects, newest first, optionally filtered by user_id
func (a *API) ListProjects(c *gin.Context) {
	projects, err := a.store.ListProjects(c.Request.Context(), strings.TrimSpace(c.Query("user_id")))
	if err != nil {
		log.Error().Err(err).Msg("list projects failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list projects"})
		return
	}
	out := make([]projectResponse, 0, len(projects))
	for _, p := range projects {
		out = append(out, toProjectResponse(p, nil, ""))
	}
	c.JSON(http.StatusOK, gin.H{"projects": out})
}

// GetProject returns the project status with its steps in execution order
func (a *API) GetProject(c *gin.Context) {
	id := c.Param("id")
	found, ok := a.loadProject(c, id)
	if !ok {
		return
	}
	steps, err := a.store.ListSteps(c.Request.Context(), id)
	if err != nil {
		log.Error().Str("project_id", id).Err(err).Msg("list steps failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load steps"})
		return
	}
	archiveURL := ""
	if a.packager.Exists(id) {
		archiveURL = archivePath(id)
	}
	resp := toProjectResponse(found, steps, archiveURL)
	resp.Running = a.manager.Running(id)
	c.JSON(http.StatusOK, resp)
}

// ListFiles returns the accumulated files of a project; content is included
// when content=true
func (a *API) ListFiles(c *gin.Context) {
	id := c.Param("id")
	if _, ok := a.loadProject(c, id); !ok {
		return
	}
	files, err := a.store.ListFiles(c.Request.Context(), id)
	if err != nil {
		log.Error().Str("project_id", id).Err(err).Msg("list files failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list files"})
		return
	}
	withContent := c.Query("content") == "true"
	out := make([]fileResponse, 0, len(files))
	for _, f := range files {
		fr := fileResponse{ID: f.ID, StepID: f.StepID, Path: f.Path(), Folder: f.Folder, Name: f.Name, Size: len(f.Content)}
		if withContent {
			fr.Content = f.Content
		}
		out = append(out, fr)
	}
	c.JSON(http.StatusOK, gin.H{"project_id": id, "files": out})
}

// DownloadArchive serves the most recent archive, packaging one from the
// persisted files when none exists yet
func (a *API) DownloadArchive(c *gin.Context) {
	id := c.Param("id")
	found, ok := a.loadProject(c, id)
	if !ok {
		return
	}
	latest, err := a.packager.Latest(id)
	if errors.Is(err, archive.ErrNoArchive) {
		latest, ok = a.packageProject(c, id)
		if !ok {
			return
		}
	} else if err != nil {
		log.Error().Str("project_id", id).Err(err).Msg("resolve archive failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not resolve archive"})
		return
	}
	log.Info().Str("project_id", id).Str("path", latest).Msg("serving archive download")
	c.FileAttachment(latest, DownloadName(found.Title, id))
}

// Repackage builds a fresh archive from the project's current files
func (a *API) Repackage(c *gin.Context) {
	id := c.Param("id")
	if _, ok := a.loadProject(c, id); !ok {
		return
	}
	dest, ok := a.packageProject(c, id)
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, archiveResponse{ProjectID: id, Archive: filepath.Base(dest), ArchiveURL: archivePath(id)})
}

func (a *API) packageProject(c *gin.Context, id string) (string, bool) {
	files, err := a.store.ListFiles(c.Request.Context(), id)
	if err != nil {
		log.Error().Str("project_id", id).Err(err).Msg("list files failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list files"})
		return "", false
	}
	if len(files) == 0 {
		log.Warn().Str("project_id", id).Msg("no files to package")
		c.JSON(http.StatusNotFound, gin.H{"error": "project files not available"})
		return "", false
	}
	dest, err := a.packager.Package(c.Request.Context(), id)
	if err != nil {
		log.Error().Str("project_id", id).Err(err).Msg("packaging failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create project package"})
		return "", false
	}
	return dest, true
}

func (a *API) loadProject(c *gin.Context, id string) (*project.Project, bool) {
	found, err := a.store.GetProject(c.Request.Context(), id)
	if err == nil {
		return found, true
	}
	if errors.Is(err, project.ErrNotFound) {
		log.Warn().Str("project_id", id).Msg("project not found")
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return nil, false
	}
	log.Error().Str("project_id", id).Err(err).Msg("load project failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load project"})
	return nil, false
}

// DownloadName derives the attachment name from the project title.
func DownloadName(title, projectID string) string {
	name := strings.TrimSpace(title)
	if name == "" {
		name = "project_" + projectID
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case ' ':
			return '_'
		case '/', '\\', ':', '"', '*', '?', '<', '>', '|':
			return '-'
		}
		return r
	}, name)
	return name + ".zip"
}

func archivePath(id string) string {
	return "/api/v1/projects/" + id + "/archive"
}

func toProjectResponse(p *project.Project, steps []*project.Step, archiveURL string) projectResponse {
	resp := projectResponse{
		ID:              p.ID,
		UserID:          p.UserID,
		Title:           p.Title,
		Status:          p.Status,
		OriginalRequest: p.OriginalRequest,
		ImprovedRequest: p.ImprovedRequest,
		CreatedAt:       p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       p.UpdatedAt.UTC().Format(time.RFC3339),
		ArchiveURL:      archiveURL,
	}
	for _, st := range steps {
		resp.Steps = append(resp.Steps, stepResponse{
			ID:           st.ID,
			Sequence:     st.Sequence,
			Title:        st.Title,
			Details:      st.Details,
			Deliverables: st.Deliverables,
			Status:       st.Status,
			LastError:    st.LastError,
			RawArtifact:  st.RawArtifact,
		})
	}
	return resp
}
