package main

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"stepforge/internal/accumulator"
	"stepforge/internal/api"
	"stepforge/internal/archive"
	"stepforge/internal/config"
	fileutil "stepforge/internal/file"
	"stepforge/internal/generation"
	"stepforge/internal/pipeline"
	"stepforge/internal/planner"
	"stepforge/internal/project"
)

// service holds the wired components shared by the subcommands.
type service struct {
	cfg      config.Config
	store    project.Store
	packager *archive.Packager
	manager  *pipeline.Manager
}

// openService opens storage and the packager. The model, planner and
// pipeline are only built when withModel is set, so read-only commands work
// without credentials.
func openService(ctx context.Context, cfg config.Config, withModel bool) (*service, error) {
	for _, dir := range []string{cfg.DataDir, cfg.StagingDir, cfg.ArchiveDir} {
		if err := fileutil.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	svc := &service{
		cfg:   cfg,
		store: store,
		packager: archive.NewPackager(store, archive.Options{
			StagingRoot: cfg.StagingDir,
			ArchiveDir:  cfg.ArchiveDir,
		}),
	}
	if !withModel {
		return svc, nil
	}

	model, err := generation.NewModel(ctx, generation.ModelConfig{
		Provider:    cfg.Model.Provider,
		Name:        cfg.Model.Name,
		APIKey:      cfg.Model.APIKey,
		BaseURL:     cfg.Model.BaseURL,
		Temperature: cfg.Model.Temperature,
	})
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("build model: %w", err)
	}
	client := generation.NewClient(model, generation.Options{
		MaxAttempts: cfg.Model.MaxAttempts,
		BackoffUnit: cfg.Model.BackoffUnit,
	})
	executor := pipeline.NewExecutor(store, client, accumulator.New(store, cfg.StagingDir), cfg.StepTimeout)
	orchestrator := pipeline.NewOrchestrator(store, executor, svc.packager)
	svc.manager = pipeline.NewManager(store, planner.New(model), orchestrator, pipeline.Options{
		MaxConcurrentProjects: cfg.MaxConcurrentProjects,
		CheckIntent:           cfg.Planner.CheckIntent,
	})
	log.Debug().
		Str("provider", cfg.Model.Provider).
		Str("model", cfg.Model.Name).
		Int("max_attempts", cfg.Model.MaxAttempts).
		Msg("generation pipeline ready")
	return svc, nil
}

func openStore(cfg config.Config) (project.Store, error) { //nolint:ireturn
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := project.OpenSQLStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		s, err := project.NewFileStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return s, nil
	}
}

func (s *service) router() *gin.Engine {
	r := api.NewRouter()
	api.NewAPI(s.manager, s.store, s.packager).RegisterRoutes(r)
	return r
}

func (s *service) close() {
	if err := s.store.Close(); err != nil {
		log.Warn().Err(err).Msg("closing store failed")
	}
}
