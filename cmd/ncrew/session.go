package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/smart-tinker/ncrew-sub000/internal/config"
	"github.com/smart-tinker/ncrew-sub000/internal/logging"
	"github.com/smart-tinker/ncrew-sub000/internal/run"
	"github.com/smart-tinker/ncrew-sub000/internal/telemetry"
)

// session is the loaded configuration and coordinator for one command.
type session struct {
	root        string
	cfg         config.Config
	project     config.Project
	logger      *logrus.Logger
	telemetry   *telemetry.Provider
	coordinator *run.Coordinator
}

// open discovers the project root, loads configuration and builds the coordinator.
func (app *cli) open(ctx context.Context) (*session, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	root, err := config.DiscoverProjectRoot(cwd)
	if err != nil {
		return nil, err
	}
	overrides, err := config.ParseOverrides(app.overrides)
	if err != nil {
		return nil, err
	}

	var warnings []string
	cfg, err := config.Load(root, overrides, func(message string) { warnings = append(warnings, message) })
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if app.verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.Log.Format, app.stderr)
	if err != nil {
		return nil, err
	}
	for _, message := range warnings {
		logger.Warn(message)
	}

	project, err := selectProject(&cfg, root, app.projectID)
	if err != nil {
		return nil, err
	}

	provider, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := telemetry.NewMetrics(provider.Meter)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	coordinator := run.NewCoordinator(run.Options{
		Config:    cfg,
		Logger:    logger,
		Telemetry: provider,
		Metrics:   metrics,
	})
	return &session{
		root:        root,
		cfg:         cfg,
		project:     project,
		logger:      logger,
		telemetry:   provider,
		coordinator: coordinator,
	}, nil
}

// close releases run ownership and flushes telemetry.
func (current *session) close() {
	if err := current.coordinator.Close(); err != nil {
		current.logger.WithError(err).Warn("release run locks")
	}
	ctx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
	defer cancel()
	if err := current.telemetry.Shutdown(ctx); err != nil {
		current.logger.WithError(err).Debug("shutdown telemetry")
	}
}

// selectProject resolves the project a command acts on. Without an explicit
// id the project rooted at root is used, registering an implicit one when the
// repository is not configured.
func selectProject(cfg *config.Config, root string, projectID string) (config.Project, error) {
	if projectID != "" {
		return cfg.Project(projectID)
	}
	project := cfg.ProjectForPath(root)
	if existing, err := cfg.Project(project.ID); err == nil {
		if filepath.Clean(existing.Path) != project.Path {
			return config.Project{}, fmt.Errorf("project id %s is configured for %s; select a project with --project", existing.ID, existing.Path)
		}
		return existing, nil
	}
	cfg.Projects = append(cfg.Projects, project)
	return project, nil
}
