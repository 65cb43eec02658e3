// Package reaper provides adapters for running the orphan reaper.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/project-theia/theia-api/config"
	"github.com/project-theia/theia-api/internal/core"
	"github.com/project-theia/theia-api/internal/data"
	"github.com/project-theia/theia-api/internal/observability/statsd"
	"github.com/project-theia/theia-api/internal/service"
)

// Runner wires and runs the reaper loop.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB     *sql.DB
	Config config.ReaperConfig
	Logger *slog.Logger

	// Optional dependency injection for other backends and tests
	Repo     core.ReaperRepository
	Registry core.AssignmentRegistry
	Metrics  statsd.Sink
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	reaper, err := wireReaperService(opts)
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{reaper: reaper, logger: opts.Logger}, nil
}

func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && (opts.Repo == nil || opts.Registry == nil) {
		return errors.New("database connection or repository and registry are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

func wireReaperService(opts RunnerOptions) (*service.ReaperService, error) {
	repo := opts.Repo
	if repo == nil {
		repo = data.NewJobRepo(opts.DB, data.RepoConfig{Logger: opts.Logger})
	}
	registry := opts.Registry
	if registry == nil {
		registry = data.NewLeaseRegistry(opts.DB, nil)
	}

	return service.NewReaperService(service.ReaperServiceOptions{
		Repo:     repo,
		Registry: registry,
		Config:   opts.Config,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}

// SweepOnce runs a single sweep, for the admin CLI.
func (r *Runner) SweepOnce(ctx context.Context) (service.SweepResult, error) {
	return r.reaper.Sweep(ctx)
}
