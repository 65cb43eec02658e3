package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/project-theia/theia-api/config"
	"github.com/project-theia/theia-api/internal/adapters/jobrunner"
	"github.com/project-theia/theia-api/internal/adapters/reaper"
	domainjob "github.com/project-theia/theia-api/internal/domain/job"
	"github.com/project-theia/theia-api/internal/observability/statsd"
)

// WorkerPoolConfig contains configuration for the diagnosis worker pool.
type WorkerPoolConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

// NewWorkerRunner builds the job runner for the planned pool.
func NewWorkerRunner(cfg WorkerPoolConfig) (*jobrunner.Runner, error) {
	if cfg.Config == nil {
		return nil, errors.New("worker pool requires config")
	}
	if cfg.Services.Diagnosis == nil || cfg.Services.Detectors == nil {
		return nil, errors.New("worker pool requires the diagnosis handler and detector factory")
	}
	app := cfg.Config

	return jobrunner.NewRunner(jobrunner.RunnerOptions{
		Jobs:         cfg.Services.Jobs,
		Handler:      cfg.Services.Diagnosis,
		Detectors:    cfg.Services.Detectors,
		Registry:     cfg.Services.Store.Registry,
		Logger:       cfg.Logger,
		Metrics:      cfg.Services.Observability.Metrics(),
		WorkerID:     app.Worker.ID,
		Concurrency:  cfg.Services.Pool.Workers,
		Lease:        app.Worker.JobLease,
		PollInterval: app.Worker.PollInterval,
		MaxJobs:      app.Worker.MaxJobs,
		Retry:        retryPolicy(app.Retry),
		Backoff:      app.Retry.Backoff,
		Deadlines: domainjob.DeadlinePlanner{
			Base:         app.Deadline.Base,
			PerTaskAhead: app.Deadline.PerTaskAhead,
			Workers:      cfg.Services.Pool.Workers,
		},
	})
}

// RunWorkers starts the diagnosis worker pool and blocks until ctx is cancelled.
func RunWorkers(ctx context.Context, cfg WorkerPoolConfig) error {
	runner, err := NewWorkerRunner(cfg)
	if err != nil {
		return fmt.Errorf("create job runner: %w", err)
	}
	return runner.Run(ctx)
}

// ReaperConfig contains configuration for reaper.
type ReaperConfig struct {
	Store   Store
	Logger  *slog.Logger
	Config  config.ReaperConfig
	Metrics statsd.Sink
}

// NewReaperRunner builds a reaper runner over the configured store.
func NewReaperRunner(cfg ReaperConfig) (*reaper.Runner, error) {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		Repo:     cfg.Store.Reaper,
		Registry: cfg.Store.Registry,
		Config:   cfg.Config,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create reaper runner: %w", err)
	}
	return runner, nil
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := NewReaperRunner(cfg)
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}

func retryPolicy(cfg config.RetryConfig) domainjob.RetryPolicy {
	return domainjob.RetryPolicy{Ceiling: cfg.Ceiling, MemoryRetries: cfg.MemoryRetries}
}
