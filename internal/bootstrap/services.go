package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/project-theia/theia-api/config"
	"github.com/project-theia/theia-api/internal/adapters/detector"
	"github.com/project-theia/theia-api/internal/adapters/imagestore"
	"github.com/project-theia/theia-api/internal/domain/density"
	"github.com/project-theia/theia-api/internal/domain/resources"
	"github.com/project-theia/theia-api/internal/observability/notify/pagerduty"
	"github.com/project-theia/theia-api/internal/observability/notify/slack"
	"github.com/project-theia/theia-api/internal/observability/statsd"
	"github.com/project-theia/theia-api/internal/service"
	"github.com/project-theia/theia-api/internal/service/failurenotifier"
	"github.com/project-theia/theia-api/internal/sysinfo"
	"github.com/redis/go-redis/v9"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Store     Store
	Jobs      *service.JobService
	Diagnosis *service.DiagnosisHandler
	Detectors *detector.Factory
	Images    *imagestore.Store
	// Pool is the worker pool size and per-worker thread count after overrides.
	Pool          resources.Plan
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     *statsd.Client
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// Metrics returns the metrics sink, or nil when metrics are disabled.
//
//nolint:ireturn // a nil interface keeps consumers' nil checks meaningful.
func (o ObservabilityContainer) Metrics() statsd.Sink {
	if o.MetricsSink == nil {
		return nil
	}
	return o.MetricsSink
}

// Close releases the metrics connection.
func (o ObservabilityContainer) Close() error {
	if o.MetricsSink == nil {
		return nil
	}
	return o.MetricsSink.Close()
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	// Probe overrides the host probe used to size the worker pool.
	Probe func(ctx context.Context) (sysinfo.Snapshot, error)
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.Prefix,
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:     metricsSink,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: buildFailureNotifier(obsLogger, cfg.Notifications),
		NotifierConfig:  cfg.Notifications,
	}
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{
			Logger: baseLogger.With("component", "failure_notifier"),
		})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.Slack.JobURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "slack",
				Sink: client,
			})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "pagerduty",
				Sink: client,
			})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger:        baseLogger.With("component", "failure_notifier"),
		Sinks:         sinks,
		SuppressKinds: cfg.SuppressKinds,
	})
}

// planPool sizes the worker pool from the host and applies operator overrides.
func planPool(ctx context.Context, deps *ServiceDeps, cfg config.WorkerConfig, logger *slog.Logger) resources.Plan {
	probe := deps.Probe
	if probe == nil {
		probe = sysinfo.Probe
	}

	var plan resources.Plan
	snap, err := probe(ctx)
	if err != nil {
		logger.WarnContext(ctx, "host probe failed; planning for a single small worker", "error", err)
		plan = resources.PlanWorkers(0, 1)
	} else {
		plan = resources.PlanWorkers(snap.TotalMemoryGB, snap.CPUCount)
	}
	plan = plan.WithOverrides(snap.CPUCount, cfg.Count, cfg.Threads)

	logger.InfoContext(ctx, "worker pool planned",
		"workers", plan.Workers,
		"threads_per_worker", plan.ThreadsPerWorker,
		"total_memory_gb", snap.TotalMemoryGB,
		"cpus", snap.CPUCount,
	)
	return plan
}

// NewServices wires the store, job service, diagnosis handler and adapters.
func NewServices(ctx context.Context, deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps with config are required")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	observability := buildObservability(logger, cfg.Observability)

	store, err := BuildStore(StoreDeps{
		Config: cfg.Store,
		DB:     deps.DB,
		Redis:  deps.RedisClient,
		Logger: logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build store: %w", err)
	}

	jobs, images, err := BuildJobService(cfg, store, logger, observability.FailureNotifier)
	if err != nil {
		return ServiceContainer{}, err
	}

	container := ServiceContainer{
		Store:         store,
		Jobs:          jobs,
		Images:        images,
		Observability: observability,
	}

	if !cfg.IsWorkerEnabled() {
		return container, nil
	}

	container.Pool = planPool(ctx, deps, cfg.Worker, logger)
	if _, err := sysinfo.ApplyThreadEnv(container.Pool.ThreadsPerWorker); err != nil {
		logger.WarnContext(ctx, "failed to export detector thread limits", "error", err)
	}

	labels, err := cfg.Estimator.ParsedStageLabels()
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("parse stage labels: %w", err)
	}

	container.Detectors, err = detector.NewFactory(detector.FactoryOptions{
		Config: cfg.Detectors,
		Logger: logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build detector factory: %w", err)
	}

	container.Diagnosis, err = service.NewDiagnosisHandler(service.DiagnosisHandlerOptions{
		Fetcher:       images,
		Memory:        sysinfo.HostMemory{},
		MemoryFloorGB: cfg.Worker.MemoryFloorGB,
		Estimator: service.EstimatorSettings{
			ReferenceClassID: cfg.Estimator.ReferenceClassID,
			StageLabels:      density.StageLabels(labels),
			Seed:             cfg.Estimator.Seed,
		},
		TempDir: cfg.Worker.TempDir,
		Logger:  logger,
		Metrics: observability.Metrics(),
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build diagnosis handler: %w", err)
	}

	return container, nil
}

// BuildJobService wires the job service and the image store it resolves
// retried references with. The admin CLI uses it without the worker stack.
func BuildJobService(
	cfg *config.AppConfig,
	store Store,
	logger *slog.Logger,
	notifier *failurenotifier.Service,
) (*service.JobService, *imagestore.Store, error) {
	images, err := imagestore.New(imagestore.Options{
		AllowedRoots: cfg.ImageStore.AllowedRoots,
		MaxBytes:     cfg.ImageStore.MaxBytes,
		FetchTimeout: cfg.ImageStore.FetchTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build image store: %w", err)
	}

	jobs, err := service.NewJobService(service.JobServiceOptions{
		Repo:         store.Jobs,
		DefaultLease: cfg.Worker.JobLease,
		Fetcher:      images,
		Defaults: service.JobDefaults{
			TargetCount: cfg.Estimator.TargetCount,
			Repetitions: cfg.Estimator.Repetitions,
			MaxRetries:  cfg.Retry.DefaultMaxRetries,
		},
		Logger:          logger,
		FailureNotifier: notifier,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build job service: %w", err)
	}
	return jobs, images, nil
}
