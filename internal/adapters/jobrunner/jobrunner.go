// Package jobrunner runs the diagnosis worker pool: each worker reserves one
// job at a time, plans its deadline, keeps its lease alive and records the
// outcome.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/project-theia/theia-api/internal/core"
	domainjob "github.com/project-theia/theia-api/internal/domain/job"
	"github.com/project-theia/theia-api/internal/domain/model"
	apperrors "github.com/project-theia/theia-api/internal/errors"
	"github.com/project-theia/theia-api/internal/observability/metrics"
	"github.com/project-theia/theia-api/internal/observability/statsd"
	"github.com/project-theia/theia-api/internal/service"
)

// finalWriteTimeout bounds store writes made after the run context ends.
const finalWriteTimeout = 10 * time.Second

var errAssignmentHeld = errors.New("assignment held by another worker")

// Handler executes one attempt of a job.
type Handler interface {
	Handle(ctx context.Context, exec *service.Execution) (*model.AggregateResult, error)
}

// RunnerOptions configures the job runner adapter.
type RunnerOptions struct {
	Jobs      *service.JobService     // Required: job state
	Handler   Handler                 // Required: diagnosis handler
	Detectors core.DetectorFactory    // Required: builds each worker's models
	Registry  core.AssignmentRegistry // Required: worker assignments
	Logger    *slog.Logger
	Metrics   statsd.Sink

	// Job processing settings
	WorkerID     string        // prefix for worker ids; defaults to hostname-pid
	Concurrency  int           // number of workers; defaults to 1
	Lease        time.Duration // per-job lease; defaults to the service lease policy
	PollInterval time.Duration // idle re-poll interval; defaults to 5s
	MaxJobs      int           // jobs per model load; 0 never rebuilds
	Retry        domainjob.RetryPolicy
	Backoff      time.Duration // fixed delay before an automatic retry
	Deadlines    domainjob.DeadlinePlanner
}

// Runner pulls jobs and executes them with the diagnosis handler.
type Runner struct {
	jobs         *service.JobService
	handler      Handler
	detectors    core.DetectorFactory
	registry     core.AssignmentRegistry
	logger       *slog.Logger
	metrics      statsd.Sink
	workerID     string
	workers      int
	lease        time.Duration
	heartbeat    time.Duration
	pollInterval time.Duration
	maxJobs      int
	retry        domainjob.RetryPolicy
	backoff      time.Duration
	deadlines    domainjob.DeadlinePlanner
	now          func() time.Time
}

// NewRunner validates options and constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	switch {
	case opts.Jobs == nil:
		return nil, errors.New("JobService is required")
	case opts.Handler == nil:
		return nil, errors.New("handler is required")
	case opts.Detectors == nil:
		return nil, errors.New("DetectorFactory is required")
	case opts.Registry == nil:
		return nil, errors.New("AssignmentRegistry is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := max(opts.Concurrency, 1)
	policy := opts.Jobs.LeasePolicy()
	lease := policy.Resolve(opts.Lease)
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	retry := opts.Retry
	if retry.Ceiling <= 0 && retry.MemoryRetries <= 0 {
		retry = domainjob.DefaultRetryPolicy()
	}
	planner := opts.Deadlines
	if planner.Workers <= 0 {
		planner.Workers = workers
	}

	return &Runner{
		jobs:         opts.Jobs,
		handler:      opts.Handler,
		detectors:    opts.Detectors,
		registry:     opts.Registry,
		logger:       logger.With("component", "job_runner"),
		metrics:      opts.Metrics,
		workerID:     resolveWorkerID(opts.WorkerID),
		workers:      workers,
		lease:        lease,
		heartbeat:    max(lease/3, 500*time.Millisecond),
		pollInterval: poll,
		maxJobs:      max(opts.MaxJobs, 0),
		retry:        retry,
		backoff:      max(opts.Backoff, 0),
		deadlines:    planner,
		now:          time.Now,
	}, nil
}

func resolveWorkerID(prefix string) string {
	if prefix != "" {
		return prefix
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Run starts the workers and processes jobs until ctx is cancelled. A
// worker that cannot reach the store stops the whole pool.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner",
		"workers", r.workers,
		"lease", r.lease,
		"max_jobs", r.maxJobs,
	)

	group, gctx := errgroup.WithContext(ctx)
	for i := range r.workers {
		w, err := r.newWorker(i)
		if err != nil {
			return err
		}
		group.Go(func() error { return r.workerLoop(gctx, w) })
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type worker struct {
	id     string
	models *service.ModelSet
}

func (r *Runner) newWorker(i int) (*worker, error) {
	models, err := service.NewModelSet(r.detectors, r.maxJobs)
	if err != nil {
		return nil, fmt.Errorf("worker %d models: %w", i, err)
	}
	return &worker{id: fmt.Sprintf("%s-%d", r.workerID, i), models: models}, nil
}

func (r *Runner) workerLoop(ctx context.Context, w *worker) error {
	logger := r.logger.With("worker_id", w.id)
	defer func() {
		if err := w.models.Close(); err != nil {
			logger.Warn("failed to release detectors", "error", err)
		}
	}()

	unsub, notify := r.jobs.Subscribe()
	defer unsub()

	for ctx.Err() == nil {
		job, err := r.jobs.ReserveNext(ctx, w.id, r.lease)
		switch {
		case err == nil:
			r.processJob(ctx, w, job)
		case errors.Is(err, model.ErrNoJobsAvailable):
			var ok bool
			if notify, ok = r.waitForWork(ctx, notify); !ok {
				return nil
			}
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return nil
}

// waitForWork blocks until a notification, the poll interval or shutdown.
// A closed notification channel degrades to polling.
func (r *Runner) waitForWork(ctx context.Context, notify <-chan struct{}) (<-chan struct{}, bool) {
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return notify, false
	case _, ok := <-notify:
		if !ok {
			return nil, true
		}
		return notify, true
	case <-timer.C:
		return notify, true
	}
}

func (r *Runner) processJob(ctx context.Context, w *worker, job *model.Job) {
	start := r.now()
	logger := r.logger.With("job_id", job.ID, "worker_id", w.id)
	if !job.ScheduledAt.IsZero() {
		metrics.EmitQueueWait(r.metrics, start.Sub(job.ScheduledAt))
	}
	metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
		Transition: metrics.TransitionReserved,
		Result:     metrics.ResultSuccess,
	})

	writeCtx, cancelWrites := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancelWrites()
	defer func() {
		if err := r.registry.Release(writeCtx, job.ID, w.id); err != nil {
			logger.WarnContext(writeCtx, "failed to release assignment", "error", err)
		}
	}()

	claimed, err := r.registry.Claim(ctx, job.ID, w.id, r.lease)
	if err != nil {
		r.recordFailure(writeCtx, logger, w, job, domainjob.TransientError("claim", err), start)
		return
	}
	if !claimed {
		logger.WarnContext(ctx, "assignment held by another worker; releasing job")
		r.recordFailure(writeCtx, logger, w, job, domainjob.TransientError("claim", errAssignmentHeld), start)
		return
	}

	deadline := r.planDeadline(ctx, logger, w, job)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.heartbeatLoop(hbCtx, logger, w, job.ID)
	}()

	result, runErr := r.safeHandle(ctx, &service.Execution{
		Job:      job,
		Deadline: deadline,
		Models:   w.models,
		Progress: func(pctx context.Context, marker string) {
			if _, err := r.jobs.UpdateProgress(pctx, job.ID, w.id, marker); err != nil {
				logger.WarnContext(pctx, "failed to record progress", "progress", marker, "error", err)
			}
		},
	})
	stopHeartbeat()
	<-hbDone

	if runErr != nil {
		if ctx.Err() != nil && domainjob.Classify(runErr) != domainjob.KindTransient {
			// The pool is stopping; the attempt was cut short, not failed.
			runErr = domainjob.TransientError("shutdown", runErr)
		}
		r.recordFailure(writeCtx, logger, w, job, runErr, start)
	} else {
		r.recordSuccess(writeCtx, logger, w, job, result, start)
	}

	released, err := w.models.JobDone()
	if err != nil {
		logger.WarnContext(writeCtx, "failed to release detectors", "error", err)
	}
	if released {
		logger.InfoContext(writeCtx, "detectors released after job limit", "max_jobs", r.maxJobs)
	}
}

// planDeadline computes and stores the job's deadline from the live queue depth.
func (r *Runner) planDeadline(ctx context.Context, logger *slog.Logger, w *worker, job *model.Job) domainjob.Deadline {
	depth, err := r.jobs.QueueDepthAhead(ctx, job)
	if err != nil {
		logger.WarnContext(ctx, "queue depth unavailable; using base deadline", "error", err)
		depth = 0
	}
	budget := r.deadlines.Plan(depth)
	at := r.now().Add(budget)
	if _, err := r.jobs.SetDeadline(ctx, job.ID, w.id, at); err != nil {
		logger.WarnContext(ctx, "failed to persist deadline", "error", err)
	}
	logger.DebugContext(ctx, "deadline planned", "queue_depth", depth, "budget", budget, "deadline", at)
	return domainjob.NewDeadline(at)
}

func (r *Runner) heartbeatLoop(ctx context.Context, logger *slog.Logger, w *worker, jobID string) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.registry.Refresh(ctx, jobID, w.id, r.lease); err != nil && ctx.Err() == nil {
				logger.WarnContext(ctx, "assignment refresh failed", "error", err)
			}
			ok, err := r.jobs.Heartbeat(ctx, jobID, w.id, r.lease)
			switch {
			case err != nil && ctx.Err() == nil:
				logger.WarnContext(ctx, "heartbeat failed", "error", err)
			case err == nil && !ok:
				logger.WarnContext(ctx, "lease lost; result will be discarded")
			}
		}
	}
}

// safeHandle converts handler panics into transient failures.
func (r *Runner) safeHandle(ctx context.Context, exec *service.Execution) (res *model.AggregateResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = domainjob.TransientError("handler", fmt.Errorf("panic: %v", p))
		}
	}()
	return r.handler.Handle(ctx, exec)
}

func (r *Runner) recordSuccess(
	ctx context.Context,
	logger *slog.Logger,
	w *worker,
	job *model.Job,
	result *model.AggregateResult,
	start time.Time,
) {
	completed, err := r.jobs.Complete(ctx, job.ID, w.id, result)
	elapsed := r.now().Sub(start)
	switch {
	case err != nil:
		logger.ErrorContext(ctx, "complete job error", "error", err)
		metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
			Transition: metrics.TransitionCompleted,
			Result:     metrics.ResultError,
			Duration:   elapsed,
			Err:        err,
		})
	case !completed:
		logger.WarnContext(ctx, "job no longer owned; result discarded")
		metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
			Transition: metrics.TransitionCompleted,
			Result:     metrics.ResultNoop,
			Duration:   elapsed,
		})
	default:
		metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
			Transition: metrics.TransitionCompleted,
			Result:     metrics.ResultSuccess,
			Duration:   elapsed,
		})
	}
}

func (r *Runner) recordFailure(
	ctx context.Context,
	logger *slog.Logger,
	w *worker,
	job *model.Job,
	runErr error,
	start time.Time,
) {
	kind := domainjob.Classify(runErr)
	var stage string
	var jobErr *domainjob.Error
	if errors.As(runErr, &jobErr) {
		stage = jobErr.Stage
	}
	retry := r.retry.ShouldRetry(kind, job.RetryCount, job.MaxRetries)

	status, err := r.jobs.Fail(ctx, job, w.id, service.JobFailure{
		Err:     runErr,
		Kind:    kind,
		Stage:   stage,
		Retry:   retry,
		Backoff: r.backoff,
		Metadata: map[string]string{
			"component": "job_runner",
		},
	})
	elapsed := r.now().Sub(start)
	if err != nil {
		if apperrors.IsConflict(err) {
			logger.WarnContext(ctx, "job no longer owned; failure discarded", "error", runErr)
			return
		}
		logger.ErrorContext(ctx, "fail job error", "error", err, "original_error", runErr)
		metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
			Transition:  metrics.TransitionFailed,
			Result:      metrics.ResultError,
			FailureKind: string(kind),
			Duration:    elapsed,
			Err:         err,
		})
		return
	}

	transition, result := metrics.TransitionFailed, metrics.ResultError
	if status == model.JobStatusPending {
		transition, result = metrics.TransitionRetried, metrics.ResultRetry
	}
	metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
		Transition:  transition,
		Result:      result,
		FailureKind: string(kind),
		Duration:    elapsed,
		Err:         runErr,
	})
}
