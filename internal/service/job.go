package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/project-theia/theia-api/internal/core"
	domainjob "github.com/project-theia/theia-api/internal/domain/job"
	"github.com/project-theia/theia-api/internal/domain/model"
	apperrors "github.com/project-theia/theia-api/internal/errors"
	obserrors "github.com/project-theia/theia-api/internal/observability/errors"
	"github.com/project-theia/theia-api/internal/observability/notify"
	"github.com/project-theia/theia-api/internal/service/failurenotifier"
)

// JobDefaults are applied to submissions that omit estimator parameters.
type JobDefaults struct {
	TargetCount int
	Repetitions int
	MaxRetries  int
}

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo            core.JobRepository        // Required: job repository
	DefaultLease    time.Duration             // Required: default assignment lease
	Fetcher         core.ImageFetcher         // Optional: checks refs before an explicit retry
	Defaults        JobDefaults               // Optional: submission defaults
	Logger          *slog.Logger              // Optional: structured logger
	FailureNotifier *failurenotifier.Service  // Optional: terminal failure fan-out
	LeasePolicy     *domainjob.LeasePolicy    // Optional: override default lease policy
	Notifier        domainjob.Notifier        // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
}

// JobService is the single entry point to job state for the HTTP API, the
// admin CLI and the worker pool.
//
// This service manages:
// - Submission, status and result queries, listing and explicit retry.
// - Worker-facing reservation, lease, progress and completion calls.
// - Job availability notifications for idle workers.
// - Failure notification fan-out when a job becomes FAILED.
type JobService struct {
	repo            core.JobRepository
	fetcher         core.ImageFetcher
	defaults        JobDefaults
	leasePolicy     *domainjob.LeasePolicy
	notifier        domainjob.Notifier
	logger          *slog.Logger
	failureNotifier *failurenotifier.Service
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	var leasePolicy *domainjob.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	defaults := opts.Defaults
	if defaults.TargetCount <= 0 {
		defaults.TargetCount = 1000
	}
	if defaults.Repetitions <= 0 {
		defaults.Repetitions = 5
	}
	defaults.MaxRetries = max(defaults.MaxRetries, 0)

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
		logger.Debug("JobService initialized",
			"default_lease", leasePolicy.Default(),
			"target_count", defaults.TargetCount,
			"repetitions", defaults.Repetitions,
		)
	}

	return &JobService{
		repo:            opts.Repo,
		fetcher:         opts.Fetcher,
		defaults:        defaults,
		leasePolicy:     leasePolicy,
		notifier:        notifier,
		logger:          logger,
		failureNotifier: opts.FailureNotifier,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// LeasePolicy exposes the lease policy workers heartbeat against.
func (s *JobService) LeasePolicy() *domainjob.LeasePolicy {
	return s.leasePolicy
}

// Submit validates req, fills defaults and stores a PENDING job.
func (s *JobService) Submit(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, apperrors.Validation("request body is required")
	}
	if err := req.Validate(); err != nil {
		return nil, validationError(err)
	}

	params := core.CreateJobParams{
		ImageRefs:   trimRefs(req.ImageRefs),
		Metadata:    req.Metadata,
		TargetCount: derefOr(req.TargetCount, s.defaults.TargetCount),
		Repetitions: derefOr(req.Repetitions, s.defaults.Repetitions),
		MaxRetries:  derefOr(req.MaxRetries, s.defaults.MaxRetries),
	}
	if len(params.Metadata) == 0 {
		params.Metadata = json.RawMessage(`{}`)
	}

	job, err := s.repo.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job submitted",
			"job_id", job.ID,
			"images", len(job.ImageRefs),
			"target_count", job.TargetCount,
			"repetitions", job.Repetitions,
		)
	}
	return job, nil
}

func validationError(err error) error {
	field := ""
	switch {
	case errors.Is(err, model.ErrEmptyImageRefs), errors.Is(err, model.ErrBlankImageRef):
		field = "image_refs"
	case errors.Is(err, model.ErrInvalidTarget):
		field = "target_count"
	case errors.Is(err, model.ErrInvalidRepeats):
		field = "repetitions"
	case errors.Is(err, model.ErrInvalidRetries):
		field = "max_retries"
	case errors.Is(err, model.ErrMetadataNotAnObj):
		field = "metadata"
	}
	appErr := apperrors.ValidationField(field, err.Error())
	appErr.Cause = err
	return appErr
}

func trimRefs(refs []string) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = strings.TrimSpace(r)
	}
	return out
}

func derefOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

// GetByID returns a job by its ID.
func (s *JobService) GetByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job by id %s: %w", id, err)
	}
	return job, nil
}

// GetStatus returns the status and progress marker of a job.
func (s *JobService) GetStatus(ctx context.Context, id string) (*model.JobStatusResponse, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &model.JobStatusResponse{
		ID:       job.ID,
		Status:   job.Status,
		Progress: job.Progress,
	}, nil
}

// GetResult returns the aggregate result of a SUCCESS job or the recorded
// reason of a FAILED one. Both are nil while the job is in flight.
func (s *JobService) GetResult(ctx context.Context, id string) (*model.JobResultResponse, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	resp := &model.JobResultResponse{ID: job.ID, Status: job.Status}
	switch job.Status {
	case model.JobStatusSuccess:
		resp.Result = job.Result
	case model.JobStatusFailed:
		resp.Error = job.LastError
	}
	return resp, nil
}

// paginationParams holds normalized pagination parameters.
type paginationParams struct {
	Limit  int
	Offset int
}

// normalizePagination clamps pagination parameters to safe defaults.
// Default limit: 50, max limit: 1000, min offset: 0.
func normalizePagination(limit, offset int) paginationParams {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return paginationParams{Limit: limit, Offset: offset}
}

// List returns jobs newest first, optionally filtered by status.
func (s *JobService) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	if opts.Status != nil && !opts.Status.Valid() {
		return nil, apperrors.ValidationField("status", fmt.Sprintf("invalid job status %q", *opts.Status))
	}
	p := normalizePagination(opts.Limit, opts.Offset)
	opts.Limit = p.Limit
	opts.Offset = p.Offset

	jobs, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Stats returns job counts per status.
func (s *JobService) Stats(ctx context.Context) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return stats, nil
}

// Retry resubmits a FAILED job. Every image reference must still resolve;
// otherwise, or when the job is not FAILED, a conflict error is returned.
func (s *JobService) Retry(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if job.Status != model.JobStatusFailed {
		return nil, apperrors.Conflictf("job %s is %s; only FAILED jobs can be retried", id, job.Status)
	}

	if s.fetcher != nil {
		for _, ref := range job.ImageRefs {
			if resolveErr := s.fetcher.Resolve(ctx, ref); resolveErr != nil {
				return nil, apperrors.Wrapf(resolveErr, apperrors.ErrCodeConflict,
					"job %s cannot be retried: image %q is no longer available", id, ref)
			}
		}
	}

	retried, err := s.repo.Retry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("retry job %s: %w", id, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job resubmitted",
			"job_id", id,
			"resubmit_count", retried.ResubmitCount,
		)
	}
	return retried, nil
}

// ReserveNext reserves the oldest due job for workerID. It returns
// model.ErrNoJobsAvailable when nothing is due.
func (s *JobService) ReserveNext(ctx context.Context, workerID string, lease time.Duration) (*model.Job, error) {
	d := s.leasePolicy.Resolve(lease)
	job, err := s.repo.ReserveNext(ctx, workerID, d)
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, err
		}
		return nil, fmt.Errorf("reserve next job: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job reserved",
			"job_id", job.ID,
			"worker_id", workerID,
			"lease", d,
		)
	}
	return job, nil
}

// Subscribe creates a subscription for job availability notifications.
// Returns an unsubscribe function and a channel that receives notifications.
func (s *JobService) Subscribe() (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe()
}

// QueueDepthAhead counts unfinished jobs submitted before job.
func (s *JobService) QueueDepthAhead(ctx context.Context, job *model.Job) (int, error) {
	n, err := s.repo.QueueDepthAhead(ctx, job)
	if err != nil {
		return 0, fmt.Errorf("queue depth for job %s: %w", job.ID, err)
	}
	return n, nil
}

// SetDeadline records the execution deadline of a PROCESSING job.
func (s *JobService) SetDeadline(ctx context.Context, id, workerID string, deadline time.Time) (bool, error) {
	ok, err := s.repo.SetDeadline(ctx, id, workerID, deadline)
	if err != nil {
		return false, fmt.Errorf("set deadline for job %s: %w", id, err)
	}
	return ok, nil
}

// UpdateProgress records a free-text progress marker.
func (s *JobService) UpdateProgress(ctx context.Context, id, workerID, progress string) (bool, error) {
	ok, err := s.repo.UpdateProgress(ctx, id, workerID, progress)
	if err != nil {
		return false, fmt.Errorf("update progress for job %s: %w", id, err)
	}
	return ok, nil
}

// Heartbeat extends the worker's lease on a job.
func (s *JobService) Heartbeat(ctx context.Context, id, workerID string, extend time.Duration) (bool, error) {
	d := s.leasePolicy.Resolve(extend)
	updated, err := s.repo.Heartbeat(ctx, id, workerID, d)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %s: %w", id, err)
	}
	return updated, nil
}

// Complete stores the result and marks the job SUCCESS.
func (s *JobService) Complete(ctx context.Context, id, workerID string, result *model.AggregateResult) (bool, error) {
	if result == nil {
		return false, errors.New("result required")
	}
	completed, err := s.repo.Complete(ctx, id, workerID, result)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}

	if s.logger != nil && completed {
		s.logger.InfoContext(ctx, "job completed",
			"job_id", id,
			"worker_id", workerID,
			"percentage_mean", result.PercentageMean,
			"images_processed", result.ImagesProcessed,
		)
	}
	return completed, nil
}

// JobFailure describes one failed attempt.
type JobFailure struct {
	Err     error
	Kind    domainjob.Kind
	Stage   string
	Retry   bool
	Backoff time.Duration
	// Metadata is forwarded to failure notifications.
	Metadata map[string]string
}

// Fail records a failed attempt and returns the job's resulting status.
// When the job becomes FAILED the failure notifier is invoked.
func (s *JobService) Fail(ctx context.Context, job *model.Job, workerID string, f JobFailure) (model.JobStatus, error) {
	if job == nil {
		return "", errors.New("job required")
	}
	if f.Err == nil {
		return "", errors.New("failure error required")
	}

	reason := f.Err.Error()
	status, err := s.repo.Fail(ctx, job.ID, workerID, core.FailParams{
		Reason:  reason,
		Retry:   f.Retry,
		Backoff: f.Backoff,
	})
	if err != nil {
		return "", fmt.Errorf("fail job %s: %w", job.ID, err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job attempt failed",
			"job_id", job.ID,
			"worker_id", workerID,
			"failure_kind", f.Kind,
			"stage", f.Stage,
			"status", status,
			"error", reason,
		)
	}

	if status == model.JobStatusFailed && s.failureNotifier != nil {
		s.failureNotifier.NotifyJobFailure(ctx, buildJobFailurePayload(job, workerID, f))
	}
	return status, nil
}

func buildJobFailurePayload(job *model.Job, workerID string, f JobFailure) notify.JobFailurePayload {
	return notify.JobFailurePayload{
		JobID:       job.ID,
		FailureKind: string(f.Kind),
		Stage:       f.Stage,
		Error:       f.Err.Error(),
		ErrorClass:  obserrors.Classify(f.Err),
		Attempts:    job.RetryCount + 1,
		Resubmits:   job.ResubmitCount,
		ImageCount:  len(job.ImageRefs),
		WorkerID:    workerID,
		Severity:    notify.SeverityFor(string(f.Kind)),
		OccurredAt:  time.Now().UTC(),
		Metadata:    copyMetadata(f.Metadata),
	}
}

func copyMetadata(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		dst[k] = v
	}
	if len(dst) == 0 {
		return nil
	}
	return dst
}

// StopAllListeners stops all active job notification listeners.
// This should be called during graceful shutdown to clean up goroutines.
func (s *JobService) StopAllListeners() {
	if s.logger != nil {
		s.logger.Info("stopping all job listeners")
	}

	if s.notifier != nil {
		s.notifier.StopAll()
	}
}
