// Package core declares the ports between the job services and their adapters.
package core

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/project-theia/theia-api/internal/domain/density"
	"github.com/project-theia/theia-api/internal/domain/model"
)

// CreateJobParams are the fully resolved fields of a new job.
type CreateJobParams struct {
	ImageRefs   []string
	Metadata    json.RawMessage
	TargetCount int
	Repetitions int
	MaxRetries  int
}

// FailParams describes a failed attempt.
type FailParams struct {
	Reason string
	// Retry requests re-dispatch; the store still refuses once RetryCount
	// has reached the job's MaxRetries.
	Retry   bool
	Backoff time.Duration
}

// JobRepository defines job persistence. Every mutation is a single
// conditional update guarded by the job's current status and owner.
type JobRepository interface {
	Create(ctx context.Context, params CreateJobParams) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error)
	Stats(ctx context.Context) (*model.JobStats, error)

	// ReserveNext atomically moves the oldest due PENDING job to PROCESSING
	// for workerID. Returns model.ErrNoJobsAvailable when nothing is due.
	ReserveNext(ctx context.Context, workerID string, lease time.Duration) (*model.Job, error)
	WaitForNotification(ctx context.Context) error
	// QueueDepthAhead counts PENDING and PROCESSING jobs created before j.
	QueueDepthAhead(ctx context.Context, j *model.Job) (int, error)

	SetDeadline(ctx context.Context, id, workerID string, deadline time.Time) (bool, error)
	UpdateProgress(ctx context.Context, id, workerID, progress string) (bool, error)
	Heartbeat(ctx context.Context, id, workerID string, lease time.Duration) (bool, error)
	Complete(ctx context.Context, id, workerID string, result *model.AggregateResult) (bool, error)
	// Fail records a failed attempt and returns the resulting status:
	// PENDING when a retry was scheduled, FAILED otherwise.
	Fail(ctx context.Context, id, workerID string, params FailParams) (model.JobStatus, error)
	// Retry moves a FAILED job back to PENDING with a fresh retry budget.
	Retry(ctx context.Context, id string) (*model.Job, error)
}

// OrphanQuery selects PROCESSING jobs past their deadline or the fallback
// ceiling, ordered by (created_at, id).
type OrphanQuery struct {
	Now      time.Time
	Fallback time.Duration
	Limit    int
	// After resumes listing strictly after this job in the same order.
	After *OrphanCursor
}

// OrphanCursor is the keyset position of the last candidate already examined.
type OrphanCursor struct {
	CreatedAt time.Time
	ID        string
}

// ReaperRepository defines the sweep operations used by the orphan reaper.
type ReaperRepository interface {
	ListOrphanCandidates(ctx context.Context, q OrphanQuery) ([]*model.Job, error)
	// FailOrphaned fails the given jobs that are still PROCESSING and returns
	// how many rows changed.
	FailOrphaned(ctx context.Context, ids []string, reason string) (int64, error)
}

// PurgeRepository deletes terminal jobs for operator-driven retention.
type PurgeRepository interface {
	PurgeTerminal(ctx context.Context, olderThan time.Duration, batchSize int) (int64, error)
}

// AssignmentRegistry tracks which worker currently owns a PROCESSING job.
type AssignmentRegistry interface {
	Claim(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error)
	Refresh(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, jobID, workerID string) error
	// Active returns jobID → workerID for the jobs that still have a live owner.
	Active(ctx context.Context, jobIDs []string) (map[string]string, error)
}

// ImageFetcher retrieves image bytes for opaque references.
type ImageFetcher interface {
	Fetch(ctx context.Context, ref string, dst io.Writer) error
	// Resolve checks that ref can still be fetched without downloading it.
	Resolve(ctx context.Context, ref string) error
}

// DetectorFactory loads a fresh set of detection models.
type DetectorFactory interface {
	Build(ctx context.Context) (density.Detectors, error)
}
