package data

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/project-theia/theia-api/internal/domain/model"
	apperrors "github.com/project-theia/theia-api/internal/errors"
)

// Job sentinels carry application error codes so callers outside the data
// layer can branch with apperrors.IsNotFound and apperrors.IsConflict.
var (
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = apperrors.NotFoundf("job not found")
	// ErrJobNotRetryable is returned when an explicit retry targets a job that is not FAILED.
	ErrJobNotRetryable = apperrors.Conflictf("job is not in FAILED status")
	// ErrJobNotOwned is returned when a worker mutates a job it no longer owns.
	ErrJobNotOwned = apperrors.Conflictf("job is not processing under this worker")
)

// jobAddedChannel is the LISTEN/NOTIFY channel signalled whenever a job becomes PENDING.
const jobAddedChannel = "job_added"

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo provides Postgres-backed job persistence.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       logger.With("component", "job_repo"),
	}
}

const jobColumns = `
  id,
  status,
  image_refs,
  metadata,
  target_count,
  repetitions,
  result,
  last_error,
  progress,
  retry_count,
  max_retries,
  resubmit_count,
  worker_id,
  lease_expires_at,
  scheduled_at,
  started_at,
  deadline,
  completed_at,
  created_at,
  updated_at
`

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	imageRefs, metadata, result   []byte
	lastError, progress, workerID sql.NullString
	leaseExpiresAt, startedAt     sql.NullTime
	deadline, completedAt         sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.Status,
		&d.imageRefs,
		&d.metadata,
		&job.TargetCount,
		&job.Repetitions,
		&d.result,
		&d.lastError,
		&d.progress,
		&job.RetryCount,
		&job.MaxRetries,
		&job.ResubmitCount,
		&d.workerID,
		&d.leaseExpiresAt,
		&job.ScheduledAt,
		&d.startedAt,
		&d.deadline,
		&d.completedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) error {
	if err := json.Unmarshal(d.imageRefs, &job.ImageRefs); err != nil {
		return fmt.Errorf("decode image_refs: %w", err)
	}
	if len(d.metadata) > 0 {
		job.Metadata = append(json.RawMessage(nil), d.metadata...)
	}
	if len(d.result) > 0 {
		var res model.AggregateResult
		if err := json.Unmarshal(d.result, &res); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		job.Result = &res
	}
	job.LastError = nullableString(d.lastError)
	job.Progress = nullableString(d.progress)
	job.WorkerID = nullableString(d.workerID)
	job.LeaseExpiresAt = nullableTime(d.leaseExpiresAt)
	job.StartedAt = nullableTime(d.startedAt)
	job.Deadline = nullableTime(d.deadline)
	job.CompletedAt = nullableTime(d.completedAt)
	job.ScheduledAt = job.ScheduledAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return nil
}

func scanJob(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}
	if err := data.apply(job); err != nil {
		return nil, err
	}
	return job, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
