// Package model defines the core data types shared by the diagnostic job pipeline.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates a job is waiting to be dispatched.
	JobStatusPending JobStatus = "PENDING"
	// JobStatusProcessing indicates a worker currently owns the job.
	JobStatusProcessing JobStatus = "PROCESSING"
	// JobStatusSuccess indicates the job finished and carries a result.
	JobStatusSuccess JobStatus = "SUCCESS"
	// JobStatusFailed indicates the job ended with a recorded reason.
	JobStatusFailed JobStatus = "FAILED"
)

// Progress markers written by workers while a job is PROCESSING.
const (
	ProgressQueued            = "queued"
	ProgressLoadingModels     = "loading models"
	ProgressDownloadingImages = "downloading images"
	ProgressProcessingImages  = "processing images"
	ProgressEstimating        = "estimating density"
	ProgressRetryScheduled    = "retry scheduled"
)

// ErrNoJobsAvailable is returned when no jobs are available for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Valid returns true if the JobStatus is known.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusSuccess, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is SUCCESS or FAILED.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed
}

// ParseJobStatus accepts any casing of a status name.
func ParseJobStatus(v string) (JobStatus, error) {
	s := JobStatus(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("invalid job status: %q", v)
	}
	return s, nil
}

// Job is one submitted diagnostic batch and its lifecycle state.
type Job struct {
	ID             string           `json:"id"                         db:"id"`
	Status         JobStatus        `json:"status"                     db:"status"`
	ImageRefs      []string         `json:"image_refs"                 db:"image_refs"`
	Metadata       json.RawMessage  `json:"metadata,omitempty"         db:"metadata"`
	TargetCount    int              `json:"target_count"               db:"target_count"`
	Repetitions    int              `json:"repetitions"                db:"repetitions"`
	Result         *AggregateResult `json:"result,omitempty"           db:"result"`
	LastError      *string          `json:"last_error,omitempty"       db:"last_error"`
	Progress       *string          `json:"progress,omitempty"         db:"progress"`
	RetryCount     int              `json:"retry_count"                db:"retry_count"`
	MaxRetries     int              `json:"max_retries"                db:"max_retries"`
	ResubmitCount  int              `json:"resubmit_count"             db:"resubmit_count"`
	WorkerID       *string          `json:"worker_id,omitempty"        db:"worker_id"`
	LeaseExpiresAt *time.Time       `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	ScheduledAt    time.Time        `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"       db:"started_at"`
	Deadline       *time.Time       `json:"deadline,omitempty"         db:"deadline"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"     db:"completed_at"`
	CreatedAt      time.Time        `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"                 db:"updated_at"`
}

// Clone returns a deep copy so callers cannot alias store-owned state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.ImageRefs = append([]string(nil), j.ImageRefs...)
	if j.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), j.Metadata...)
	}
	if j.Result != nil {
		c.Result = j.Result.Clone()
	}
	c.LastError = cloneString(j.LastError)
	c.Progress = cloneString(j.Progress)
	c.WorkerID = cloneString(j.WorkerID)
	c.LeaseExpiresAt = cloneTime(j.LeaseExpiresAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.Deadline = cloneTime(j.Deadline)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CreateJobRequest represents a request to submit a new diagnostic batch.
type CreateJobRequest struct {
	ImageRefs   []string        `json:"image_refs"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	TargetCount *int            `json:"target_count,omitempty"`
	Repetitions *int            `json:"repetitions,omitempty"`
	MaxRetries  *int            `json:"max_retries,omitempty"`
}

// Validation errors returned by CreateJobRequest.Validate.
var (
	ErrEmptyImageRefs   = errors.New("at least one image reference is required")
	ErrBlankImageRef    = errors.New("image references must not be blank")
	ErrInvalidTarget    = errors.New("target count must be >= 0")
	ErrInvalidRepeats   = errors.New("repetitions must be >= 1")
	ErrInvalidRetries   = errors.New("max retries must be >= 0")
	ErrMetadataNotAnObj = errors.New("metadata must be a JSON object")
)

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if len(r.ImageRefs) == 0 {
		return ErrEmptyImageRefs
	}
	for _, ref := range r.ImageRefs {
		if strings.TrimSpace(ref) == "" {
			return ErrBlankImageRef
		}
	}
	if r.TargetCount != nil && *r.TargetCount < 0 {
		return ErrInvalidTarget
	}
	if r.Repetitions != nil && *r.Repetitions < 1 {
		return ErrInvalidRepeats
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return ErrInvalidRetries
	}
	if len(r.Metadata) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(r.Metadata, &obj); err != nil {
			return ErrMetadataNotAnObj
		}
	}
	return nil
}

// JobStatusResponse is the answer to a status query.
type JobStatusResponse struct {
	ID       string    `json:"id"`
	Status   JobStatus `json:"status"`
	Progress *string   `json:"progress,omitempty"`
}

// JobResultResponse is the answer to a result query.
type JobResultResponse struct {
	ID     string           `json:"id"`
	Status JobStatus        `json:"status"`
	Result *AggregateResult `json:"result"`
	Error  *string          `json:"error"`
}

// JobStats counts jobs per status.
type JobStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Success    int `json:"success"`
	Failed     int `json:"failed"`
}

// JobListOptions filters job listings.
type JobListOptions struct {
	Status *JobStatus
	Limit  int
	Offset int
}
