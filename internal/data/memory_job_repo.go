package data

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/project-theia/theia-api/internal/core"
	"github.com/project-theia/theia-api/internal/domain/model"
)

// MemoryJobRepo is a process-local job store for single-node deployments
// and tests. It enforces the same conditional transitions as JobRepo.
type MemoryJobRepo struct {
	mu           sync.RWMutex
	jobs         map[string]*model.Job
	seq          map[string]uint64
	next         uint64
	wake         chan struct{}
	timeProvider TimeProvider
}

// NewMemoryJobRepo creates an empty in-memory store.
func NewMemoryJobRepo(tp TimeProvider) *MemoryJobRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &MemoryJobRepo{
		jobs:         make(map[string]*model.Job),
		seq:          make(map[string]uint64),
		wake:         make(chan struct{}),
		timeProvider: tp,
	}
}

// signalLocked wakes every WaitForNotification caller. Caller holds mu.
func (r *MemoryJobRepo) signalLocked() {
	close(r.wake)
	r.wake = make(chan struct{})
}

// before orders jobs by creation time, then insertion order.
func (r *MemoryJobRepo) before(a, b *model.Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return r.seq[a.ID] < r.seq[b.ID]
}

// afterCursor reports whether j sorts strictly after c. Caller holds mu.
func (r *MemoryJobRepo) afterCursor(j *model.Job, c *core.OrphanCursor) bool {
	if !j.CreatedAt.Equal(c.CreatedAt) {
		return j.CreatedAt.After(c.CreatedAt)
	}
	return r.seq[j.ID] > r.seq[c.ID]
}

// Create stores a new PENDING job.
func (r *MemoryJobRepo) Create(_ context.Context, params core.CreateJobParams) (*model.Job, error) {
	if len(params.ImageRefs) == 0 {
		return nil, model.ErrEmptyImageRefs
	}
	now := r.timeProvider.Now().UTC()
	progress := model.ProgressQueued
	job := &model.Job{
		ID:          uuid.NewString(),
		Status:      model.JobStatusPending,
		ImageRefs:   append([]string(nil), params.ImageRefs...),
		TargetCount: params.TargetCount,
		Repetitions: params.Repetitions,
		MaxRetries:  params.MaxRetries,
		Progress:    &progress,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(params.Metadata) > 0 {
		job.Metadata = append([]byte(nil), params.Metadata...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.seq[job.ID] = r.next
	r.jobs[job.ID] = job
	r.signalLocked()
	return job.Clone(), nil
}

// GetByID returns a copy of the job.
func (r *MemoryJobRepo) GetByID(_ context.Context, id string) (*model.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns jobs newest first, optionally filtered by status.
func (r *MemoryJobRepo) List(_ context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := max(opts.Offset, 0)

	r.mu.RLock()
	defer r.mu.RUnlock()
	matched := make([]*model.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if opts.Status != nil && j.Status != *opts.Status {
			continue
		}
		matched = append(matched, j)
	}
	slices.SortFunc(matched, func(a, b *model.Job) int {
		if r.before(a, b) {
			return 1
		}
		return -1
	})
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:min(offset+limit, len(matched))]
	out := make([]*model.Job, len(matched))
	for i, j := range matched {
		out[i] = j.Clone()
	}
	return out, nil
}

// Stats counts jobs per status.
func (r *MemoryJobRepo) Stats(_ context.Context) (*model.JobStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s model.JobStats
	for _, j := range r.jobs {
		switch j.Status {
		case model.JobStatusPending:
			s.Pending++
		case model.JobStatusProcessing:
			s.Processing++
		case model.JobStatusSuccess:
			s.Success++
		case model.JobStatusFailed:
			s.Failed++
		}
	}
	return &s, nil
}

// ReserveNext moves the oldest due PENDING job to PROCESSING for workerID.
func (r *MemoryJobRepo) ReserveNext(_ context.Context, workerID string, lease time.Duration) (*model.Job, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, ErrWorkerIDRequired
	}
	if lease <= 0 {
		return nil, errors.New("lease must be positive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.timeProvider.Now().UTC()

	var pick *model.Job
	for _, j := range r.jobs {
		if j.Status != model.JobStatusPending || j.ScheduledAt.After(now) {
			continue
		}
		if pick == nil || j.ScheduledAt.Before(pick.ScheduledAt) ||
			(j.ScheduledAt.Equal(pick.ScheduledAt) && r.before(j, pick)) {
			pick = j
		}
	}
	if pick == nil {
		return nil, model.ErrNoJobsAvailable
	}

	expires := now.Add(lease)
	started := now
	worker := workerID
	pick.Status = model.JobStatusProcessing
	pick.WorkerID = &worker
	pick.LeaseExpiresAt = &expires
	pick.StartedAt = &started
	pick.Deadline = nil
	pick.Progress = nil
	pick.UpdatedAt = now
	return pick.Clone(), nil
}

// WaitForNotification blocks until a job becomes PENDING or ctx ends.
func (r *MemoryJobRepo) WaitForNotification(ctx context.Context) error {
	r.mu.RLock()
	ch := r.wake
	r.mu.RUnlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepthAhead counts PENDING and PROCESSING jobs created before j.
func (r *MemoryJobRepo) QueueDepthAhead(_ context.Context, j *model.Job) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.jobs[j.ID]
	if !ok {
		ref = j
	}
	n := 0
	for _, other := range r.jobs {
		if other.ID == j.ID {
			continue
		}
		if other.Status != model.JobStatusPending && other.Status != model.JobStatusProcessing {
			continue
		}
		if other.CreatedAt.Before(ref.CreatedAt) {
			n++
		}
	}
	return n, nil
}

// owned returns the job when it is PROCESSING under workerID. Caller holds mu.
func (r *MemoryJobRepo) owned(id, workerID string) *model.Job {
	j, ok := r.jobs[id]
	if !ok || j.Status != model.JobStatusProcessing || j.WorkerID == nil || *j.WorkerID != workerID {
		return nil
	}
	return j
}

// SetDeadline records the execution deadline computed at dispatch.
func (r *MemoryJobRepo) SetDeadline(_ context.Context, id, workerID string, deadline time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.owned(id, workerID)
	if j == nil {
		return false, nil
	}
	d := deadline.UTC()
	j.Deadline = &d
	j.UpdatedAt = r.timeProvider.Now().UTC()
	return true, nil
}

// UpdateProgress stores a coarse progress marker.
func (r *MemoryJobRepo) UpdateProgress(_ context.Context, id, workerID, progress string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.owned(id, workerID)
	if j == nil {
		return false, nil
	}
	p := progress
	j.Progress = &p
	j.UpdatedAt = r.timeProvider.Now().UTC()
	return true, nil
}

// Heartbeat extends the worker's lease on a PROCESSING job.
func (r *MemoryJobRepo) Heartbeat(_ context.Context, id, workerID string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, errors.New("lease must be positive")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.owned(id, workerID)
	if j == nil {
		return false, nil
	}
	now := r.timeProvider.Now().UTC()
	expires := now.Add(lease)
	j.LeaseExpiresAt = &expires
	j.UpdatedAt = now
	return true, nil
}

// Complete stores the result and marks the job SUCCESS.
func (r *MemoryJobRepo) Complete(_ context.Context, id, workerID string, result *model.AggregateResult) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.owned(id, workerID)
	if j == nil {
		return false, nil
	}
	now := r.timeProvider.Now().UTC()
	j.Status = model.JobStatusSuccess
	j.Result = result.Clone()
	j.LastError = nil
	j.Progress = nil
	j.LeaseExpiresAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	return true, nil
}

// Fail records a failed attempt, scheduling a retry when allowed.
func (r *MemoryJobRepo) Fail(_ context.Context, id, workerID string, params core.FailParams) (model.JobStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.owned(id, workerID)
	if j == nil {
		return "", ErrJobNotOwned
	}
	now := r.timeProvider.Now().UTC()
	reason := params.Reason
	j.LastError = &reason
	j.WorkerID = nil
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now

	if params.Retry && j.RetryCount < j.MaxRetries {
		progress := model.ProgressRetryScheduled
		j.RetryCount++
		j.Status = model.JobStatusPending
		j.ScheduledAt = now.Add(max(params.Backoff, 0))
		j.CompletedAt = nil
		j.Deadline = nil
		j.Progress = &progress
		r.signalLocked()
		return j.Status, nil
	}

	j.Status = model.JobStatusFailed
	j.CompletedAt = &now
	j.Progress = nil
	return j.Status, nil
}

// Retry moves a FAILED job back to PENDING with a fresh retry budget.
func (r *MemoryJobRepo) Retry(_ context.Context, id string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.Status != model.JobStatusFailed {
		return nil, ErrJobNotRetryable
	}
	now := r.timeProvider.Now().UTC()
	progress := model.ProgressQueued
	j.Status = model.JobStatusPending
	j.RetryCount = 0
	j.ResubmitCount++
	j.Result = nil
	j.LastError = nil
	j.Progress = &progress
	j.WorkerID = nil
	j.LeaseExpiresAt = nil
	j.StartedAt = nil
	j.Deadline = nil
	j.CompletedAt = nil
	j.ScheduledAt = now
	j.UpdatedAt = now
	r.signalLocked()
	return j.Clone(), nil
}

// ListOrphanCandidates returns PROCESSING jobs past their deadline or the fallback ceiling.
func (r *MemoryJobRepo) ListOrphanCandidates(_ context.Context, q core.OrphanQuery) ([]*model.Job, error) {
	if q.Fallback <= 0 {
		return nil, errors.New("fallback ceiling must be positive")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	now := q.Now
	if now.IsZero() {
		now = r.timeProvider.Now()
	}
	cutoff := now.Add(-q.Fallback)

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Job
	for _, j := range r.jobs {
		if j.Status != model.JobStatusProcessing {
			continue
		}
		if q.After != nil && !r.afterCursor(j, q.After) {
			continue
		}
		pastDeadline := j.Deadline != nil && j.Deadline.Before(now)
		if pastDeadline || j.CreatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	slices.SortFunc(out, func(a, b *model.Job) int {
		if r.before(a, b) {
			return -1
		}
		return 1
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i, j := range out {
		out[i] = j.Clone()
	}
	return out, nil
}

// FailOrphaned fails the given jobs that are still PROCESSING.
func (r *MemoryJobRepo) FailOrphaned(_ context.Context, ids []string, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.timeProvider.Now().UTC()
	var n int64
	for _, id := range ids {
		j, ok := r.jobs[id]
		if !ok || j.Status != model.JobStatusProcessing {
			continue
		}
		msg := reason
		completed := now
		j.Status = model.JobStatusFailed
		j.LastError = &msg
		j.Progress = nil
		j.WorkerID = nil
		j.LeaseExpiresAt = nil
		j.CompletedAt = &completed
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

// PurgeTerminal deletes up to batchSize terminal jobs completed before olderThan.
func (r *MemoryJobRepo) PurgeTerminal(_ context.Context, olderThan time.Duration, batchSize int) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("purge age must be positive")
	}
	if batchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.timeProvider.Now().Add(-olderThan)
	var n int64
	for id, j := range r.jobs {
		if int(n) >= batchSize {
			break
		}
		if !j.Status.Terminal() {
			continue
		}
		finished := j.UpdatedAt
		if j.CompletedAt != nil {
			finished = *j.CompletedAt
		}
		if finished.Before(cutoff) {
			delete(r.jobs, id)
			delete(r.seq, id)
			n++
		}
	}
	return n, nil
}

// LeaseRegistry exposes the store's lease fields as an assignment registry.
func (r *MemoryJobRepo) LeaseRegistry() *MemoryLeaseRegistry {
	return &MemoryLeaseRegistry{repo: r}
}

// MemoryLeaseRegistry is the in-memory counterpart of LeaseRegistry.
type MemoryLeaseRegistry struct {
	repo *MemoryJobRepo
}

// Claim confirms workerID holds the job and stretches its lease to ttl.
func (l *MemoryLeaseRegistry) Claim(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error) {
	return l.Refresh(ctx, jobID, workerID, ttl)
}

// Refresh extends the lease when workerID still owns the job.
func (l *MemoryLeaseRegistry) Refresh(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error) {
	if err := validateAssignment(jobID, workerID); err != nil {
		return false, err
	}
	return l.repo.Heartbeat(ctx, jobID, workerID, normalizeTTL(ttl))
}

// Release is a no-op; Complete and Fail clear the lease.
func (l *MemoryLeaseRegistry) Release(_ context.Context, _, _ string) error {
	return nil
}

// Active returns owners whose lease has not expired.
func (l *MemoryLeaseRegistry) Active(_ context.Context, jobIDs []string) (map[string]string, error) {
	r := l.repo
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.timeProvider.Now()
	out := make(map[string]string, len(jobIDs))
	for _, id := range jobIDs {
		j, ok := r.jobs[id]
		if !ok || j.Status != model.JobStatusProcessing || j.WorkerID == nil || j.LeaseExpiresAt == nil {
			continue
		}
		if j.LeaseExpiresAt.After(now) {
			out[id] = *j.WorkerID
		}
	}
	return out, nil
}

var (
	_ core.JobRepository      = (*MemoryJobRepo)(nil)
	_ core.ReaperRepository   = (*MemoryJobRepo)(nil)
	_ core.PurgeRepository    = (*MemoryJobRepo)(nil)
	_ core.AssignmentRegistry = (*MemoryLeaseRegistry)(nil)
	_ core.JobRepository      = (*JobRepo)(nil)
	_ core.ReaperRepository   = (*JobRepo)(nil)
	_ core.PurgeRepository    = (*JobRepo)(nil)
	_ core.AssignmentRegistry = (*LeaseRegistry)(nil)
	_ core.AssignmentRegistry = (*RedisAssignmentRegistry)(nil)
)
