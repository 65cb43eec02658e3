package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/project-theia/theia-api/internal/errors"
)

// LeaseRegistry is the Postgres assignment registry. Ownership lives on the
// job row itself: worker_id plus lease_expires_at, written by ReserveNext and
// extended by heartbeats.
type LeaseRegistry struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewLeaseRegistry creates a LeaseRegistry over the jobs table.
func NewLeaseRegistry(db *sql.DB, tp TimeProvider) *LeaseRegistry {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &LeaseRegistry{DB: db, timeProvider: tp}
}

// Claim confirms workerID holds the job and stretches its lease to ttl.
func (r *LeaseRegistry) Claim(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error) {
	return r.Refresh(ctx, jobID, workerID, ttl)
}

// Refresh extends the lease when workerID still owns the job.
func (r *LeaseRegistry) Refresh(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error) {
	if jobID == "" {
		return false, ErrJobIDRequired
	}
	if workerID == "" {
		return false, ErrWorkerIDRequired
	}
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = $3, updated_at = $4
		WHERE id = $1 AND status = 'PROCESSING' AND worker_id = $2
	`, jobID, workerID, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("refresh lease: %w", apperrors.MapDBError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("refresh lease rows affected: %w", err)
	}
	return n > 0, nil
}

// Release is a no-op; Complete and Fail clear the lease columns.
func (r *LeaseRegistry) Release(_ context.Context, _, _ string) error {
	return nil
}

// Active returns the owners of the given PROCESSING jobs whose lease has not expired.
func (r *LeaseRegistry) Active(ctx context.Context, jobIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(jobIDs))
	if len(jobIDs) == 0 {
		return out, nil
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, worker_id FROM jobs
		WHERE id = ANY($1::uuid[])
		  AND status = 'PROCESSING'
		  AND worker_id IS NOT NULL
		  AND lease_expires_at > $2
	`, jobIDs, r.timeProvider.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("active leases: %w", apperrors.MapDBError(err))
	}
	defer rows.Close()

	for rows.Next() {
		var id, worker string
		if err := rows.Scan(&id, &worker); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		out[id] = worker
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leases: %w", err)
	}
	return out, nil
}
