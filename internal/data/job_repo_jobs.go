package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/project-theia/theia-api/internal/core"
	"github.com/project-theia/theia-api/internal/data/pgxutil"
	"github.com/project-theia/theia-api/internal/domain/model"
	apperrors "github.com/project-theia/theia-api/internal/errors"
)

// prefixedJobColumns qualifies jobColumns with a table alias for RETURNING clauses.
func prefixedJobColumns(alias string) string {
	cols := strings.Split(jobColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// SQL used by ReserveNext to atomically reserve the oldest due job.
var reserveNextSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE status = 'PENDING' AND scheduled_at <= $1
    ORDER BY scheduled_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'PROCESSING',
    worker_id = $2,
    lease_expires_at = $3,
    started_at = $1,
    deadline = NULL,
    progress = NULL,
    updated_at = $1
  FROM cte
  WHERE j.id = cte.id
  RETURNING ` + prefixedJobColumns("j")

// Create inserts a PENDING job and signals idle workers in the same transaction.
func (r *JobRepo) Create(ctx context.Context, params core.CreateJobParams) (*model.Job, error) {
	if len(params.ImageRefs) == 0 {
		return nil, model.ErrEmptyImageRefs
	}
	refs, err := json.Marshal(params.ImageRefs)
	if err != nil {
		return nil, fmt.Errorf("marshal image refs: %w", err)
	}
	meta := []byte(`{}`)
	if len(params.Metadata) > 0 {
		meta = params.Metadata
	}

	now := r.timeProvider.Now().UTC()
	var job *model.Job
	err = pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `
				INSERT INTO jobs (id, status, image_refs, metadata, target_count, repetitions, max_retries,
				                  progress, scheduled_at, created_at, updated_at)
				VALUES ($1, 'PENDING', $2, $3, $4, $5, $6, $7, $8, $8, $8)
				RETURNING `+jobColumns,
				uuid.NewString(), refs, meta, params.TargetCount, params.Repetitions, params.MaxRetries,
				model.ProgressQueued, now,
			)
			var scanErr error
			if job, scanErr = scanJob(row); scanErr != nil {
				return fmt.Errorf("insert job: %w", apperrors.MapDBError(scanErr))
			}
			return notifyJobAdded(ctx, tx, job.ID)
		},
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func notifyJobAdded(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, jobAddedChannel, id); err != nil {
		return fmt.Errorf("send job notification: %w", err)
	}
	return nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", apperrors.MapDBError(err))
	}
	return job, nil
}

// List returns jobs newest first, optionally filtered by status.
func (r *JobRepo) List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := max(opts.Offset, 0)

	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if opts.Status != nil {
		query += ` WHERE status = $1`
		args = append(args, string(*opts.Status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", apperrors.MapDBError(err))
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan job: %w", scanErr)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// Stats counts jobs per status.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
		SELECT
		  count(*) FILTER (WHERE status = 'PENDING'),
		  count(*) FILTER (WHERE status = 'PROCESSING'),
		  count(*) FILTER (WHERE status = 'SUCCESS'),
		  count(*) FILTER (WHERE status = 'FAILED')
		FROM jobs
	`).Scan(&s.Pending, &s.Processing, &s.Success, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", apperrors.MapDBError(err))
	}
	return &s, nil
}

// ReserveNext moves the oldest due PENDING job to PROCESSING for workerID.
func (r *JobRepo) ReserveNext(ctx context.Context, workerID string, lease time.Duration) (*model.Job, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, ErrWorkerIDRequired
	}
	if lease <= 0 {
		return nil, errors.New("lease must be positive")
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now().UTC()
			row := tx.QueryRow(ctx, reserveNextSQL, now, workerID, now.Add(lease))
			j, err := scanJob(row)
			if errors.Is(err, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if err != nil {
				return fmt.Errorf("reserve job: %w", apperrors.MapDBError(err))
			}
			job = j
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// WaitForNotification blocks until a job_added notification arrives or ctx ends.
func (r *JobRepo) WaitForNotification(ctx context.Context) error {
	return pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		quoted := pgx.Identifier{jobAddedChannel}.Sanitize()
		if _, err := conn.Exec(ctx, "LISTEN "+quoted); err != nil {
			return fmt.Errorf("listen %s: %w", jobAddedChannel, err)
		}
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN "+quoted)
		}()
		_, err := conn.WaitForNotification(ctx)
		return err
	})
}

// QueueDepthAhead counts PENDING and PROCESSING jobs created before j.
func (r *JobRepo) QueueDepthAhead(ctx context.Context, j *model.Job) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `
		SELECT count(*) FROM jobs
		WHERE status IN ('PENDING', 'PROCESSING')
		  AND created_at < $1
		  AND id <> $2
	`, j.CreatedAt, j.ID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", apperrors.MapDBError(err))
	}
	return n, nil
}

// execOwned runs an UPDATE guarded by status = 'PROCESSING' AND worker_id = $2
// and reports whether a row changed.
func (r *JobRepo) execOwned(ctx context.Context, op, setClause string, id, workerID string, args ...any) (bool, error) {
	query := `UPDATE jobs SET ` + setClause + ` WHERE id = $1 AND status = 'PROCESSING' AND worker_id = $2`
	res, err := r.DB.ExecContext(ctx, query, append([]any{id, workerID}, args...)...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, apperrors.MapDBError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return n > 0, nil
}

// SetDeadline records the execution deadline computed at dispatch.
func (r *JobRepo) SetDeadline(ctx context.Context, id, workerID string, deadline time.Time) (bool, error) {
	return r.execOwned(ctx, "set deadline", `deadline = $3, updated_at = $4`,
		id, workerID, deadline.UTC(), r.timeProvider.Now().UTC())
}

// UpdateProgress stores a coarse progress marker.
func (r *JobRepo) UpdateProgress(ctx context.Context, id, workerID, progress string) (bool, error) {
	return r.execOwned(ctx, "update progress", `progress = $3, updated_at = $4`,
		id, workerID, progress, r.timeProvider.Now().UTC())
}

// Heartbeat extends the worker's lease on a PROCESSING job.
func (r *JobRepo) Heartbeat(ctx context.Context, id, workerID string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, errors.New("lease must be positive")
	}
	now := r.timeProvider.Now().UTC()
	return r.execOwned(ctx, "heartbeat", `lease_expires_at = $3, updated_at = $4`,
		id, workerID, now.Add(lease), now)
}

// Complete stores the result and marks the job SUCCESS.
func (r *JobRepo) Complete(ctx context.Context, id, workerID string, result *model.AggregateResult) (bool, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	now := r.timeProvider.Now().UTC()
	return r.execOwned(ctx, "complete job", `
		status = 'SUCCESS',
		result = $3,
		last_error = NULL,
		progress = NULL,
		lease_expires_at = NULL,
		completed_at = $4,
		updated_at = $4`,
		id, workerID, payload, now)
}

// Fail records a failed attempt. When params.Retry is set and the job still
// has retry budget the job returns to PENDING after params.Backoff and idle
// workers are notified; otherwise it becomes FAILED.
func (r *JobRepo) Fail(ctx context.Context, id, workerID string, params core.FailParams) (model.JobStatus, error) {
	now := r.timeProvider.Now().UTC()
	retryAt := now.Add(max(params.Backoff, 0))

	var status string
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			err := tx.QueryRowContext(ctx, `
				UPDATE jobs
				SET
				  last_error = $3,
				  retry_count = CASE WHEN $4::boolean AND retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
				  status = CASE WHEN $4::boolean AND retry_count < max_retries THEN 'PENDING' ELSE 'FAILED' END,
				  scheduled_at = CASE WHEN $4::boolean AND retry_count < max_retries THEN $5::timestamptz ELSE scheduled_at END,
				  completed_at = CASE WHEN $4::boolean AND retry_count < max_retries THEN NULL ELSE $6::timestamptz END,
				  deadline = CASE WHEN $4::boolean AND retry_count < max_retries THEN NULL ELSE deadline END,
				  progress = CASE WHEN $4::boolean AND retry_count < max_retries THEN $7::text ELSE NULL END,
				  worker_id = NULL,
				  lease_expires_at = NULL,
				  updated_at = $6
				WHERE id = $1 AND status = 'PROCESSING' AND worker_id = $2
				RETURNING status
			`, id, workerID, params.Reason, params.Retry, retryAt, now, model.ProgressRetryScheduled).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotOwned
			}
			if err != nil {
				return fmt.Errorf("fail job: %w", apperrors.MapDBError(err))
			}
			if model.JobStatus(status) != model.JobStatusPending {
				return nil
			}
			return notifyJobAdded(ctx, tx, id)
		},
	})
	if err != nil {
		return "", err
	}
	return model.JobStatus(status), nil
}

// Retry moves a FAILED job back to PENDING with its original inputs.
func (r *JobRepo) Retry(ctx context.Context, id string) (*model.Job, error) {
	now := r.timeProvider.Now().UTC()
	var job *model.Job
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `
				UPDATE jobs
				SET
				  status = 'PENDING',
				  retry_count = 0,
				  resubmit_count = resubmit_count + 1,
				  result = NULL,
				  last_error = NULL,
				  progress = $2,
				  worker_id = NULL,
				  lease_expires_at = NULL,
				  started_at = NULL,
				  deadline = NULL,
				  completed_at = NULL,
				  scheduled_at = $3,
				  updated_at = $3
				WHERE id = $1 AND status = 'FAILED'
				RETURNING `+jobColumns, id, model.ProgressQueued, now)
			j, err := scanJob(row)
			if errors.Is(err, sql.ErrNoRows) {
				return r.retryMissReason(ctx, tx, id)
			}
			if err != nil {
				return fmt.Errorf("retry job: %w", apperrors.MapDBError(err))
			}
			job = j
			return notifyJobAdded(ctx, tx, job.ID)
		},
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *JobRepo) retryMissReason(ctx context.Context, tx *sql.Tx, id string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", apperrors.MapDBError(err))
	}
	if !exists {
		return ErrJobNotFound
	}
	return ErrJobNotRetryable
}
