package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/project-theia/theia-api/internal/core"
	"github.com/project-theia/theia-api/internal/data/pgxutil"
	"github.com/project-theia/theia-api/internal/domain/model"
	apperrors "github.com/project-theia/theia-api/internal/errors"
)

// Advisory lock namespace for sweep operations. Two-arg
// pg_try_advisory_xact_lock(major, minor) keeps concurrent reapers apart.
const (
	advisoryLockReaperMajor        = 1000
	advisoryLockReaperFailOrphaned = 1
	advisoryLockReaperPurge        = 2
)

// ListOrphanCandidates returns PROCESSING jobs whose deadline has passed or
// whose age exceeds the fallback ceiling, oldest first, resuming after
// q.After when set.
func (r *JobRepo) ListOrphanCandidates(ctx context.Context, q core.OrphanQuery) ([]*model.Job, error) {
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

	var afterAt, afterID any
	if q.After != nil {
		afterAt, afterID = q.After.CreatedAt.UTC(), q.After.ID
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'PROCESSING'
		  AND ((deadline IS NOT NULL AND deadline < $1) OR created_at < $2)
		  AND ($4::timestamptz IS NULL OR (created_at, id) > ($4::timestamptz, $5::uuid))
		ORDER BY created_at, id
		LIMIT $3
	`, now.UTC(), now.Add(-q.Fallback).UTC(), limit, afterAt, afterID)
	if err != nil {
		return nil, fmt.Errorf("list orphan candidates: %w", apperrors.MapDBError(err))
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan orphan candidate: %w", scanErr)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphan candidates: %w", err)
	}
	return jobs, nil
}

// FailOrphaned marks the given jobs FAILED when they are still PROCESSING.
// Jobs that already reached a terminal state are untouched, so repeated
// sweeps are idempotent.
func (r *JobRepo) FailOrphaned(ctx context.Context, ids []string, reason string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var affected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockReaperMajor, advisoryLockReaperFailOrphaned).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			now := r.timeProvider.Now().UTC()
			res, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = 'FAILED',
				    last_error = $2,
				    progress = NULL,
				    worker_id = NULL,
				    lease_expires_at = NULL,
				    completed_at = $3,
				    updated_at = $3
				WHERE id = ANY($1::uuid[]) AND status = 'PROCESSING'
			`, ids, reason, now)
			if err != nil {
				return fmt.Errorf("fail orphaned jobs: %w", apperrors.MapDBError(err))
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			affected = n
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// PurgeTerminal deletes SUCCESS and FAILED jobs completed before olderThan,
// at most batchSize per call. It backs the operator purge command; no
// pipeline component deletes jobs.
func (r *JobRepo) PurgeTerminal(ctx context.Context, olderThan time.Duration, batchSize int) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("purge age must be positive")
	}
	if batchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	var affected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
				advisoryLockReaperMajor, advisoryLockReaperPurge).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			cutoff := r.timeProvider.Now().Add(-olderThan).UTC()
			res, err := tx.ExecContext(ctx, `
				DELETE FROM jobs
				WHERE id IN (
					SELECT id FROM jobs
					WHERE status IN ('SUCCESS', 'FAILED')
					  AND COALESCE(completed_at, updated_at) < $1
					ORDER BY COALESCE(completed_at, updated_at)
					LIMIT $2
				)
			`, cutoff, batchSize)
			if err != nil {
				return fmt.Errorf("purge jobs: %w", apperrors.MapDBError(err))
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			affected = n
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}
