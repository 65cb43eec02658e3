package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/project-theia/theia-api/internal/core"
	"github.com/project-theia/theia-api/internal/domain/model"
	"github.com/project-theia/theia-api/internal/testutil"
)

func TestJobRepo_CreateAndGet(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		params := testutil.NewJobRequest().
			WithNumberedImages("s3://slides/case-7", 4).
			WithMetadataString(`{"patient":"p-7"}`).
			WithTargetCount(500).
			Params()
		job, err := repo.Create(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, job.Status)
		assert.Equal(t, params.ImageRefs, job.ImageRefs)
		assert.Equal(t, 500, job.TargetCount)
		assert.Equal(t, 3, job.MaxRetries)

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ImageRefs, got.ImageRefs)
		assert.JSONEq(t, `{"patient":"p-7"}`, string(got.Metadata))
		assert.Nil(t, got.Result)

		_, err = repo.GetByID(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobRepo_ReserveCompleteLifecycle(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		clock := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRepo(db, RepoConfig{TimeProvider: clock})
		ctx := context.Background()

		first, err := repo.Create(ctx, testutil.NewJobRequest().Params())
		require.NoError(t, err)
		clock.AddTime(time.Second)
		second, err := repo.Create(ctx, testutil.NewJobRequest().Params())
		require.NoError(t, err)

		reserved, err := repo.ReserveNext(ctx, "w1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, first.ID, reserved.ID)
		assert.Equal(t, model.JobStatusProcessing, reserved.Status)

		depth, err := repo.QueueDepthAhead(ctx, second)
		require.NoError(t, err)
		assert.Equal(t, 1, depth)

		deadline := clock.Now().Add(23 * time.Minute)
		ok, err := repo.SetDeadline(ctx, first.ID, "w1", deadline)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.UpdateProgress(ctx, first.ID, "someone-else", model.ProgressEstimating)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = repo.Heartbeat(ctx, first.ID, "w1", 2*time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		result := &model.AggregateResult{
			PercentageMean: 12.5,
			DensityMean:    125,
			StageAverages:  map[string]int{"trophozoite": 3},
			Repetitions:    1,
			TargetCount:    1000,
		}
		ok, err = repo.Complete(ctx, first.ID, "w1", result)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := repo.GetByID(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusSuccess, got.Status)
		require.NotNil(t, got.Result)
		assert.InDelta(t, 12.5, got.Result.PercentageMean, 1e-9)
		assert.Equal(t, 3, got.Result.StageAverages["trophozoite"])
		require.NotNil(t, got.Deadline)
		assert.True(t, got.Deadline.Equal(deadline))
		assert.NotNil(t, got.CompletedAt)

		stats, err := repo.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.JobStats{Pending: 1, Success: 1}, *stats)
	})
}

func TestJobRepo_FailAndRetry(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		clock := NewFixedTimeProvider(testutil.TestTime())
		repo := NewJobRepo(db, RepoConfig{TimeProvider: clock})
		ctx := context.Background()

		job, err := repo.Create(ctx, testutil.NewJobRequest().WithMaxRetries(1).Params())
		require.NoError(t, err)

		_, err = repo.ReserveNext(ctx, "w1", time.Minute)
		require.NoError(t, err)
		status, err := repo.Fail(ctx, job.ID, "w1", core.FailParams{Reason: "timeout talking to store", Retry: true, Backoff: 30 * time.Second})
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, status)

		_, err = repo.ReserveNext(ctx, "w1", time.Minute)
		assert.ErrorIs(t, err, model.ErrNoJobsAvailable, "backoff not elapsed")

		clock.AddTime(time.Minute)
		_, err = repo.ReserveNext(ctx, "w1", time.Minute)
		require.NoError(t, err)
		status, err = repo.Fail(ctx, job.ID, "w1", core.FailParams{Reason: "timeout talking to store", Retry: true})
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, status)

		_, err = repo.Fail(ctx, job.ID, "w1", core.FailParams{Reason: "late"})
		assert.ErrorIs(t, err, ErrJobNotOwned)

		retried, err := repo.Retry(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, retried.Status)
		assert.Equal(t, 0, retried.RetryCount)
		assert.Equal(t, 1, retried.ResubmitCount)
		assert.Nil(t, retried.LastError)

		_, err = repo.Retry(ctx, job.ID)
		assert.ErrorIs(t, err, ErrJobNotRetryable)
		_, err = repo.Retry(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestJobRepo_ConcurrentReserve(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()

		const jobs = 10
		for range jobs {
			_, err := repo.Create(ctx, testutil.NewJobRequest().Params())
			require.NoError(t, err)
		}

		ids := make(chan string, jobs*2)
		runner := testutil.NewConcurrentTestRunner(t, db)
		var funcs []func() error
		for w := range 5 {
			worker := []string{"a", "b", "c", "d", "e"}[w]
			funcs = append(funcs, func() error {
				for {
					j, err := repo.ReserveNext(ctx, worker, time.Minute)
					if err != nil {
						if err == model.ErrNoJobsAvailable {
							return nil
						}
						return err
					}
					ids <- j.ID
				}
			})
		}
		runner.AssertNoErrors(runner.RunConcurrent(funcs...))
		close(ids)

		seen := map[string]bool{}
		for id := range ids {
			assert.False(t, seen[id], "job %s reserved twice", id)
			seen[id] = true
		}
		assert.Len(t, seen, jobs)
	})
}

func TestJobRepo_WaitForNotification(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})

		done := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			done <- repo.WaitForNotification(ctx)
		}()

		assert.Eventually(t, func() bool {
			_, _ = repo.Create(context.Background(), testutil.NewJobRequest().Params())
			select {
			case err := <-done:
				return err == nil
			default:
				return false
			}
		}, 4*time.Second, 100*time.Millisecond)
	})
}

func TestJobRepo_FailWithRetryNotifies(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		ctx := context.Background()
		job, err := repo.Create(ctx, testutil.NewJobRequest().WithMaxRetries(100).Params())
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			done <- repo.WaitForNotification(wctx)
		}()

		// Only Fail runs inside the loop, so a wakeup can only come from the retry.
		assert.Eventually(t, func() bool {
			if _, err := repo.ReserveNext(ctx, "w1", time.Minute); err != nil {
				return false
			}
			status, err := repo.Fail(ctx, job.ID, "w1", core.FailParams{Reason: "connection reset", Retry: true})
			if err != nil || status != model.JobStatusPending {
				return false
			}
			select {
			case err := <-done:
				return err == nil
			default:
				return false
			}
		}, 4*time.Second, 100*time.Millisecond)
	})
}

func TestLeaseRegistry_Active(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		clock := NewFixedTimeProvider(time.Now().UTC())
		repo := NewJobRepo(db, RepoConfig{TimeProvider: clock})
		reg := NewLeaseRegistry(db, clock)
		ctx := context.Background()

		job, err := repo.Create(ctx, testutil.NewJobRequest().Params())
		require.NoError(t, err)
		_, err = repo.ReserveNext(ctx, "w1", time.Minute)
		require.NoError(t, err)

		ok, err := reg.Claim(ctx, job.ID, "w1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = reg.Refresh(ctx, job.ID, "w2", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		active, err := reg.Active(ctx, []string{job.ID})
		require.NoError(t, err)
		assert.Equal(t, "w1", active[job.ID])

		clock.AddTime(5 * time.Minute)
		active, err = reg.Active(ctx, []string{job.ID})
		require.NoError(t, err)
		assert.Empty(t, active)
	})
}
