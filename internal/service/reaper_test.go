package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/project-theia/theia-api/config"
	"github.com/project-theia/theia-api/internal/core"
	"github.com/project-theia/theia-api/internal/data"
	"github.com/project-theia/theia-api/internal/domain/model"
	"github.com/project-theia/theia-api/internal/mocks"
	"github.com/project-theia/theia-api/internal/observability/statsd"
	"github.com/project-theia/theia-api/internal/testutil"
)

func reaperConfig() config.ReaperConfig {
	return config.ReaperConfig{Interval: time.Minute, Fallback: 2 * time.Hour, BatchSize: 100}
}

type reaperFixture struct {
	clock *data.FixedTimeProvider
	repo  *data.MemoryJobRepo
	svc   *ReaperService
	rec   *statsd.Recorder
}

func newReaperFixture(t *testing.T) *reaperFixture {
	t.Helper()
	clock := data.NewFixedTimeProvider(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	repo := data.NewMemoryJobRepo(clock)
	rec := statsd.NewRecorder()
	svc, err := NewReaperService(ReaperServiceOptions{
		Repo:     repo,
		Registry: repo.LeaseRegistry(),
		Config:   reaperConfig(),
		Metrics:  rec,
		Now:      clock.Now,
	})
	require.NoError(t, err)
	return &reaperFixture{clock: clock, repo: repo, svc: svc, rec: rec}
}

func (f *reaperFixture) reserve(t *testing.T, workerID string) *model.Job {
	t.Helper()
	ctx := context.Background()
	_, err := f.repo.Create(ctx, testutil.NewJobRequest().Params())
	require.NoError(t, err)
	job, err := f.repo.ReserveNext(ctx, workerID, time.Minute)
	require.NoError(t, err)
	return job
}

func TestNewReaperServiceRequiresDeps(t *testing.T) {
	repo := data.NewMemoryJobRepo(nil)

	_, err := NewReaperService(ReaperServiceOptions{Registry: repo.LeaseRegistry()})
	require.Error(t, err)

	_, err = NewReaperService(ReaperServiceOptions{Repo: repo})
	require.Error(t, err)
}

func TestReaperSweepFailsOrphansOnce(t *testing.T) {
	f := newReaperFixture(t)
	ctx := context.Background()

	pastDeadline := f.reserve(t, "w1")
	stale := f.reserve(t, "w2")
	alive := f.reserve(t, "w3")

	ok, err := f.repo.SetDeadline(ctx, pastDeadline.ID, "w1", f.clock.Now().Add(10*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.AddTime(3 * time.Hour)
	ok, err = f.repo.Heartbeat(ctx, alive.ID, "w3", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Examined)
	assert.Equal(t, 1, res.Live)
	assert.Equal(t, int64(2), res.Failed)

	got, err := f.repo.GetByID(ctx, pastDeadline.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "orphaned: deadline")

	got, err = f.repo.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Contains(t, *got.LastError, "orphaned: processing longer than 2h0m0s")

	got, err = f.repo.GetByID(ctx, alive.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, got.Status)

	again, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.Failed)
	assert.Equal(t, 1, again.Examined)
}

func TestReaperSweepIgnoresYoungJobs(t *testing.T) {
	f := newReaperFixture(t)
	job := f.reserve(t, "w1")

	// Lease expired, but neither deadline nor fallback has passed.
	f.clock.AddTime(30 * time.Minute)

	res, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Examined)

	got, err := f.repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, got.Status)
}

func TestReaperSweepPagesPastLiveBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockReaperRepository(ctrl)
	registry := mocks.NewMockAssignmentRegistry(ctrl)

	cfg := reaperConfig()
	cfg.BatchSize = 2
	svc, err := NewReaperService(ReaperServiceOptions{Repo: repo, Registry: registry, Config: cfg})
	require.NoError(t, err)

	t0 := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	first := []*model.Job{{ID: "a", CreatedAt: t0}, {ID: "b", CreatedAt: t0}}
	second := []*model.Job{{ID: "c", CreatedAt: t0.Add(time.Minute)}}
	gomock.InOrder(
		repo.EXPECT().
			ListOrphanCandidates(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, q core.OrphanQuery) ([]*model.Job, error) {
				assert.Equal(t, 2, q.Limit)
				assert.Equal(t, 2*time.Hour, q.Fallback)
				assert.Nil(t, q.After)
				return first, nil
			}),
		registry.EXPECT().
			Active(gomock.Any(), []string{"a", "b"}).
			Return(map[string]string{"a": "w1", "b": "w2"}, nil),
		repo.EXPECT().
			ListOrphanCandidates(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, q core.OrphanQuery) ([]*model.Job, error) {
				require.NotNil(t, q.After)
				assert.Equal(t, core.OrphanCursor{CreatedAt: t0, ID: "b"}, *q.After)
				return second, nil
			}),
		registry.EXPECT().
			Active(gomock.Any(), []string{"c"}).
			Return(map[string]string{}, nil),
		repo.EXPECT().
			FailOrphaned(gomock.Any(), []string{"c"}, gomock.Any()).
			Return(int64(1), nil),
	)

	res, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Examined)
	assert.Equal(t, 2, res.Live)
	assert.Equal(t, int64(1), res.Failed)
}

func TestReaperSweepReachesOrphanBehindLiveJobs(t *testing.T) {
	f := newReaperFixture(t)
	ctx := context.Background()

	cfg := reaperConfig()
	cfg.BatchSize = 2
	svc, err := NewReaperService(ReaperServiceOptions{
		Repo: f.repo, Registry: f.repo.LeaseRegistry(), Config: cfg, Now: f.clock.Now,
	})
	require.NoError(t, err)

	busy1 := f.reserve(t, "w1")
	busy2 := f.reserve(t, "w2")
	f.clock.AddTime(time.Minute)
	dead := f.reserve(t, "w3")

	f.clock.AddTime(3 * time.Hour)
	for _, j := range []struct{ id, worker string }{{busy1.ID, "w1"}, {busy2.ID, "w2"}} {
		ok, err := f.repo.Heartbeat(ctx, j.id, j.worker, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}

	res, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Examined)
	assert.Equal(t, 2, res.Live)
	assert.Equal(t, int64(1), res.Failed)

	got, err := f.repo.GetByID(ctx, dead.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	got, err = f.repo.GetByID(ctx, busy1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, got.Status)
}

func TestReaperSweepPropagatesErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockReaperRepository(ctrl)
	registry := mocks.NewMockAssignmentRegistry(ctrl)
	rec := statsd.NewRecorder()

	svc, err := NewReaperService(ReaperServiceOptions{
		Repo: repo, Registry: registry, Config: reaperConfig(), Metrics: rec,
	})
	require.NoError(t, err)

	repo.EXPECT().
		ListOrphanCandidates(gomock.Any(), gomock.Any()).
		Return([]*model.Job{{ID: "a"}}, nil)
	registry.EXPECT().
		Active(gomock.Any(), gomock.Any()).
		Return(nil, errors.New("redis down"))

	_, err = svc.sweepWithMetrics(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load active assignments")

	sweeps := rec.Named("reaper.sweep")
	require.Len(t, sweeps, 1)
	assert.Equal(t, "error", sweeps[0].Tags["result"])
	assert.Empty(t, rec.Named("reaper.last_success_epoch"))
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	f := newReaperFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.svc.Run(ctx))
	assert.Len(t, f.rec.Named("reaper.sweep"), 1)
}
