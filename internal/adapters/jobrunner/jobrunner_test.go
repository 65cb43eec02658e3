package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/project-theia/theia-api/internal/core"
	"github.com/project-theia/theia-api/internal/data"
	"github.com/project-theia/theia-api/internal/domain/density"
	domainjob "github.com/project-theia/theia-api/internal/domain/job"
	"github.com/project-theia/theia-api/internal/domain/model"
	"github.com/project-theia/theia-api/internal/observability/statsd"
	"github.com/project-theia/theia-api/internal/service"
	"github.com/project-theia/theia-api/internal/testutil"
)

type handlerFunc func(ctx context.Context, exec *service.Execution) (*model.AggregateResult, error)

func (f handlerFunc) Handle(ctx context.Context, exec *service.Execution) (*model.AggregateResult, error) {
	return f(ctx, exec)
}

type countingFactory struct{ builds atomic.Int32 }

func (f *countingFactory) Build(context.Context) (density.Detectors, error) {
	f.builds.Add(1)
	noop := density.DetectorFunc(nil)
	return density.Detectors{Positive: noop, Reference: noop}, nil
}

type harness struct {
	repo    *data.MemoryJobRepo
	jobs    *service.JobService
	factory *countingFactory
	rec     *statsd.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := data.NewMemoryJobRepo(nil)
	jobs, err := service.NewJobService(service.JobServiceOptions{
		Repo:            repo,
		DefaultLease:    30 * time.Second,
		Defaults:        service.JobDefaults{TargetCount: 100, Repetitions: 1, MaxRetries: 3},
		NotifierOptions: domainjob.NotifierOptions{WaitWindow: 50 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(jobs.StopAllListeners)
	return &harness{repo: repo, jobs: jobs, factory: &countingFactory{}, rec: statsd.NewRecorder()}
}

func (h *harness) runner(t *testing.T, handler Handler, mutate ...func(*RunnerOptions)) *Runner {
	t.Helper()
	opts := RunnerOptions{
		Jobs:         h.jobs,
		Handler:      handler,
		Detectors:    h.factory,
		Registry:     h.repo.LeaseRegistry(),
		Metrics:      h.rec,
		WorkerID:     "test",
		Concurrency:  1,
		PollInterval: 10 * time.Millisecond,
		Deadlines:    domainjob.DeadlinePlanner{Base: 20 * time.Minute, PerTaskAhead: 3 * time.Minute},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	r, err := NewRunner(opts)
	require.NoError(t, err)
	return r
}

// start runs r until the test ends and returns a func that stops it and
// reports Run's error.
func start(t *testing.T, r *Runner) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(5 * time.Second):
				runErr = errors.New("runner did not stop")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func (h *harness) submit(t *testing.T, b *testutil.JobRequestBuilder) *model.Job {
	t.Helper()
	job, err := h.jobs.Submit(context.Background(), b.Build())
	require.NoError(t, err)
	return job
}

func (h *harness) waitForStatus(t *testing.T, id string, want model.JobStatus) *model.Job {
	t.Helper()
	var got *model.Job
	require.Eventually(t, func() bool {
		j, err := h.jobs.GetByID(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return got
}

func okResult() *model.AggregateResult {
	return &model.AggregateResult{PercentageMean: 1.5, Repetitions: 1, ImagesProcessedPerRun: []int{1}}
}

func TestNewRunnerRequiresDeps(t *testing.T) {
	h := newHarness(t)
	_, err := NewRunner(RunnerOptions{Handler: handlerFunc(nil), Detectors: h.factory, Registry: h.repo.LeaseRegistry()})
	require.Error(t, err)
	_, err = NewRunner(RunnerOptions{Jobs: h.jobs, Detectors: h.factory, Registry: h.repo.LeaseRegistry()})
	require.Error(t, err)
}

func TestRunnerCompletesJob(t *testing.T) {
	h := newHarness(t)
	var seen []string
	var deadline time.Time
	var mu sync.Mutex

	handler := handlerFunc(func(ctx context.Context, exec *service.Execution) (*model.AggregateResult, error) {
		mu.Lock()
		deadline = exec.Deadline.At
		mu.Unlock()
		exec.Progress(ctx, model.ProgressLoadingModels)
		if _, err := exec.Models.Acquire(ctx); err != nil {
			return nil, err
		}
		j, err := h.jobs.GetByID(ctx, exec.Job.ID)
		if err == nil && j.Progress != nil {
			mu.Lock()
			seen = append(seen, *j.Progress)
			mu.Unlock()
		}
		return okResult(), nil
	})

	stop := start(t, h.runner(t, handler))
	before := time.Now()
	job := h.submit(t, testutil.NewJobRequest())

	done := h.waitForStatus(t, job.ID, model.JobStatusSuccess)
	require.NotNil(t, done.Result)
	assert.InDelta(t, 1.5, done.Result.PercentageMean, 1e-9)
	require.NotNil(t, done.Deadline)
	require.NoError(t, stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{model.ProgressLoadingModels}, seen)
	assert.WithinDuration(t, before.Add(20*time.Minute), deadline, 5*time.Second)
	assert.NotEmpty(t, h.rec.Named("job.transition"))
}

func TestRunnerRetriesTransientFailure(t *testing.T) {
	h := newHarness(t)
	var attempts atomic.Int32
	handler := handlerFunc(func(context.Context, *service.Execution) (*model.AggregateResult, error) {
		if attempts.Add(1) == 1 {
			return nil, domainjob.TransientError("download", errors.New("connection reset"))
		}
		return okResult(), nil
	})
	start(t, h.runner(t, handler))

	job := h.submit(t, testutil.NewJobRequest())
	done := h.waitForStatus(t, job.ID, model.JobStatusSuccess)
	assert.Equal(t, 1, done.RetryCount)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestRunnerInputErrorIsTerminal(t *testing.T) {
	h := newHarness(t)
	var attempts atomic.Int32
	handler := handlerFunc(func(context.Context, *service.Execution) (*model.AggregateResult, error) {
		attempts.Add(1)
		return nil, domainjob.Inputf("image processing", "no readable images")
	})
	start(t, h.runner(t, handler))

	job := h.submit(t, testutil.NewJobRequest())
	failed := h.waitForStatus(t, job.ID, model.JobStatusFailed)
	require.NotNil(t, failed.LastError)
	assert.Contains(t, *failed.LastError, "no readable images")
	assert.Equal(t, 0, failed.RetryCount)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRunnerRecoversPanic(t *testing.T) {
	h := newHarness(t)
	handler := handlerFunc(func(context.Context, *service.Execution) (*model.AggregateResult, error) {
		panic("detector segfault")
	})
	start(t, h.runner(t, handler))

	job := h.submit(t, testutil.NewJobRequest().WithMaxRetries(0))
	failed := h.waitForStatus(t, job.ID, model.JobStatusFailed)
	require.NotNil(t, failed.LastError)
	assert.Contains(t, *failed.LastError, "panic: detector segfault")
	assert.Contains(t, *failed.LastError, "transient")
}

func TestRunnerMemoryErrorRetriedOnce(t *testing.T) {
	h := newHarness(t)
	var attempts atomic.Int32
	handler := handlerFunc(func(context.Context, *service.Execution) (*model.AggregateResult, error) {
		attempts.Add(1)
		return nil, domainjob.MemoryError("model load", errors.New("below floor"))
	})
	start(t, h.runner(t, handler))

	job := h.submit(t, testutil.NewJobRequest())
	failed := h.waitForStatus(t, job.ID, model.JobStatusFailed)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestRunnerRebuildsModelsAfterMaxJobs(t *testing.T) {
	h := newHarness(t)
	handler := handlerFunc(func(ctx context.Context, exec *service.Execution) (*model.AggregateResult, error) {
		if _, err := exec.Models.Acquire(ctx); err != nil {
			return nil, err
		}
		return okResult(), nil
	})
	start(t, h.runner(t, handler, func(o *RunnerOptions) { o.MaxJobs = 1 }))

	first := h.submit(t, testutil.NewJobRequest())
	h.waitForStatus(t, first.ID, model.JobStatusSuccess)
	second := h.submit(t, testutil.NewJobRequest())
	h.waitForStatus(t, second.ID, model.JobStatusSuccess)

	assert.Equal(t, int32(2), h.factory.builds.Load())
}

func TestRunnerSkipsJobsAlreadyFailedByReaper(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	handler := handlerFunc(func(ctx context.Context, exec *service.Execution) (*model.AggregateResult, error) {
		_, err := h.repo.FailOrphaned(ctx, []string{exec.Job.ID}, "orphaned: test")
		if err != nil {
			return nil, err
		}
		close(release)
		return okResult(), nil
	})
	start(t, h.runner(t, handler))

	job := h.submit(t, testutil.NewJobRequest())
	<-release
	failed := h.waitForStatus(t, job.ID, model.JobStatusFailed)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "orphaned: test", *failed.LastError)
	assert.Nil(t, failed.Result)
}

func TestRunnerShutdownRequeuesInFlightJob(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	handler := handlerFunc(func(ctx context.Context, exec *service.Execution) (*model.AggregateResult, error) {
		close(started)
		<-ctx.Done()
		// Mirrors the diagnosis handler, which reports estimator aborts as internal errors.
		return nil, &domainjob.Error{
			Kind:  domainjob.KindInternal,
			Stage: service.StageEstimation,
			Err:   fmt.Errorf("repetition 1: %w", ctx.Err()),
		}
	})
	stop := start(t, h.runner(t, handler))

	job := h.submit(t, testutil.NewJobRequest())
	<-started
	require.NoError(t, stop())

	got, err := h.jobs.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "context canceled")
}

// refusingRegistry reports the first claim as held elsewhere.
type refusingRegistry struct {
	core.AssignmentRegistry
	refused atomic.Bool
}

func (r *refusingRegistry) Claim(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error) {
	if r.refused.CompareAndSwap(false, true) {
		return false, nil
	}
	return r.AssignmentRegistry.Claim(ctx, jobID, workerID, ttl)
}

func TestRunnerReleasesJobWhenClaimRefused(t *testing.T) {
	h := newHarness(t)
	registry := &refusingRegistry{AssignmentRegistry: h.repo.LeaseRegistry()}
	var attempts atomic.Int32
	handler := handlerFunc(func(context.Context, *service.Execution) (*model.AggregateResult, error) {
		attempts.Add(1)
		return okResult(), nil
	})
	start(t, h.runner(t, handler, func(o *RunnerOptions) { o.Registry = registry }))

	job := h.submit(t, testutil.NewJobRequest())
	done := h.waitForStatus(t, job.ID, model.JobStatusSuccess)
	assert.Equal(t, 1, done.RetryCount)
	assert.Equal(t, int32(1), attempts.Load())
}
