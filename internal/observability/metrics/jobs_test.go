package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/project-theia/theia-api/internal/observability/statsd"
)

func TestEmitJobLifecycleFailure(t *testing.T) {
	rec := statsd.NewRecorder()
	EmitJobLifecycle(rec, JobMetric{
		Transition:  TransitionFailed,
		Result:      ResultError,
		FailureKind: "timeout",
		Duration:    2 * time.Second,
		Err:         errors.New("deadline"),
	})

	counts := rec.Named("job.transition")
	require.Len(t, counts, 1)
	assert.Equal(t, "timeout", counts[0].Tags["failure_kind"])
	assert.Equal(t, "errors_errorstring", counts[0].Tags["error_class"])

	timings := rec.Named("job.duration")
	require.Len(t, timings, 1)
	assert.InDelta(t, 2000, timings[0].Value, 0.001)
}

func TestEmitJobLifecycleSuccessOmitsErrorTags(t *testing.T) {
	rec := statsd.NewRecorder()
	EmitJobLifecycle(rec, JobMetric{Transition: TransitionCompleted, Result: ResultSuccess})

	counts := rec.Named("job.transition")
	require.Len(t, counts, 1)
	assert.NotContains(t, counts[0].Tags, "failure_kind")
	assert.NotContains(t, counts[0].Tags, "error_class")
	assert.Empty(t, rec.Named("job.duration"))
}

func TestEmitEstimate(t *testing.T) {
	rec := statsd.NewRecorder()
	EmitEstimate(rec, EstimateMetric{Images: 10, ImagesProcessed: 12, Repetitions: 3, Duration: time.Second})

	assert.InDelta(t, 10, rec.Sum("estimate.images_submitted"), 0.001)
	assert.InDelta(t, 12, rec.Sum("estimate.images_processed"), 0.001)
	assert.Equal(t, "3", rec.Named("estimate.duration")[0].Tags["repetitions"])
}

func TestNilSinkIsNoop(t *testing.T) {
	EmitJobLifecycle(nil, JobMetric{})
	EmitEstimate(nil, EstimateMetric{})
	EmitQueueWait(nil, time.Second)
	assert.Nil(t, CloneTags(nil))
}
