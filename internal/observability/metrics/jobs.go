// Package metrics names and tags the pipeline's job metrics.
package metrics

import (
	"maps"
	"strconv"
	"time"

	obserrors "github.com/project-theia/theia-api/internal/observability/errors"
	"github.com/project-theia/theia-api/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultRetry   = "retry"
	ResultNoop    = "noop"
)

// Transition names.
const (
	TransitionReserved  = "reserved"
	TransitionCompleted = "completed"
	TransitionFailed    = "failed"
	TransitionRetried   = "retried"
	TransitionOrphaned  = "orphaned"
)

// JobMetric captures a job state change.
type JobMetric struct {
	Transition  string
	Result      string
	FailureKind string
	Duration    time.Duration
	Err         error
}

// EmitJobLifecycle emits job.transition and, when Duration is set, job.duration.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.FailureKind != "" {
		tags["failure_kind"] = in.FailureKind
	}
	if in.Err != nil && in.Result != ResultSuccess {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// EstimateMetric summarises one density estimate.
type EstimateMetric struct {
	Images          int
	ImagesProcessed int
	Repetitions     int
	Duration        time.Duration
}

// EmitEstimate records how much of the batch an estimate consumed.
func EmitEstimate(sink statsd.Sink, in EstimateMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{"repetitions": strconv.Itoa(in.Repetitions)}
	sink.Count("estimate.images_submitted", int64(in.Images), tags)
	sink.Count("estimate.images_processed", int64(in.ImagesProcessed), CloneTags(tags))
	if in.Duration > 0 {
		sink.Timing("estimate.duration", in.Duration, CloneTags(tags))
	}
}

// EmitQueueWait records how long a job sat PENDING before a worker reserved it.
func EmitQueueWait(sink statsd.Sink, wait time.Duration) {
	if sink == nil || wait <= 0 {
		return
	}
	sink.Timing("job.queue_wait", wait, nil)
}

// CloneTags returns a copy of src, or nil when src is empty.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	return maps.Clone(src)
}
