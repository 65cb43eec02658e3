package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// JobFailurePayload is what sinks receive when a diagnostic job ends FAILED.
type JobFailurePayload struct {
	JobID       string
	FailureKind string
	Stage       string
	Error       string
	ErrorClass  string
	Attempts    int
	Resubmits   int
	ImageCount  int
	WorkerID    string
	Severity    string
	OccurredAt  time.Time
	Metadata    map[string]string
}

// Sink describes a destination capable of consuming job failure notifications.
type Sink interface {
	SendJobFailure(ctx context.Context, payload JobFailurePayload) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, payload JobFailurePayload) error

// SendJobFailure implements the Sink interface.
func (f SinkFunc) SendJobFailure(ctx context.Context, payload JobFailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}

// SeverityFor maps a failure kind to a default severity. Bad input is the
// submitter's problem; everything else pages.
func SeverityFor(failureKind string) string {
	if failureKind == "input" {
		return SeverityWarning
	}
	return SeverityCritical
}
