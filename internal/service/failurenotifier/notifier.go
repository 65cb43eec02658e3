// Package failurenotifier fans terminal job failures out to alert sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/project-theia/theia-api/internal/observability/notify"
)

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	// SuppressKinds lists failure kinds that are never forwarded, e.g. "input".
	SuppressKinds []string
}

// Service dispatches failure events to all registered sinks.
type Service struct {
	logger   *slog.Logger
	sinks    []SinkRegistration
	suppress []string
}

// NewService constructs a failure notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		if entry.Name == "" {
			entry.Name = "sink"
		}
		sinks = append(sinks, entry)
	}

	return &Service{
		logger:   logger.With("component", "failure_notifier"),
		sinks:    sinks,
		suppress: slices.Clone(opts.SuppressKinds),
	}
}

// NotifyJobFailure delivers payload to every sink concurrently and waits for
// all of them. Delivery errors are logged, never returned.
func (s *Service) NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload) {
	if s == nil || len(s.sinks) == 0 {
		return
	}

	if slices.Contains(s.suppress, payload.FailureKind) {
		s.logger.DebugContext(ctx, "suppressing failure notification",
			"job_id", payload.JobID,
			"failure_kind", payload.FailureKind,
		)
		return
	}

	if payload.Severity == "" {
		payload.Severity = notify.SeverityFor(payload.FailureKind)
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendJobFailure(ctx, payload); err != nil {
				s.logger.ErrorContext(ctx, "failure notifier delivery error",
					"sink", entry.Name,
					"job_id", payload.JobID,
					"failure_kind", payload.FailureKind,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}
