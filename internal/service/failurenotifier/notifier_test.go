package failurenotifier

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/project-theia/theia-api/internal/observability/notify"
)

type captureSink struct {
	mu       sync.Mutex
	received []notify.JobFailurePayload
}

func (c *captureSink) SendJobFailure(_ context.Context, p notify.JobFailurePayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, p)
	return nil
}

func TestServiceNotifyJobFailure(t *testing.T) {
	first, second := &captureSink{}, &captureSink{}
	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "slack", Sink: first},
			{Name: "pagerduty", Sink: second},
			{Name: "nil", Sink: nil},
		},
	})
	require.True(t, svc.Enabled())

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "123", FailureKind: "transient"})

	require.Len(t, first.received, 1)
	require.Len(t, second.received, 1)
	assert.Equal(t, notify.SeverityCritical, first.received[0].Severity)
}

func TestServiceInputFailureIsWarning(t *testing.T) {
	sink := &captureSink{}
	svc := NewService(Options{Sinks: []SinkRegistration{{Sink: sink}}})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "1", FailureKind: "input"})

	require.Len(t, sink.received, 1)
	assert.Equal(t, notify.SeverityWarning, sink.received[0].Severity)
}

func TestServiceSuppressesKinds(t *testing.T) {
	sink := &captureSink{}
	svc := NewService(Options{
		Sinks:         []SinkRegistration{{Name: "capture", Sink: sink}},
		SuppressKinds: []string{"input"},
	})

	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "1", FailureKind: "input"})
	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "2", FailureKind: "timeout"})

	require.Len(t, sink.received, 1)
	assert.Equal(t, "2", sink.received[0].JobID)
}

func TestServiceDisabled(t *testing.T) {
	svc := NewService(Options{})
	assert.False(t, svc.Enabled())
	// No sinks: must be a no-op.
	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "x"})

	var nilSvc *Service
	assert.False(t, nilSvc.Enabled())
	nilSvc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "x"})
}

func TestServiceLogsErrors(t *testing.T) {
	svc := NewService(Options{
		Sinks: []SinkRegistration{{
			Name: "fail",
			Sink: notify.SinkFunc(func(context.Context, notify.JobFailurePayload) error {
				return errors.New("boom")
			}),
		}},
	})
	svc.NotifyJobFailure(context.Background(), notify.JobFailurePayload{JobID: "123"})
}
