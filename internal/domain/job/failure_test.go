package job

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/project-theia/theia-api/internal/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "typed input", err: InputError("decode", errors.New("bad jpeg")), want: KindInput},
		{name: "wrapped typed memory", err: fmt.Errorf("load: %w", MemoryError("load", nil)), want: KindMemory},
		{name: "validation app error", err: apperrors.Validation("bad"), want: KindInput},
		{name: "unavailable app error", err: apperrors.Unavailablef("db down"), want: KindTransient},
		{name: "conn refused", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), want: KindTransient},
		{name: "too many files", err: syscall.EMFILE, want: KindTransient},
		{name: "net op error", err: &net.OpError{Op: "read", Err: errors.New("reset")}, want: KindTransient},
		{name: "context deadline", err: context.DeadlineExceeded, want: KindTransient},
		{name: "context canceled", err: fmt.Errorf("repetition 1: %w", context.Canceled), want: KindTransient},
		{name: "internal caused by cancel", err: &Error{Kind: KindInternal, Stage: "estimation", Err: context.Canceled}, want: KindTransient},
		{name: "input caused by cancel keeps kind", err: InputError("decode", context.Canceled), want: KindInput},
		{name: "unknown", err: errors.New("boom"), want: KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := DefaultRetryPolicy()

	t.Run("transient retried up to ceiling", func(t *testing.T) {
		retries := 0
		for p.ShouldRetry(KindTransient, retries, 10) {
			retries++
		}
		assert.Equal(t, 3, retries)
	})

	t.Run("job budget lowers ceiling", func(t *testing.T) {
		assert.True(t, p.ShouldRetry(KindTransient, 0, 1))
		assert.False(t, p.ShouldRetry(KindTransient, 1, 1))
		assert.False(t, p.ShouldRetry(KindTransient, 0, 0))
	})

	t.Run("memory retried once", func(t *testing.T) {
		assert.True(t, p.ShouldRetry(KindMemory, 0, 3))
		assert.False(t, p.ShouldRetry(KindMemory, 1, 3))
	})

	t.Run("terminal kinds never retried", func(t *testing.T) {
		for _, k := range []Kind{KindInput, KindTimeout, KindInternal} {
			assert.False(t, p.ShouldRetry(k, 0, 3), k)
		}
	})
}

func TestError_Message(t *testing.T) {
	err := InputError("image 2", errors.New("unsupported format"))
	assert.Equal(t, "input error during image 2: unsupported format", err.Error())
	assert.Equal(t, "timeout error", (&Error{Kind: KindTimeout}).Error())
}
