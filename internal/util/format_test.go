package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "-"},
		{-time.Second, "-"},
		{500 * time.Microsecond, "500µs"},
		{1500*time.Millisecond + 700*time.Microsecond, "1.5s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in), tt.in.String())
	}
}

func TestFormatElapsed(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-90 * time.Second)
	completed := now.Add(-30 * time.Second)

	assert.Equal(t, "-", FormatElapsed(nil, nil, now))
	assert.Equal(t, "1m30s", FormatElapsed(&started, nil, now))
	assert.Equal(t, "1m0s", FormatElapsed(&started, &completed, now))
}
