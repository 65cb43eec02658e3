package sysinfo

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbe(t *testing.T) {
	snap, err := Probe(context.Background())
	require.NoError(t, err)
	assert.Positive(t, snap.TotalMemoryGB)
	assert.Positive(t, snap.CPUCount)
	assert.LessOrEqual(t, snap.AvailableMemoryGB, snap.TotalMemoryGB)
}

func TestHostMemory(t *testing.T) {
	gb, err := HostMemory{}.AvailableGB(context.Background())
	require.NoError(t, err)
	assert.Positive(t, gb)
}

func TestApplyThreadEnvOnlyOnce(t *testing.T) {
	first, err := ApplyThreadEnv(3)
	require.NoError(t, err)
	second, err := ApplyThreadEnv(7)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	for _, key := range ThreadEnvVars {
		assert.Equal(t, "3", os.Getenv(key), key)
	}
}

func TestExportThreadsReportsFailures(t *testing.T) {
	set := map[string]string{}
	setenv := func(key, value string) error {
		if key == "BROKEN" {
			return errors.New("invalid argument")
		}
		set[key] = value
		return nil
	}

	err := exportThreads([]string{"OMP_NUM_THREADS", "BROKEN", "MKL_NUM_THREADS"}, 4, setenv)
	require.ErrorContains(t, err, "set BROKEN: invalid argument")
	assert.Equal(t, map[string]string{"OMP_NUM_THREADS": "4", "MKL_NUM_THREADS": "4"}, set)

	require.NoError(t, exportThreads(ThreadEnvVars[:1], 2, func(string, string) error { return nil }))
}
