package service

import (
	"context"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/project-theia/theia-api/internal/domain/density"
)

type closingDetector struct{ closed int }

func (c *closingDetector) Detect(context.Context, image.Image) ([]density.Detection, error) {
	return nil, nil
}

func (c *closingDetector) Close() error {
	c.closed++
	return nil
}

func TestModelSetRebuildsAfterMaxJobs(t *testing.T) {
	det := &closingDetector{}
	factory := &countingFactory{dets: density.Detectors{Positive: det, Reference: fixedDetector()}}
	set, err := NewModelSet(factory, 2)
	require.NoError(t, err)
	ctx := context.Background()

	assert.False(t, set.Loaded())
	_, err = set.Acquire(ctx)
	require.NoError(t, err)
	_, err = set.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, factory.builds)

	released, err := set.JobDone()
	require.NoError(t, err)
	assert.False(t, released)

	released, err = set.JobDone()
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, set.Loaded())
	assert.Equal(t, 1, det.closed)
	assert.Equal(t, 1, set.Rebuilds())

	_, err = set.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, factory.builds)
	require.NoError(t, set.Close())
	assert.Equal(t, 2, det.closed)
}

func TestModelSetNeverRebuildsWithZero(t *testing.T) {
	factory := defaultFactory()
	set, err := NewModelSet(factory, 0)
	require.NoError(t, err)

	_, err = set.Acquire(context.Background())
	require.NoError(t, err)
	for range 10 {
		released, doneErr := set.JobDone()
		require.NoError(t, doneErr)
		assert.False(t, released)
	}
	assert.Equal(t, 1, factory.builds)

	_, err = NewModelSet(nil, 1)
	assert.Error(t, err)
}
