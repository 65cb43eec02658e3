package density

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/project-theia/theia-api/internal/domain/model"
)

type memImage struct {
	ref  string
	data []byte
}

func (m memImage) Ref() string { return m.ref }

func (m memImage) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.data)), nil
}

func batch(refs ...string) []Image {
	out := make([]Image, len(refs))
	for i, r := range refs {
		out[i] = memImage{ref: r}
	}
	return out
}

// passthroughAugmenter tags each image with its ref so detectors can script per-image output.
type passthroughAugmenter struct {
	fail map[string]bool

	mu    sync.Mutex
	calls []string
}

type taggedImage struct {
	image.Image
	ref string
}

func (a *passthroughAugmenter) Augment(img Image) (image.Image, error) {
	a.mu.Lock()
	a.calls = append(a.calls, img.Ref())
	a.mu.Unlock()
	if a.fail[img.Ref()] {
		return nil, errors.New("unreadable")
	}
	return taggedImage{Image: image.NewGray(image.Rect(0, 0, 1, 1)), ref: img.Ref()}, nil
}

func fixed(n, classID int) Detector {
	return DetectorFunc(func(context.Context, image.Image) ([]Detection, error) {
		out := make([]Detection, n)
		for i := range out {
			out[i] = Detection{ClassID: classID}
		}
		return out, nil
	})
}

// scripted returns counts[i] detections on the i-th call.
func scripted(counts ...int) Detector {
	var mu sync.Mutex
	call := 0
	return DetectorFunc(func(context.Context, image.Image) ([]Detection, error) {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		if call < len(counts) {
			n = counts[call]
		}
		call++
		return make([]Detection, n), nil
	})
}

func newEstimator(t *testing.T, dets Detectors, aug Augmenter) *Estimator {
	t.Helper()
	if aug == nil {
		aug = &passthroughAugmenter{}
	}
	est, err := NewEstimator(Options{Detectors: dets, Augmenter: aug})
	require.NoError(t, err)
	return est
}

func TestNewEstimator_RequiresDetectors(t *testing.T) {
	_, err := NewEstimator(Options{Detectors: Detectors{Positive: fixed(1, 0)}})
	require.ErrorIs(t, err, ErrDetectorRequired)
}

func TestEstimate_InputErrors(t *testing.T) {
	est := newEstimator(t, Detectors{Positive: fixed(1, 0), Reference: fixed(1, 0)}, nil)

	_, err := est.Estimate(context.Background(), nil, 1000, 5)
	require.ErrorIs(t, err, ErrEmptyInput)

	_, err = est.Estimate(context.Background(), batch("a"), 1000, 0)
	require.ErrorIs(t, err, ErrInvalidRepetitions)
}

func TestEstimate_FixedCountsEndToEnd(t *testing.T) {
	est := newEstimator(t, Detectors{Positive: fixed(10, 1), Reference: fixed(90, 0)}, nil)

	res, err := est.Estimate(context.Background(), batch("a", "b", "c"), 1000, 5)
	require.NoError(t, err)

	require.Len(t, res.Runs, 5)
	for _, run := range res.Runs {
		assert.Equal(t, 3, run.ImagesProcessed)
		assert.Equal(t, 30, run.PositiveCount)
		assert.Equal(t, 270, run.ReferenceCount)
		assert.InDelta(t, 10.0, run.Percentage, 1e-9)
	}
	assert.Equal(t, 10.0, res.PercentageMean)
	assert.Equal(t, 100.0, res.DensityMean)
	assert.Equal(t, []int{3, 3, 3, 3, 3}, res.ImagesProcessedPerRun)
	assert.Equal(t, []int{270, 270, 270, 270, 270}, res.ReferenceCountedPerRun)
	assert.Equal(t, 15, res.ImagesProcessed)
	assert.Equal(t, 5, res.Repetitions)
	assert.Equal(t, 1000, res.TargetCount)
}

func TestEstimate_PercentageIsMeanOfRuns(t *testing.T) {
	for reps := 1; reps <= 6; reps++ {
		// One image per run; positive counts vary run to run, reference fixed.
		pos := make([]int, reps)
		for i := range pos {
			pos[i] = (i*7)%11 + 1
		}
		est := newEstimator(t, Detectors{Positive: scripted(pos...), Reference: fixed(20, 0)}, nil)

		res, err := est.Estimate(context.Background(), batch("only"), 1000, reps)
		require.NoError(t, err)

		var sum float64
		for _, run := range res.Runs {
			sum += run.Percentage
		}
		assert.InDelta(t, sum/float64(reps), res.PercentageMean, 1e-12, "reps=%d", reps)
	}
}

func TestEstimate_ZeroDetectionsYieldZero(t *testing.T) {
	est := newEstimator(t, Detectors{Positive: fixed(0, 0), Reference: fixed(0, 0)}, nil)

	res, err := est.Estimate(context.Background(), batch("a", "b"), 1000, 3)
	require.NoError(t, err)
	for _, run := range res.Runs {
		assert.Zero(t, run.Percentage)
		assert.Zero(t, run.DensityPer1000)
		assert.Equal(t, 2, run.ImagesProcessed)
	}
	assert.Zero(t, res.PercentageMean)
	assert.Zero(t, res.DensityMean)
}

func TestEstimate_ZeroTargetProcessesNothing(t *testing.T) {
	aug := &passthroughAugmenter{}
	est := newEstimator(t, Detectors{Positive: fixed(5, 0), Reference: fixed(5, 0)}, aug)

	res, err := est.Estimate(context.Background(), batch("a", "b"), 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, res.ImagesProcessedPerRun)
	assert.Zero(t, res.ImagesProcessed)
	assert.Zero(t, res.PercentageMean)
	assert.Empty(t, aug.calls)
}

func TestEstimate_EarlyExitCountsPositivesTowardTarget(t *testing.T) {
	// 10 positive + 90 reference per image: 100 after one image, 200 after two.
	est := newEstimator(t, Detectors{Positive: fixed(10, 1), Reference: fixed(90, 0)}, nil)

	res, err := est.Estimate(context.Background(), batch("a", "b", "c", "d"), 150, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Runs[0].ImagesProcessed)
	assert.Equal(t, 20, res.Runs[0].PositiveCount)
	assert.Equal(t, 180, res.Runs[0].ReferenceCount)
}

func TestEstimate_ReferenceCountsOnlyReferenceClass(t *testing.T) {
	ref := DetectorFunc(func(context.Context, image.Image) ([]Detection, error) {
		return []Detection{{ClassID: 0}, {ClassID: 0}, {ClassID: 6}}, nil
	})
	est := newEstimator(t, Detectors{Positive: fixed(1, 1), Reference: ref}, nil)

	res, err := est.Estimate(context.Background(), batch("a"), 1000, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Runs[0].ReferenceCount)
}

func TestEstimate_SkipsUnreadableImages(t *testing.T) {
	aug := &passthroughAugmenter{fail: map[string]bool{"b": true}}
	est := newEstimator(t, Detectors{Positive: fixed(1, 1), Reference: fixed(1, 0)}, aug)

	res, err := est.Estimate(context.Background(), batch("a", "b", "c"), 1000, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Runs[0].ImagesProcessed)
	assert.Equal(t, 2, res.Runs[0].PositiveCount)
}

func TestEstimate_AllUnreadableIsNotAnError(t *testing.T) {
	aug := &passthroughAugmenter{fail: map[string]bool{"a": true, "b": true}}
	est := newEstimator(t, Detectors{Positive: fixed(1, 1), Reference: fixed(1, 0)}, aug)

	res, err := est.Estimate(context.Background(), batch("a", "b"), 1000, 2)
	require.NoError(t, err)
	assert.Zero(t, res.ImagesProcessed)
	assert.Zero(t, res.PercentageMean)
}

func TestEstimate_StageRunsOverProcessedImagesOnly(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	stage := DetectorFunc(func(_ context.Context, img image.Image) ([]Detection, error) {
		mu.Lock()
		seen = append(seen, img.(taggedImage).ref)
		mu.Unlock()
		return []Detection{{ClassID: 3}, {ClassID: 1}, {Label: "gametocyte"}}, nil
	})
	aug := &passthroughAugmenter{fail: map[string]bool{"b": true}}
	est := newEstimator(t, Detectors{Positive: fixed(10, 1), Reference: fixed(90, 0), Stage: stage}, aug)

	// Target 150 stops after two readable images: a and c.
	res, err := est.Estimate(context.Background(), batch("a", "b", "c", "d"), 150, 1)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "c"}, seen)
	assert.Equal(t, map[string]int{"ring": 2, "trophozoite": 2, "gametocyte": 2}, res.Runs[0].StageCounts)
	assert.Equal(t, map[string]int{"ring": 2, "trophozoite": 2, "gametocyte": 2}, res.StageAverages)
}

func TestEstimate_DetectorErrorPropagates(t *testing.T) {
	boom := errors.New("inference server unavailable")
	ref := DetectorFunc(func(context.Context, image.Image) ([]Detection, error) { return nil, boom })
	est := newEstimator(t, Detectors{Positive: fixed(1, 1), Reference: ref}, nil)

	_, err := est.Estimate(context.Background(), batch("a"), 1000, 1)
	require.ErrorIs(t, err, boom)
}

func TestEstimate_CheckpointAborts(t *testing.T) {
	stop := errors.New("deadline")
	calls := 0
	ctx := WithCheckpoint(context.Background(), func(string) error {
		calls++
		if calls == 3 {
			return stop
		}
		return nil
	})
	est := newEstimator(t, Detectors{Positive: fixed(1, 1), Reference: fixed(1, 0)}, nil)

	_, err := est.Estimate(ctx, batch("a"), 1000, 5)
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 3, calls)
}

func TestAggregate_StageAveragesSumAcrossRuns(t *testing.T) {
	runs := []model.RunResult{
		{StageCounts: map[string]int{"ring": 3}},
		{StageCounts: map[string]int{"ring": 2, "schizont": 1}},
		{StageCounts: map[string]int{}},
	}
	res := Aggregate(runs, 1000)
	// ring: 5/3 → 2; schizont: 1/3 → 0.
	assert.Equal(t, map[string]int{"ring": 2, "schizont": 0}, res.StageAverages)

	// Half rounds to even.
	res = Aggregate([]model.RunResult{
		{StageCounts: map[string]int{"ring": 5}},
		{StageCounts: map[string]int{}},
	}, 1000)
	assert.Equal(t, 2, res.StageAverages["ring"])
}

func TestAggregate_Empty(t *testing.T) {
	res := Aggregate(nil, 10)
	assert.Zero(t, res.PercentageMean)
	assert.Empty(t, res.StageAverages)
}

func TestDetectors_CloseClosesClosers(t *testing.T) {
	c := &closingDetector{}
	d := Detectors{Positive: c, Reference: c, Stage: fixed(0, 0)}
	require.NoError(t, d.Close())
	assert.Equal(t, 2, c.closed)
}

type closingDetector struct{ closed int }

func (c *closingDetector) Detect(context.Context, image.Image) ([]Detection, error) { return nil, nil }

func (c *closingDetector) Close() error {
	c.closed++
	return nil
}

func TestStageLabels_Name(t *testing.T) {
	labels := DefaultStageLabels()
	assert.Equal(t, "ring", labels.Name(Detection{ClassID: 3}))
	assert.Equal(t, "custom", labels.Name(Detection{ClassID: 3, Label: "custom"}))
	assert.Equal(t, "class_42", labels.Name(Detection{ClassID: 42}))
}
