package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/project-theia/theia-api/internal/domain/density"
	domainjob "github.com/project-theia/theia-api/internal/domain/job"
	"github.com/project-theia/theia-api/internal/domain/model"
	apperrors "github.com/project-theia/theia-api/internal/errors"
	"github.com/project-theia/theia-api/internal/observability/statsd"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := range 8 {
		for y := range 8 {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 60, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type mapFetcher struct {
	mu      sync.Mutex
	data    map[string][]byte
	errs    map[string]error
	fetched []string
}

func (f *mapFetcher) Fetch(_ context.Context, ref string, dst io.Writer) error {
	f.mu.Lock()
	f.fetched = append(f.fetched, ref)
	f.mu.Unlock()
	if err := f.errs[ref]; err != nil {
		return err
	}
	b, ok := f.data[ref]
	if !ok {
		return apperrors.NotFoundf("image %s not found", ref)
	}
	_, err := dst.Write(b)
	return err
}

func (f *mapFetcher) Resolve(_ context.Context, ref string) error {
	if _, ok := f.data[ref]; !ok {
		return apperrors.NotFoundf("image %s not found", ref)
	}
	return nil
}

type countingFactory struct {
	builds int
	err    error
	dets   density.Detectors
}

func (f *countingFactory) Build(context.Context) (density.Detectors, error) {
	f.builds++
	if f.err != nil {
		return density.Detectors{}, f.err
	}
	return f.dets, nil
}

func fixedDetector(dets ...density.Detection) density.Detector {
	return density.DetectorFunc(func(context.Context, image.Image) ([]density.Detection, error) {
		return dets, nil
	})
}

type fixedMemory float64

func (m fixedMemory) AvailableGB(context.Context) (float64, error) { return float64(m), nil }

func newTestExecution(t *testing.T, job *model.Job, factory *countingFactory) (*Execution, *[]string) {
	t.Helper()
	models, err := NewModelSet(factory, 0)
	require.NoError(t, err)
	var markers []string
	return &Execution{
		Job:    job,
		Models: models,
		Progress: func(_ context.Context, marker string) {
			markers = append(markers, marker)
		},
	}, &markers
}

func defaultFactory() *countingFactory {
	return &countingFactory{dets: density.Detectors{
		Positive:  fixedDetector(density.Detection{ClassID: 1}),
		Reference: fixedDetector(density.Detection{ClassID: 0}, density.Detection{ClassID: 0}, density.Detection{ClassID: 3}),
	}}
}

func TestDiagnosisHandlerHappyPath(t *testing.T) {
	data := pngBytes(t)
	fetcher := &mapFetcher{data: map[string][]byte{"a.png": data, "b.png": data}}
	rec := statsd.NewRecorder()
	tmp := t.TempDir()

	h, err := NewDiagnosisHandler(DiagnosisHandlerOptions{
		Fetcher:   fetcher,
		Estimator: EstimatorSettings{Seed: 7},
		TempDir:   tmp,
		Metrics:   rec,
	})
	require.NoError(t, err)

	job := &model.Job{ID: "j1", ImageRefs: []string{"a.png", "b.png"}, TargetCount: 1000, Repetitions: 2}
	exec, markers := newTestExecution(t, job, defaultFactory())

	res, err := h.Handle(context.Background(), exec)
	require.NoError(t, err)

	// One positive and two reference detections per image.
	assert.Equal(t, 2, res.Repetitions)
	assert.Equal(t, []int{2, 2}, res.ImagesProcessedPerRun)
	assert.Equal(t, []int{4, 4}, res.ReferenceCountedPerRun)
	assert.InDelta(t, 100.0/3, res.PercentageMean, 1e-9)
	assert.Equal(t, []string{
		model.ProgressLoadingModels,
		model.ProgressDownloadingImages,
		model.ProgressProcessingImages,
		model.ProgressEstimating,
	}, *markers)
	assert.InDelta(t, 4, rec.Sum("estimate.images_processed"), 0.001)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries, "work dir must be removed")
}

func TestDiagnosisHandlerCleansUpOnFailure(t *testing.T) {
	fetcher := &mapFetcher{data: map[string][]byte{"a.png": pngBytes(t)}}
	tmp := t.TempDir()
	h, err := NewDiagnosisHandler(DiagnosisHandlerOptions{Fetcher: fetcher, TempDir: tmp})
	require.NoError(t, err)

	job := &model.Job{ID: "j1", ImageRefs: []string{"a.png", "missing.png"}, TargetCount: 10, Repetitions: 1}
	exec, _ := newTestExecution(t, job, defaultFactory())

	_, err = h.Handle(context.Background(), exec)
	require.Error(t, err)
	assert.Equal(t, domainjob.KindInput, domainjob.Classify(err))

	var jobErr *domainjob.Error
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, StageDownload, jobErr.Stage)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiagnosisHandlerFetchUnavailableIsTransient(t *testing.T) {
	fetcher := &mapFetcher{errs: map[string]error{"a.png": apperrors.Unavailablef("upstream 503")}}
	h, err := NewDiagnosisHandler(DiagnosisHandlerOptions{Fetcher: fetcher, TempDir: t.TempDir()})
	require.NoError(t, err)

	exec, _ := newTestExecution(t, &model.Job{ID: "j", ImageRefs: []string{"a.png"}, Repetitions: 1}, defaultFactory())
	_, err = h.Handle(context.Background(), exec)
	assert.Equal(t, domainjob.KindTransient, domainjob.Classify(err))
}

func TestDiagnosisHandlerMemoryFloor(t *testing.T) {
	factory := defaultFactory()
	h, err := NewDiagnosisHandler(DiagnosisHandlerOptions{
		Fetcher:       &mapFetcher{},
		Memory:        fixedMemory(0.5),
		MemoryFloorGB: 2,
		TempDir:       t.TempDir(),
	})
	require.NoError(t, err)

	exec, _ := newTestExecution(t, &model.Job{ID: "j", ImageRefs: []string{"a.png"}, Repetitions: 1}, factory)
	_, err = h.Handle(context.Background(), exec)
	assert.Equal(t, domainjob.KindMemory, domainjob.Classify(err))
	assert.Equal(t, 0, factory.builds, "models must not load below the floor")
}

func TestDiagnosisHandlerDeadlineExceeded(t *testing.T) {
	h, err := NewDiagnosisHandler(DiagnosisHandlerOptions{Fetcher: &mapFetcher{}, TempDir: t.TempDir()})
	require.NoError(t, err)

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	exec, _ := newTestExecution(t, &model.Job{ID: "j", ImageRefs: []string{"a.png"}, Repetitions: 1}, defaultFactory())
	exec.Deadline = domainjob.Deadline{At: now.Add(-time.Second), Now: func() time.Time { return now }}

	_, err = h.Handle(context.Background(), exec)
	assert.Equal(t, domainjob.KindTimeout, domainjob.Classify(err))
}

func TestDiagnosisHandlerDeadlineDuringEstimation(t *testing.T) {
	data := pngBytes(t)
	h, err := NewDiagnosisHandler(DiagnosisHandlerOptions{
		Fetcher: &mapFetcher{data: map[string][]byte{"a.png": data}},
		TempDir: t.TempDir(),
	})
	require.NoError(t, err)

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	factory := &countingFactory{dets: density.Detectors{
		Positive: density.DetectorFunc(func(context.Context, image.Image) ([]density.Detection, error) {
			clock = now.Add(time.Hour)
			return nil, nil
		}),
		Reference: fixedDetector(),
	}}
	exec, _ := newTestExecution(t, &model.Job{ID: "j", ImageRefs: []string{"a.png"}, TargetCount: 10, Repetitions: 3}, factory)
	exec.Deadline = domainjob.Deadline{At: now.Add(time.Minute), Now: func() time.Time { return clock }}

	_, err = h.Handle(context.Background(), exec)
	var jobErr *domainjob.Error
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, domainjob.KindTimeout, jobErr.Kind)
	assert.Contains(t, jobErr.Stage, StageEstimation)
}

func TestDiagnosisHandlerNoReadableImages(t *testing.T) {
	h, err := NewDiagnosisHandler(DiagnosisHandlerOptions{
		Fetcher: &mapFetcher{data: map[string][]byte{"a.png": []byte("not an image")}},
		TempDir: t.TempDir(),
	})
	require.NoError(t, err)

	exec, _ := newTestExecution(t, &model.Job{ID: "j", ImageRefs: []string{"a.png"}, Repetitions: 1}, defaultFactory())
	_, err = h.Handle(context.Background(), exec)
	assert.Equal(t, domainjob.KindInput, domainjob.Classify(err))
}

func TestDiagnosisHandlerDetectorErrorPropagates(t *testing.T) {
	data := pngBytes(t)
	h, err := NewDiagnosisHandler(DiagnosisHandlerOptions{
		Fetcher: &mapFetcher{data: map[string][]byte{"a.png": data}},
		TempDir: t.TempDir(),
	})
	require.NoError(t, err)

	factory := &countingFactory{dets: density.Detectors{
		Positive: density.DetectorFunc(func(context.Context, image.Image) ([]density.Detection, error) {
			return nil, apperrors.Unavailablef("inference server down")
		}),
		Reference: fixedDetector(),
	}}
	exec, _ := newTestExecution(t, &model.Job{ID: "j", ImageRefs: []string{"a.png"}, TargetCount: 10, Repetitions: 1}, factory)

	_, err = h.Handle(context.Background(), exec)
	assert.Equal(t, domainjob.KindTransient, domainjob.Classify(err))
}

func TestDiagnosisHandlerModelLoadFailure(t *testing.T) {
	h, err := NewDiagnosisHandler(DiagnosisHandlerOptions{Fetcher: &mapFetcher{}, TempDir: t.TempDir()})
	require.NoError(t, err)

	factory := &countingFactory{err: errors.New("weights file corrupt")}
	exec, _ := newTestExecution(t, &model.Job{ID: "j", ImageRefs: []string{"a.png"}, Repetitions: 1}, factory)

	_, err = h.Handle(context.Background(), exec)
	var jobErr *domainjob.Error
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, StageModelLoad, jobErr.Stage)
	assert.Equal(t, domainjob.KindInternal, jobErr.Kind)
}

func TestRefExt(t *testing.T) {
	assert.Equal(t, ".jpg", refExt("https://cdn/x/slide.JPG?sig=abc"))
	assert.Equal(t, ".png", refExt("/data/a.png"))
	assert.Empty(t, refExt("s3://bucket/object"))
}
