package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/project-theia/theia-api/internal/core"
	"github.com/project-theia/theia-api/internal/domain/density"
	domainjob "github.com/project-theia/theia-api/internal/domain/job"
	"github.com/project-theia/theia-api/internal/domain/model"
	"github.com/project-theia/theia-api/internal/observability/metrics"
	"github.com/project-theia/theia-api/internal/observability/statsd"
	"github.com/project-theia/theia-api/internal/sysinfo"
)

// Checkpoint stage names recorded on timeout and failure errors.
const (
	StageModelLoad  = "model load"
	StageDownload   = "download"
	StageProcessing = "image processing"
	StageEstimation = "estimation"
)

// EstimatorSettings are the process-wide estimator parameters.
type EstimatorSettings struct {
	ReferenceClassID int
	StageLabels      density.StageLabels
	// Seed fixes augmentation; 0 draws from the clock per job.
	Seed uint64
}

// DiagnosisHandlerOptions groups dependencies for DiagnosisHandler.
type DiagnosisHandlerOptions struct {
	Fetcher       core.ImageFetcher   // Required: materializes image refs
	Memory        sysinfo.MemoryProbe // Optional: checked before models load
	MemoryFloorGB float64             // Optional: 0 disables the floor check
	Estimator     EstimatorSettings   // Optional
	TempDir       string              // Optional: defaults to os.TempDir()
	Logger        *slog.Logger        // Optional: structured logger
	Metrics       statsd.Sink         // Optional: metrics sink
}

// Execution is one attempt of one job on one worker.
type Execution struct {
	Job      *model.Job
	Deadline domainjob.Deadline
	Models   *ModelSet
	// Progress records a marker; failures to record are the caller's concern.
	Progress func(ctx context.Context, marker string)
}

func (e *Execution) progress(ctx context.Context, marker string) {
	if e.Progress != nil {
		e.Progress(ctx, marker)
	}
}

// DiagnosisHandler runs the density estimate for one job: load models,
// download images into a per-job directory, validate them and estimate.
type DiagnosisHandler struct {
	fetcher  core.ImageFetcher
	memory   sysinfo.MemoryProbe
	floorGB  float64
	settings EstimatorSettings
	tempDir  string
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewDiagnosisHandler constructs a DiagnosisHandler.
func NewDiagnosisHandler(opts DiagnosisHandlerOptions) (*DiagnosisHandler, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("ImageFetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	settings := opts.Estimator
	if settings.StageLabels == nil {
		settings.StageLabels = density.DefaultStageLabels()
	}
	return &DiagnosisHandler{
		fetcher:  opts.Fetcher,
		memory:   opts.Memory,
		floorGB:  max(opts.MemoryFloorGB, 0),
		settings: settings,
		tempDir:  opts.TempDir,
		logger:   logger.With("component", "diagnosis_handler"),
		metrics:  opts.Metrics,
	}, nil
}

// Handle executes exec and returns the aggregate result. Returned errors are
// *domainjob.Error values whenever the failure kind is known.
func (h *DiagnosisHandler) Handle(ctx context.Context, exec *Execution) (*model.AggregateResult, error) {
	if exec == nil || exec.Job == nil {
		return nil, errors.New("execution job required")
	}
	if exec.Models == nil {
		return nil, errors.New("execution models required")
	}
	job := exec.Job
	logger := h.logger.With("job_id", job.ID)

	exec.progress(ctx, model.ProgressLoadingModels)
	dets, err := h.loadModels(ctx, exec)
	if err != nil {
		return nil, err
	}

	exec.progress(ctx, model.ProgressDownloadingImages)
	dir, err := os.MkdirTemp(h.tempDir, "theia-job-")
	if err != nil {
		return nil, domainjob.TransientError(StageDownload, fmt.Errorf("create work dir: %w", err))
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			logger.WarnContext(ctx, "failed to remove job work dir", "dir", dir, "error", rmErr)
		}
	}()

	images, err := h.materialize(ctx, exec, dir)
	if err != nil {
		return nil, err
	}

	exec.progress(ctx, model.ProgressProcessingImages)
	if err := exec.Deadline.Check(StageProcessing); err != nil {
		return nil, err
	}
	if err := requireReadable(images); err != nil {
		return nil, err
	}

	if err := exec.Deadline.Check(StageEstimation); err != nil {
		return nil, err
	}
	exec.progress(ctx, model.ProgressEstimating)

	est, err := density.NewEstimator(density.Options{
		Detectors:        dets,
		Augmenter:        density.NewJitterAugmenter(density.DefaultJitterRanges(), h.settings.Seed),
		ReferenceClassID: h.settings.ReferenceClassID,
		StageLabels:      h.settings.StageLabels,
		Logger:           logger,
	})
	if err != nil {
		return nil, &domainjob.Error{Kind: domainjob.KindInternal, Stage: StageEstimation, Err: err}
	}

	start := time.Now()
	estCtx := density.WithCheckpoint(ctx, func(stage string) error {
		return exec.Deadline.Check(StageEstimation + " " + stage)
	})
	result, err := est.Estimate(estCtx, images, job.TargetCount, job.Repetitions)
	if err != nil {
		return nil, estimateError(err)
	}

	metrics.EmitEstimate(h.metrics, metrics.EstimateMetric{
		Images:          len(images),
		ImagesProcessed: result.ImagesProcessed,
		Repetitions:     result.Repetitions,
		Duration:        time.Since(start),
	})
	logger.InfoContext(ctx, "density estimated",
		"percentage_mean", result.PercentageMean,
		"density_mean", result.DensityMean,
		"images_processed", result.ImagesProcessed,
	)
	return result, nil
}

func (h *DiagnosisHandler) loadModels(ctx context.Context, exec *Execution) (density.Detectors, error) {
	if err := exec.Deadline.Check(StageModelLoad); err != nil {
		return density.Detectors{}, err
	}
	if !exec.Models.Loaded() && h.memory != nil && h.floorGB > 0 {
		avail, err := h.memory.AvailableGB(ctx)
		if err != nil {
			h.logger.WarnContext(ctx, "memory probe failed; loading anyway", "error", err)
		} else if avail < h.floorGB {
			return density.Detectors{}, domainjob.MemoryError(StageModelLoad,
				fmt.Errorf("available memory %.2fGB below floor %.2fGB", avail, h.floorGB))
		}
	}
	dets, err := exec.Models.Acquire(ctx)
	if err != nil {
		return density.Detectors{}, &domainjob.Error{Kind: domainjob.Classify(err), Stage: StageModelLoad, Err: err}
	}
	return dets, nil
}

func (h *DiagnosisHandler) materialize(ctx context.Context, exec *Execution, dir string) ([]density.Image, error) {
	images := make([]density.Image, 0, len(exec.Job.ImageRefs))
	for i, ref := range exec.Job.ImageRefs {
		if err := exec.Deadline.Check(StageDownload); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, domainjob.TransientError(StageDownload, err)
		}

		dst := filepath.Join(dir, fmt.Sprintf("%04d%s", i, refExt(ref)))
		if err := h.fetchTo(ctx, ref, dst); err != nil {
			kind := domainjob.Classify(err)
			return nil, &domainjob.Error{Kind: kind, Stage: StageDownload, Err: fmt.Errorf("fetch %q: %w", ref, err)}
		}
		images = append(images, fileImage{ref: ref, path: dst})
	}
	return images, nil
}

func (h *DiagnosisHandler) fetchTo(ctx context.Context, ref, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return domainjob.TransientError(StageDownload, err)
	}
	fetchErr := h.fetcher.Fetch(ctx, ref, f)
	closeErr := f.Close()
	if fetchErr != nil {
		return fetchErr
	}
	return closeErr
}

func refExt(ref string) string {
	clean := ref
	if i := strings.IndexAny(clean, "?#"); i >= 0 {
		clean = clean[:i]
	}
	ext := strings.ToLower(path.Ext(clean))
	if len(ext) > 6 || strings.ContainsAny(ext, `/\`) {
		return ""
	}
	return ext
}

// requireReadable fails the job when no materialized image decodes. Single
// unreadable images are tolerated; the estimator skips them.
func requireReadable(images []density.Image) error {
	if len(images) == 0 {
		return domainjob.InputError(StageProcessing, density.ErrEmptyInput)
	}
	var lastErr error
	for _, img := range images {
		rc, err := img.Open()
		if err != nil {
			lastErr = err
			continue
		}
		_, _, err = image.DecodeConfig(rc)
		_ = rc.Close()
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("%s: %w", img.Ref(), err)
	}
	return domainjob.InputError(StageProcessing, fmt.Errorf("no readable images: %w", lastErr))
}

func estimateError(err error) error {
	var jobErr *domainjob.Error
	if errors.As(err, &jobErr) {
		return err
	}
	if errors.Is(err, density.ErrEmptyInput) || errors.Is(err, density.ErrInvalidRepetitions) {
		return domainjob.InputError(StageEstimation, err)
	}
	return &domainjob.Error{Kind: domainjob.Classify(err), Stage: StageEstimation, Err: err}
}

type fileImage struct {
	ref  string
	path string
}

func (f fileImage) Ref() string { return f.ref }

func (f fileImage) Open() (io.ReadCloser, error) { return os.Open(f.path) }
