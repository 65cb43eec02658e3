package density

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/project-theia/theia-api/internal/domain/model"
)

// DefaultReferenceClassID is the reference-detector class counted as a red blood cell.
const DefaultReferenceClassID = 0

var (
	// ErrEmptyInput is returned when no images are supplied.
	ErrEmptyInput = errors.New("empty image batch")
	// ErrInvalidRepetitions is returned when repetitions < 1.
	ErrInvalidRepetitions = errors.New("repetitions must be >= 1")
	// ErrDetectorRequired is returned when the positive or reference detector is missing.
	ErrDetectorRequired = errors.New("positive and reference detectors are required")
)

// Options configures an Estimator.
type Options struct {
	Detectors        Detectors
	Augmenter        Augmenter
	ReferenceClassID int
	StageLabels      StageLabels
	Logger           *slog.Logger
}

// Estimator runs the repeated-sampling density algorithm.
type Estimator struct {
	detectors   Detectors
	augmenter   Augmenter
	refClassID  int
	stageLabels StageLabels
	logger      *slog.Logger
}

// NewEstimator constructs an Estimator.
func NewEstimator(opts Options) (*Estimator, error) {
	if opts.Detectors.Positive == nil || opts.Detectors.Reference == nil {
		return nil, ErrDetectorRequired
	}
	aug := opts.Augmenter
	if aug == nil {
		aug = NewJitterAugmenter(DefaultJitterRanges(), 0)
	}
	labels := opts.StageLabels
	if labels == nil {
		labels = DefaultStageLabels()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{
		detectors:   opts.Detectors,
		augmenter:   aug,
		refClassID:  opts.ReferenceClassID,
		stageLabels: labels,
		logger:      logger.With("component", "density_estimator"),
	}, nil
}

// Checkpoint is consulted between repetitions; a non-nil error aborts the estimate.
type Checkpoint func(stage string) error

type checkpointKey struct{}

// WithCheckpoint attaches a checkpoint to ctx.
func WithCheckpoint(ctx context.Context, cp Checkpoint) context.Context {
	return context.WithValue(ctx, checkpointKey{}, cp)
}

func checkpoint(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cp, ok := ctx.Value(checkpointKey{}).(Checkpoint); ok && cp != nil {
		return cp(stage)
	}
	return nil
}

// Estimate runs repetitions independent passes over images and aggregates them.
//
// Each pass walks images in order, stopping once positive+reference detections
// reach targetCount. Images that cannot be augmented are skipped and not
// counted. When a stage detector is configured, it runs once per pass over the
// images that pass processed, each re-augmented.
func (e *Estimator) Estimate(ctx context.Context, images []Image, targetCount, repetitions int) (*model.AggregateResult, error) {
	if len(images) == 0 {
		return nil, ErrEmptyInput
	}
	if repetitions < 1 {
		return nil, ErrInvalidRepetitions
	}

	runs := make([]model.RunResult, 0, repetitions)
	for i := range repetitions {
		if err := checkpoint(ctx, fmt.Sprintf("repetition %d", i+1)); err != nil {
			return nil, err
		}
		run, err := e.runOnce(ctx, images, targetCount)
		if err != nil {
			return nil, fmt.Errorf("repetition %d: %w", i+1, err)
		}
		e.logger.DebugContext(ctx, "repetition finished",
			"repetition", i+1,
			"positive", run.PositiveCount,
			"reference", run.ReferenceCount,
			"images_processed", run.ImagesProcessed,
		)
		runs = append(runs, run)
	}

	return Aggregate(runs, targetCount), nil
}

func (e *Estimator) runOnce(ctx context.Context, images []Image, targetCount int) (model.RunResult, error) {
	run := model.RunResult{StageCounts: map[string]int{}}
	processed := make([]Image, 0, len(images))

	for _, img := range images {
		if run.PositiveCount+run.ReferenceCount >= targetCount {
			break
		}
		if err := ctx.Err(); err != nil {
			return run, err
		}

		augmented, err := e.augmenter.Augment(img)
		if err != nil {
			e.logger.WarnContext(ctx, "skipping unreadable image", "ref", img.Ref(), "error", err)
			continue
		}

		positives, err := e.detectors.Positive.Detect(ctx, augmented)
		if err != nil {
			return run, fmt.Errorf("positive detector on %s: %w", img.Ref(), err)
		}
		run.PositiveCount += len(positives)

		refs, err := e.detectors.Reference.Detect(ctx, augmented)
		if err != nil {
			return run, fmt.Errorf("reference detector on %s: %w", img.Ref(), err)
		}
		run.ReferenceCount += e.countReference(refs)

		run.ImagesProcessed++
		processed = append(processed, img)
	}

	if e.detectors.Stage != nil {
		if err := e.classifyStages(ctx, processed, run.StageCounts); err != nil {
			return run, err
		}
	}

	run.Percentage, run.DensityPer1000 = ratios(run.PositiveCount, run.ReferenceCount)
	return run, nil
}

func (e *Estimator) countReference(dets []Detection) int {
	n := 0
	for _, d := range dets {
		if d.ClassID == e.refClassID {
			n++
		}
	}
	return n
}

func (e *Estimator) classifyStages(ctx context.Context, images []Image, counts map[string]int) error {
	for _, img := range images {
		augmented, err := e.augmenter.Augment(img)
		if err != nil {
			e.logger.WarnContext(ctx, "skipping stage classification for image", "ref", img.Ref(), "error", err)
			continue
		}
		dets, err := e.detectors.Stage.Detect(ctx, augmented)
		if err != nil {
			return fmt.Errorf("stage detector on %s: %w", img.Ref(), err)
		}
		for _, d := range dets {
			counts[e.stageLabels.Name(d)]++
		}
	}
	return nil
}

// ratios returns positive/(positive+reference) scaled by 100 and by 1000, or
// zeros when nothing was counted.
func ratios(positive, reference int) (percent, per1000 float64) {
	total := positive + reference
	if total == 0 {
		return 0, 0
	}
	frac := float64(positive) / float64(total)
	return frac * 100, frac * 1000
}

// Aggregate combines per-run results. Stage averages sum each label across
// all runs before dividing by the run count, rounding half to even.
func Aggregate(runs []model.RunResult, targetCount int) *model.AggregateResult {
	out := &model.AggregateResult{
		StageAverages:          map[string]int{},
		ImagesProcessedPerRun:  make([]int, 0, len(runs)),
		ReferenceCountedPerRun: make([]int, 0, len(runs)),
		Repetitions:            len(runs),
		TargetCount:            targetCount,
		Runs:                   runs,
	}
	if len(runs) == 0 {
		return out
	}

	var pctSum, densitySum float64
	stageSums := map[string]int{}
	for _, run := range runs {
		pctSum += run.Percentage
		densitySum += run.DensityPer1000
		for label, n := range run.StageCounts {
			stageSums[label] += n
		}
		out.ImagesProcessedPerRun = append(out.ImagesProcessedPerRun, run.ImagesProcessed)
		out.ReferenceCountedPerRun = append(out.ReferenceCountedPerRun, run.ReferenceCount)
		out.ImagesProcessed += run.ImagesProcessed
	}

	n := float64(len(runs))
	out.PercentageMean = pctSum / n
	out.DensityMean = densitySum / n
	for label, sum := range stageSums {
		out.StageAverages[label] = int(math.RoundToEven(float64(sum) / n))
	}
	return out
}
