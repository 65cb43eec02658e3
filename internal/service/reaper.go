package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/project-theia/theia-api/config"
	"github.com/project-theia/theia-api/internal/core"
	"github.com/project-theia/theia-api/internal/domain/model"
	obserrors "github.com/project-theia/theia-api/internal/observability/errors"
	"github.com/project-theia/theia-api/internal/observability/metrics"
	"github.com/project-theia/theia-api/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo     core.ReaperRepository  // Required: reaper repository
	Registry core.AssignmentRegistry // Required: live worker assignments
	Config   config.ReaperConfig    // Required: reaper configuration
	Logger   *slog.Logger           // Optional: structured logger
	Metrics  statsd.Sink            // Optional: metrics sink (StatsD-compatible)
	Now      func() time.Time       // Optional: clock override for tests
}

// ReaperService fails PROCESSING jobs whose worker is gone.
//
// A candidate is a PROCESSING job past its recorded deadline or older than
// the fallback ceiling. Candidates that still have a live assignment are
// left alone; the owning worker reports its own timeout at the next
// checkpoint.
type ReaperService struct {
	repo     core.ReaperRepository
	registry core.AssignmentRegistry
	config   config.ReaperConfig
	logger   *slog.Logger
	metrics  statsd.Sink
	now      func() time.Time
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Examined int
	Live     int
	Failed   int64
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("AssignmentRegistry is required")
	}
	cfg := opts.Config
	cfg.Sanitize()

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", cfg.Interval,
			"fallback", cfg.Fallback,
			"batch_size", cfg.BatchSize,
		)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &ReaperService{
		repo:     opts.Repo,
		registry: opts.Registry,
		config:   cfg,
		logger:   logger,
		metrics:  opts.Metrics,
		now:      now,
	}, nil
}

// MustNewReaperService constructs a new ReaperService and panics on error.
func MustNewReaperService(opts ReaperServiceOptions) *ReaperService {
	svc, err := NewReaperService(opts)
	if err != nil {
		//nolint:forbidigo // Must* constructors intentionally panic on invalid wiring
		panic(fmt.Sprintf("failed to create ReaperService: %v", err))
	}
	return svc
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Several replicas may start together.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if _, err := s.sweepWithMetrics(ctx); err != nil {
		s.logSweepError(err, "initial sweep")
	}

	return s.runLoop(ctx, ticker)
}

// waitWithJitter sleeps a random delay up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func (s *ReaperService) runLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if _, err := s.sweepWithMetrics(ctx); err != nil {
				s.logSweepError(err, "sweep")
			}
		}
	}
}

// Sweep runs one orphan pass over every candidate, a batch at a time, and
// returns what it did. Batches are paged by (created_at, id) so live jobs
// never hide younger orphans. Repeated sweeps are idempotent: jobs already
// FAILED are never selected again.
func (s *ReaperService) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var after *core.OrphanCursor
	for {
		now := s.now()
		candidates, err := s.repo.ListOrphanCandidates(ctx, core.OrphanQuery{
			Now:      now,
			Fallback: s.config.Fallback,
			Limit:    s.config.BatchSize,
			After:    after,
		})
		if err != nil {
			return res, fmt.Errorf("list orphan candidates: %w", err)
		}
		if len(candidates) == 0 {
			return res, nil
		}
		res.Examined += len(candidates)

		live, err := s.registry.Active(ctx, jobIDs(candidates))
		if err != nil {
			return res, fmt.Errorf("load active assignments: %w", err)
		}

		failed, err := s.failOrphans(ctx, candidates, live, now)
		res.Failed += failed
		res.Live += len(live)
		if err != nil {
			return res, err
		}

		if len(candidates) < s.config.BatchSize {
			return res, nil
		}
		last := candidates[len(candidates)-1]
		after = &core.OrphanCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}
}

// failOrphans groups dead candidates by reason so each group is one update.
func (s *ReaperService) failOrphans(
	ctx context.Context,
	candidates []*model.Job,
	live map[string]string,
	now time.Time,
) (int64, error) {
	byReason := map[string][]string{}
	var order []string
	for _, job := range candidates {
		if _, ok := live[job.ID]; ok {
			continue
		}
		reason := s.orphanReason(job, now)
		if _, seen := byReason[reason]; !seen {
			order = append(order, reason)
		}
		byReason[reason] = append(byReason[reason], job.ID)
	}

	var total int64
	for _, reason := range order {
		ids := byReason[reason]
		n, err := s.repo.FailOrphaned(ctx, ids, reason)
		if err != nil {
			return total, fmt.Errorf("fail orphaned jobs: %w", err)
		}
		total += n
		for range n {
			metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
				Transition:  metrics.TransitionOrphaned,
				Result:      metrics.ResultSuccess,
				FailureKind: "orphaned",
			})
		}
		if n > 0 && s.logger != nil {
			s.logger.WarnContext(ctx, "failed orphaned jobs",
				"count", n,
				"reason", reason,
				"job_ids", ids,
			)
		}
	}
	return total, nil
}

func (s *ReaperService) orphanReason(job *model.Job, now time.Time) string {
	if job.Deadline != nil && job.Deadline.Before(now) {
		return fmt.Sprintf("orphaned: deadline %s passed with no active worker",
			job.Deadline.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("orphaned: processing longer than %s with no active worker", s.config.Fallback)
}

func jobIDs(jobs []*model.Job) []string {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

func (s *ReaperService) sweepWithMetrics(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	res, err := s.Sweep(ctx)
	s.emitSweepMetrics(res, suppressContextCancellation(err), time.Since(start))
	if err != nil && isContextCancellation(err) && ctx.Err() != nil {
		return res, context.Canceled
	}
	return res, err
}

func (s *ReaperService) emitSweepMetrics(res SweepResult, err error, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if res.Failed == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{"result": result}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.sweep", 1, tags)
	if elapsed > 0 {
		s.metrics.Timing("reaper.sweep_duration", elapsed, metrics.CloneTags(tags))
	}
	if res.Examined > 0 {
		s.metrics.Gauge("reaper.candidates", float64(res.Examined), nil)
	}
	if res.Live > 0 {
		s.metrics.Count("reaper.live_skipped", int64(res.Live), nil)
	}
	if res.Failed > 0 {
		s.metrics.Count("reaper.jobs_orphaned", res.Failed, metrics.CloneTags(tags))
	}
	if err == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *ReaperService) logSweepError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
