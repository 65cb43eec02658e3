package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/project-theia/theia-api/internal/adapters/imagestore"
	"github.com/project-theia/theia-api/internal/bootstrap"
	"github.com/project-theia/theia-api/internal/core"
	"github.com/project-theia/theia-api/internal/domain/model"
	"github.com/project-theia/theia-api/internal/domain/resources"
	"github.com/project-theia/theia-api/internal/util"
)

const (
	defaultMigrateTimeout = 5 * time.Minute
	defaultListLimit      = 20
	// unsetInt marks an integer flag the operator did not pass.
	unsetInt = -1
)

// metaFlag collects repeated --meta key=value pairs.
type metaFlag map[string]string

func (m metaFlag) String() string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k+"="+m[k])
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (m metaFlag) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("metadata must be key=value, got %q", v)
	}
	m[key] = value
	return nil
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("migrate")
	timeout := fs.Duration("timeout", defaultMigrateTimeout, "Maximum time to wait for migrations")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !cmdCtx.Config.Store.UsesPostgres() {
		return errors.New("migrate requires STORE_BACKEND=postgres")
	}

	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", closeErr)
		}
	}()

	cmdCtx.Logger.Info("running database migrations")
	if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
		return fmt.Errorf("run migrations: %w", migrateErr)
	}
	return writef(cmdCtx.Out, "migrations applied\n")
}

type submitOptions struct {
	Refs        []string
	TargetCount int
	Repetitions int
	MaxRetries  int
	Metadata    metaFlag
}

func parseSubmitFlags(args []string) (submitOptions, error) {
	opts := submitOptions{Metadata: metaFlag{}}
	fs := newFlagSet("submit")
	fs.IntVar(&opts.TargetCount, "target", unsetInt, "Reference cells to count per run (0 processes every image)")
	fs.IntVar(&opts.Repetitions, "repetitions", unsetInt, "Number of estimator repetitions")
	fs.IntVar(&opts.MaxRetries, "max-retries", unsetInt, "Automatic retries before the job fails")
	fs.Var(opts.Metadata, "meta", "Metadata key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() == 0 {
		return opts, errors.New("at least one image file, directory, glob or URL is required")
	}

	refs, err := imagestore.ExpandRefs(fs.Args())
	if err != nil {
		return opts, err
	}
	opts.Refs = refs
	return opts, nil
}

func (o submitOptions) request() (*model.CreateJobRequest, error) {
	req := &model.CreateJobRequest{
		ImageRefs:   o.Refs,
		TargetCount: optionalInt(o.TargetCount),
		Repetitions: optionalInt(o.Repetitions),
		MaxRetries:  optionalInt(o.MaxRetries),
	}
	if len(o.Metadata) > 0 {
		raw, err := json.Marshal(map[string]string(o.Metadata))
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		req.Metadata = raw
	}
	return req, nil
}

func optionalInt(v int) *int {
	if v == unsetInt {
		return nil
	}
	return &v
}

func runSubmit(cmdCtx *commandContext, args []string) error {
	opts, err := parseSubmitFlags(args)
	if err != nil {
		return err
	}
	req, err := opts.request()
	if err != nil {
		return err
	}

	return withServices(cmdCtx, func(svc *adminServices) error {
		job, submitErr := svc.Jobs.Submit(cmdCtx.Ctx, req)
		if submitErr != nil {
			return submitErr
		}
		return writef(cmdCtx.Out, "%s\n", job.ID)
	})
}

func jobIDArg(name string, args []string) (string, error) {
	fs := newFlagSet(name)
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 || strings.TrimSpace(fs.Arg(0)) == "" {
		return "", fmt.Errorf("usage: theia-admin %s <job-id>", name)
	}
	return strings.TrimSpace(fs.Arg(0)), nil
}

func writeJSON(w io.Writer, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return writef(w, "%s\n", body)
}

func runStatus(cmdCtx *commandContext, args []string) error {
	id, err := jobIDArg("status", args)
	if err != nil {
		return err
	}
	return withServices(cmdCtx, func(svc *adminServices) error {
		status, getErr := svc.Jobs.GetStatus(cmdCtx.Ctx, id)
		if getErr != nil {
			return getErr
		}
		return writeJSON(cmdCtx.Out, status)
	})
}

func runResult(cmdCtx *commandContext, args []string) error {
	id, err := jobIDArg("result", args)
	if err != nil {
		return err
	}
	return withServices(cmdCtx, func(svc *adminServices) error {
		result, getErr := svc.Jobs.GetResult(cmdCtx.Ctx, id)
		if getErr != nil {
			return getErr
		}
		return writeJSON(cmdCtx.Out, result)
	})
}

func runRetry(cmdCtx *commandContext, args []string) error {
	id, err := jobIDArg("retry", args)
	if err != nil {
		return err
	}
	return withServices(cmdCtx, func(svc *adminServices) error {
		job, retryErr := svc.Jobs.Retry(cmdCtx.Ctx, id)
		if retryErr != nil {
			return retryErr
		}
		return writef(cmdCtx.Out, "%s %s (resubmitted %d times)\n", job.ID, job.Status, job.ResubmitCount)
	})
}

func runList(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("list")
	status := fs.String("status", "", "Filter by status (PENDING, PROCESSING, SUCCESS, FAILED)")
	limit := fs.Int("limit", defaultListLimit, "Maximum jobs to display")
	offset := fs.Int("offset", 0, "Number of jobs to skip")
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts := model.JobListOptions{Limit: *limit, Offset: *offset}
	if *status != "" {
		parsed, err := model.ParseJobStatus(*status)
		if err != nil {
			return err
		}
		opts.Status = &parsed
	}

	return withServices(cmdCtx, func(svc *adminServices) error {
		jobs, err := svc.Jobs.List(cmdCtx.Ctx, opts)
		if err != nil {
			return err
		}
		return printJobTable(cmdCtx.Out, jobs, time.Now())
	})
}

func printJobTable(w io.Writer, jobs []*model.Job, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writef(tw, "ID\tSTATUS\tIMAGES\tRETRIES\tCREATED\tELAPSED\tPROGRESS\n"); err != nil {
		return err
	}
	for _, job := range jobs {
		progress := "-"
		if job.Progress != nil && *job.Progress != "" {
			progress = *job.Progress
		}
		if err := writef(tw, "%s\t%s\t%d\t%d/%d\t%s\t%s\t%s\n",
			job.ID,
			job.Status,
			len(job.ImageRefs),
			job.RetryCount,
			job.MaxRetries,
			job.CreatedAt.UTC().Format(time.RFC3339),
			util.FormatElapsed(job.StartedAt, job.CompletedAt, now),
			progress,
		); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func runStats(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("stats")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withServices(cmdCtx, func(svc *adminServices) error {
		stats, err := svc.Jobs.Stats(cmdCtx.Ctx)
		if err != nil {
			return err
		}
		return writef(cmdCtx.Out, "pending=%d processing=%d success=%d failed=%d\n",
			stats.Pending, stats.Processing, stats.Success, stats.Failed)
	})
}

func runReap(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("reap")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withServices(cmdCtx, func(svc *adminServices) error {
		runner, err := bootstrap.NewReaperRunner(bootstrap.ReaperConfig{
			Store:  svc.Store,
			Logger: cmdCtx.Logger,
			Config: cmdCtx.Config.Reaper,
		})
		if err != nil {
			return err
		}
		res, err := runner.SweepOnce(cmdCtx.Ctx)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		return writef(cmdCtx.Out, "examined=%d live=%d failed=%d\n", res.Examined, res.Live, res.Failed)
	})
}

type purgeOptions struct {
	OlderThan time.Duration
	BatchSize int
	Yes       bool
}

func parsePurgeFlags(args []string, defaultBatch int) (purgeOptions, error) {
	var opts purgeOptions
	fs := newFlagSet("purge")
	fs.DurationVar(&opts.OlderThan, "older-than", 0, "Delete terminal jobs completed before now minus this age (required)")
	fs.IntVar(&opts.BatchSize, "batch-size", defaultBatch, "Rows deleted per batch")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.OlderThan <= 0 {
		return opts, errors.New("--older-than must be greater than zero")
	}
	if opts.BatchSize <= 0 {
		return opts, errors.New("--batch-size must be greater than zero")
	}
	return opts, nil
}

func runPurge(cmdCtx *commandContext, args []string) error {
	opts, err := parsePurgeFlags(args, cmdCtx.Config.Reaper.PurgeBatchSize)
	if err != nil {
		return err
	}
	if !opts.Yes {
		prompt := fmt.Sprintf("Delete SUCCESS and FAILED jobs older than %s.", opts.OlderThan)
		if confirmErr := confirm(cmdCtx, prompt); confirmErr != nil {
			return confirmErr
		}
	}

	return withServices(cmdCtx, func(svc *adminServices) error {
		deleted, purgeErr := purgeAll(cmdCtx.Ctx, svc.Store.Purge, opts)
		cmdCtx.Logger.Info("purged terminal jobs", "deleted", deleted, "older_than", opts.OlderThan)
		if purgeErr != nil {
			return fmt.Errorf("purge: %w", purgeErr)
		}
		return writef(cmdCtx.Out, "deleted %d jobs\n", deleted)
	})
}

// purgeAll deletes batches until one comes back short.
func purgeAll(ctx context.Context, repo core.PurgeRepository, opts purgeOptions) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := repo.PurgeTerminal(ctx, opts.OlderThan, opts.BatchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(opts.BatchSize) {
			return total, nil
		}
	}
}

func runPlan(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("plan")
	if err := fs.Parse(args); err != nil {
		return err
	}

	snap, err := cmdCtx.probe(cmdCtx.Ctx)
	if err != nil {
		return fmt.Errorf("probe host: %w", err)
	}
	worker := cmdCtx.Config.Worker
	plan := resources.PlanWorkers(snap.TotalMemoryGB, snap.CPUCount).WithOverrides(snap.CPUCount, worker.Count, worker.Threads)

	if err := writef(cmdCtx.Out, "memory: %.1f GB total, %.1f GB available\ncpus: %d\n",
		snap.TotalMemoryGB, snap.AvailableMemoryGB, snap.CPUCount); err != nil {
		return err
	}
	return writef(cmdCtx.Out, "workers: %d\nthreads per worker: %d\n", plan.Workers, plan.ThreadsPerWorker)
}
