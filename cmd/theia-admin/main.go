package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/project-theia/theia-api/config"
	"github.com/project-theia/theia-api/internal/bootstrap"
	"github.com/project-theia/theia-api/internal/sysinfo"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
	Out    io.Writer
	In     *bufio.Reader

	// openServices connects the job store; tests swap in a memory store.
	openServices func(cmdCtx *commandContext) (*adminServices, error)
	probe        func(ctx context.Context) (sysinfo.Snapshot, error)
}

func main() {
	if len(os.Args) < 2 {
		if err := printUsage(os.Stdout); err != nil {
			slog.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			slog.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(os.Stderr); err != nil {
			slog.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		slog.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}
	// Keep stdout for command output; logs go to stderr.
	logger := bootstrap.NewLogger(os.Stderr, cfg.Observability.Logging).With("command", cmdName)

	cmdCtx := newCommandContext(context.Background(), logger, cfg)
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func newCommandContext(ctx context.Context, logger *slog.Logger, cfg config.AppConfig) *commandContext {
	return &commandContext{
		Ctx:          ctx,
		Logger:       logger,
		Config:       cfg,
		Out:          os.Stdout,
		In:           bufio.NewReader(os.Stdin),
		openServices: openAdminServices,
		probe:        sysinfo.Probe,
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrations,
		},
		"submit": {
			name:        "submit",
			description: "Submit a job for image files, directories, globs or URLs",
			run:         runSubmit,
		},
		"status": {
			name:        "status",
			description: "Show the status and progress of a job",
			run:         runStatus,
		},
		"result": {
			name:        "result",
			description: "Show the result or failure reason of a job",
			run:         runResult,
		},
		"retry": {
			name:        "retry",
			description: "Resubmit a FAILED job",
			run:         runRetry,
		},
		"list": {
			name:        "list",
			description: "List jobs, newest first",
			run:         runList,
		},
		"stats": {
			name:        "stats",
			description: "Show job counts per status",
			run:         runStats,
		},
		"reap": {
			name:        "reap",
			description: "Run one orphan reaper sweep",
			run:         runReap,
		},
		"purge": {
			name:        "purge",
			description: "Delete SUCCESS and FAILED jobs older than a cutoff",
			run:         runPurge,
		},
		"plan": {
			name:        "plan",
			description: "Show the worker pool this host would run",
			run:         runPlan,
		},
	}
}

func printUsage(w io.Writer) error {
	if err := writef(w, "Usage: theia-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(w, "Available commands:\n"); err != nil {
		return err
	}
	all := commands()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writef(w, "  %-10s %s\n", name, all[name].description); err != nil {
			return err
		}
	}
	return nil
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

// confirm asks the operator to type "yes" before a destructive action.
func confirm(cmdCtx *commandContext, prompt string) error {
	if err := writef(cmdCtx.Out, "%s\nType 'yes' to continue: ", prompt); err != nil {
		return err
	}
	answer, err := cmdCtx.In.ReadString('\n')
	if err != nil && answer == "" {
		return fmt.Errorf("read confirmation: %w", err)
	}
	if strings.TrimSpace(strings.ToLower(answer)) != "yes" {
		return errAborted
	}
	return nil
}
