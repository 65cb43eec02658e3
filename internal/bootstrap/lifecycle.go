package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/project-theia/theia-api/config"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// stopTimeout bounds how long Run waits for components after shutdown
// begins. Workers need it to release in-flight jobs.
const stopTimeout = 15 * time.Second

// RunConfig is what Run needs to start the enabled services.
type RunConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// component is one long-running part of the process.
type component struct {
	name string
	run  func(ctx context.Context) error
}

func (rc *RunConfig) components(enabled map[config.ServiceMode]bool, logger *slog.Logger) []component {
	var out []component
	if enabled[config.ServiceModeHTTP] {
		server := NewHTTPServer(&HTTPServerConfig{
			Config:      rc.Config,
			Services:    rc.Services,
			DB:          rc.DB,
			RedisClient: rc.RedisClient,
			Logger:      logger,
		})
		out = append(out, component{name: "http", run: func(ctx context.Context) error {
			return ServeHTTP(ctx, server, rc.Config.HTTP.ShutdownTimeout, logger)
		}})
	}
	if enabled[config.ServiceModeWorker] {
		out = append(out, component{name: "workers", run: func(ctx context.Context) error {
			return RunWorkers(ctx, WorkerPoolConfig{Config: rc.Config, Services: rc.Services, Logger: logger})
		}})
	}
	if enabled[config.ServiceModeReaper] {
		out = append(out, component{name: "reaper", run: func(ctx context.Context) error {
			return RunReaper(ctx, ReaperConfig{
				Store:   rc.Services.Store,
				Logger:  logger,
				Config:  rc.Config.Reaper,
				Metrics: rc.Services.Observability.Metrics(),
			})
		}})
	}
	return out
}

// Run starts every enabled service and blocks until SIGINT, SIGTERM, ctx
// cancellation or the first component failure. A failure stops the rest and
// is returned.
func Run(ctx context.Context, rc *RunConfig) error {
	if rc == nil || rc.Config == nil {
		return errors.New("run config with app config is required")
	}
	logger := rc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	enabled, err := rc.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = runComponents(ctx, logger, rc.components(enabled, logger), stopTimeout)
	if rc.Services.Jobs != nil {
		rc.Services.Jobs.StopAllListeners()
	}
	return err
}

func runComponents(ctx context.Context, logger *slog.Logger, comps []component, grace time.Duration) error {
	group, gctx := errgroup.WithContext(ctx)
	for _, c := range comps {
		group.Go(func() error {
			logger.InfoContext(gctx, "service started", "service", c.name)
			err := c.run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.ErrorContext(gctx, "service failed", "service", c.name, "error", err)
				return fmt.Errorf("%s: %w", c.name, err)
			}
			logger.InfoContext(gctx, "service stopped", "service", c.name)
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-gctx.Done():
		logger.Info("shutting down services")
	}

	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		logger.Warn("timed out waiting for services to stop", "timeout", grace)
		if cause := context.Cause(gctx); !errors.Is(cause, context.Canceled) {
			return cause
		}
		return nil
	}
}
