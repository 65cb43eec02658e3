package main

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/project-theia/theia-api/config"
	"github.com/project-theia/theia-api/internal/bootstrap"
	"github.com/project-theia/theia-api/internal/service"
	"github.com/redis/go-redis/v9"
)

var (
	errAborted       = errors.New("aborted by operator")
	errMemoryBackend = errors.New("admin commands need a shared store; STORE_BACKEND=memory lives inside one server process")
)

// adminServices is the slice of the service stack the admin commands use.
type adminServices struct {
	Jobs  *service.JobService
	Store bootstrap.Store
	close func() error
}

func (s *adminServices) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}

// openAdminServices connects the configured store backends.
func openAdminServices(cmdCtx *commandContext) (*adminServices, error) {
	cfg := &cmdCtx.Config
	if cfg.Store.Backend == config.BackendMemory {
		return nil, errMemoryBackend
	}

	db, redisClient, err := connectInfra(cmdCtx, cfg)
	if err != nil {
		return nil, err
	}
	closeFn := func() error { return closeInfra(db, redisClient) }

	store, err := bootstrap.BuildStore(bootstrap.StoreDeps{
		Config: cfg.Store,
		DB:     db,
		Redis:  redisClient,
		Logger: cmdCtx.Logger,
	})
	if err != nil {
		return nil, errors.Join(err, closeFn())
	}

	jobs, _, err := bootstrap.BuildJobService(cfg, store, cmdCtx.Logger, nil)
	if err != nil {
		return nil, errors.Join(err, closeFn())
	}

	return &adminServices{Jobs: jobs, Store: store, close: func() error {
		jobs.StopAllListeners()
		return closeFn()
	}}, nil
}

// connectInfra opens the database and, when assignments live there, Redis.
func connectInfra(cmdCtx *commandContext, cfg *config.AppConfig) (*sql.DB, redis.UniversalClient, error) {
	var db *sql.DB
	if cfg.Store.UsesPostgres() {
		var err error
		db, err = bootstrap.ConnectDB(bootstrap.DatabaseConfig{DBConfig: cfg.Postgres, Logger: cmdCtx.Logger})
		if err != nil {
			return nil, nil, fmt.Errorf("connect db: %w", err)
		}
	}
	if !cfg.Store.UsesRedis() {
		return db, nil, nil
	}

	client, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{RedisConfig: cfg.Redis, Logger: cmdCtx.Logger})
	if err != nil {
		err = fmt.Errorf("connect redis: %w", err)
		if db != nil {
			if closeErr := db.Close(); closeErr != nil {
				err = errors.Join(err, fmt.Errorf("close db: %w", closeErr))
			}
		}
		return nil, nil, err
	}
	return db, client, nil
}

func closeInfra(db *sql.DB, redisClient redis.UniversalClient) error {
	var closeErr error
	if db != nil {
		if err := db.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close db: %w", err))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close redis: %w", err))
		}
	}
	return closeErr
}

// withServices opens the store for one command and closes it afterwards.
func withServices(cmdCtx *commandContext, f func(*adminServices) error) (err error) {
	svc, err := cmdCtx.openServices(cmdCtx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := svc.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("close store failed", "error", closeErr)
		}
	}()
	return f(svc)
}
