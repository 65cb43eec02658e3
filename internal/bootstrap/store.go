package bootstrap

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/project-theia/theia-api/config"
	"github.com/project-theia/theia-api/internal/core"
	"github.com/project-theia/theia-api/internal/data"
	"github.com/redis/go-redis/v9"
)

// Store groups the job store ports backed by one backend.
type Store struct {
	Jobs     core.JobRepository
	Reaper   core.ReaperRepository
	Purge    core.PurgeRepository
	Registry core.AssignmentRegistry
}

// StoreDeps are the connections a Store may need.
type StoreDeps struct {
	Config config.StoreConfig
	DB     *sql.DB
	Redis  redis.UniversalClient
	Logger *slog.Logger
}

// BuildStore selects the job repository and assignment registry for the
// configured backends.
func BuildStore(deps StoreDeps) (Store, error) {
	cfg := deps.Config
	cfg.Sanitize()

	var store Store
	var memory *data.MemoryJobRepo

	switch cfg.Backend {
	case config.BackendPostgres:
		if deps.DB == nil {
			return Store{}, errors.New("postgres store requires a database connection")
		}
		repo := data.NewJobRepo(deps.DB, data.RepoConfig{Logger: deps.Logger})
		store = Store{Jobs: repo, Reaper: repo, Purge: repo}
	case config.BackendMemory:
		memory = data.NewMemoryJobRepo(nil)
		store = Store{Jobs: memory, Reaper: memory, Purge: memory}
	default:
		return Store{}, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}

	switch cfg.AssignmentsBackend {
	case config.BackendPostgres:
		if deps.DB == nil {
			return Store{}, errors.New("postgres assignments require a database connection")
		}
		store.Registry = data.NewLeaseRegistry(deps.DB, nil)
	case config.BackendRedis:
		if deps.Redis == nil {
			return Store{}, errors.New("redis assignments require a redis client")
		}
		store.Registry = data.NewRedisAssignmentRegistry(deps.Redis, cfg.AssignmentsPrefix)
	case config.BackendMemory:
		if memory == nil {
			return Store{}, errors.New("memory assignments require the memory store")
		}
		store.Registry = memory.LeaseRegistry()
	default:
		return Store{}, fmt.Errorf("unsupported assignments backend %q", cfg.AssignmentsBackend)
	}

	return store, nil
}
