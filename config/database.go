package config

import (
	"strings"
	"time"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
)

// StoreConfig selects where jobs and worker assignments live.
type StoreConfig struct {
	// Backend is "postgres" (durable) or "memory" (single process, dev and tests).
	Backend string `env:"STORE_BACKEND" envDefault:"postgres"`
	// AssignmentsBackend is "postgres" (lease columns on the job row),
	// "redis" or "memory". Memory is only valid with the memory store.
	AssignmentsBackend string `env:"ASSIGNMENTS_BACKEND" envDefault:"postgres"`
	// AssignmentsPrefix namespaces Redis assignment keys.
	AssignmentsPrefix string `env:"ASSIGNMENTS_REDIS_PREFIX" envDefault:"theia:assignment:"`
}

// Sanitize lower-cases backend names and keeps the pair consistent.
func (s *StoreConfig) Sanitize() {
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	if s.Backend == "" {
		s.Backend = BackendPostgres
	}
	s.AssignmentsBackend = strings.ToLower(strings.TrimSpace(s.AssignmentsBackend))
	if s.AssignmentsBackend == "" {
		s.AssignmentsBackend = s.Backend
	}
	if s.Backend == BackendMemory && s.AssignmentsBackend == BackendPostgres {
		s.AssignmentsBackend = BackendMemory
	}
	if s.Backend == BackendPostgres && s.AssignmentsBackend == BackendMemory {
		s.AssignmentsBackend = BackendPostgres
	}
}

// UsesPostgres reports whether any component needs a database connection.
func (s *StoreConfig) UsesPostgres() bool {
	return s.Backend == BackendPostgres || s.AssignmentsBackend == BackendPostgres
}

// UsesRedis reports whether assignments are tracked in Redis.
func (s *StoreConfig) UsesRedis() bool {
	return s.AssignmentsBackend == BackendRedis
}

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"theia"`
	Password string `env:"PASSWORD"                envDefault:"theia"`
	Name     string `env:"NAME"                    envDefault:"theia"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS"     envDefault:"25"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS"     envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME"  envDefault:"5m"`
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
}
