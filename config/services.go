package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the JSON intake API.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker runs the diagnosis worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the orphan reaper.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{ServiceModeHTTP, ServiceModeWorker, ServiceModeReaper}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for part := range strings.SplitSeq(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service name: %q (valid options: http, worker, reaper)", serviceName)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig controls the diagnosis worker pool.
type WorkerConfig struct {
	// Count overrides the planned worker count. 0 derives it from host memory and CPUs.
	Count int `env:"WORKER_COUNT" envDefault:"0"`

	// Threads overrides the planned threads per worker. 0 derives it.
	Threads int `env:"WORKER_THREADS" envDefault:"0"`

	// MaxJobs rebuilds a worker's detectors after this many completed jobs. 0 never rebuilds.
	MaxJobs int `env:"WORKER_MAX_JOBS" envDefault:"0"`

	// JobLease is how long an assignment survives without a heartbeat.
	JobLease time.Duration `env:"WORKER_JOB_LEASE" envDefault:"60s"`

	// PollInterval bounds how long an idle worker waits before re-polling.
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`

	// MemoryFloorGB is the available memory required before detectors load.
	MemoryFloorGB float64 `env:"WORKER_MEMORY_FLOOR_GB" envDefault:"2"`

	// TempDir is where job images are materialized. Empty uses os.TempDir().
	TempDir string `env:"WORKER_TEMP_DIR"`

	// ID prefixes worker identities. Empty uses the host name.
	ID string `env:"WORKER_ID"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	w.Count = max(w.Count, 0)
	w.Threads = max(w.Threads, 0)
	w.MaxJobs = max(w.MaxJobs, 0)
	if w.JobLease < 5*time.Second {
		w.JobLease = 5 * time.Second
	}
	if w.PollInterval < 100*time.Millisecond {
		w.PollInterval = 100 * time.Millisecond
	}
	if w.MemoryFloorGB < 0 {
		w.MemoryFloorGB = 0
	}
	w.TempDir = strings.TrimSpace(w.TempDir)
	w.ID = strings.TrimSpace(w.ID)
}

// RetryConfig controls automatic re-dispatch of failed attempts.
type RetryConfig struct {
	// Ceiling bounds automatic retries of transient failures.
	Ceiling int `env:"RETRY_CEILING" envDefault:"3"`

	// MemoryRetries bounds automatic retries of low-memory failures.
	MemoryRetries int `env:"RETRY_MEMORY" envDefault:"1"`

	// Backoff delays a retried job before it becomes due again.
	Backoff time.Duration `env:"RETRY_BACKOFF" envDefault:"30s"`

	// DefaultMaxRetries is stored on jobs submitted without max_retries.
	DefaultMaxRetries int `env:"JOB_MAX_RETRIES" envDefault:"3"`
}

// Sanitize applies guardrails to retry configuration values.
func (r *RetryConfig) Sanitize() {
	r.Ceiling = max(r.Ceiling, 0)
	r.MemoryRetries = max(r.MemoryRetries, 0)
	r.Backoff = max(r.Backoff, 0)
	r.DefaultMaxRetries = max(r.DefaultMaxRetries, 0)
}

// DeadlineConfig controls the per-job execution budget.
type DeadlineConfig struct {
	// Base is the budget of a job dispatched with no backlog.
	Base time.Duration `env:"DEADLINE_BASE" envDefault:"20m"`

	// PerTaskAhead is added for every queued job beyond the worker count.
	PerTaskAhead time.Duration `env:"DEADLINE_PER_TASK_AHEAD" envDefault:"3m"`
}

// Sanitize applies guardrails to deadline configuration values.
func (d *DeadlineConfig) Sanitize() {
	if d.Base < time.Minute {
		d.Base = time.Minute
	}
	d.PerTaskAhead = max(d.PerTaskAhead, 0)
}

// ReaperConfig contains orphan reaper configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`

	// Fallback is the age after which a PROCESSING job without a live owner
	// is orphaned even if it never recorded a deadline.
	Fallback time.Duration `env:"REAPER_FALLBACK" envDefault:"2h"`

	// BatchSize is the maximum number of candidates examined per batch.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"100"`

	// PurgeBatchSize bounds rows deleted per statement by the admin purge.
	PurgeBatchSize int `env:"PURGE_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < 5*time.Second {
		r.Interval = 5 * time.Second
	}
	if r.Fallback < time.Minute {
		r.Fallback = time.Minute
	}
	r.BatchSize = min(max(r.BatchSize, 1), 10000)
	r.PurgeBatchSize = min(max(r.PurgeBatchSize, 1), 10000)
}
