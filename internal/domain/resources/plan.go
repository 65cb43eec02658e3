// Package resources derives worker-pool sizing from host capacity.
package resources

// Memory tier boundaries in GB.
const (
	tierSmallGB  = 2.0
	tierMediumGB = 4.0
	tierLargeGB  = 8.0
)

// Plan is the outcome of sizing a worker pool.
type Plan struct {
	Workers          int `json:"workers"`
	ThreadsPerWorker int `json:"threads_per_worker"`
}

// PlanWorkers sizes the pool from total memory and CPU count:
//
//	memory < 2GB   → 1 worker
//	2GB ≤ m < 4GB  → min(2, cpus)
//	4GB ≤ m < 8GB  → min(3, cpus)
//	m ≥ 8GB        → max(1, cpus-1)
//
// ThreadsPerWorker is max(1, cpus/workers).
func PlanWorkers(totalMemoryGB float64, cpuCount int) Plan {
	cpus := max(cpuCount, 1)

	var workers int
	switch {
	case totalMemoryGB < tierSmallGB:
		workers = 1
	case totalMemoryGB < tierMediumGB:
		workers = min(2, cpus)
	case totalMemoryGB < tierLargeGB:
		workers = min(3, cpus)
	default:
		workers = max(1, cpus-1)
	}

	return Plan{
		Workers:          workers,
		ThreadsPerWorker: max(1, cpus/workers),
	}
}

// WithOverrides replaces planned values with positive operator overrides.
// When only the worker count is overridden, threads are re-derived from
// cpuCount for the pool that will actually run.
func (p Plan) WithOverrides(cpuCount, workers, threads int) Plan {
	if workers > 0 {
		p.Workers = workers
		p.ThreadsPerWorker = max(1, max(cpuCount, 1)/workers)
	}
	if threads > 0 {
		p.ThreadsPerWorker = threads
	}
	return p
}
