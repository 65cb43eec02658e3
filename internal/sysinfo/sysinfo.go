// Package sysinfo probes host capacity and configures numeric thread pools.
package sysinfo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const bytesPerGB = 1 << 30

// Snapshot describes host capacity at probe time.
type Snapshot struct {
	TotalMemoryGB     float64
	AvailableMemoryGB float64
	CPUCount          int
}

// Probe reads total and available memory plus the logical CPU count.
func Probe(ctx context.Context) (Snapshot, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read memory stats: %w", err)
	}

	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cpus <= 0 {
		cpus = runtime.NumCPU()
	}

	return Snapshot{
		TotalMemoryGB:     float64(vm.Total) / bytesPerGB,
		AvailableMemoryGB: float64(vm.Available) / bytesPerGB,
		CPUCount:          cpus,
	}, nil
}

// MemoryProbe reports currently available memory in GB.
type MemoryProbe interface {
	AvailableGB(ctx context.Context) (float64, error)
}

// HostMemory implements MemoryProbe with gopsutil.
type HostMemory struct{}

// AvailableGB returns the memory the kernel reports as available.
func (HostMemory) AvailableGB(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("read memory stats: %w", err)
	}
	return float64(vm.Available) / bytesPerGB, nil
}

// ThreadEnvVars are the numeric-library thread limits set before detectors load.
var ThreadEnvVars = []string{
	"OMP_NUM_THREADS",
	"MKL_NUM_THREADS",
	"OPENBLAS_NUM_THREADS",
	"NUMEXPR_NUM_THREADS",
	"VECLIB_MAXIMUM_THREADS",
}

var (
	threadOnce    sync.Once
	threadApplied int
	threadErr     error
)

// ApplyThreadEnv exports the per-worker thread count to the process
// environment, which subprocess detectors inherit. Only the first call has
// effect; every call returns the count applied and any variables that could
// not be set.
func ApplyThreadEnv(threads int) (int, error) {
	threadOnce.Do(func() {
		threadApplied = max(threads, 1)
		threadErr = exportThreads(ThreadEnvVars, threadApplied, os.Setenv)
	})
	return threadApplied, threadErr
}

func exportThreads(keys []string, threads int, setenv func(key, value string) error) error {
	v := strconv.Itoa(threads)
	var errs []error
	for _, key := range keys {
		if err := setenv(key, v); err != nil {
			errs = append(errs, fmt.Errorf("set %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
