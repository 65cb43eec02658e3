package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/project-theia/theia-api/internal/core"
	"github.com/project-theia/theia-api/internal/domain/density"
)

// ModelSet holds one worker's loaded detectors. Detectors are built lazily
// and released after MaxJobs completed jobs so the next job reloads them.
type ModelSet struct {
	factory core.DetectorFactory
	maxJobs int

	mu       sync.Mutex
	current  *density.Detectors
	served   int
	rebuilds int
}

// NewModelSet returns an empty set. maxJobs <= 0 never rebuilds.
func NewModelSet(factory core.DetectorFactory, maxJobs int) (*ModelSet, error) {
	if factory == nil {
		return nil, errors.New("DetectorFactory is required")
	}
	return &ModelSet{factory: factory, maxJobs: max(maxJobs, 0)}, nil
}

// Loaded reports whether detectors are currently held.
func (m *ModelSet) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Acquire returns the loaded detectors, building them first when needed.
func (m *ModelSet) Acquire(ctx context.Context) (density.Detectors, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return *m.current, nil
	}
	dets, err := m.factory.Build(ctx)
	if err != nil {
		return density.Detectors{}, fmt.Errorf("load detectors: %w", err)
	}
	m.current = &dets
	m.served = 0
	return dets, nil
}

// JobDone counts a completed job and releases the detectors once the
// rebuild threshold is reached. It reports whether a release happened.
func (m *ModelSet) JobDone() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return false, nil
	}
	m.served++
	if m.maxJobs == 0 || m.served < m.maxJobs {
		return false, nil
	}
	m.rebuilds++
	return true, m.releaseLocked()
}

// Close releases any loaded detectors.
func (m *ModelSet) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked()
}

func (m *ModelSet) releaseLocked() error {
	if m.current == nil {
		return nil
	}
	err := m.current.Close()
	m.current = nil
	m.served = 0
	return err
}

// Rebuilds counts how many times the threshold released the detectors.
func (m *ModelSet) Rebuilds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebuilds
}
