package taskflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/cert-ee/cuckoonode/pkg/types"
)

// Stager prepares a machine for an analysis run, delivers the task's
// payload to it, and cleans up afterward. Implementations are looked up
// by (platform, architecture), e.g. "windows/amd64".
type Stager interface {
	Prepare(ctx context.Context, task *types.Task) error
	DeliverPayload(ctx context.Context, task *types.Task) error
	Cleanup(ctx context.Context, task *types.Task) error
}

// StagerKey identifies a platform/architecture pair a Stager is
// registered for.
type StagerKey struct {
	Platform string
	Arch     string
}

// StagerRegistry resolves a (platform, arch) pair to its Stager.
type StagerRegistry struct {
	mu      sync.RWMutex
	stagers map[StagerKey]Stager
}

// NewStagerRegistry returns an empty registry.
func NewStagerRegistry() *StagerRegistry {
	return &StagerRegistry{stagers: make(map[StagerKey]Stager)}
}

// Register adds or replaces the Stager for platform/arch.
func (r *StagerRegistry) Register(platform, arch string, s Stager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stagers[StagerKey{Platform: platform, Arch: arch}] = s
}

// Lookup returns the Stager registered for task's platform/arch.
func (r *StagerRegistry) Lookup(task *types.Task) (Stager, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stagers[StagerKey{Platform: task.Platform, Arch: task.Arch}]
	if !ok {
		return nil, fmt.Errorf("taskflow: no stager registered for %s/%s", task.Platform, task.Arch)
	}
	return s, nil
}
