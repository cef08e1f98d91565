// Package mock implements a Machinery Backend used by tests: every action
// is driven entirely by the test via Backend's exported hooks, with no
// real process or VM involved.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/cert-ee/cuckoonode/pkg/machinery"
	"github.com/cert-ee/cuckoonode/pkg/types"
)

// Backend is a test double satisfying machinery.Backend. States are set
// directly by test code; action methods transition state immediately
// unless Hang is set for that machine, in which case the action never
// changes state (used to exercise the manager's timeout/fallback path).
type Backend struct {
	mu       sync.Mutex
	states   map[string]types.MachineState
	hang     map[string]bool
	stopErr  map[string]error
	machines []*types.Machine

	NetCaptureStarts int
	NetCaptureStops  int
}

// New builds an empty mock backend.
func New() *Backend {
	return &Backend{
		states: make(map[string]types.MachineState),
		hang:   make(map[string]bool),
		stopErr: make(map[string]error),
	}
}

// Name implements machinery.Backend.
func (b *Backend) Name() string { return "mock" }

// AddMachine registers a machine with the given initial state.
func (b *Backend) AddMachine(m *types.Machine, state types.MachineState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m.Backend = b.Name()
	b.machines = append(b.machines, m)
	b.states[m.Name] = state
}

// SetHang makes every start/stop action for machine hang forever (state
// never changes), used to exercise the manager's start-timeout/fallback path.
func (b *Backend) SetHang(machine string, hang bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hang[machine] = hang
}

// SetState forces a machine's current reported state.
func (b *Backend) SetState(machine string, state types.MachineState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[machine] = state
}

func (b *Backend) VerifyDependencies(ctx context.Context) error { return nil }
func (b *Backend) Init(ctx context.Context) error                { return nil }

func (b *Backend) LoadMachines(ctx context.Context) ([]*types.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.Machine, len(b.machines))
	copy(out, b.machines)
	return out, nil
}

func (b *Backend) ListMachines(ctx context.Context) ([]*types.Machine, error) {
	return b.LoadMachines(ctx)
}

func (b *Backend) State(ctx context.Context, machine string) (types.MachineState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[machine]
	if !ok {
		return "", machinery.ErrUnhandledState
	}
	return state, nil
}

func (b *Backend) RestoreStart(ctx context.Context, machine string) error {
	return b.startLike(machine)
}

func (b *Backend) NoRestoreStart(ctx context.Context, machine string) error {
	return b.startLike(machine)
}

func (b *Backend) startLike(machine string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hang[machine] {
		return nil // leaves state untouched; the manager's waiter sweep will time out
	}
	b.states[machine] = types.StateRunning
	return nil
}

func (b *Backend) Stop(ctx context.Context, machine string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.stopErr[machine]; err != nil {
		return err
	}
	if b.hang[machine] {
		return nil
	}
	b.states[machine] = types.StatePoweroff
	return nil
}

func (b *Backend) ACPIStop(ctx context.Context, machine string) error {
	return b.Stop(ctx, machine)
}

func (b *Backend) HandlePaused(ctx context.Context, machine string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[machine] = types.StateRunning
	return nil
}

func (b *Backend) StartNetCapture(ctx context.Context, machine, pcapPath string, ignore []machinery.IgnoreRoute) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.NetCaptureStarts++
	return nil
}

func (b *Backend) StopNetCapture(ctx context.Context, machine string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.NetCaptureStops++
	return nil
}

func (b *Backend) DumpMemory(ctx context.Context, machine, path string) error {
	return fmt.Errorf("mock: dump memory not supported")
}

func (b *Backend) Shutdown(ctx context.Context) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var failed []string
	for name, state := range b.states {
		if state != types.StatePoweroff {
			failed = append(failed, name)
		}
	}
	return failed
}
