// Package pool implements the Machine Pool: the in-memory registry of
// analysis machines, their backends, and their reservation state.
package pool

import (
	"sync"

	"github.com/cert-ee/cuckoonode/pkg/types"
)

// acquirableStates are the machine states acquire_available treats as
// eligible for a restore-start. The check is made against the state the
// Pool last recorded for the machine; the backend is not polled at acquire
// time. A machine recorded as ERROR is acquirable unless the name, disabled
// or lock checks reject it.
var acquirableStates = map[types.MachineState]bool{
	types.StatePoweroff: true,
	types.StateError:    true,
}

// Pool is the node's registry of known analysis machines. All mutating
// operations serialize on mu; reads take the read lock and may run
// concurrently with each other.
type Pool struct {
	mu       sync.RWMutex
	machines map[string]*types.Machine
}

// New returns an empty Pool.
func New() *Pool {
	return &Pool{machines: make(map[string]*types.Machine)}
}

// Add registers a machine. Re-adding a machine with the same name replaces
// the whole entry with a copy of m, LockedBy and State included — callers
// that load from a state dump should set State themselves via
// LoadStoredStates instead.
func (p *Pool) Add(m *types.Machine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.machines[m.Name] = m.Clone()
}

// GetByName returns a copy of the named machine, or nil if unknown.
func (p *Pool) GetByName(name string) *types.Machine {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.machines[name].Clone()
}

// Count returns the number of registered machines.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.machines)
}

// List returns a copy of every registered machine.
func (p *Pool) List() []*types.Machine {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*types.Machine, 0, len(p.machines))
	for _, m := range p.machines {
		out = append(out, m.Clone())
	}
	return out
}

// AcquireAvailable locks the named machine to taskID and returns a copy of
// it, or nil if the machine does not exist, is disabled, is already locked,
// or is not in an acquirable state.
func (p *Pool) AcquireAvailable(taskID, machineName string) *types.Machine {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.machines[machineName]
	if !ok {
		return nil
	}
	if m.Disabled || m.LockedBy != "" || !acquirableStates[m.State] {
		return nil
	}
	m.LockedBy = taskID
	return m.Clone()
}

// Release clears LockedBy on the named machine. Releasing a machine that
// isn't locked, or doesn't exist, is a no-op.
func (p *Pool) Release(machineName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.machines[machineName]; ok {
		m.LockedBy = ""
	}
}

// MarkDisabled disables a machine so it will never be acquired again and
// records why.
func (p *Pool) MarkDisabled(machineName, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.machines[machineName]; ok {
		m.Disabled = true
		m.DisabledReason = reason
	}
}

// SetState updates the last-known state of a machine.
func (p *Pool) SetState(machineName string, state types.MachineState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.machines[machineName]; ok {
		m.State = state
	}
}

// LoadStoredStates applies a previously persisted state dump (machine name
// -> last known state) to the currently registered machines, used on
// startup to recover from a machines-state dump file (see pkg/storage).
func (p *Pool) LoadStoredStates(previous map[string]types.MachineState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, state := range previous {
		if m, ok := p.machines[name]; ok {
			m.State = state
		}
	}
}
