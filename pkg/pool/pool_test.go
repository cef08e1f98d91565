package pool

import (
	"testing"

	"github.com/cert-ee/cuckoonode/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMachine(name string) *types.Machine {
	return &types.Machine{
		Name:    name,
		Backend: "mock",
		State:   types.StatePoweroff,
	}
}

func TestAcquireAvailable(t *testing.T) {
	p := New()
	p.Add(newTestMachine("vm1"))

	m := p.AcquireAvailable("task-1", "vm1")
	require.NotNil(t, m)
	assert.Equal(t, "task-1", m.LockedBy)

	// Second concurrent acquire for the same machine fails.
	assert.Nil(t, p.AcquireAvailable("task-2", "vm1"))

	stored := p.GetByName("vm1")
	assert.Equal(t, "task-1", stored.LockedBy)
}

func TestAcquireUnknownMachine(t *testing.T) {
	p := New()
	assert.Nil(t, p.AcquireAvailable("task-1", "nope"))
}

func TestAcquireDisabledMachine(t *testing.T) {
	p := New()
	p.Add(newTestMachine("vm1"))
	p.MarkDisabled("vm1", "bad disk")

	assert.Nil(t, p.AcquireAvailable("task-1", "vm1"))
}

func TestAcquireNotPoweroff(t *testing.T) {
	p := New()
	m := newTestMachine("vm1")
	m.State = types.StateRunning
	p.Add(m)

	assert.Nil(t, p.AcquireAvailable("task-1", "vm1"))
}

func TestReleaseThenReacquire(t *testing.T) {
	p := New()
	p.Add(newTestMachine("vm1"))

	require.NotNil(t, p.AcquireAvailable("task-1", "vm1"))
	p.Release("vm1")

	stored := p.GetByName("vm1")
	assert.Equal(t, "", stored.LockedBy)

	m := p.AcquireAvailable("task-2", "vm1")
	require.NotNil(t, m)
	assert.Equal(t, "task-2", m.LockedBy)
}

func TestLoadStoredStates(t *testing.T) {
	p := New()
	p.Add(newTestMachine("vm1"))
	p.Add(newTestMachine("vm2"))

	p.LoadStoredStates(map[string]types.MachineState{
		"vm1": types.StateRunning,
	})

	assert.Equal(t, types.StateRunning, p.GetByName("vm1").State)
	assert.Equal(t, types.StatePoweroff, p.GetByName("vm2").State)
}

func TestCountAndList(t *testing.T) {
	p := New()
	assert.Equal(t, 0, p.Count())
	p.Add(newTestMachine("vm1"))
	p.Add(newTestMachine("vm2"))
	assert.Equal(t, 2, p.Count())
	assert.Len(t, p.List(), 2)
}
