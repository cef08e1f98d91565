package machinery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cert-ee/cuckoonode/pkg/machinery/backends/mock"
	"github.com/cert-ee/cuckoonode/pkg/pool"
	"github.com/cert-ee/cuckoonode/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *mock.Backend, *pool.Pool) {
	t.Helper()
	p := pool.New()
	backend := mock.New()
	reg := NewRegistry(backend)
	m := NewManager(p, reg, Config{Workers: 2, PcapDir: t.TempDir()}, zerolog.Nop())
	return m, backend, p
}

func TestHappyPathRestoreStartThenStop(t *testing.T) {
	m, backend, p := newTestManager(t)
	backend.AddMachine(&types.Machine{Name: "vm1"}, types.StatePoweroff)
	require.NoError(t, m.LoadMachineries(context.Background(), nil))
	require.NotNil(t, p.AcquireAvailable("t1", "vm1"))

	m.Start()
	defer m.Stop()

	reply := make(chan Result, 1)
	require.NoError(t, m.Enqueue(ActionRestoreStart, "vm1", reply))

	select {
	case r := <-reply:
		require.True(t, r.Success)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for restore_start reply")
	}
	require.Equal(t, types.StateRunning, p.GetByName("vm1").State)

	reply2 := make(chan Result, 1)
	require.NoError(t, m.Enqueue(ActionStop, "vm1", reply2))
	select {
	case r := <-reply2:
		require.True(t, r.Success)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stop reply")
	}
	require.Equal(t, types.StatePoweroff, p.GetByName("vm1").State)
	require.GreaterOrEqual(t, backend.NetCaptureStarts, 1)
	require.GreaterOrEqual(t, backend.NetCaptureStops, 1)
}

func TestStartTimeoutFallsBackToStopAndDisables(t *testing.T) {
	m, backend, p := newTestManager(t)
	backend.AddMachine(&types.Machine{Name: "vm1"}, types.StatePoweroff)
	backend.SetHang("vm1", true)
	require.NoError(t, m.LoadMachineries(context.Background(), nil))

	// Accelerate the timeouts this test cares about.
	m.OverrideTimeout(ActionRestoreStart, 50*time.Millisecond)
	m.OverrideTimeout(ActionStop, 50*time.Millisecond)

	var disabledReason string
	m.SetDisabledHook(func(machine, reason string) {
		disabledReason = reason
	})

	m.Start()
	defer m.Stop()

	reply := make(chan Result, 1)
	require.NoError(t, m.Enqueue(ActionRestoreStart, "vm1", reply))

	select {
	case r := <-reply:
		require.False(t, r.Success)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for restore_start failure reply")
	}

	machine := p.GetByName("vm1")
	require.True(t, machine.Disabled)
	require.Contains(t, disabledReason, "Timeout reached")
}

func TestUnknownMachineRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	require.NoError(t, m.LoadMachineries(context.Background(), nil))
	m.Start()
	defer m.Stop()

	reply := make(chan Result, 1)
	require.NoError(t, m.Enqueue(ActionRestoreStart, "nope", reply))
	select {
	case r := <-reply:
		require.False(t, r.Success)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for unknown machine reply")
	}
}

func TestDisabledManagerOnlyAcceptsStop(t *testing.T) {
	m, backend, _ := newTestManager(t)
	backend.AddMachine(&types.Machine{Name: "vm1"}, types.StateRunning)
	require.NoError(t, m.LoadMachineries(context.Background(), nil))
	m.Disable()

	err := m.Enqueue(ActionRestoreStart, "vm1", make(chan Result, 1))
	require.Error(t, err)

	err = m.Enqueue(ActionStop, "vm1", make(chan Result, 1))
	require.NoError(t, err)
}

func TestPerMachineActionsAreSerialized(t *testing.T) {
	m, backend, _ := newTestManager(t)
	backend.AddMachine(&types.Machine{Name: "vm1"}, types.StatePoweroff)
	require.NoError(t, m.LoadMachineries(context.Background(), nil))

	m.Start()
	defer m.Stop()

	r1 := make(chan Result, 1)
	r2 := make(chan Result, 1)
	require.NoError(t, m.Enqueue(ActionRestoreStart, "vm1", r1))
	require.NoError(t, m.Enqueue(ActionStop, "vm1", r2))

	var first, second Result
	select {
	case first = <-r1:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first reply")
	}
	select {
	case second = <-r2:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for second reply")
	}
	require.True(t, first.Success)
	require.True(t, second.Success)
}

func TestStateSavedHookFiresOnEverySettledState(t *testing.T) {
	m, backend, _ := newTestManager(t)
	backend.AddMachine(&types.Machine{Name: "vm1"}, types.StatePoweroff)
	require.NoError(t, m.LoadMachineries(context.Background(), nil))

	var mu sync.Mutex
	saved := make(map[string]types.MachineState)
	m.SetStateSavedHook(func(machine string, state types.MachineState) {
		mu.Lock()
		defer mu.Unlock()
		saved[machine] = state
	})

	m.Start()
	defer m.Stop()

	reply := make(chan Result, 1)
	require.NoError(t, m.Enqueue(ActionRestoreStart, "vm1", reply))
	select {
	case r := <-reply:
		require.True(t, r.Success)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for restore_start reply")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, types.StateRunning, saved["vm1"])
}
