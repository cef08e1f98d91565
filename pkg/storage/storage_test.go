package storage

import (
	"testing"

	"github.com/cert-ee/cuckoonode/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestMachineStateRoundTrip(t *testing.T) {
	st, err := Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	ms := st.MachineStates()
	require.NoError(t, ms.Save("vm1", types.StateRunning))
	require.NoError(t, ms.Save("vm2", types.StatePoweroff))

	all, err := ms.LoadAll()
	require.NoError(t, err)
	require.Equal(t, types.StateRunning, all["vm1"])
	require.Equal(t, types.StatePoweroff, all["vm2"])
}

func TestEventCheckpointRoundTrip(t *testing.T) {
	st, err := Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	ev := st.Events()
	events := []types.Event{{ID: 1}, {ID: 2}}
	require.NoError(t, ev.SaveCheckpoint(events))

	loaded, err := ev.LoadCheckpoint()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	require.NoError(t, ev.SaveLastID(42))
	last, err := ev.LoadLastID()
	require.NoError(t, err)
	require.Equal(t, uint64(42), last)
}

func TestTaskIndexNonTerminal(t *testing.T) {
	st, err := Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	idx := st.TaskIndex()
	require.NoError(t, idx.Put(TaskIndexEntry{TaskID: "t1", Dir: "/data/t1"}))
	require.NoError(t, idx.Put(TaskIndexEntry{TaskID: "t2", Dir: "/data/t2"}))
	require.NoError(t, idx.MarkTerminal("t2"))

	pending, err := idx.ListNonTerminal()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "t1", pending[0].TaskID)
}
