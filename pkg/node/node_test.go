package node

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cert-ee/cuckoonode/pkg/log"
	"github.com/cert-ee/cuckoonode/pkg/pool"
	"github.com/cert-ee/cuckoonode/pkg/taskdir"
	"github.com/cert-ee/cuckoonode/pkg/taskflow"
	"github.com/cert-ee/cuckoonode/pkg/types"
)

func testLogger() { log.Init(log.Config{Level: log.ErrorLevel}) }

func makeDir(path string) error { return os.MkdirAll(path, 0o755) }

func newTestController(t *testing.T, remoteNode bool) (*Controller, string) {
	testLogger()
	dir := t.TempDir()

	p := pool.New()
	p.Add(&types.Machine{Name: "win10-1", IP: "127.0.0.1", AgentPort: 9999, State: types.StatePoweroff})

	cfg := Config{
		Pool:             p,
		FlowDeps:         taskflow.Deps{Pool: p, Stagers: taskflow.NewStagerRegistry(), TaskDirBase: dir, Log: log.WithComponent("test")},
		FlowWorkers:      1,
		TaskDirBase:      dir,
		StateControlPath: filepath.Join(dir, "statecontrol.sock"),
		ZipWorkers:       2,
		RingBufferSize:   10,
		RemoteNode:       remoteNode,
		Log:              log.WithComponent("test"),
	}
	c := NewController(cfg)
	return c, dir
}

func TestEventStreamPublishAndReplay(t *testing.T) {
	s := NewEventStream(3, nil)

	for i := 0; i < 5; i++ {
		s.Publish(types.EventPayload{Type: "task_state", TaskID: "t"})
	}

	events, ok := s.ReplayFrom(0)
	require.True(t, ok)
	require.Len(t, events, 3) // ring trimmed to size 3

	events, ok = s.ReplayFrom(3)
	require.True(t, ok)
	require.Len(t, events, 2)
}

func TestEventStreamReplayMissesEvictedRange(t *testing.T) {
	s := NewEventStream(2, nil)
	for i := 0; i < 5; i++ {
		s.Publish(types.EventPayload{Type: "task_state", TaskID: "t"})
	}
	_, ok := s.ReplayFrom(1)
	require.False(t, ok, "id 1 was evicted from the ring and should not be replayable")
}

func TestEventStreamSubscribeReceivesLive(t *testing.T) {
	s := NewEventStream(10, nil)
	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	s.Publish(types.EventPayload{Type: "task_state", TaskID: "t1"})

	select {
	case evt := <-sub:
		require.Equal(t, "t1", evt.Payload.TaskID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestControllerAddWorkRejectsUnavailableMachine(t *testing.T) {
	c, _ := newTestController(t, false)
	defer c.Stop()

	err := c.AddWork(&types.Task{ID: "task-1", MachineName: "does-not-exist"})
	require.Error(t, err)
	require.Nil(t, c.Lookup("task-1"))
}

func TestControllerAddWorkRejectsAlreadyLockedMachine(t *testing.T) {
	c, _ := newTestController(t, false)
	defer c.Stop()

	require.NoError(t, c.AddWork(&types.Task{ID: "task-1", MachineName: "win10-1"}))
	err := c.AddWork(&types.Task{ID: "task-2", MachineName: "win10-1"})
	require.Error(t, err)
}

func TestControllerStateTransitionsAndEvents(t *testing.T) {
	c, _ := newTestController(t, false)
	defer c.Stop()

	require.NoError(t, c.AddWork(&types.Task{ID: "task-1", AnalysisID: "a-1", MachineName: "win10-1"}))

	sub := c.Events().Subscribe()
	defer c.Events().Unsubscribe(sub)

	c.markRunning("task-1")
	w := c.Lookup("task-1")
	require.Equal(t, types.TaskRunning, w.State)

	c.SetTaskSuccess("task-1")
	w = c.Lookup("task-1")
	require.Equal(t, types.TaskDone, w.State)

	c.SetTaskFailed("task-1", "boom")
	w = c.Lookup("task-1")
	require.Equal(t, types.TaskFailed, w.State)
	require.Equal(t, "boom", w.Reason)
}

func TestStateControlProcessSuccess(t *testing.T) {
	c, dir := newTestController(t, false)
	defer c.Stop()

	require.NoError(t, c.AddWork(&types.Task{ID: "task-1", AnalysisID: "a-1", MachineName: "win10-1"}))

	td, err := taskdir.New(dir, "task-1")
	require.NoError(t, err)
	require.NoError(t, td.WriteTask(&types.Task{ID: "task-1"}))

	s := newStateControlServer(c, filepath.Join(dir, "sc2.sock"), 1, log.WithComponent("test"))
	s.process(stateControlMessage{Subject: "taskrundone", TaskID: "task-1", AnalysisID: "a-1"})

	w := c.Lookup("task-1")
	require.Equal(t, types.TaskDone, w.State)
}

func TestStateControlProcessForcesFailedOnZipError(t *testing.T) {
	c, dir := newTestController(t, true)
	defer c.Stop()

	require.NoError(t, c.AddWork(&types.Task{ID: "task-1", AnalysisID: "a-1", MachineName: "win10-1"}))

	td, err := taskdir.New(dir, "task-1")
	require.NoError(t, err)
	require.NoError(t, td.WriteTask(&types.Task{ID: "task-1"}))

	// Occupy the archive's temp path with a directory so the zip step's
	// os.Create fails, forcing the terminal outcome to FAILED even though
	// the incoming subject is taskrundone.
	require.NoError(t, makeDir(td.ZippedResultsFile()+".tmp"))

	s := newStateControlServer(c, filepath.Join(dir, "sc3.sock"), 1, log.WithComponent("test"))
	s.process(stateControlMessage{Subject: "taskrundone", TaskID: "task-1", AnalysisID: "a-1"})

	w := c.Lookup("task-1")
	require.Equal(t, types.TaskFailed, w.State)
	require.NotEmpty(t, w.Reason)
}
