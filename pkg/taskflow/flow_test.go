package taskflow

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cert-ee/cuckoonode/pkg/agent"
	"github.com/cert-ee/cuckoonode/pkg/machinery"
	"github.com/cert-ee/cuckoonode/pkg/pool"
	"github.com/cert-ee/cuckoonode/pkg/rooter"
	"github.com/cert-ee/cuckoonode/pkg/taskdir"
	"github.com/cert-ee/cuckoonode/pkg/types"
)

type fakeMachinery struct{}

func (fakeMachinery) Do(ctx context.Context, action machinery.ActionName, machine string) (machinery.Result, error) {
	return machinery.Result{Success: true}, nil
}

type fakeResultServer struct {
	mu      sync.Mutex
	mapped  map[string]string
	unmaps  int
}

func newFakeResultServer() *fakeResultServer {
	return &fakeResultServer{mapped: make(map[string]string)}
}

func (f *fakeResultServer) Map(ip, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mapped[ip] = taskID
	return nil
}

func (f *fakeResultServer) Unmap(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.mapped, ip)
	f.unmaps++
}

type fakeRooter struct{}

func (fakeRooter) Apply(r rooter.Route) (rooter.Handle, error) { return rooter.Handle{TaskID: r.TaskID}, nil }
func (fakeRooter) Remove(h rooter.Handle) error                { return nil }

type fakeStager struct {
	prepared, delivered, cleaned bool
}

func (s *fakeStager) Prepare(ctx context.Context, task *types.Task) error {
	s.prepared = true
	return nil
}
func (s *fakeStager) DeliverPayload(ctx context.Context, task *types.Task) error {
	s.delivered = true
	return nil
}
func (s *fakeStager) Cleanup(ctx context.Context, task *types.Task) error {
	s.cleaned = true
	return nil
}

type fakeNotifier struct {
	mu                       sync.Mutex
	running, done            []string
	failed                   map[string]string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{failed: make(map[string]string)}
}
func (n *fakeNotifier) TaskRunning(taskID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.running = append(n.running, taskID)
}
func (n *fakeNotifier) TaskDone(taskID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.done = append(n.done, taskID)
}
func (n *fakeNotifier) TaskFailed(taskID, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed[taskID] = reason
}

func listenTestAgent(t *testing.T) (ip string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestFlowHappyPath(t *testing.T) {
	p := pool.New()
	ip, port := listenTestAgent(t)
	p.Add(&types.Machine{Name: "vm1", IP: ip, AgentPort: port, State: types.StatePoweroff})
	require.NotNil(t, p.AcquireAvailable("T1", "vm1"))

	stagers := NewStagerRegistry()
	stager := &fakeStager{}
	stagers.Register("windows", "amd64", stager)

	rs := newFakeResultServer()
	notifier := newFakeNotifier()

	deps := Deps{
		Pool:         p,
		Machinery:    fakeMachinery{},
		ResultServer: rs,
		Rooter:       fakeRooter{},
		Stagers:      stagers,
		TaskDirBase:  t.TempDir(),
		Notifier:     notifier,
		AgentMode:    agent.ModeTCP,
		Log:          zerolog.Nop(),
	}

	task := &types.Task{ID: "T1", MachineName: "vm1", Platform: "windows", Arch: "amd64", TimeoutSecs: 1}
	flow := NewFlow(deps, task)
	flow.Run(context.Background())

	require.True(t, stager.prepared)
	require.True(t, stager.delivered)
	require.True(t, stager.cleaned)
	require.Contains(t, notifier.done, "T1")
	require.Empty(t, notifier.failed)
	require.Equal(t, 1, rs.unmaps)
}

func TestFlowFatalOnMissingStager(t *testing.T) {
	p := pool.New()
	ip, port := listenTestAgent(t)
	p.Add(&types.Machine{Name: "vm1", IP: ip, AgentPort: port, State: types.StatePoweroff})
	require.NotNil(t, p.AcquireAvailable("T1", "vm1"))

	notifier := newFakeNotifier()
	deps := Deps{
		Pool:         p,
		Machinery:    fakeMachinery{},
		ResultServer: newFakeResultServer(),
		Rooter:       fakeRooter{},
		Stagers:      NewStagerRegistry(),
		TaskDirBase:  t.TempDir(),
		Notifier:     notifier,
		AgentMode:    agent.ModeTCP,
		Log:          zerolog.Nop(),
	}

	task := &types.Task{ID: "T2", MachineName: "vm1", Platform: "linux", Arch: "arm64", TimeoutSecs: 1}
	flow := NewFlow(deps, task)
	flow.Run(context.Background())

	require.Contains(t, notifier.failed, "T2")

	td, err := taskdir.New(deps.TaskDirBase, "T2")
	require.NoError(t, err)
	data, err := os.ReadFile(td.RunErrorsFile())
	require.NoError(t, err, "run_errors.json should be written for a fatal-only failure")

	var entries []taskdir.RunError
	require.NoError(t, json.Unmarshal(data, &entries))
	require.NotEmpty(t, entries)
	require.Equal(t, "run", entries[0].Stage)
}

func TestRunnerProcessesSubmittedTask(t *testing.T) {
	p := pool.New()
	ip, port := listenTestAgent(t)
	p.Add(&types.Machine{Name: "vm1", IP: ip, AgentPort: port, State: types.StatePoweroff})
	require.NotNil(t, p.AcquireAvailable("T1", "vm1"))

	stagers := NewStagerRegistry()
	stagers.Register("windows", "amd64", &fakeStager{})
	notifier := newFakeNotifier()

	deps := Deps{
		Pool:         p,
		Machinery:    fakeMachinery{},
		ResultServer: newFakeResultServer(),
		Rooter:       fakeRooter{},
		Stagers:      stagers,
		TaskDirBase:  t.TempDir(),
		Notifier:     notifier,
		AgentMode:    agent.ModeTCP,
		Log:          zerolog.Nop(),
	}

	runner := NewRunner(deps, 1)
	runner.Start()
	defer runner.Stop()

	require.True(t, runner.Submit(&types.Task{ID: "T1", MachineName: "vm1", Platform: "windows", Arch: "amd64", TimeoutSecs: 1}))

	require.Eventually(t, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.done) == 1
	}, 5*time.Second, 10*time.Millisecond)
}
