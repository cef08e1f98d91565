// Package node implements the Node Controller: task intake, the
// in-flight task_id -> TaskWork map, the monotonic event stream, and the
// state-control socket the Task Flow Runner reports terminal outcomes
// over.
package node

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cert-ee/cuckoonode/pkg/machinery"
	"github.com/cert-ee/cuckoonode/pkg/pool"
	"github.com/cert-ee/cuckoonode/pkg/storage"
	"github.com/cert-ee/cuckoonode/pkg/taskflow"
	"github.com/cert-ee/cuckoonode/pkg/types"
)

// TaskWork is the Node Controller's bookkeeping record for one
// in-flight or completed task.
type TaskWork struct {
	TaskID      string
	AnalysisID  string
	MachineName string
	State       types.TaskState
	Reason      string
}

// Config configures a Controller. FlowDeps is filled in except for its
// Notifier field, which Controller sets to its own state-control
// notifier before constructing the Task Flow Runner — callers never set
// FlowDeps.Notifier themselves.
type Config struct {
	Pool             *pool.Pool
	FlowDeps         taskflow.Deps
	FlowWorkers      int
	TaskDirBase      string
	StateControlPath string
	ZipWorkers       int
	RingBufferSize   int
	RemoteNode       bool // whether to zip result directories before notifying
	TaskIndex        *storage.TaskIndexStore // optional; nil disables crash-recovery bookkeeping
	Log              zerolog.Logger
}

// Controller is the Node Controller.
type Controller struct {
	pool        *pool.Pool
	runner      *taskflow.Runner
	events      *EventStream
	taskDirBase string
	remoteNode  bool
	taskIndex   *storage.TaskIndexStore
	log         zerolog.Logger

	mu   sync.Mutex
	work map[string]*TaskWork

	stateControl *stateControlServer
}

// NewController builds a Controller, including its Task Flow Runner.
// Call Start to begin accepting work.
func NewController(cfg Config) *Controller {
	c := &Controller{
		pool:        cfg.Pool,
		events:      NewEventStream(cfg.RingBufferSize, nil),
		taskDirBase: cfg.TaskDirBase,
		remoteNode:  cfg.RemoteNode,
		taskIndex:   cfg.TaskIndex,
		log:         cfg.Log.With().Str("component", "node").Logger(),
		work:        make(map[string]*TaskWork),
	}

	cfg.FlowDeps.Notifier = newSocketNotifier(c, cfg.StateControlPath)
	c.runner = taskflow.NewRunner(cfg.FlowDeps, cfg.FlowWorkers)
	c.stateControl = newStateControlServer(c, cfg.StateControlPath, cfg.ZipWorkers, c.log)
	return c
}

// Events returns the controller's event stream, for an API layer to
// subscribe to.
func (c *Controller) Events() *EventStream { return c.events }

// Start starts the task-flow worker pool and the state-control socket.
func (c *Controller) Start() error {
	c.runner.Start()
	if err := c.stateControl.Listen(); err != nil {
		return fmt.Errorf("node: state-control socket: %w", err)
	}
	return nil
}

// Stop drains the worker pool and closes the state-control socket.
func (c *Controller) Stop() {
	c.runner.Stop()
	c.stateControl.Close()
}

// AddWork acquires machineName for taskID and submits the task-start
// job. It rejects immediately (never blocks) if the machine is
// unavailable or the flow queue is full: it never blocks waiting for
// either to free up.
func (c *Controller) AddWork(task *types.Task) error {
	machine := c.pool.AcquireAvailable(task.ID, task.MachineName)
	if machine == nil {
		return fmt.Errorf("node: machine %s unavailable for task %s: %w", task.MachineName, task.ID, machinery.ErrMachineNotAvailable)
	}

	c.mu.Lock()
	c.work[task.ID] = &TaskWork{TaskID: task.ID, AnalysisID: task.AnalysisID, MachineName: task.MachineName, State: types.TaskQueued}
	c.mu.Unlock()

	if c.taskIndex != nil {
		if err := c.taskIndex.Put(storage.TaskIndexEntry{TaskID: task.ID, Dir: task.ID}); err != nil {
			c.log.Warn().Err(err).Str("task_id", task.ID).Msg("failed to persist task index entry")
		}
	}

	if !c.runner.Submit(task) {
		c.pool.Release(task.MachineName)
		c.mu.Lock()
		delete(c.work, task.ID)
		c.mu.Unlock()
		return fmt.Errorf("node: task flow queue full, rejecting task %s", task.ID)
	}
	return nil
}

// RecoverCrashedTasks is called once at startup with every task index entry
// that never reached a terminal state before the process last stopped: each
// is considered FAILED and its terminal event is emitted so subscribers see
// the same task_failed transition they would have seen had the node not
// crashed mid-run.
func (c *Controller) RecoverCrashedTasks(entries []storage.TaskIndexEntry) {
	for _, entry := range entries {
		c.mu.Lock()
		c.work[entry.TaskID] = &TaskWork{TaskID: entry.TaskID, State: types.TaskFailed, Reason: "node restarted while task was in flight"}
		c.mu.Unlock()
		c.events.Publish(types.EventPayload{Type: "task_state", TaskID: entry.TaskID, State: string(types.TaskFailed), Reason: "node restarted while task was in flight"})
		if c.taskIndex != nil {
			if err := c.taskIndex.MarkTerminal(entry.TaskID); err != nil {
				c.log.Warn().Err(err).Str("task_id", entry.TaskID).Msg("failed to mark recovered task index entry terminal")
			}
		}
	}
}

// markRunning records a task's transition to RUNNING and emits the
// corresponding event. Called directly by the in-process Task Flow
// Runner at flow start (this step never crosses the state-control
// socket: only the terminal outcomes do).
func (c *Controller) markRunning(taskID string) {
	c.mu.Lock()
	w, ok := c.work[taskID]
	if ok {
		w.State = types.TaskRunning
	}
	c.mu.Unlock()
	c.events.Publish(types.TaskStateEvent(taskID, types.TaskRunning))
}

// SetTaskSuccess marks taskID DONE and emits the terminal event.
func (c *Controller) SetTaskSuccess(taskID string) {
	c.mu.Lock()
	w, ok := c.work[taskID]
	if ok {
		w.State = types.TaskDone
	}
	c.mu.Unlock()
	c.markTerminal(taskID)
	c.events.Publish(types.TaskStateEvent(taskID, types.TaskDone))
}

// SetTaskFailed marks taskID FAILED, records reason, and emits the
// terminal event.
func (c *Controller) SetTaskFailed(taskID, reason string) {
	c.mu.Lock()
	w, ok := c.work[taskID]
	if ok {
		w.State = types.TaskFailed
		w.Reason = reason
	}
	c.mu.Unlock()
	c.markTerminal(taskID)
	c.events.Publish(types.EventPayload{Type: "task_state", TaskID: taskID, State: string(types.TaskFailed), Reason: reason})
}

func (c *Controller) markTerminal(taskID string) {
	if c.taskIndex == nil {
		return
	}
	if err := c.taskIndex.MarkTerminal(taskID); err != nil {
		c.log.Warn().Err(err).Str("task_id", taskID).Msg("failed to mark task index entry terminal")
	}
}

// Lookup returns a task's current bookkeeping record, or nil if unknown.
func (c *Controller) Lookup(taskID string) *TaskWork {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.work[taskID]
	if !ok {
		return nil
	}
	cp := *w
	return &cp
}
