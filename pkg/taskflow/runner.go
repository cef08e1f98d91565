package taskflow

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cert-ee/cuckoonode/pkg/types"
)

// DefaultWorkers is the Task Flow Runner's default worker pool size.
const DefaultWorkers = 2

// Runner consumes a FIFO queue of task-start jobs across a fixed worker
// pool, running each to completion via Flow.Run.
type Runner struct {
	deps    Deps
	workers int
	log     zerolog.Logger

	jobs   chan *types.Task
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRunner builds a Runner with the given worker count (DefaultWorkers
// if <= 0).
func NewRunner(deps Deps, workers int) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Runner{
		deps:    deps,
		workers: workers,
		log:     deps.Log.With().Str("component", "taskflow").Logger(),
		jobs:    make(chan *types.Task, 64),
		stopCh:  make(chan struct{}),
	}
}

// Start spawns the worker pool.
func (r *Runner) Start() {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

// Stop signals workers to drain and waits for in-flight flows to finish.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Submit enqueues a task-start job. It never blocks the caller beyond
// the queue's buffer; a full queue is itself a backpressure signal the
// caller (Node Controller) should treat as add_work rejecting the job.
func (r *Runner) Submit(task *types.Task) bool {
	select {
	case r.jobs <- task:
		return true
	default:
		return false
	}
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case task := <-r.jobs:
			r.runOne(task)
		}
	}
}

func (r *Runner) runOne(task *types.Task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Str("task_id", task.ID).Interface("panic", rec).Msg("task flow panicked")
			r.deps.Notifier.TaskFailed(task.ID, "internal error")
		}
	}()

	flow := NewFlow(r.deps, task)
	flow.Run(context.Background())
}
