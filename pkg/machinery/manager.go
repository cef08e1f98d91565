// Package machinery implements the Machinery Manager: a work-queued
// scheduler that drives a heterogeneous pool of analysis machines through
// state transitions via pluggable backends.
package machinery

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cert-ee/cuckoonode/pkg/metrics"
	"github.com/cert-ee/cuckoonode/pkg/pool"
	"github.com/cert-ee/cuckoonode/pkg/types"
	"github.com/rs/zerolog"
)

// Result is the reply every action work item eventually receives.
type Result struct {
	Success bool
	Reason  string
}

// workItem is the Action Work Item: the immutable target/action/reply
// fields are set at Enqueue time; the spec/waitStart fields are set once
// the action function has run.
type workItem struct {
	action  ActionName
	machine string
	replyCh chan<- Result

	spec      actionSpec
	waitStart time.Time
	lock      *sync.Mutex
}

func (w *workItem) reply(r Result) {
	select {
	case w.replyCh <- r:
	default:
	}
}

// DefaultWorkers is the default size of the manager's worker pool.
const DefaultWorkers = 4

// pollInterval is how long an idle worker sleeps before retrying the queue
// when it finds no eligible item.
const pollInterval = time.Second

// Manager is the Machinery Manager.
type Manager struct {
	pool     *pool.Pool
	registry *Registry
	log      zerolog.Logger
	workers  int
	pcapDir  string
	ignore   []IgnoreRoute

	onDisabled   func(machine, reason string)
	onStateSaved func(machine string, state types.MachineState)

	queueMu sync.Mutex
	queue   []*workItem

	waitersMu sync.Mutex
	waiters   []*workItem

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	sweepMu sync.Mutex

	enabledMu sync.RWMutex
	enabled   bool

	timeoutOverridesMu sync.RWMutex
	timeoutOverrides   map[ActionName]time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config configures a Manager.
type Config struct {
	Workers int    // default DefaultWorkers
	PcapDir string // directory pcap files are written under, one subdir per task id (the machine name when no task holds the machine)
}

// NewManager builds a Manager over p using the backends in reg.
func NewManager(p *pool.Pool, reg *Registry, cfg Config, log zerolog.Logger) *Manager {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Manager{
		pool:     p,
		registry: reg,
		log:      log,
		workers:  workers,
		pcapDir:  cfg.PcapDir,
		enabled:  true,
		locks:    make(map[string]*sync.Mutex),
		stopCh:   make(chan struct{}),
	}
}

// SetDisabledHook registers a callback invoked whenever a machine is marked
// disabled, used by the Node Controller to emit a machine_disabled event.
func (m *Manager) SetDisabledHook(fn func(machine, reason string)) {
	m.onDisabled = fn
}

// SetStateSavedHook registers a callback invoked every time the manager
// settles a machine into a new state, used by cmd/cuckoonode to flush the
// state to the machine-state store so a restart can recover it.
func (m *Manager) SetStateSavedHook(fn func(machine string, state types.MachineState)) {
	m.onStateSaved = fn
}

// setState updates the pool's record of machine's state and flushes it via
// the state-saved hook, if one is registered.
func (m *Manager) setState(machine string, state types.MachineState) {
	m.pool.SetState(machine, state)
	if m.onStateSaved != nil {
		m.onStateSaved(machine, state)
	}
}

// SetIgnoreRoutes sets the ip:port pairs netcapture should exclude, e.g. the
// result server's listen address.
func (m *Manager) SetIgnoreRoutes(routes []IgnoreRoute) {
	m.ignore = routes
}

// OverrideTimeout replaces the configured timeout for action, used by
// tests to exercise the timeout/fallback path without waiting the real
// 60-180s.
func (m *Manager) OverrideTimeout(action ActionName, d time.Duration) {
	m.timeoutOverridesMu.Lock()
	defer m.timeoutOverridesMu.Unlock()
	if m.timeoutOverrides == nil {
		m.timeoutOverrides = make(map[ActionName]time.Duration)
	}
	m.timeoutOverrides[action] = d
}

func (m *Manager) timeoutFor(item *workItem) time.Duration {
	m.timeoutOverridesMu.RLock()
	defer m.timeoutOverridesMu.RUnlock()
	if d, ok := m.timeoutOverrides[item.action]; ok {
		return d
	}
	return item.spec.timeout
}

// LoadMachineries populates the Pool from every registered backend's
// LoadMachines, then applies previously persisted states on top.
func (m *Manager) LoadMachineries(ctx context.Context, previousStates map[string]types.MachineState) error {
	for _, backend := range m.registry.All() {
		if err := backend.VerifyDependencies(ctx); err != nil {
			return fmt.Errorf("machinery: %s: verify dependencies: %w", backend.Name(), err)
		}
		if err := backend.Init(ctx); err != nil {
			return fmt.Errorf("machinery: %s: init: %w", backend.Name(), err)
		}
		machines, err := backend.LoadMachines(ctx)
		if err != nil {
			return fmt.Errorf("machinery: %s: load machines: %w", backend.Name(), err)
		}
		for _, mach := range machines {
			m.pool.Add(mach)
		}
	}
	m.pool.LoadStoredStates(previousStates)
	return nil
}

// Enable allows new work to be enqueued.
func (m *Manager) Enable() {
	m.enabledMu.Lock()
	defer m.enabledMu.Unlock()
	m.enabled = true
}

// Disable gates new work: only "stop" is accepted while disabled.
func (m *Manager) Disable() {
	m.enabledMu.Lock()
	defer m.enabledMu.Unlock()
	m.enabled = false
}

func (m *Manager) isEnabled() bool {
	m.enabledMu.RLock()
	defer m.enabledMu.RUnlock()
	return m.enabled
}

// Enqueue places an action on the work queue for machine. reply must be
// buffered (capacity >= 1) or read promptly; the manager never blocks
// sending to it.
func (m *Manager) Enqueue(action ActionName, machine string, reply chan<- Result) error {
	if _, ok := specFor(action); !ok {
		return New(KindInvalidRequest, "unknown action "+string(action))
	}
	if !m.isEnabled() && action != ActionStop {
		return New(KindInvalidRequest, "manager is disabled; only stop is accepted")
	}
	m.queueMu.Lock()
	m.queue = append(m.queue, &workItem{action: action, machine: machine, replyCh: reply})
	m.queueMu.Unlock()
	metrics.MachineryQueueDepth.Set(float64(m.queueDepth()))
	return nil
}

func (m *Manager) queueDepth() int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return len(m.queue)
}

// Start launches the worker pool.
func (m *Manager) Start() {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.runWorker()
	}
}

// Stop signals workers to drain and waits for them to exit. Callers MUST
// call ShutdownAll afterwards so machines started during shutdown still
// get stopped.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// ShutdownAll asks every backend to stop all of its machines and marks any
// machine that failed to stop as ERROR.
func (m *Manager) ShutdownAll(ctx context.Context) {
	for _, backend := range m.registry.All() {
		failed := backend.Shutdown(ctx)
		for _, name := range failed {
			m.setState(name, types.StateError)
		}
	}
}

func (m *Manager) runWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		m.sweepWaiters()

		item, lock := m.popEligible()
		if item == nil {
			select {
			case <-time.After(pollInterval):
			case <-m.stopCh:
				return
			}
			continue
		}
		m.executeAction(item, lock)
	}
}

// popEligible returns the first queued item whose machine's action lock is
// free, skipping (leaving in place) items whose machine is busy — this is
// the fairness rule that preserves per-machine FIFO order.
func (m *Manager) popEligible() (*workItem, *sync.Mutex) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	busy := make(map[string]bool)
	for i, item := range m.queue {
		if busy[item.machine] {
			continue
		}
		lock := m.lockFor(item.machine)
		if lock.TryLock() {
			m.queue = append(m.queue[:i:i], m.queue[i+1:]...)
			return item, lock
		}
		busy[item.machine] = true
	}
	return nil, nil
}

func (m *Manager) lockFor(machine string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[machine]
	if !ok {
		l = &sync.Mutex{}
		m.locks[machine] = l
	}
	return l
}

// taskPcapPath returns <PcapDir>/<task id>/pcap for the task holding
// machine, or <PcapDir>/<machine name>/pcap when no task holds it.
func (m *Manager) taskPcapPath(machine *types.Machine) string {
	dir := machine.LockedBy
	if dir == "" {
		dir = machine.Name
	}
	return filepath.Join(m.pcapDir, dir, "pcap")
}

func (m *Manager) disable(machine, reason string) {
	m.pool.MarkDisabled(machine, reason)
	if m.onDisabled != nil {
		m.onDisabled(machine, reason)
	}
}

// executeAction runs the action execution algorithm: the
// lock is already held by the caller (popEligible). It is released here
// unless the item is handed off to the waiter sweep, which releases it on
// the item's behalf once the expected state is reached, fails, or times
// out.
func (m *Manager) executeAction(item *workItem, lock *sync.Mutex) {
	timer := metrics.NewTimer()
	ctx := context.Background()
	spec, _ := specFor(item.action) // validated at Enqueue time
	item.spec = spec
	item.lock = lock

	machine := m.pool.GetByName(item.machine)
	if machine == nil {
		lock.Unlock()
		item.reply(Result{Success: false, Reason: "unknown machine"})
		metrics.ActionsTotal.WithLabelValues(string(item.action), "unknown_machine").Inc()
		return
	}
	backend := m.registry.Get(machine.Backend)
	if backend == nil {
		m.disable(item.machine, "no backend registered: "+machine.Backend)
		lock.Unlock()
		item.reply(Result{Success: false, Reason: "no backend registered for " + machine.Backend})
		metrics.ActionsTotal.WithLabelValues(string(item.action), "no_backend").Inc()
		return
	}

	if spec.netCaptureStart {
		if err := backend.StartNetCapture(ctx, item.machine, m.taskPcapPath(machine), m.ignore); err != nil {
			m.log.Warn().Err(err).Str("machine", item.machine).Msg("netcapture start failed")
		}
	}

	invokeErr := spec.invoke(ctx, backend, item.machine)
	invokeKind, _ := KindOf(invokeErr)
	if invokeKind == KindMachineStateReached {
		// The machine is already in the target state: not a failure.
		invokeErr = nil
	}

	if spec.netCaptureStart && invokeErr != nil {
		if err := backend.StopNetCapture(ctx, item.machine); err != nil {
			m.log.Warn().Err(err).Str("machine", item.machine).Msg("netcapture stop-on-failure failed")
		}
	}
	if spec.netCaptureStop {
		if err := backend.StopNetCapture(ctx, item.machine); err != nil {
			m.log.Warn().Err(err).Str("machine", item.machine).Msg("netcapture stop failed")
		}
	}

	if invokeErr != nil {
		// A transient backend error fails this action but leaves the
		// machine enabled; every other error disables it.
		if invokeKind != KindMachineryTransient {
			m.disable(item.machine, invokeErr.Error())
		}
		lock.Unlock()
		item.reply(Result{Success: false, Reason: invokeErr.Error()})
		timer.ObserveDurationVec(metrics.ActionDuration, string(item.action))
		metrics.ActionsTotal.WithLabelValues(string(item.action), "error").Inc()
		return
	}

	if spec.noWait {
		lock.Unlock()
		item.reply(Result{Success: true})
		timer.ObserveDurationVec(metrics.ActionDuration, string(item.action))
		metrics.ActionsTotal.WithLabelValues(string(item.action), "ok").Inc()
		return
	}

	// MachineStateReached short-circuit: the action may already have left
	// the machine in the expected state (e.g. stop on an already-off
	// machine).
	if state, err := backend.State(ctx, item.machine); err == nil && state == spec.expected {
		m.setState(item.machine, state)
		lock.Unlock()
		item.reply(Result{Success: true})
		timer.ObserveDurationVec(metrics.ActionDuration, string(item.action))
		metrics.ActionsTotal.WithLabelValues(string(item.action), "ok").Inc()
		return
	}

	item.waitStart = time.Now()
	m.waitersMu.Lock()
	m.waiters = append(m.waiters, item)
	m.waitersMu.Unlock()
	metrics.MachineryWaiters.Set(float64(m.waiterCount()))
	_ = timer // duration for waited items is observed when the sweep resolves them
}

func (m *Manager) waiterCount() int {
	m.waitersMu.Lock()
	defer m.waitersMu.Unlock()
	return len(m.waiters)
}

// sweepWaiters performs one pass over the state_waiters list.
// Only one worker sweeps at a time; others skip it for that cycle.
func (m *Manager) sweepWaiters() {
	if !m.sweepMu.TryLock() {
		return
	}
	defer m.sweepMu.Unlock()

	ctx := context.Background()

	m.waitersMu.Lock()
	items := m.waiters
	m.waitersMu.Unlock()

	remaining := make([]*workItem, 0, len(items))
	for _, item := range items {
		if m.sweepOne(ctx, item) {
			continue
		}
		remaining = append(remaining, item)
	}

	m.waitersMu.Lock()
	m.waiters = remaining
	m.waitersMu.Unlock()
	metrics.MachineryWaiters.Set(float64(len(remaining)))
}

// sweepOne evaluates one waiting item and returns true if it was resolved
// (removed from the waiter list) this pass.
func (m *Manager) sweepOne(ctx context.Context, item *workItem) bool {
	machine := m.pool.GetByName(item.machine)
	if machine == nil {
		item.lock.Unlock()
		item.reply(Result{Success: false, Reason: "machine no longer registered"})
		return true
	}
	backend := m.registry.Get(machine.Backend)
	if backend == nil {
		item.lock.Unlock()
		item.reply(Result{Success: false, Reason: "no backend registered for " + machine.Backend})
		return true
	}

	state, err := backend.State(ctx, item.machine)
	switch {
	case err != nil:
		m.disable(item.machine, "state check failed: "+err.Error())
		item.lock.Unlock()
		item.reply(Result{Success: false, Reason: err.Error()})
		metrics.ActionsTotal.WithLabelValues(string(item.action), "state_error").Inc()
		return true

	case state == item.spec.expected:
		m.setState(item.machine, state)
		item.lock.Unlock()
		item.reply(Result{Success: true})
		metrics.ActionsTotal.WithLabelValues(string(item.action), "ok").Inc()
		return true

	case state == types.StateError:
		m.disable(item.machine, "machine entered the ERROR state")
		item.lock.Unlock()
		item.reply(Result{Success: false, Reason: "machine entered the ERROR state"})
		metrics.ActionsTotal.WithLabelValues(string(item.action), "machine_error").Inc()
		return true

	case state == types.StatePaused:
		if err := backend.HandlePaused(ctx, item.machine); err != nil {
			m.log.Warn().Err(err).Str("machine", item.machine).Msg("handle_paused failed")
		}
		return false

	default:
		if time.Since(item.waitStart) < m.timeoutFor(item) {
			return false
		}
		return m.timeoutItem(ctx, item, backend)
	}
}

func (m *Manager) timeoutItem(ctx context.Context, item *workItem, backend Backend) bool {
	if item.spec.fallback != "" {
		m.queueMu.Lock()
		m.queue = append(m.queue, &workItem{action: item.spec.fallback, machine: item.machine, replyCh: item.replyCh})
		m.queueMu.Unlock()
		item.lock.Unlock()
		metrics.ActionsTotal.WithLabelValues(string(item.action), "fallback").Inc()
		return true
	}

	const reason = "Timeout reached while waiting for machine to reach expected state."
	m.disable(item.machine, reason)
	if item.spec.cancel != "" {
		if cancelSpec, ok := specFor(item.spec.cancel); ok {
			if err := cancelSpec.invoke(ctx, backend, item.machine); err != nil {
				m.log.Warn().Err(err).Str("machine", item.machine).Msg("cancel action failed")
			}
			if cancelSpec.netCaptureStop {
				_ = backend.StopNetCapture(ctx, item.machine)
			}
		}
	}
	item.lock.Unlock()
	item.reply(Result{Success: false, Reason: reason})
	metrics.ActionsTotal.WithLabelValues(string(item.action), "timeout").Inc()
	return true
}
