package machinery

import (
	"context"
	"time"

	"github.com/cert-ee/cuckoonode/pkg/types"
)

// ActionName is one of the five actions enqueue accepts.
type ActionName string

const (
	ActionRestoreStart   ActionName = "restore_start"
	ActionNoRestoreStart ActionName = "norestore_start"
	ActionStop           ActionName = "stop"
	ActionACPIStop       ActionName = "acpi_stop"
	ActionScreenshot     ActionName = "screenshot"
)

// actionSpec describes one action's composed side effects, expected
// terminal state, timeout, fallback and cancel action.
type actionSpec struct {
	invoke          func(ctx context.Context, b Backend, machine string) error
	expected        types.MachineState
	timeout         time.Duration
	fallback        ActionName // empty if none
	cancel          ActionName // empty if none
	netCaptureStart bool       // start netcapture before invoke
	netCaptureStop  bool       // stop netcapture after invoke
	noWait          bool       // invoke is synchronous; never enters the waiter list
}

func specFor(action ActionName) (actionSpec, bool) {
	switch action {
	case ActionRestoreStart:
		return actionSpec{
			invoke:          func(ctx context.Context, b Backend, m string) error { return b.RestoreStart(ctx, m) },
			expected:        types.StateRunning,
			timeout:         180 * time.Second,
			cancel:          ActionStop,
			netCaptureStart: true,
		}, true
	case ActionNoRestoreStart:
		return actionSpec{
			invoke:          func(ctx context.Context, b Backend, m string) error { return b.NoRestoreStart(ctx, m) },
			expected:        types.StateRunning,
			timeout:         60 * time.Second,
			cancel:          ActionStop,
			netCaptureStart: true,
		}, true
	case ActionStop:
		return actionSpec{
			invoke:         func(ctx context.Context, b Backend, m string) error { return b.Stop(ctx, m) },
			expected:       types.StatePoweroff,
			timeout:        60 * time.Second,
			netCaptureStop: true,
		}, true
	case ActionACPIStop:
		return actionSpec{
			invoke:         func(ctx context.Context, b Backend, m string) error { return b.ACPIStop(ctx, m) },
			expected:       types.StatePoweroff,
			timeout:        120 * time.Second,
			fallback:       ActionStop,
			netCaptureStop: true,
		}, true
	case ActionScreenshot:
		// screenshot does not change machine state: the spec's expected-
		// state table lists it as RUNNING (no change). As a noWait action
		// it is reported as an immediate success without polling State or
		// entering the waiter list, and the Pool's recorded state is left
		// as it was.
		return actionSpec{
			invoke:   func(ctx context.Context, b Backend, m string) error { return nil },
			expected: types.StateRunning,
			noWait:   true,
		}, true
	default:
		return actionSpec{}, false
	}
}
