package machinery

import (
	"context"

	"github.com/cert-ee/cuckoonode/pkg/types"
)

// IgnoreRoute names an ip:port pair netcapture should exclude from a pcap,
// e.g. the result server's own listen address.
type IgnoreRoute struct {
	IP   string
	Port int
}

// Backend is the Machinery Backend plug-in contract. A backend
// knows how to start/stop/inspect one family of machines (e.g. a KVM
// driver, or — the one concrete implementation this repo ships — a
// containerd-based sandbox runtime). Every method returns synchronously;
// long-running state changes are driven by the Manager's waiter sweep
// polling State, not by the backend blocking until completion.
type Backend interface {
	// Name identifies this backend, used as the Machine.Backend value.
	Name() string

	// VerifyDependencies checks the backend's prerequisites (binaries,
	// sockets, permissions) are present before Init is called.
	VerifyDependencies(ctx context.Context) error

	// Init prepares the backend for use (e.g. connects to a daemon).
	Init(ctx context.Context) error

	// LoadMachines returns the machines this backend knows about, read
	// from its own configuration, at node startup.
	LoadMachines(ctx context.Context) ([]*types.Machine, error)

	// ListMachines returns the backend's current machine list.
	ListMachines(ctx context.Context) ([]*types.Machine, error)

	// State returns the canonical current state of the named machine, or
	// ErrUnhandledState if the backend can't classify it.
	State(ctx context.Context, machine string) (types.MachineState, error)

	RestoreStart(ctx context.Context, machine string) error
	NoRestoreStart(ctx context.Context, machine string) error
	Stop(ctx context.Context, machine string) error
	ACPIStop(ctx context.Context, machine string) error

	// HandlePaused is invoked by the waiter sweep when State reports
	// PAUSED while waiting for a different expected state; a typical
	// implementation resumes the machine.
	HandlePaused(ctx context.Context, machine string) error

	// StartNetCapture begins writing a pcap file for machine's traffic,
	// excluding the given ip:port pairs.
	StartNetCapture(ctx context.Context, machine, pcapPath string, ignore []IgnoreRoute) error
	StopNetCapture(ctx context.Context, machine string) error

	DumpMemory(ctx context.Context, machine, path string) error

	// Shutdown asks the backend to stop every machine it owns and returns
	// the names of machines that failed to stop.
	Shutdown(ctx context.Context) (failed []string)
}

// Registry is a name-keyed lookup of loaded backends, following the same
// interface-plus-named-map shape used for volume drivers elsewhere in this
// codebase.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry builds a Registry from a list of backends, keyed by Name().
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		r.backends[b.Name()] = b
	}
	return r
}

// Get returns the backend registered under name, or nil.
func (r *Registry) Get(name string) Backend {
	return r.backends[name]
}

// All returns every registered backend.
func (r *Registry) All() []Backend {
	out := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	return out
}
