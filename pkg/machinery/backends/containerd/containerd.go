// Package containerd implements a Machinery Backend that runs each analysis
// machine as a containerd task, snapshotted from a pinned disk image rather
// than created fresh, so restore_start restores the guest to a
// known-clean state instead of cold-booting an empty image.
package containerd

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/cert-ee/cuckoonode/pkg/log"
	"github.com/cert-ee/cuckoonode/pkg/machinery"
	"github.com/cert-ee/cuckoonode/pkg/machinery/netcapture"
	"github.com/cert-ee/cuckoonode/pkg/types"
)

const (
	// Namespace isolates cuckoonode's containers from other containerd
	// tenants on the same host.
	Namespace = "cuckoonode"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// Config describes one statically-configured machine and where its pinned
// image lives.
type Config struct {
	Name      string
	Label     string
	Image     string // containerd image ref, e.g. "cuckoonode/win10-x64:base"
	Platform  string
	OSVersion string
	Arch      string
	IP        string
	AgentPort int
	Interface string
	Tags      []string

	// SnapshotPath, if set, points at the raw/qcow2 disk image backing
	// this machine's restore_start semantics. When set it is inspected
	// before the container is created so a missing or corrupt image
	// fails LoadMachines instead of surfacing as a mysterious
	// restore_start failure later.
	SnapshotPath string
}

// Backend implements machinery.Backend on top of a containerd client.
type Backend struct {
	socketPath string
	machines   []Config
	client     *containerd.Client
	capture    *netcapture.Manager
	log        zerolog.Logger

	mu    sync.Mutex
	tasks map[string]containerd.Task
}

// New builds a containerd-backed Machinery Backend. socketPath defaults to
// DefaultSocketPath when empty.
func New(socketPath string, machines []Config, logger zerolog.Logger) *Backend {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Backend{
		socketPath: socketPath,
		machines:   machines,
		capture:    netcapture.New(),
		log:        logger.With().Str("backend", "containerd").Logger(),
		tasks:      make(map[string]containerd.Task),
	}
}

// Name implements machinery.Backend.
func (b *Backend) Name() string { return "containerd" }

// VerifyDependencies dials the containerd socket and confirms it answers.
func (b *Backend) VerifyDependencies(ctx context.Context) error {
	client, err := containerd.New(b.socketPath)
	if err != nil {
		return machinery.Wrap(machinery.KindMachineryFatal, "containerd socket unreachable", err)
	}
	defer client.Close()
	if _, err := client.Version(ctx); err != nil {
		return machinery.Wrap(machinery.KindMachineryFatal, "containerd version check failed", err)
	}
	return nil
}

// Init establishes the long-lived containerd client used by every other
// method.
func (b *Backend) Init(ctx context.Context) error {
	client, err := containerd.New(b.socketPath)
	if err != nil {
		return machinery.Wrap(machinery.KindMachineryFatal, "connect to containerd", err)
	}
	b.client = client
	return nil
}

// LoadMachines turns the static Config list into Machine records, creating
// (but not starting) each container from its pinned image snapshot.
func (b *Backend) LoadMachines(ctx context.Context) ([]*types.Machine, error) {
	ctx = namespaces.WithNamespace(ctx, Namespace)

	out := make([]*types.Machine, 0, len(b.machines))
	for _, cfg := range b.machines {
		if err := b.ensureContainer(ctx, cfg); err != nil {
			return nil, machinery.Wrap(machinery.KindMachineryFatal,
				fmt.Sprintf("prepare container for machine %s", cfg.Name), err)
		}
		out = append(out, &types.Machine{
			Name:      cfg.Name,
			Backend:   b.Name(),
			Label:     cfg.Label,
			IP:        cfg.IP,
			AgentPort: cfg.AgentPort,
			Platform:  cfg.Platform,
			OSVersion: cfg.OSVersion,
			Arch:      cfg.Arch,
			Snapshot:  cfg.Image,
			Interface: cfg.Interface,
			Tags:      cfg.Tags,
			State:     types.StatePoweroff,
		})
	}
	return out, nil
}

// ListMachines returns the same set LoadMachines populated, without
// re-creating any container.
func (b *Backend) ListMachines(ctx context.Context) ([]*types.Machine, error) {
	return b.LoadMachines(ctx)
}

func (b *Backend) ensureContainer(ctx context.Context, cfg Config) error {
	if cfg.SnapshotPath != "" {
		if _, err := InspectSnapshot(cfg.SnapshotPath); err != nil {
			return fmt.Errorf("machine %s: %w", cfg.Name, err)
		}
	}

	if _, err := b.client.LoadContainer(ctx, cfg.Name); err == nil {
		return nil
	}

	image, err := b.client.GetImage(ctx, cfg.Image)
	if err != nil {
		image, err = b.client.Pull(ctx, cfg.Image, containerd.WithPullUnpack)
		if err != nil {
			return fmt.Errorf("pull image %s: %w", cfg.Image, err)
		}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithHostname(cfg.Name),
	}

	_, err = b.client.NewContainer(
		ctx,
		cfg.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(cfg.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	return err
}

// State reports the machine's current runtime state, mapping containerd
// task status onto the canonical machine state enum.
func (b *Backend) State(ctx context.Context, machine string) (types.MachineState, error) {
	ctx = namespaces.WithNamespace(ctx, Namespace)

	container, err := b.client.LoadContainer(ctx, machine)
	if err != nil {
		return "", machinery.Wrap(machinery.KindMachineryUnhandled, "load container", err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return types.StatePoweroff, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return "", machinery.Wrap(machinery.KindMachineryUnhandled, "task status", err)
	}

	switch status.Status {
	case containerd.Running:
		return types.StateRunning, nil
	case containerd.Paused:
		return types.StatePaused, nil
	case containerd.Stopped:
		return types.StatePoweroff, nil
	default:
		return "", machinery.Wrap(machinery.KindMachineryUnhandled,
			fmt.Sprintf("unmapped containerd status %q", status.Status), nil)
	}
}

// RestoreStart resets the container's task from its pinned snapshot before
// starting it, giving analysis runs a clean guest each time.
func (b *Backend) RestoreStart(ctx context.Context, machine string) error {
	ctx = namespaces.WithNamespace(ctx, Namespace)
	if err := b.teardownTask(ctx, machine); err != nil {
		return err
	}
	return b.startTask(ctx, machine)
}

// NoRestoreStart starts the container's existing task as-is, without
// resetting it to the pinned snapshot first.
func (b *Backend) NoRestoreStart(ctx context.Context, machine string) error {
	ctx = namespaces.WithNamespace(ctx, Namespace)
	return b.startTask(ctx, machine)
}

func (b *Backend) startTask(ctx context.Context, machine string) error {
	container, err := b.client.LoadContainer(ctx, machine)
	if err != nil {
		return fmt.Errorf("load container %s: %w", machine, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		task, err = container.NewTask(ctx, cio.NullIO)
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}
	}

	b.mu.Lock()
	b.tasks[machine] = task
	b.mu.Unlock()

	return task.Start(ctx)
}

func (b *Backend) teardownTask(ctx context.Context, machine string) error {
	container, err := b.client.LoadContainer(ctx, machine)
	if err != nil {
		return fmt.Errorf("load container %s: %w", machine, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}
	status, err := task.Status(ctx)
	if err == nil && status.Status == containerd.Running {
		_ = task.Kill(ctx, syscall.SIGKILL)
		statusC, waitErr := task.Wait(ctx)
		if waitErr == nil {
			<-statusC
		}
	}
	_, err = task.Delete(ctx)
	return err
}

// Stop issues SIGKILL and waits for exit.
func (b *Backend) Stop(ctx context.Context, machine string) error {
	ctx = namespaces.WithNamespace(ctx, Namespace)
	return b.stopWithSignal(ctx, machine, syscall.SIGKILL, 5*time.Second)
}

// ACPIStop requests graceful shutdown (SIGTERM) before the manager's
// fallback to Stop kicks in on timeout.
func (b *Backend) ACPIStop(ctx context.Context, machine string) error {
	ctx = namespaces.WithNamespace(ctx, Namespace)
	return b.stopWithSignal(ctx, machine, syscall.SIGTERM, 30*time.Second)
}

func (b *Backend) stopWithSignal(ctx context.Context, machine string, sig syscall.Signal, grace time.Duration) error {
	container, err := b.client.LoadContainer(ctx, machine)
	if err != nil {
		return fmt.Errorf("load container %s: %w", machine, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	if err := task.Kill(ctx, sig); err != nil {
		return fmt.Errorf("signal task: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	statusC, err := task.Wait(waitCtx)
	if err != nil {
		return fmt.Errorf("wait for task: %w", err)
	}
	select {
	case <-statusC:
	case <-waitCtx.Done():
		_ = task.Kill(ctx, syscall.SIGKILL)
	}

	_, err = task.Delete(ctx)
	return err
}

// HandlePaused resumes a paused task, matching the spec's requirement that
// the waiter sweep call back into the backend when it observes PAUSED.
func (b *Backend) HandlePaused(ctx context.Context, machine string) error {
	ctx = namespaces.WithNamespace(ctx, Namespace)
	container, err := b.client.LoadContainer(ctx, machine)
	if err != nil {
		return fmt.Errorf("load container %s: %w", machine, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	return task.Resume(ctx)
}

// StartNetCapture begins a pcap capture of the machine's network
// interface.
func (b *Backend) StartNetCapture(ctx context.Context, machine, pcapPath string, ignore []machinery.IgnoreRoute) error {
	iface := b.ifaceFor(machine)
	if iface == "" {
		log.WithMachine(machine).Warn().Msg("no interface configured, skipping netcapture")
		return nil
	}
	return b.capture.Start(machine, iface, pcapPath, ignore)
}

// StopNetCapture halts the running capture, if any.
func (b *Backend) StopNetCapture(ctx context.Context, machine string) error {
	return b.capture.Stop(machine)
}

func (b *Backend) ifaceFor(machine string) string {
	for _, cfg := range b.machines {
		if cfg.Name == machine {
			return cfg.Interface
		}
	}
	return ""
}

// DumpMemory is not implemented for the containerd backend: containerd
// tasks are processes, not VMs, and have no analogous memory-dump
// facility. Supplying a QEMU/KVM-backed Backend is the intended way to
// exercise this operation.
func (b *Backend) DumpMemory(ctx context.Context, machine, path string) error {
	return machinery.New(machinery.KindMachineryUnhandled, "memory dump unsupported by containerd backend")
}

// Shutdown stops every known container's task, returning the names of any
// that failed to reach POWEROFF.
func (b *Backend) Shutdown(ctx context.Context) []string {
	ctx = namespaces.WithNamespace(ctx, Namespace)
	var failed []string
	for _, cfg := range b.machines {
		if err := b.stopWithSignal(ctx, cfg.Name, syscall.SIGKILL, 5*time.Second); err != nil {
			failed = append(failed, cfg.Name)
		}
	}
	if b.client != nil {
		_ = b.client.Close()
	}
	return failed
}
