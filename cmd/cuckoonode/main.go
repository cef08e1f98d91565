// Command cuckoonode runs one analysis worker node: the Machinery
// Manager, Task Flow Runner, Result Server, Rooter client, and Node
// Controller wired together into a single long-running process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cert-ee/cuckoonode/pkg/agent"
	"github.com/cert-ee/cuckoonode/pkg/log"
	"github.com/cert-ee/cuckoonode/pkg/machinery"
	"github.com/cert-ee/cuckoonode/pkg/machinery/backends/containerd"
	"github.com/cert-ee/cuckoonode/pkg/machinery/backends/mock"
	"github.com/cert-ee/cuckoonode/pkg/metrics"
	"github.com/cert-ee/cuckoonode/pkg/node"
	"github.com/cert-ee/cuckoonode/pkg/pool"
	"github.com/cert-ee/cuckoonode/pkg/resultserver"
	"github.com/cert-ee/cuckoonode/pkg/rooter"
	"github.com/cert-ee/cuckoonode/pkg/storage"
	"github.com/cert-ee/cuckoonode/pkg/taskflow"
	"github.com/cert-ee/cuckoonode/pkg/types"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "cuckoonode",
	Short:   "cuckoonode runs one malware-analysis worker node",
	Version: Version,
	RunE:    runNode,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("cuckoonode version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	flags := rootCmd.Flags()
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Output logs in JSON format")
	flags.String("data-dir", "/var/lib/cuckoonode", "Directory for the node's persisted state database")
	flags.String("task-dir", "/var/lib/cuckoonode/tasks", "Directory task result directories are created under")
	flags.String("sample-dir", "/var/lib/cuckoonode/samples", "Directory the default stager reads staged payloads from")
	flags.String("backend", "mock", "Machinery backend to use (containerd, mock)")
	flags.String("machines-config", "", "Path to a JSON file describing the machine pool (required for the containerd backend)")
	flags.Int("machinery-workers", machinery.DefaultWorkers, "Machinery Manager worker pool size")
	flags.Int("flow-workers", taskflow.DefaultWorkers, "Task Flow Runner worker pool size")
	flags.Int("zip-workers", node.DefaultZipWorkers, "State-control dispatch pool size")
	flags.Bool("remote-node", false, "Zip each task's result directory before reporting its terminal outcome")
	flags.String("result-listen-addr", ":9100", "Result Server upload listen address")
	flags.String("result-control-socket", "/run/cuckoonode/resultserver.sock", "Result Server control socket path")
	flags.String("rooter-socket", "/run/cuckoonode/rooter.sock", "Rooter daemon control socket path")
	flags.String("state-control-socket", "/run/cuckoonode/statecontrol.sock", "Node Controller's state-control socket path")
	flags.String("agent-mode", "tcp", "Guest agent reachability probe mode (tcp, http)")
	flags.String("metrics-addr", ":9090", "Address the Prometheus metrics and health endpoints listen on")
}

func runNode(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	logLevel, _ := flags.GetString("log-level")
	logJSON, _ := flags.GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	logger := log.WithComponent("cuckoonode")

	dataDir, _ := flags.GetString("data-dir")
	taskDir, _ := flags.GetString("task-dir")
	sampleDir, _ := flags.GetString("sample-dir")
	backendName, _ := flags.GetString("backend")
	machinesConfigPath, _ := flags.GetString("machines-config")
	machineryWorkers, _ := flags.GetInt("machinery-workers")
	flowWorkers, _ := flags.GetInt("flow-workers")
	zipWorkers, _ := flags.GetInt("zip-workers")
	remoteNode, _ := flags.GetBool("remote-node")
	resultListenAddr, _ := flags.GetString("result-listen-addr")
	resultControlSocket, _ := flags.GetString("result-control-socket")
	rooterSocket, _ := flags.GetString("rooter-socket")
	stateControlSocket, _ := flags.GetString("state-control-socket")
	agentModeFlag, _ := flags.GetString("agent-mode")
	metricsAddr, _ := flags.GetString("metrics-addr")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer store.Close()

	p := pool.New()
	registry, ignoreRoutes, err := buildRegistry(backendName, machinesConfigPath, logger)
	if err != nil {
		return err
	}

	mgr := machinery.NewManager(p, registry, machinery.Config{Workers: machineryWorkers, PcapDir: taskDir}, logger)
	mgr.SetDisabledHook(func(m, reason string) {
		logger.Warn().Str("machine", m).Str("reason", reason).Msg("machine disabled")
	})
	mgr.SetStateSavedHook(func(m string, state types.MachineState) {
		if err := store.MachineStates().Save(m, state); err != nil {
			logger.Warn().Err(err).Str("machine", m).Msg("failed to persist machine state")
		}
	})
	mgr.SetIgnoreRoutes(ignoreRoutes)

	previousStates, err := store.MachineStates().LoadAll()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load persisted machine states, starting clean")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	err = mgr.LoadMachineries(ctx, previousStates)
	cancel()
	if err != nil {
		return fmt.Errorf("load machineries: %w", err)
	}

	rs := resultserver.New(resultserver.Config{
		ListenAddr:  resultListenAddr,
		ControlPath: resultControlSocket,
		TaskDirBase: taskDir,
	}, logger)
	if err := rs.Listen(); err != nil {
		return fmt.Errorf("start result server: %w", err)
	}
	defer rs.Close()

	rooterClient := rooter.New(rooterSocket, 5*time.Second)

	stagers := taskflow.NewStagerRegistry()
	defaultStager := taskflow.NewHTTPStager(sampleDir)
	for _, plat := range []string{"windows", "linux"} {
		for _, arch := range []string{"amd64", "x86"} {
			stagers.Register(plat, arch, defaultStager)
		}
	}

	flowDeps := taskflow.Deps{
		Pool:         p,
		Machinery:    mgr,
		ResultServer: rs,
		Rooter:       rooterClient,
		Stagers:      stagers,
		TaskDirBase:  taskDir,
		AgentMode:    agent.Mode(agentModeFlag),
		Log:          logger,
	}

	controller := node.NewController(node.Config{
		Pool:             p,
		FlowDeps:         flowDeps,
		FlowWorkers:      flowWorkers,
		TaskDirBase:      taskDir,
		StateControlPath: stateControlSocket,
		ZipWorkers:       zipWorkers,
		RingBufferSize:   node.DefaultRingBufferSize,
		RemoteNode:       remoteNode,
		TaskIndex:        store.TaskIndex(),
		Log:              logger,
	})

	mgr.Start()
	defer func() {
		mgr.Stop()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		mgr.ShutdownAll(shutdownCtx)
		shutdownCancel()
	}()

	recoverFromPreviousRun(context.Background(), mgr, p, store, controller, logger)

	if err := controller.Start(); err != nil {
		return fmt.Errorf("start node controller: %w", err)
	}
	defer controller.Stop()

	collector := metrics.NewCollector(p)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metricsSrv := startMetricsServer(metricsAddr, logger)
	defer metricsSrv.Shutdown(context.Background())

	logger.Info().Str("backend", backendName).Int("machines", p.Count()).Msg("cuckoonode ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")
	return nil
}

// recoverFromPreviousRun implements crash recovery: any machine the
// persisted state dump last saw RUNNING is stopped back to POWEROFF (it
// cannot still be running whatever task it held), and any task that never
// reached a terminal state before the process last stopped is reported
// task_failed so subscribers see the transition they would have seen had
// the node not crashed mid-run.
func recoverFromPreviousRun(ctx context.Context, mgr *machinery.Manager, p *pool.Pool, store *storage.Store, controller *node.Controller, logger zerolog.Logger) {
	for _, m := range p.List() {
		if m.State != types.StateRunning {
			continue
		}
		stopCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		_, err := mgr.Do(stopCtx, machinery.ActionStop, m.Name)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Str("machine", m.Name).Msg("failed to stop machine left RUNNING by a previous crash")
		}
	}

	entries, err := store.TaskIndex().ListNonTerminal()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load non-terminal task index entries")
		return
	}
	if len(entries) > 0 {
		logger.Warn().Int("count", len(entries)).Msg("recovering tasks left in flight by a previous crash")
		controller.RecoverCrashedTasks(entries)
	}
}

func buildRegistry(backendName, machinesConfigPath string, logger zerolog.Logger) (*machinery.Registry, []machinery.IgnoreRoute, error) {
	switch backendName {
	case "mock":
		b := mock.New()
		return machinery.NewRegistry(b), nil, nil
	case "containerd":
		if machinesConfigPath == "" {
			return nil, nil, fmt.Errorf("--machines-config is required for the containerd backend")
		}
		cfg, err := loadMachinesConfig(machinesConfigPath)
		if err != nil {
			return nil, nil, err
		}
		b := containerd.New(cfg.ContainerdSocket, cfg.Machines, logger)

		ignore := make([]machinery.IgnoreRoute, 0, len(cfg.IgnoreRoutes))
		for _, r := range cfg.IgnoreRoutes {
			ignore = append(ignore, machinery.IgnoreRoute{IP: r.IP, Port: r.Port})
		}
		return machinery.NewRegistry(b), ignore, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", backendName)
	}
}

func startMetricsServer(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	return srv
}
