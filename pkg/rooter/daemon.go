package rooter

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cert-ee/cuckoonode/pkg/control"
)

// appliedRoute records the iptables rules installed for one task, so
// Remove can delete exactly what Apply created.
type appliedRoute struct {
	route Route
}

// Daemon is the rooter's privileged side: it owns the unix control
// socket and translates apply/remove requests into iptables rules (a nat
// PREROUTING ACCEPT rule, a MASQUERADE rule and a FORWARD rule), adapted
// from the host-mode port
// publisher's rule-builder to per-task route handles instead of
// per-container port mappings.
type Daemon struct {
	log zerolog.Logger

	mu     sync.Mutex
	routes map[string]appliedRoute

	server *control.Server
}

// NewDaemon builds an idle Daemon. Call Listen to start serving.
func NewDaemon(log zerolog.Logger) *Daemon {
	return &Daemon{
		log:    log.With().Str("component", "rooter").Logger(),
		routes: make(map[string]appliedRoute),
	}
}

// Listen binds the daemon's unix control socket.
func (d *Daemon) Listen(socketPath string) error {
	d.server = control.NewServer(d.log, d.handle)
	return d.server.Listen(socketPath)
}

// Close stops serving and tears down any routes still applied.
func (d *Daemon) Close() {
	d.mu.Lock()
	remaining := make([]string, 0, len(d.routes))
	for taskID := range d.routes {
		remaining = append(remaining, taskID)
	}
	d.mu.Unlock()

	for _, taskID := range remaining {
		if err := d.teardown(taskID); err != nil {
			d.log.Warn().Err(err).Str("task_id", taskID).Msg("failed to tear down route on shutdown")
		}
	}
	if d.server != nil {
		d.server.Close()
	}
}

func (d *Daemon) handle(raw json.RawMessage) (any, error) {
	var envelope struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}

	switch envelope.Action {
	case "apply":
		var req applyRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("malformed apply request: %w", err)
		}
		if err := d.apply(req.Route); err != nil {
			return reply{Success: false, Reason: err.Error()}, nil
		}
		return reply{Success: true}, nil
	case "remove":
		var req removeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("malformed remove request: %w", err)
		}
		if err := d.teardown(req.TaskID); err != nil {
			return reply{Success: false, Reason: err.Error()}, nil
		}
		return reply{Success: true}, nil
	default:
		return reply{Success: false, Reason: "unknown action"}, nil
	}
}

func (d *Daemon) apply(r Route) error {
	d.mu.Lock()
	if _, ok := d.routes[r.TaskID]; ok {
		d.mu.Unlock()
		return fmt.Errorf("route already applied for task %s", r.TaskID)
	}
	d.mu.Unlock()

	protocol := strings.ToLower(r.Protocol)
	if protocol == "" {
		protocol = "tcp"
	}

	dnat := []string{
		"-t", "nat", "-A", "PREROUTING",
		"-s", r.MachineIP, "-d", r.TargetCIDR,
	}
	if r.TargetPort != 0 {
		dnat = append(dnat, "-p", protocol, "--dport", fmt.Sprintf("%d", r.TargetPort))
	}
	dnat = append(dnat, "-j", "ACCEPT")
	if err := runIPTables(dnat); err != nil {
		return fmt.Errorf("install route rule: %w", err)
	}

	masq := []string{
		"-t", "nat", "-A", "POSTROUTING",
		"-s", r.MachineIP, "-d", r.TargetCIDR, "-j", "MASQUERADE",
	}
	if err := runIPTables(masq); err != nil {
		removeRule(dnat)
		return fmt.Errorf("install masquerade rule: %w", err)
	}

	forward := []string{
		"-A", "FORWARD", "-s", r.MachineIP, "-d", r.TargetCIDR, "-j", "ACCEPT",
	}
	if err := runIPTables(forward); err != nil {
		removeRule(dnat)
		removeRule(masq)
		return fmt.Errorf("install forward rule: %w", err)
	}

	d.mu.Lock()
	d.routes[r.TaskID] = appliedRoute{route: r}
	d.mu.Unlock()
	return nil
}

func (d *Daemon) teardown(taskID string) error {
	d.mu.Lock()
	applied, ok := d.routes[taskID]
	if ok {
		delete(d.routes, taskID)
	}
	d.mu.Unlock()
	if !ok {
		return nil // idempotent, matching the result-server unmap contract
	}

	r := applied.route
	protocol := strings.ToLower(r.Protocol)
	if protocol == "" {
		protocol = "tcp"
	}

	dnat := []string{"-t", "nat", "-A", "PREROUTING", "-s", r.MachineIP, "-d", r.TargetCIDR}
	if r.TargetPort != 0 {
		dnat = append(dnat, "-p", protocol, "--dport", fmt.Sprintf("%d", r.TargetPort))
	}
	dnat = append(dnat, "-j", "ACCEPT")
	removeRule(dnat)

	masq := []string{"-t", "nat", "-A", "POSTROUTING", "-s", r.MachineIP, "-d", r.TargetCIDR, "-j", "MASQUERADE"}
	removeRule(masq)

	forward := []string{"-A", "FORWARD", "-s", r.MachineIP, "-d", r.TargetCIDR, "-j", "ACCEPT"}
	removeRule(forward)

	return nil
}

// removeRule flips an -A (append) rule spec to -D (delete) and runs it,
// ignoring errors: rules that were never installed (partial failure
// during apply) simply fail to delete, which is fine during cleanup.
func removeRule(appendArgs []string) {
	delArgs := make([]string, len(appendArgs))
	copy(delArgs, appendArgs)
	for i, a := range delArgs {
		if a == "-A" {
			delArgs[i] = "-D"
			break
		}
	}
	_ = runIPTables(delArgs)
}

func runIPTables(args []string) error {
	cmd := exec.Command("iptables", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables %s: %w (output: %s)", strings.Join(args, " "), err, string(output))
	}
	return nil
}
