// Package rooter is the client side of the rooter protocol: a small
// privileged daemon (cmd/cuckoonode-rooter) that applies and removes
// per-task network routes via iptables, fronted by a unix control socket
// so the Task Flow Runner never needs root itself.
package rooter

import (
	"fmt"
	"time"

	"github.com/cert-ee/cuckoonode/pkg/control"
)

// Route describes one task's network route request: forward the task's
// guest IP so its traffic can reach (or be reached from) a target
// outside the machine's normal network segment.
type Route struct {
	TaskID      string `json:"task_id"`
	MachineIP   string `json:"machine_ip"`
	TargetCIDR  string `json:"target_cidr"`
	TargetPort  int    `json:"target_port,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
}

// Handle identifies an applied route so it can be torn down later.
type Handle struct {
	TaskID string `json:"task_id"`
}

// Client talks to the rooter daemon over its unix control socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// New returns a Client dialing socketPath, using timeout for each
// request/reply round trip.
func New(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

type applyRequest struct {
	Action string `json:"action"`
	Route
}

type removeRequest struct {
	Action string `json:"action"`
	TaskID string `json:"task_id"`
}

type reply struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Apply asks the rooter daemon to install a route for r, returning a
// Handle to pass to Remove once the task finishes. A failure here is
// fatal to the flow.
func (c *Client) Apply(r Route) (Handle, error) {
	var rep reply
	req := applyRequest{Action: "apply", Route: r}
	if err := control.Call("unix", c.socketPath, c.timeout, req, &rep); err != nil {
		return Handle{}, fmt.Errorf("rooter: apply request: %w", err)
	}
	if !rep.Success {
		return Handle{}, fmt.Errorf("rooter: apply refused: %s", rep.Reason)
	}
	return Handle{TaskID: r.TaskID}, nil
}

// Remove tears down the route identified by h. Best-effort: the flow's
// finally block swallows the error but records it.
func (c *Client) Remove(h Handle) error {
	var rep reply
	req := removeRequest{Action: "remove", TaskID: h.TaskID}
	if err := control.Call("unix", c.socketPath, c.timeout, req, &rep); err != nil {
		return fmt.Errorf("rooter: remove request: %w", err)
	}
	if !rep.Success {
		return fmt.Errorf("rooter: remove refused: %s", rep.Reason)
	}
	return nil
}
