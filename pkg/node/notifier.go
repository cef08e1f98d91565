package node

import (
	"time"

	"github.com/cert-ee/cuckoonode/pkg/control"
)

// stateControlMessage is the wire shape the Task Flow Runner sends over
// the state-control socket: a one-way notification, no reply expected.
type stateControlMessage struct {
	Subject    string `json:"subject"`
	TaskID     string `json:"task_id"`
	AnalysisID string `json:"analysis_id"`
	Reason     string `json:"reason,omitempty"`
}

// socketNotifier implements taskflow.NodeNotifier by crossing the
// state-control socket for terminal outcomes, matching the spec's
// description of this hop as a deliberate cross-thread boundary: only
// taskrundone/taskrunfailed travel over it. TaskRunning is reported
// in-process since it isn't part of that wire contract.
type socketNotifier struct {
	controller *Controller
	socketPath string
	timeout    time.Duration
}

func newSocketNotifier(controller *Controller, socketPath string) *socketNotifier {
	return &socketNotifier{controller: controller, socketPath: socketPath, timeout: 5 * time.Second}
}

func (n *socketNotifier) TaskRunning(taskID string) {
	n.controller.markRunning(taskID)
}

func (n *socketNotifier) TaskDone(taskID string) {
	n.send(stateControlMessage{Subject: "taskrundone", TaskID: taskID, AnalysisID: n.analysisID(taskID)})
}

func (n *socketNotifier) TaskFailed(taskID, reason string) {
	n.send(stateControlMessage{Subject: "taskrunfailed", TaskID: taskID, AnalysisID: n.analysisID(taskID), Reason: reason})
}

func (n *socketNotifier) analysisID(taskID string) string {
	if w := n.controller.Lookup(taskID); w != nil {
		return w.AnalysisID
	}
	return ""
}

func (n *socketNotifier) send(msg stateControlMessage) {
	_ = control.Send("unix", n.socketPath, n.timeout, msg)
}
