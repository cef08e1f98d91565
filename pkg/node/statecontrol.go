package node

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cert-ee/cuckoonode/pkg/control"
)

// DefaultZipWorkers is the state-control dispatch pool's default size.
const DefaultZipWorkers = 4

// stateControlServer is the Node Controller's unix socket accepting
// taskrundone/taskrunfailed notifications from the Task Flow Runner, and
// the bounded worker pool that processes them.
type stateControlServer struct {
	controller *Controller
	socketPath string
	workers    int
	log        zerolog.Logger

	server *control.Server
	jobs   chan stateControlMessage
	wg     sync.WaitGroup
	stopCh chan struct{}
}

func newStateControlServer(controller *Controller, socketPath string, workers int, log zerolog.Logger) *stateControlServer {
	if workers <= 0 {
		workers = DefaultZipWorkers
	}
	return &stateControlServer{
		controller: controller,
		socketPath: socketPath,
		workers:    workers,
		log:        log.With().Str("component", "statecontrol").Logger(),
		jobs:       make(chan stateControlMessage, 256),
		stopCh:     make(chan struct{}),
	}
}

// Listen binds the control socket and starts the dispatch worker pool.
func (s *stateControlServer) Listen() error {
	s.server = control.NewServer(s.log, s.handle)
	if err := s.server.Listen(s.socketPath); err != nil {
		return fmt.Errorf("node: state-control listen: %w", err)
	}
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return nil
}

// Close stops the dispatch pool and the control socket.
func (s *stateControlServer) Close() {
	close(s.stopCh)
	s.wg.Wait()
	if s.server != nil {
		s.server.Close()
	}
}

func (s *stateControlServer) handle(raw json.RawMessage) (any, error) {
	var msg stateControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed state-control message: %w", err)
	}
	select {
	case s.jobs <- msg:
	default:
		s.log.Warn().Str("task_id", msg.TaskID).Msg("state-control queue full, dropping message")
	}
	return nil, nil
}

func (s *stateControlServer) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case msg := <-s.jobs:
			s.process(msg)
		}
	}
}

func (s *stateControlServer) process(msg stateControlMessage) {
	success := msg.Subject == "taskrundone"

	if success && s.controller.remoteNode {
		if err := zipTaskDir(s.controller.taskDirBase, msg.TaskID); err != nil {
			s.log.Warn().Err(err).Str("task_id", msg.TaskID).Msg("zipping result directory failed, forcing task FAILED")
			success = false
			if msg.Reason == "" {
				msg.Reason = fmt.Sprintf("zip result directory: %v", err)
			}
		}
	}

	if success {
		s.controller.SetTaskSuccess(msg.TaskID)
	} else {
		s.controller.SetTaskFailed(msg.TaskID, msg.Reason)
	}
}
