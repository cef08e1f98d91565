// Package resultserver implements the Result Server: a unix control
// socket for IP-to-task_id mapping plus a TCP listener that demultiplexes
// guest-VM connections by source IP into per-task upload streams.
package resultserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cert-ee/cuckoonode/pkg/control"
	"github.com/cert-ee/cuckoonode/pkg/metrics"
	"github.com/cert-ee/cuckoonode/pkg/taskdir"
)

// mapping is one active IP→task reservation.
type mapping struct {
	taskID string
	dir    *taskdir.Dir
	cancel chan struct{}
}

// Config configures one Result Server instance.
type Config struct {
	ListenAddr  string // TCP listen address, e.g. "10.0.0.1:2042"
	ControlPath string // unix control socket path
	TaskDirBase string // base directory all task directories live under
}

// Server is the Result Server: a TCP upload listener guarded by an
// IP→task mapping table, plus a unix control socket that mutates it.
type Server struct {
	cfg Config
	log zerolog.Logger

	mu       sync.RWMutex
	mappings map[string]*mapping

	control  *control.Server
	listener net.Listener

	wg sync.WaitGroup
}

// New builds a Server. Call Listen to start accepting connections.
func New(cfg Config, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "resultserver").Logger(),
		mappings: make(map[string]*mapping),
	}
}

// Listen binds both the control socket and the TCP listener and starts
// the accept loops.
func (s *Server) Listen() error {
	s.control = control.NewServer(s.log, s.handleControl)
	if err := s.control.Listen(s.cfg.ControlPath); err != nil {
		return fmt.Errorf("resultserver: control socket: %w", err)
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.control.Close()
		return fmt.Errorf("resultserver: tcp listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Close stops the accept loop and the control socket. In-flight
// connections are left to finish or be cancelled by Unmap.
func (s *Server) Close() error {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.control != nil {
		s.control.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}

	m := s.lookup(host)
	if m == nil {
		return
	}

	connLog := s.log.With().Str("task_id", m.taskID).Str("peer_ip", host).Logger()

	reader := bufio.NewReader(conn)
	header, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	proto, _, _ := splitHeaderLine(header)

	switch proto {
	case "FILE":
		handleFileUpload(conn, reader, m, connLog)
	case "SCREENSHOT":
		handleScreenshotUpload(conn, reader, m, connLog)
	case "LOG":
		handleLogUpload(conn, reader, m, connLog)
	default:
		connLog.Warn().Str("protocol", proto).Msg("unknown result-server protocol, closing")
	}
}

func (s *Server) lookup(ip string) *mapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mappings[ip]
}

// Map reserves ip for taskID, creating its task directory. Returns an
// error if ip is already mapped.
func (s *Server) Map(ip, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mappings[ip]; ok {
		return fmt.Errorf("resultserver: %s already mapped", ip)
	}
	dir, err := taskdir.New(s.cfg.TaskDirBase, taskID)
	if err != nil {
		return fmt.Errorf("resultserver: create task dir: %w", err)
	}
	s.mappings[ip] = &mapping{taskID: taskID, dir: dir, cancel: make(chan struct{})}
	metrics.MappedIPs.Set(float64(len(s.mappings)))
	return nil
}

// Unmap removes ip's reservation, cancelling any in-flight transfer for
// it. Idempotent.
func (s *Server) Unmap(ip string) {
	s.mu.Lock()
	m, ok := s.mappings[ip]
	if ok {
		delete(s.mappings, ip)
		metrics.MappedIPs.Set(float64(len(s.mappings)))
	}
	s.mu.Unlock()
	if ok {
		close(m.cancel)
	}
}

func (s *Server) handleControl(raw json.RawMessage) (any, error) {
	var req struct {
		Action string `json:"action"`
		IP     string `json:"ip"`
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}

	switch req.Action {
	case "add":
		if err := s.Map(req.IP, req.TaskID); err != nil {
			return map[string]string{"status": "fail", "reason": err.Error()}, nil
		}
		return map[string]string{"status": "ok"}, nil
	case "remove":
		s.Unmap(req.IP)
		return map[string]string{"status": "ok"}, nil
	default:
		return map[string]string{"status": "fail", "reason": "unknown action"}, nil
	}
}

func splitHeaderLine(line string) (proto, extras string, ok bool) {
	trimmed := trimCRLF(line)
	for i, r := range trimmed {
		if r == ' ' || r == '\t' {
			return trimmed[:i], trimmed[i+1:], true
		}
	}
	return trimmed, "", trimmed != ""
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
