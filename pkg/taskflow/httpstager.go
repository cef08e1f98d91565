package taskflow

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cert-ee/cuckoonode/pkg/types"
)

// HTTPStager is the default Stager: it talks to the guest agent's HTTP
// API (the same agent pkg/agent probes for reachability) to drop the
// sample on the machine, run it, and ask the agent to clean up after
// itself. It is grounded on the guest-agent reachability pattern pkg/agent
// establishes, extended with the upload/run/cleanup endpoints a real guest
// agent would expose.
type HTTPStager struct {
	// SampleDir holds one payload file per analysis, named by AnalysisID.
	SampleDir string
	Client    *http.Client
}

// NewHTTPStager builds an HTTPStager reading payloads from sampleDir.
func NewHTTPStager(sampleDir string) *HTTPStager {
	return &HTTPStager{
		SampleDir: sampleDir,
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPStager) samplePath(task *types.Task) string {
	return filepath.Join(s.SampleDir, task.AnalysisID)
}

func (s *HTTPStager) agentBaseURL(task *types.Task) string {
	return fmt.Sprintf("http://%s:%d", task.Machine.IP, task.Machine.AgentPort)
}

// Prepare uploads the sample to the guest agent's staging endpoint.
func (s *HTTPStager) Prepare(ctx context.Context, task *types.Task) error {
	data, err := os.ReadFile(s.samplePath(task))
	if err != nil {
		return fmt.Errorf("httpstager: read sample: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.agentBaseURL(task)+"/sample", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("httpstager: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("httpstager: upload sample: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("httpstager: upload sample: agent returned %s", resp.Status)
	}
	return nil
}

// DeliverPayload asks the guest agent to execute the staged sample.
func (s *HTTPStager) DeliverPayload(ctx context.Context, task *types.Task) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.agentBaseURL(task)+"/run", nil)
	if err != nil {
		return fmt.Errorf("httpstager: build run request: %w", err)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("httpstager: run sample: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("httpstager: run sample: agent returned %s", resp.Status)
	}
	return nil
}

// Cleanup asks the guest agent to remove the staged sample. It runs
// unconditionally, including when Prepare or DeliverPayload failed, so
// best-effort errors here are never treated as fatal by the caller.
func (s *HTTPStager) Cleanup(ctx context.Context, task *types.Task) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.agentBaseURL(task)+"/sample", nil)
	if err != nil {
		return fmt.Errorf("httpstager: build cleanup request: %w", err)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("httpstager: cleanup sample: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("httpstager: cleanup sample: agent returned %s", resp.Status)
	}
	return nil
}
