package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/PuyokRfly/Audit-Playground/config"
)

// WorkflowNotifier hands a fresh submission to an external workflow that
// later calls back into the internal analyze endpoint.
type WorkflowNotifier interface {
	Enabled() bool
	Trigger(ctx context.Context, submissionID string, contractCode []byte) error
}

// WorkflowClient posts trigger requests to a webhook URL.
type WorkflowClient struct {
	config     *config.WorkflowConfig
	httpClient *http.Client
}

// WorkflowTriggerRequest is the trigger payload
type WorkflowTriggerRequest struct {
	TaskID       string `json:"taskId"`
	ContractCode string `json:"contractCode"`
}

func NewWorkflowClient(cfg *config.WorkflowConfig) *WorkflowClient {
	return &WorkflowClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Enabled reports whether a trigger URL is configured.
func (w *WorkflowClient) Enabled() bool {
	return w.config.TriggerURL != ""
}

func (w *WorkflowClient) Trigger(ctx context.Context, submissionID string, contractCode []byte) error {
	if !w.Enabled() {
		return fmt.Errorf("workflow trigger is not configured")
	}

	jsonData, err := json.Marshal(WorkflowTriggerRequest{
		TaskID:       submissionID,
		ContractCode: string(contractCode),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.TriggerURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.config.Token != "" {
		req.Header.Set("X-Workflow-Token", w.config.Token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("workflow trigger returned status %d", resp.StatusCode)
	}
	return nil
}
