// Package services holds the collaborator clients and the phase retry loop
// that sit between the HTTP layer and the orchestration core.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// PhaseExecutor computes one phase of a flow. The orchestrator does not know
// how a phase produces its result, only whether it succeeded; execution
// happens outside any database transaction.
type PhaseExecutor interface {
	// ExecutePhase runs the named phase and returns the updated domain
	// payload, or an error to be classified by the orchestrator.
	ExecutePhase(ctx context.Context, flowID, phase string, payload []byte) ([]byte, error)
}

// HTTPPhaseExecutor calls the agent-execution sidecar over HTTP.
type HTTPPhaseExecutor struct {
	url    string
	client *http.Client
}

// NewHTTPPhaseExecutor creates a new HTTPPhaseExecutor.
func NewHTTPPhaseExecutor(url string) *HTTPPhaseExecutor {
	return &HTTPPhaseExecutor{url: url, client: http.DefaultClient}
}

// NewHTTPPhaseExecutorWithClient creates an HTTPPhaseExecutor with a custom
// HTTP client, typically one carrying an OAuth2 token source.
func NewHTTPPhaseExecutorWithClient(url string, client *http.Client) *HTTPPhaseExecutor {
	return &HTTPPhaseExecutor{url: url, client: client}
}

type executeRequest struct {
	FlowID  string          `json:"flow_id"`
	Phase   string          `json:"phase"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ExecutePhase posts the phase request to the sidecar and returns its
// payload. Gateway errors (502/503/504) surface as retryable conditions.
func (e *HTTPPhaseExecutor) ExecutePhase(ctx context.Context, flowID, phase string, payload []byte) ([]byte, error) {
	body, err := json.Marshal(executeRequest{FlowID: flowID, Phase: phase, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/execute", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call phase executor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("phase %s execution failed: status code %d", phase, resp.StatusCode)
	}

	var out json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return out, nil
}

// ExecutorFunc adapts a function to the PhaseExecutor interface.
type ExecutorFunc func(ctx context.Context, flowID, phase string, payload []byte) ([]byte, error)

// ExecutePhase implements PhaseExecutor.
func (f ExecutorFunc) ExecutePhase(ctx context.Context, flowID, phase string, payload []byte) ([]byte, error) {
	return f(ctx, flowID, phase, payload)
}
