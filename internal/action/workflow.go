package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// WorkflowInvoker runs workflow actions by POSTing to their endpoint.
//
// The request body is {"arguments": ..., "config": ...}; the endpoint
// answers {"success": bool, "result": any, "error": string}.
type WorkflowInvoker struct {
	client  *http.Client
	retries int
	headers map[string]string
	logger  *slog.Logger
}

// WorkflowConfig configures a WorkflowInvoker.
type WorkflowConfig struct {
	Client  *http.Client
	Retries int
	Headers map[string]string
	Logger  *slog.Logger
}

// NewWorkflowInvoker creates a workflow invoker.
func NewWorkflowInvoker(cfg WorkflowConfig) *WorkflowInvoker {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowInvoker{
		client:  client,
		retries: cfg.Retries,
		headers: cfg.Headers,
		logger:  logger,
	}
}

type workflowRequest struct {
	Arguments json.RawMessage `json:"arguments"`
	Config    json.RawMessage `json:"config,omitempty"`
}

type workflowResponse struct {
	Success *bool           `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
}

// Invoke calls endpoint, retrying transport failures and 5xx answers.
func (w *WorkflowInvoker) Invoke(ctx context.Context, endpoint string, args, config json.RawMessage) Outcome {
	var lastErr error

	attempts := w.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		out, retryable, err := w.doRequest(ctx, endpoint, args, config)
		if err == nil {
			return out
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			break
		}
		w.logger.Warn("workflow call failed, retrying",
			slog.String("endpoint", endpoint),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}

	return Failed("workflow error: %v", lastErr)
}

func (w *WorkflowInvoker) doRequest(ctx context.Context, endpoint string, args, config json.RawMessage) (Outcome, bool, error) {
	body, err := json.Marshal(workflowRequest{Arguments: args, Config: config})
	if err != nil {
		return Outcome{}, false, fmt.Errorf("marshal workflow input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Outcome{}, true, fmt.Errorf("workflow request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Outcome{}, true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return Outcome{}, true, fmt.Errorf("workflow returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Outcome{}, false, fmt.Errorf("workflow returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out workflowResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Outcome{}, false, fmt.Errorf("unmarshal workflow output: %w", err)
	}

	// A body without "success" is treated as success when no error is set.
	success := out.Error == ""
	if out.Success != nil {
		success = *out.Success
	}
	if !success && out.Error == "" {
		out.Error = "workflow reported failure"
	}
	return Outcome{Result: out.Result, Success: success, Error: out.Error}, false, nil
}
