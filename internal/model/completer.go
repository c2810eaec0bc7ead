package model

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
)

// Completer implements ports.Completer over Client, retrying transient
// failures with exponential backoff.
type Completer struct {
	client       *Client
	defaultModel string
	maxRetries   int
	baseDelay    time.Duration
	logger       *slog.Logger
}

// CompleterOption configures a Completer.
type CompleterOption func(*Completer)

// WithMaxRetries sets how many times a failed call is retried.
func WithMaxRetries(n int) CompleterOption {
	return func(c *Completer) { c.maxRetries = n }
}

// WithBaseDelay sets the first retry delay.
func WithBaseDelay(d time.Duration) CompleterOption {
	return func(c *Completer) { c.baseDelay = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CompleterOption {
	return func(c *Completer) { c.logger = l }
}

// NewCompleter creates a completer. defaultModel is used when a request
// names no model.
func NewCompleter(client *Client, defaultModel string, opts ...CompleterOption) *Completer {
	c := &Completer{
		client:       client,
		defaultModel: defaultModel,
		maxRetries:   3,
		baseDelay:    500 * time.Millisecond,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ ports.Completer = (*Completer)(nil)

// Complete sends req, retrying rate limits, server errors and transport
// failures. Exhausted retries return a KindModelCall error.
func (c *Completer) Complete(ctx context.Context, req *ports.CompletionRequest) (*ports.CompletionResponse, error) {
	apiReq := c.toAPIRequest(req)

	var resp *ChatCompletionResponse
	op := func() error {
		var err error
		resp, err = c.client.CreateChatCompletion(ctx, apiReq)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.MaxInterval = 30 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, delay time.Duration) {
		c.logger.Warn("model call failed, retrying",
			slog.String("model", apiReq.Model),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))
	})
	if err != nil {
		return nil, domain.WrapError(domain.KindModelCall, "model call failed", err)
	}
	if len(resp.Choices) == 0 {
		return nil, domain.NewError(domain.KindModelCall, "model returned no choices")
	}

	msg := resp.Choices[0].Message
	out := &ports.CompletionResponse{Model: resp.Model, Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		switch {
		case tc.Function.Arguments == "":
			args = json.RawMessage(`{}`)
		case !json.Valid(args):
			// Kept as a string so validation reports it back to the model.
			args, _ = json.Marshal(tc.Function.Arguments)
		}
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}

func (c *Completer) toAPIRequest(req *ports.CompletionRequest) *ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	apiReq := &ChatCompletionRequest{Model: model}
	for _, m := range req.Messages {
		msg := ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		if m.Role == domain.RoleTool {
			msg.Name = m.Name
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: FunctionCall{Name: tc.Name, Arguments: string(tc.Arguments)},
			})
		}
		apiReq.Messages = append(apiReq.Messages, msg)
	}
	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, Tool{
			Type:     "function",
			Function: FunctionTool{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	return apiReq
}
