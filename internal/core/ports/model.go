package ports

import (
	"context"
	"encoding/json"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
)

// ModelMessage is one message of a completion request.
type ModelMessage struct {
	Role       domain.Role
	Content    string
	ToolCalls  []domain.ToolCall
	ToolCallID string
	Name       string
}

// ToolSpec advertises a capability to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// CompletionRequest is a provider-neutral chat completion request.
type CompletionRequest struct {
	Model    string
	Messages []ModelMessage
	Tools    []ToolSpec
}

// CompletionResponse is the part of a completion the engine consumes.
type CompletionResponse struct {
	Model     string
	Content   string
	ToolCalls []domain.ToolCall
}

// Completer performs chat completions.
type Completer interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}
