package domain

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ChatMessage is one persisted message of a session. Messages are append-only.
type ChatMessage struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	TurnIdentifier string          `json:"turn_identifier,omitempty"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	ExternalID     string          `json:"external_id,omitempty"`
	Position       int64           `json:"position"`
	Timestamp      time.Time       `json:"timestamp"`
	ToolCallsData  json.RawMessage `json:"tool_calls_data,omitempty"`
	ToolResultData json.RawMessage `json:"tool_result_data,omitempty"`
}

// GroupKey is the logical-turn key of the message. Messages that belong to
// no turn (welcome messages) form a group of their own.
func (m *ChatMessage) GroupKey() string {
	if m.TurnIdentifier != "" {
		return m.TurnIdentifier
	}
	return "msg:" + m.ID
}

// ToolCalls decodes ToolCallsData.
func (m *ChatMessage) ToolCalls() ([]ToolCall, error) {
	if len(m.ToolCallsData) == 0 {
		return nil, nil
	}
	var calls []ToolCall
	if err := json.Unmarshal(m.ToolCallsData, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

// ToolResult decodes ToolResultData.
func (m *ChatMessage) ToolResult() (*ActionResult, error) {
	if len(m.ToolResultData) == 0 {
		return nil, nil
	}
	var res ActionResult
	if err := json.Unmarshal(m.ToolResultData, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// UserExternalID derives the external id of the user message that opens a turn.
func UserExternalID(turnIdentifier string) string {
	return "user-" + turnIdentifier
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ActionResult is the uniform outcome of dispatching one tool call.
type ActionResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  ErrorKind       `json:"error_kind,omitempty"`
}

// Content renders the result as the tool message text shown to the model.
func (r *ActionResult) Content() string {
	if r.Success {
		if len(r.Result) == 0 {
			return `{"success":true}`
		}
		return string(r.Result)
	}
	body, _ := json.Marshal(map[string]any{
		"success": false,
		"error":   r.Error,
		"kind":    r.ErrorKind,
	})
	return string(body)
}
