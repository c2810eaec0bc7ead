package domain

import "encoding/json"

// ImplementationKind selects how an action is executed.
type ImplementationKind string

const (
	KindNative     ImplementationKind = "native"
	KindCustomCode ImplementationKind = "custom_code"
	KindWorkflow   ImplementationKind = "workflow"
)

// PrerequisiteScope controls where prerequisite satisfaction is tracked.
type PrerequisiteScope string

const (
	ScopeCurrentTurnOnly PrerequisiteScope = "current_turn_only"
	ScopeEntireSession   PrerequisiteScope = "entire_session"
)

// ActionDefinition describes an executable action independent of any agent.
type ActionDefinition struct {
	Name               string             `json:"name"`
	ImplementationKind ImplementationKind `json:"implementation_kind"`
	// Handler is the native or custom handler name, or the workflow endpoint.
	Handler      string          `json:"handler"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`
}

// CapabilityBinding exposes an action to one agent under a function name.
type CapabilityBinding struct {
	AgentID              string            `json:"agent_id"`
	FunctionName         string            `json:"function_name"`
	Description          string            `json:"description,omitempty"`
	ActionName           string            `json:"action_name"`
	InputSchema          json.RawMessage   `json:"input_schema,omitempty"`
	BackendConfig        json.RawMessage   `json:"backend_config,omitempty"`
	PrerequisiteScope    PrerequisiteScope `json:"prerequisite_scope"`
	Prerequisites        []string          `json:"prerequisites,omitempty"`
	RequiresConfirmation bool              `json:"requires_confirmation,omitempty"`
}

// Resolved is a binding joined with the action it points at.
type Resolved struct {
	Binding CapabilityBinding
	Action  ActionDefinition
}

// Schema returns the effective input schema: the agent-specific schema when
// set, otherwise the action's declared schema.
func (r *Resolved) Schema() json.RawMessage {
	if len(r.Binding.InputSchema) > 0 {
		return r.Binding.InputSchema
	}
	return r.Action.InputSchema
}

// MemoryStrategy selects the memory assembler for an agent.
type MemoryStrategy string

const (
	MemoryBufferWindow  MemoryStrategy = "buffer_window"
	MemorySummaryBuffer MemoryStrategy = "summary_buffer"
)

// MemoryConfig configures the memory assembler for one agent.
type MemoryConfig struct {
	Strategy MemoryStrategy `json:"strategy"`
	// Window is N for BufferWindow.
	Window int `json:"window,omitempty"`
	// RetainTurns is how many recent turns SummaryBuffer keeps verbatim.
	RetainTurns int `json:"retain_turns,omitempty"`
	// MaxBufferTokens triggers summarization when the raw buffer exceeds it.
	MaxBufferTokens int `json:"max_buffer_tokens,omitempty"`
}

// Agent is the configuration of one conversational agent.
type Agent struct {
	DeveloperName            string       `json:"developer_name"`
	Model                    string       `json:"model,omitempty"`
	SystemPrompt             string       `json:"system_prompt,omitempty"`
	WelcomeMessage           string       `json:"welcome_message,omitempty"`
	TransientMessagesEnabled bool         `json:"transient_messages_enabled"`
	Memory                   MemoryConfig `json:"memory"`
}
