package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OrchestrationEvent is the bus message that carries a turn from one hop to
// the next. It holds everything the next hop needs beyond persisted state.
type OrchestrationEvent struct {
	SessionID      string       `json:"session_id"`
	UserID         string       `json:"user_id"`
	AgentID        string       `json:"agent_id"`
	TurnIdentifier string       `json:"turn_identifier"`
	TurnCount      int64        `json:"turn_count"`
	SequenceNumber int64        `json:"sequence_number"`
	NextStepType   StepType     `json:"next_step_type"`
	Payload        EventPayload `json:"payload"`
}

// EventPayload is the step-specific part of an OrchestrationEvent.
type EventPayload struct {
	AssistantMessageID string                `json:"assistant_message_id,omitempty"`
	ToolCalls          []ToolCall            `json:"tool_calls,omitempty"`
	Results            []ActionResult        `json:"results,omitempty"`
	ExecutedActions    []string              `json:"executed_actions,omitempty"`
	ToolRound          int                   `json:"tool_round,omitempty"`
	FinalContent       string                `json:"final_content,omitempty"`
	FinalMessageID     string                `json:"final_message_id,omitempty"`
	Confirmation       *ConfirmationDecision `json:"confirmation,omitempty"`
	Error              *ErrorDetails         `json:"error,omitempty"`
}

// ConfirmationDecision is the user's answer to a suspended tool call.
type ConfirmationDecision struct {
	Approved  bool   `json:"approved"`
	MessageID string `json:"message_id,omitempty"`
}

// ErrorDetails is the serializable form of a turn failure.
type ErrorDetails struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Validate checks the fields required for the event's next step. It returns
// a KindValidation error describing every missing field.
func (e *OrchestrationEvent) Validate() error {
	var missing []string
	if strings.TrimSpace(e.SessionID) == "" {
		missing = append(missing, "session_id")
	}
	if strings.TrimSpace(e.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(e.AgentID) == "" {
		missing = append(missing, "agent_id")
	}
	if strings.TrimSpace(e.TurnIdentifier) == "" {
		missing = append(missing, "turn_identifier")
	}
	if e.TurnCount <= 0 {
		missing = append(missing, "turn_count")
	}
	if e.SequenceNumber <= 0 {
		missing = append(missing, "sequence_number")
	}

	switch e.NextStepType {
	case StepPrepareModelCall:
	case StepModelResponseReceived:
		if e.Payload.AssistantMessageID == "" {
			missing = append(missing, "payload.assistant_message_id")
		}
	case StepDispatchActions:
		if len(e.Payload.ToolCalls) == 0 && e.Payload.Confirmation == nil {
			missing = append(missing, "payload.tool_calls")
		}
	case StepActionResultReceived:
		if len(e.Payload.Results) == 0 {
			missing = append(missing, "payload.results")
		}
	case StepPrepareFollowup:
		if e.Payload.ToolRound <= 0 {
			missing = append(missing, "payload.tool_round")
		}
	case StepFinalize:
		if e.Payload.FinalMessageID == "" {
			missing = append(missing, "payload.final_message_id")
		}
	case StepFailed:
		if e.Payload.Error == nil {
			missing = append(missing, "payload.error")
		}
	default:
		return NewError(KindValidation, fmt.Sprintf("unknown next_step_type %q", e.NextStepType))
	}

	if len(missing) > 0 {
		return NewError(KindValidation, "missing required fields: "+strings.Join(missing, ", "))
	}
	return nil
}

// Next builds the event for the hop after this one, carrying identity and
// advancing the sequence number.
func (e *OrchestrationEvent) Next(step StepType, payload EventPayload) *OrchestrationEvent {
	return &OrchestrationEvent{
		SessionID:      e.SessionID,
		UserID:         e.UserID,
		AgentID:        e.AgentID,
		TurnIdentifier: e.TurnIdentifier,
		TurnCount:      e.TurnCount,
		SequenceNumber: e.SequenceNumber + 1,
		NextStepType:   step,
		Payload:        payload,
	}
}

// DecodeEvent parses a bus payload into an OrchestrationEvent.
func DecodeEvent(raw []byte) (*OrchestrationEvent, error) {
	var ev OrchestrationEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, WrapError(KindValidation, "decode orchestration event", err)
	}
	return &ev, nil
}

// FinalResult is published once per completed turn on the final-result channel.
type FinalResult struct {
	SessionID           string        `json:"session_id"`
	TurnIdentifier      string        `json:"turn_identifier"`
	TurnCount           int64         `json:"turn_count"`
	Success             bool          `json:"success"`
	FinalMessageContent string        `json:"final_message_content,omitempty"`
	FinalMessageID      string        `json:"final_message_id,omitempty"`
	ErrorDetails        *ErrorDetails `json:"error_details,omitempty"`
}

// TransientMessage is a best-effort progress notification. Consumers must
// deduplicate on MessageID.
type TransientMessage struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}
